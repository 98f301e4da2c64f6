package pipeline

import (
	"context"

	"github.com/omarmfza1-glitch/nexus-miracle/internal/calllog"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/filler"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/persona"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/session"
)

// Recognizer turns an utterance into text
type Recognizer interface {
	Transcribe(ctx context.Context, audio []byte, languageHint string) (string, error)
}

// CallContext is what the generator knows about the call
type CallContext struct {
	CallID    string
	Phone     string
	Persona   string
	Personas  []string
	TurnIndex int
}

// Reply is a generated answer and the persona chosen to speak it.
// An empty Persona keeps the current one.
type Reply struct {
	Text    string
	Persona string
}

// Generator produces the reply for a recognized utterance
type Generator interface {
	Respond(ctx context.Context, text string, history []session.Turn, call CallContext) (Reply, error)
}

// Synthesizer renders text as 16kHz PCM16 in the given voice
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice persona.Voice) ([]byte, error)
}

// Transport plays audio back to the caller. Play blocks until playback
// finishes or ctx is cancelled. It returns nil only when the audio played to
// the end; a Play released by StopPlayback returns ErrPlaybackStopped.
type Transport interface {
	Play(ctx context.Context, audio []byte) error
	StopPlayback() error
}

// CallLog persists finished calls
type CallLog interface {
	Save(ctx context.Context, rec *calllog.Record) error
}

// Summarizer produces the summary stored with a call log
type Summarizer interface {
	Summarize(ctx context.Context, conversation string) (*calllog.Summary, error)
}

// FillerSource supplies filler phrases
type FillerSource interface {
	Pick(persona, category string) (filler.Phrase, bool)
	Categorize(text string) string
}
