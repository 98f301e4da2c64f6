package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/internal/persona"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/ai"
)

// ErrNoAdapters is returned when a chain has nothing configured
var ErrNoAdapters = errors.New("no adapters configured")

// Adapter is a named, optionally configured vendor client
type Adapter interface {
	Name() string
	IsAvailable() bool
}

// SpeechRecognizer is a vendor speech-to-text client
type SpeechRecognizer interface {
	Adapter
	Transcribe(ctx context.Context, pcm []byte, languageHint string) (string, error)
}

// SpeechSynthesizer is a vendor text-to-speech client
type SpeechSynthesizer interface {
	Adapter
	Synthesize(ctx context.Context, text string, voice ai.VoiceSettings) ([]byte, error)
}

// Recognizers tries speech-to-text clients in order
type Recognizers struct {
	list   []SpeechRecognizer
	logger *zap.Logger
}

// NewRecognizers keeps the available recognizers in the order given
func NewRecognizers(logger *zap.Logger, recognizers ...SpeechRecognizer) *Recognizers {
	r := &Recognizers{logger: logger}
	for _, rec := range recognizers {
		if rec != nil && rec.IsAvailable() {
			r.list = append(r.list, rec)
		}
	}
	return r
}

// Names lists the recognizers in use
func (r *Recognizers) Names() []string {
	names := make([]string, len(r.list))
	for i, rec := range r.list {
		names[i] = rec.Name()
	}
	return names
}

// Transcribe returns the first successful transcription. An empty
// transcription is a success.
func (r *Recognizers) Transcribe(ctx context.Context, pcm []byte, languageHint string) (string, error) {
	var text string
	err := firstOf(ctx, r.logger, "recognizer", len(r.list), func(i int) (string, error) {
		var err error
		text, err = r.list[i].Transcribe(ctx, pcm, languageHint)
		return r.list[i].Name(), err
	})
	return text, err
}

// Synthesizers tries text-to-speech clients in order
type Synthesizers struct {
	list   []SpeechSynthesizer
	logger *zap.Logger
}

// NewSynthesizers keeps the available synthesizers in the order given
func NewSynthesizers(logger *zap.Logger, synthesizers ...SpeechSynthesizer) *Synthesizers {
	s := &Synthesizers{logger: logger}
	for _, syn := range synthesizers {
		if syn != nil && syn.IsAvailable() {
			s.list = append(s.list, syn)
		}
	}
	return s
}

// Names lists the synthesizers in use
func (s *Synthesizers) Names() []string {
	names := make([]string, len(s.list))
	for i, syn := range s.list {
		names[i] = syn.Name()
	}
	return names
}

// Synthesize renders text with the persona voice through the first
// synthesizer that succeeds
func (s *Synthesizers) Synthesize(ctx context.Context, text string, voice persona.Voice) ([]byte, error) {
	settings := VoiceSettings(voice)
	var pcm []byte
	err := firstOf(ctx, s.logger, "synthesizer", len(s.list), func(i int) (string, error) {
		var err error
		pcm, err = s.list[i].Synthesize(ctx, text, settings)
		if err == nil && len(pcm) == 0 {
			err = fmt.Errorf("no audio returned")
		}
		return s.list[i].Name(), err
	})
	return pcm, err
}

// VoiceSettings maps persona voice parameters onto the vendor request
func VoiceSettings(v persona.Voice) ai.VoiceSettings {
	return ai.VoiceSettings{
		VoiceID:         v.VoiceID,
		ModelID:         v.ModelID,
		Stability:       v.Stability,
		SimilarityBoost: v.SimilarityBoost,
		Style:           v.Style,
		Speed:           v.Speed,
		UseSpeakerBoost: v.UseSpeakerBoost,
	}
}

// firstOf calls try for each index until one succeeds. Context errors stop
// the chain at once.
func firstOf(ctx context.Context, logger *zap.Logger, kind string, n int, try func(i int) (string, error)) error {
	if n == 0 {
		return fmt.Errorf("%s: %w", kind, ErrNoAdapters)
	}

	var errs []error
	for i := 0; i < n; i++ {
		name, err := try(i)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("Adapter failed, trying next",
			zap.String("kind", kind),
			zap.String("adapter", name),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errors.Join(errs...)
}
