package vad

import (
	"context"
	"time"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/circuitbreaker"
	"go.uber.org/zap"
)

// Config holds segmenter settings. They are fixed for the life of a call.
type Config struct {
	Threshold    float64       // Speech probability threshold, 0..1
	MinSilence   time.Duration // Trailing silence that ends an utterance
	MinSpeech    time.Duration // Voiced time below which an utterance is noise
	MaxUtterance time.Duration // Utterance length that forces an end of speech
}

// DefaultConfig returns the default segmenter configuration
func DefaultConfig() Config {
	return Config{
		Threshold:    0.5,
		MinSilence:   700 * time.Millisecond,
		MinSpeech:    200 * time.Millisecond,
		MaxUtterance: 15 * time.Second,
	}
}

// Utterance is a contiguous span of caller speech. Offsets are measured from
// the first frame fed to the segmenter.
type Utterance struct {
	Start time.Duration
	End   time.Duration
	Audio []byte
}

// Duration returns the utterance length
func (u *Utterance) Duration() time.Duration {
	return u.End - u.Start
}

// SignalType identifies a segmenter boundary
type SignalType int

const (
	SignalNone SignalType = iota
	SignalSpeechStart
	SignalSpeechEnd
	SignalNoise // speech started but ended below MinSpeech
)

func (t SignalType) String() string {
	switch t {
	case SignalSpeechStart:
		return "speech_start"
	case SignalSpeechEnd:
		return "speech_end"
	case SignalNoise:
		return "noise"
	default:
		return "none"
	}
}

// Signal is returned for every processed frame
type Signal struct {
	Type      SignalType
	At        time.Duration
	Utterance *Utterance // set for SignalSpeechEnd
	Forced    bool       // end of speech forced by MaxUtterance
}

// Segmenter turns a stream of frames into utterances.
// It is not safe for concurrent use; a call's ingest goroutine drives it.
type Segmenter struct {
	cfg        Config
	classifier Classifier
	fallback   *EnergyClassifier
	breaker    *circuitbreaker.CircuitBreaker
	log        *zap.Logger

	offset      time.Duration
	speaking    bool
	speechStart time.Duration
	voiced      time.Duration
	silence     time.Duration
	buf         []byte

	fallbacks int64
}

// Option customises a segmenter
type Option func(*Segmenter)

// WithClassifier sets the primary classifier. Without one the energy
// classifier is used directly.
func WithClassifier(c Classifier) Option {
	return func(s *Segmenter) { s.classifier = c }
}

// WithBreaker guards the primary classifier
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(s *Segmenter) { s.breaker = cb }
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(s *Segmenter) { s.log = log }
}

// NewSegmenter creates a per-call segmenter
func NewSegmenter(cfg Config, opts ...Option) *Segmenter {
	def := DefaultConfig()
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MinSilence <= 0 {
		cfg.MinSilence = def.MinSilence
	}
	if cfg.MinSpeech < 0 {
		cfg.MinSpeech = 0
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = def.MaxUtterance
	}

	s := &Segmenter{
		cfg:      cfg,
		fallback: NewEnergyClassifier(cfg.Threshold),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process classifies one frame and advances the segmenter
func (s *Segmenter) Process(ctx context.Context, frame []byte) Signal {
	dur := FrameDuration(len(frame))
	at := s.offset
	s.offset += dur
	speech := s.classify(ctx, frame)

	if !s.speaking {
		if !speech {
			return Signal{Type: SignalNone, At: at}
		}
		s.speaking = true
		s.speechStart = at
		s.voiced = dur
		s.silence = 0
		s.buf = append(make([]byte, 0, len(frame)*64), frame...)
		return Signal{Type: SignalSpeechStart, At: at}
	}

	s.buf = append(s.buf, frame...)
	if speech {
		s.voiced += dur
		s.silence = 0
	} else {
		s.silence += dur
	}

	switch {
	case s.silence >= s.cfg.MinSilence:
		return s.finish(false)
	case s.offset-s.speechStart >= s.cfg.MaxUtterance:
		return s.finish(true)
	}
	return Signal{Type: SignalNone, At: at}
}

func (s *Segmenter) finish(forced bool) Signal {
	end := s.offset
	audio := s.buf
	voiced := s.voiced
	start := s.speechStart

	s.speaking = false
	s.buf = nil
	s.voiced = 0
	s.silence = 0

	if voiced < s.cfg.MinSpeech {
		s.log.Debug("Discarded short speech",
			zap.Duration("voiced", voiced),
			zap.Duration("min_speech", s.cfg.MinSpeech))
		return Signal{Type: SignalNoise, At: end}
	}
	return Signal{
		Type:      SignalSpeechEnd,
		At:        end,
		Utterance: &Utterance{Start: start, End: end, Audio: audio},
		Forced:    forced,
	}
}

// classify runs the primary classifier through the breaker and falls back to
// local energy classification when it fails or the breaker is open.
func (s *Segmenter) classify(ctx context.Context, frame []byte) bool {
	if s.classifier == nil {
		act, _ := s.fallback.Classify(ctx, frame)
		return act.Speech
	}

	var act Activity
	call := func(ctx context.Context) error {
		var err error
		act, err = s.classifier.Classify(ctx, frame)
		return err
	}

	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err == nil {
		return act.Probability >= s.cfg.Threshold
	}

	s.fallbacks++
	if s.fallbacks == 1 || s.fallbacks%500 == 0 {
		s.log.Warn("VAD classifier unavailable, using energy fallback",
			zap.Error(err),
			zap.Int64("fallback_frames", s.fallbacks))
	}
	fb, _ := s.fallback.Classify(ctx, frame)
	return fb.Speech
}

// Speaking reports whether an utterance is in progress
func (s *Segmenter) Speaking() bool {
	return s.speaking
}

// Offset returns the stream time consumed so far
func (s *Segmenter) Offset() time.Duration {
	return s.offset
}

// FallbackFrames returns how many frames were classified by the energy fallback
func (s *Segmenter) FallbackFrames() int64 {
	return s.fallbacks
}

// Reset drops any partial utterance. The stream offset is kept.
func (s *Segmenter) Reset() {
	s.speaking = false
	s.buf = nil
	s.voiced = 0
	s.silence = 0
}
