package vad

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const frameBytes = 640 // 20ms

func frame(amplitude int16) []byte {
	b := make([]byte, frameBytes)
	for i := 0; i < frameBytes/2; i++ {
		s := amplitude
		if i%2 == 1 {
			s = -amplitude
		}
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}

var (
	speechFrame  = frame(12000)
	silenceFrame = frame(0)
)

func feed(t *testing.T, s *Segmenter, f []byte, n int) []Signal {
	t.Helper()
	var out []Signal
	for i := 0; i < n; i++ {
		if sig := s.Process(context.Background(), f); sig.Type != SignalNone {
			out = append(out, sig)
		}
	}
	return out
}

func TestProbability(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  float64
	}{
		{"empty", nil, 0},
		{"silence", silenceFrame, 0},
		{"loud speech saturates", speechFrame, 1},
		{"quiet", frame(100), 100.0 / 32768.0 * DefaultGain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Probability(tt.frame, DefaultGain), 1e-9)
		})
	}
}

func TestFrameDuration(t *testing.T) {
	assert.Equal(t, 20*time.Millisecond, FrameDuration(640))
	assert.Equal(t, 10*time.Millisecond, FrameDuration(320))
	assert.Equal(t, time.Duration(0), FrameDuration(1))
}

func TestSegmenter_EmitsStartAndEnd(t *testing.T) {
	s := NewSegmenter(DefaultConfig())

	assert.Empty(t, feed(t, s, silenceFrame, 5))

	signals := feed(t, s, speechFrame, 20)
	require.Len(t, signals, 1)
	assert.Equal(t, SignalSpeechStart, signals[0].Type)
	assert.Equal(t, 100*time.Millisecond, signals[0].At)
	assert.True(t, s.Speaking())

	// 680ms of silence keeps the utterance open
	assert.Empty(t, feed(t, s, silenceFrame, 34))

	signals = feed(t, s, silenceFrame, 1)
	require.Len(t, signals, 1)
	end := signals[0]
	assert.Equal(t, SignalSpeechEnd, end.Type)
	assert.False(t, end.Forced)
	require.NotNil(t, end.Utterance)
	assert.Equal(t, 100*time.Millisecond, end.Utterance.Start)
	assert.Equal(t, 1200*time.Millisecond, end.Utterance.End)
	assert.Len(t, end.Utterance.Audio, 55*frameBytes)
	assert.False(t, s.Speaking())
}

func TestSegmenter_SpeechResetsSilence(t *testing.T) {
	s := NewSegmenter(DefaultConfig())

	feed(t, s, speechFrame, 10)
	feed(t, s, silenceFrame, 30)
	feed(t, s, speechFrame, 1)
	assert.Empty(t, feed(t, s, silenceFrame, 34))
	assert.True(t, s.Speaking())

	signals := feed(t, s, silenceFrame, 1)
	require.Len(t, signals, 1)
	assert.Equal(t, SignalSpeechEnd, signals[0].Type)
}

func TestSegmenter_ShortSpeechIsNoise(t *testing.T) {
	s := NewSegmenter(DefaultConfig())

	feed(t, s, speechFrame, 5) // 100ms < MinSpeech
	signals := feed(t, s, silenceFrame, 35)
	require.Len(t, signals, 1)
	assert.Equal(t, SignalNoise, signals[0].Type)
	assert.Nil(t, signals[0].Utterance)
}

func TestSegmenter_MaxUtteranceForcesEnd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxUtterance = time.Second
	s := NewSegmenter(cfg)

	signals := feed(t, s, speechFrame, 50)
	require.Len(t, signals, 2)
	assert.Equal(t, SignalSpeechStart, signals[0].Type)
	assert.Equal(t, SignalSpeechEnd, signals[1].Type)
	assert.True(t, signals[1].Forced)
	assert.Equal(t, time.Second, signals[1].Utterance.Duration())

	// continuing speech opens a new utterance
	signals = feed(t, s, speechFrame, 1)
	require.Len(t, signals, 1)
	assert.Equal(t, SignalSpeechStart, signals[0].Type)
}

type flakyClassifier struct {
	calls int
	err   error
}

func (f *flakyClassifier) Classify(ctx context.Context, frame []byte) (Activity, error) {
	f.calls++
	if f.err != nil {
		return Activity{}, f.err
	}
	return Activity{Probability: 1, Speech: true}, nil
}

func TestSegmenter_FallsBackToEnergy(t *testing.T) {
	classifier := &flakyClassifier{err: errors.New("model crashed")}
	breaker := circuitbreaker.New(circuitbreaker.DependencyVAD, circuitbreaker.Config{FailureThreshold: 3, Cooldown: time.Minute})
	s := NewSegmenter(DefaultConfig(), WithClassifier(classifier), WithBreaker(breaker))

	signals := feed(t, s, speechFrame, 20)
	require.Len(t, signals, 1)
	assert.Equal(t, SignalSpeechStart, signals[0].Type)

	signals = feed(t, s, silenceFrame, 35)
	require.Len(t, signals, 1)
	assert.Equal(t, SignalSpeechEnd, signals[0].Type)

	// breaker opened after three failures, the classifier is no longer called
	assert.Equal(t, 3, classifier.calls)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.GetState())
	assert.Equal(t, int64(55), s.FallbackFrames())
}

func TestSegmenter_UsesPrimaryClassifier(t *testing.T) {
	classifier := &flakyClassifier{}
	s := NewSegmenter(DefaultConfig(), WithClassifier(classifier))

	// the classifier says speech even for silent frames
	signals := feed(t, s, silenceFrame, 3)
	require.Len(t, signals, 1)
	assert.Equal(t, SignalSpeechStart, signals[0].Type)
	assert.Equal(t, int64(0), s.FallbackFrames())
}

func TestSegmenter_Reset(t *testing.T) {
	s := NewSegmenter(DefaultConfig())
	feed(t, s, speechFrame, 20)
	s.Reset()
	assert.False(t, s.Speaking())
	assert.Empty(t, feed(t, s, silenceFrame, 40))
	assert.Equal(t, 1200*time.Millisecond, s.Offset())
}

func TestSegmenter_UtterancesAreOrderedAndDisjoint(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewSegmenter(DefaultConfig())
		frames := rapid.SliceOfN(rapid.Bool(), 1, 600).Draw(t, "frames")

		var starts, ends int
		var last time.Duration
		var audioBytes int
		for _, speech := range frames {
			f := silenceFrame
			if speech {
				f = speechFrame
			}
			sig := s.Process(context.Background(), f)
			switch sig.Type {
			case SignalSpeechStart:
				starts++
			case SignalSpeechEnd, SignalNoise:
				ends++
			}
			if sig.Utterance != nil {
				u := sig.Utterance
				if u.Start < last {
					t.Fatalf("utterance starts at %v before previous end %v", u.Start, last)
				}
				if u.End <= u.Start {
					t.Fatalf("empty utterance %v..%v", u.Start, u.End)
				}
				if want := int(u.Duration()/(20*time.Millisecond)) * frameBytes; len(u.Audio) != want {
					t.Fatalf("audio length %d, want %d", len(u.Audio), want)
				}
				last = u.End
				audioBytes += len(u.Audio)
			}
		}

		if ends > starts || starts-ends > 1 {
			t.Fatalf("starts=%d ends=%d", starts, ends)
		}
		if audioBytes > len(frames)*frameBytes {
			t.Fatalf("utterances hold more audio than was fed")
		}
	})
}
