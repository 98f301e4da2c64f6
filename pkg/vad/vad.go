package vad

import (
	"context"
	"math"
	"time"
)

// PCM16 mono at 16kHz
const (
	SampleRate     = 16000
	bytesPerSample = 2
)

// Activity is the classification of a single frame
type Activity struct {
	Probability float64
	Speech      bool
}

// Classifier decides whether a frame contains speech
type Classifier interface {
	Classify(ctx context.Context, frame []byte) (Activity, error)
}

// DefaultGain scales normalised mean amplitude into a speech probability
const DefaultGain = 100.0

// EnergyClassifier is a local, dependency-free classifier based on mean
// absolute amplitude. It never fails.
type EnergyClassifier struct {
	Threshold float64
	Gain      float64
}

// NewEnergyClassifier creates an energy classifier with the default gain
func NewEnergyClassifier(threshold float64) *EnergyClassifier {
	return &EnergyClassifier{Threshold: threshold, Gain: DefaultGain}
}

// Classify implements Classifier
func (c *EnergyClassifier) Classify(_ context.Context, frame []byte) (Activity, error) {
	gain := c.Gain
	if gain <= 0 {
		gain = DefaultGain
	}
	p := Probability(frame, gain)
	return Activity{Probability: p, Speech: p >= c.Threshold}, nil
}

// Probability returns min(mean(|x|)/32768 * gain, 1) for a little-endian PCM16 frame
func Probability(frame []byte, gain float64) float64 {
	n := len(frame) / bytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(uint16(frame[2*i]) | uint16(frame[2*i+1])<<8)
		sum += math.Abs(float64(s))
	}
	return math.Min(sum/float64(n)/32768.0*gain, 1)
}

// FrameDuration derives a frame's duration from its byte length
func FrameDuration(frameLen int) time.Duration {
	samples := frameLen / bytesPerSample
	return time.Duration(samples) * time.Second / SampleRate
}
