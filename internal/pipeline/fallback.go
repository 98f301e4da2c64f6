package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/circuitbreaker"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/logger"
)

// DefaultFallbackKey selects the fallback used when a dependency has none of its own
const DefaultFallbackKey = "default"

// DefaultFallbackTexts are spoken when a dependency fails
func DefaultFallbackTexts() map[string]string {
	return map[string]string{
		circuitbreaker.DependencyRecognition: "عذراً، ما سمعتك زين. ممكن تعيد؟",
		circuitbreaker.DependencyGeneration:  "النظام مشغول، لحظة وأرجع لك",
		circuitbreaker.DependencySynthesis:   "عذراً، في مشكلة تقنية. حاول مرة ثانية",
		DefaultFallbackKey:                   "عذراً، حدث خطأ. يرجى المحاولة مرة أخرى",
	}
}

// Fallbacks holds fallback phrases, their rendered audio, and pre-recorded
// clips that play without touching the synthesizer.
type Fallbacks struct {
	mu       sync.RWMutex
	texts    map[string]string
	rendered map[string][]byte
	clips    map[string][]byte
}

// NewFallbacks creates fallbacks with the given phrases, or the defaults when nil
func NewFallbacks(texts map[string]string) *Fallbacks {
	if texts == nil {
		texts = DefaultFallbackTexts()
	}
	return &Fallbacks{
		texts:    texts,
		rendered: make(map[string][]byte),
		clips:    map[string][]byte{DefaultFallbackKey: Tone(600*time.Millisecond, 440)},
	}
}

// Text returns the fallback phrase for a dependency
func (f *Fallbacks) Text(dependency string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if t, ok := f.texts[dependency]; ok {
		return t
	}
	return f.texts[DefaultFallbackKey]
}

// Rendered returns the synthesized phrase for a dependency, if cached
func (f *Fallbacks) Rendered(dependency string) ([]byte, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	audio, ok := f.rendered[dependency]
	return audio, ok && len(audio) > 0
}

// StoreRendered caches synthesized audio for a dependency's phrase
func (f *Fallbacks) StoreRendered(dependency string, audio []byte) {
	if len(audio) == 0 {
		return
	}
	f.mu.Lock()
	f.rendered[dependency] = audio
	f.mu.Unlock()
}

// SetClip installs a pre-recorded clip
func (f *Fallbacks) SetClip(dependency string, audio []byte) {
	f.mu.Lock()
	f.clips[dependency] = audio
	f.mu.Unlock()
}

// Clip returns the pre-recorded clip for a dependency, or the default clip
func (f *Fallbacks) Clip(dependency string) []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if c, ok := f.clips[dependency]; ok && len(c) > 0 {
		return c
	}
	return f.clips[DefaultFallbackKey]
}

// LoadClips reads <dependency>.pcm files (16kHz PCM16) from dir.
// Missing files keep the built-in tone.
func (f *Fallbacks) LoadClips(dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	loaded := 0
	for _, dep := range []string{
		circuitbreaker.DependencyRecognition,
		circuitbreaker.DependencyGeneration,
		circuitbreaker.DependencySynthesis,
		DefaultFallbackKey,
	} {
		data, err := os.ReadFile(filepath.Join(dir, dep+".pcm"))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return loaded, fmt.Errorf("failed to read fallback clip %s: %w", dep, err)
		}
		f.SetClip(dep, data)
		loaded++
	}
	return loaded, nil
}

// WarmUp renders every fallback phrase once so failures never wait on synthesis
func (f *Fallbacks) WarmUp(ctx context.Context, synth func(ctx context.Context, text string) ([]byte, error), log *zap.Logger) {
	f.mu.RLock()
	texts := make(map[string]string, len(f.texts))
	for k, v := range f.texts {
		texts[k] = v
	}
	f.mu.RUnlock()

	for dep, text := range texts {
		audio, err := synth(ctx, text)
		if err != nil {
			log.Warn("Failed to render fallback phrase", logger.Dependency(dep), zap.Error(err))
			continue
		}
		f.StoreRendered(dep, audio)
	}
}

// Tone generates a soft sine tone as 16kHz PCM16
func Tone(d time.Duration, freq float64) []byte {
	const rate = 16000
	const amplitude = 3000
	n := int(d.Seconds() * rate)
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		// fade in and out over 10ms to avoid clicks
		env := 1.0
		if fade := rate / 100; i < fade {
			env = float64(i) / float64(fade)
		} else if i > n-fade {
			env = float64(n-i) / float64(fade)
		}
		v := int16(amplitude * env * math.Sin(2*math.Pi*freq*float64(i)/rate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
