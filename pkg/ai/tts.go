package ai

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/client"
)

// VoiceSettings are passed through to the synthesis provider
type VoiceSettings struct {
	VoiceID         string
	ModelID         string
	Stability       float64
	SimilarityBoost float64
	Style           float64
	Speed           float64
	UseSpeakerBoost bool
}

// ElevenLabsSynthesizer renders speech with ElevenLabs as PCM16 16kHz
type ElevenLabsSynthesizer struct {
	apiKey         string
	defaultVoiceID string
	defaultModelID string
	logger         *zap.Logger
	baseURL        string
	http           *client.HTTPClient
}

// NewElevenLabsSynthesizer creates an ElevenLabs synthesizer
func NewElevenLabsSynthesizer(apiKey, voiceID, modelID string, timeout time.Duration, logger *zap.Logger, opts ...client.Option) *ElevenLabsSynthesizer {
	if apiKey == "" {
		return &ElevenLabsSynthesizer{logger: logger}
	}
	if modelID == "" {
		modelID = "eleven_flash_v2_5"
	}

	return &ElevenLabsSynthesizer{
		apiKey:         apiKey,
		defaultVoiceID: voiceID,
		defaultModelID: modelID,
		logger:         logger,
		baseURL:        "https://api.elevenlabs.io/v1",
		http:           client.NewHTTPClient("elevenlabs", timeout, opts...),
	}
}

// Name returns the synthesizer name
func (s *ElevenLabsSynthesizer) Name() string {
	return "elevenlabs"
}

// IsAvailable checks if the synthesizer is configured
func (s *ElevenLabsSynthesizer) IsAvailable() bool {
	return s.apiKey != ""
}

// Synthesize converts text to PCM16 16kHz mono audio
func (s *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text string, voice VoiceSettings) ([]byte, error) {
	if !s.IsAvailable() {
		return nil, fmt.Errorf("ElevenLabs synthesizer not available. Set ELEVENLABS_API_KEY environment variable")
	}
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	voiceID := voice.VoiceID
	if voiceID == "" {
		voiceID = s.defaultVoiceID
	}
	if voiceID == "" {
		return nil, fmt.Errorf("no voice id configured")
	}
	modelID := voice.ModelID
	if modelID == "" {
		modelID = s.defaultModelID
	}
	stability := voice.Stability
	if stability == 0 {
		stability = 0.5
	}
	similarity := voice.SimilarityBoost
	if similarity == 0 {
		similarity = 0.75
	}
	speed := voice.Speed
	if speed == 0 {
		speed = 1.0
	}

	payload, err := jsonBody(map[string]interface{}{
		"text":     text,
		"model_id": modelID,
		"voice_settings": map[string]interface{}{
			"stability":         stability,
			"similarity_boost":  similarity,
			"style":             voice.Style,
			"speed":             speed,
			"use_speaker_boost": voice.UseSpeakerBoost,
		},
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/text-to-speech/%s?output_format=pcm_16000", s.baseURL, voiceID)
	return s.http.Post(ctx, url, map[string]string{
		"Content-Type": "application/json",
		"xi-api-key":   s.apiKey,
		"Accept":       "audio/pcm",
	}, payload)
}
