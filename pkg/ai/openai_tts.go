package ai

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/audio"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/client"
)

var openAIVoices = map[string]bool{
	"alloy": true, "echo": true, "fable": true, "onyx": true, "nova": true, "shimmer": true,
}

// OpenAISynthesizer renders speech with the OpenAI TTS API. It is the
// fallback voice when ElevenLabs is not configured.
type OpenAISynthesizer struct {
	apiKey       string
	model        string
	defaultVoice string
	logger       *zap.Logger
	baseURL      string
	http         *client.HTTPClient
	decode       func(ctx context.Context, encoded []byte) ([]byte, error)
}

// NewOpenAISynthesizer creates an OpenAI TTS synthesizer
func NewOpenAISynthesizer(apiKey, model, voice string, timeout time.Duration, logger *zap.Logger, opts ...client.Option) *OpenAISynthesizer {
	if apiKey == "" {
		return &OpenAISynthesizer{logger: logger}
	}
	if model == "" {
		model = "tts-1"
	}
	if voice == "" {
		voice = "shimmer"
	}

	return &OpenAISynthesizer{
		apiKey:       apiKey,
		model:        model,
		defaultVoice: voice,
		logger:       logger,
		baseURL:      "https://api.openai.com/v1",
		http:         client.NewHTTPClient("openai-tts", timeout, opts...),
		decode:       audio.DecodeToPCM16k,
	}
}

// Name returns the synthesizer name
func (s *OpenAISynthesizer) Name() string {
	return "openai-tts"
}

// IsAvailable checks if the synthesizer is configured
func (s *OpenAISynthesizer) IsAvailable() bool {
	return s.apiKey != ""
}

// Synthesize converts text to PCM16 16kHz mono audio. Voice ids that are not
// OpenAI voice names fall back to the configured voice.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string, voice VoiceSettings) ([]byte, error) {
	if !s.IsAvailable() {
		return nil, fmt.Errorf("OpenAI TTS service not available. Set OPENAI_API_KEY environment variable")
	}
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	name := s.defaultVoice
	if openAIVoices[voice.VoiceID] {
		name = voice.VoiceID
	}
	speed := voice.Speed
	if speed == 0 {
		speed = 1.0
	}

	body := map[string]interface{}{
		"model":           s.model,
		"input":           text,
		"voice":           name,
		"response_format": "mp3",
		"speed":           speed,
	}
	payload, err := jsonBody(body)
	if err != nil {
		return nil, err
	}
	mp3, err := s.http.Post(ctx, s.baseURL+"/audio/speech", map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + s.apiKey,
	}, payload)
	if err != nil {
		return nil, err
	}
	if len(mp3) == 0 {
		return nil, fmt.Errorf("no audio data received")
	}

	pcm, err := s.decode(ctx, mp3)
	if err != nil {
		return nil, fmt.Errorf("failed to convert MP3 to PCM: %w", err)
	}
	return pcm, nil
}
