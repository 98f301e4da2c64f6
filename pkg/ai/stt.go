package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"time"

	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/audio"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/client"
)

// WhisperRecognizer transcribes utterances with OpenAI Whisper
type WhisperRecognizer struct {
	apiKey   string
	model    string
	language string
	prompt   string
	logger   *zap.Logger
	baseURL  string
	http     *client.HTTPClient
}

// NewWhisperRecognizer creates a Whisper recognizer. language is used when
// the caller gives no hint.
func NewWhisperRecognizer(apiKey, model, language string, timeout time.Duration, logger *zap.Logger, opts ...client.Option) *WhisperRecognizer {
	if apiKey == "" {
		return &WhisperRecognizer{logger: logger}
	}
	if model == "" {
		model = "whisper-1"
	}

	return &WhisperRecognizer{
		apiKey:   apiKey,
		model:    model,
		language: language,
		logger:   logger,
		baseURL:  "https://api.openai.com/v1",
		http:     client.NewHTTPClient("whisper", timeout, opts...),
	}
}

// WithPrompt biases transcription towards domain vocabulary
func (s *WhisperRecognizer) WithPrompt(prompt string) *WhisperRecognizer {
	s.prompt = prompt
	return s
}

// Name returns the recognizer name
func (s *WhisperRecognizer) Name() string {
	return "whisper"
}

// IsAvailable checks if the recognizer is configured
func (s *WhisperRecognizer) IsAvailable() bool {
	return s.apiKey != ""
}

// Transcribe converts a PCM16 16kHz utterance to text
func (s *WhisperRecognizer) Transcribe(ctx context.Context, pcm []byte, languageHint string) (string, error) {
	if !s.IsAvailable() {
		return "", fmt.Errorf("Whisper recognizer not available. Set OPENAI_API_KEY environment variable")
	}
	if len(pcm) == 0 {
		return "", fmt.Errorf("audio data cannot be empty")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio.WAV(pcm, audio.SampleRate)); err != nil {
		return "", fmt.Errorf("failed to write audio data: %w", err)
	}

	language := languageHint
	if language == "" {
		language = s.language
	}
	fields := map[string]string{
		"model":           s.model,
		"response_format": "json",
		"language":        language,
		"prompt":          s.prompt,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := writer.WriteField(k, v); err != nil {
			return "", fmt.Errorf("failed to write %s field: %w", k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finish form: %w", err)
	}

	data, err := s.http.Post(ctx, s.baseURL+"/audio/transcriptions", map[string]string{
		"Content-Type":  writer.FormDataContentType(),
		"Authorization": "Bearer " + s.apiKey,
	}, body.Bytes())
	if err != nil {
		return "", err
	}

	var resp struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.Text, nil
}
