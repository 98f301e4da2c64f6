package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/audio"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/client"
)

// DeepgramRecognizer transcribes raw PCM16 utterances with Deepgram's
// prerecorded API
type DeepgramRecognizer struct {
	apiKey  string
	model   string
	logger  *zap.Logger
	baseURL string
	http    *client.HTTPClient
}

// NewDeepgramRecognizer creates a Deepgram recognizer
func NewDeepgramRecognizer(apiKey, model string, timeout time.Duration, logger *zap.Logger, opts ...client.Option) *DeepgramRecognizer {
	if apiKey == "" {
		return &DeepgramRecognizer{logger: logger}
	}
	if model == "" {
		model = "nova-2"
	}

	return &DeepgramRecognizer{
		apiKey:  apiKey,
		model:   model,
		logger:  logger,
		baseURL: "https://api.deepgram.com/v1",
		http:    client.NewHTTPClient("deepgram", timeout, opts...),
	}
}

// Name returns the recognizer name
func (d *DeepgramRecognizer) Name() string {
	return "deepgram"
}

// IsAvailable checks if the recognizer is configured
func (d *DeepgramRecognizer) IsAvailable() bool {
	return d.apiKey != ""
}

// Transcribe converts a PCM16 16kHz mono utterance to text. An empty
// language hint lets Deepgram detect the language.
func (d *DeepgramRecognizer) Transcribe(ctx context.Context, pcm []byte, languageHint string) (string, error) {
	if !d.IsAvailable() {
		return "", fmt.Errorf("Deepgram recognizer not available. Set DEEPGRAM_API_KEY environment variable")
	}
	if len(pcm) == 0 {
		return "", fmt.Errorf("audio data cannot be empty")
	}

	q := url.Values{}
	q.Set("model", d.model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(audio.SampleRate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	if languageHint != "" {
		q.Set("language", languageHint)
	} else {
		q.Set("detect_language", "true")
	}

	data, err := d.http.Post(ctx, d.baseURL+"/listen?"+q.Encode(), map[string]string{
		"Content-Type":  "audio/l16",
		"Authorization": "Token " + d.apiKey,
	}, pcm)
	if err != nil {
		return "", err
	}

	var resp struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string  `json:"transcript"`
					Confidence float64 `json:"confidence"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return resp.Results.Channels[0].Alternatives[0].Transcript, nil
}
