package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/client"
)

func TestProviders_IsAvailable(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name     string
		provider interface {
			IsAvailable() bool
			Name() string
		}
		want     bool
		wantName string
	}{
		{"openai with key", NewOpenAIProvider("k", "gpt-4o-mini", 300, time.Second, logger), true, "openai"},
		{"openai without key", NewOpenAIProvider("", "gpt-4o-mini", 300, time.Second, logger), false, "openai"},
		{"gemini without key", NewGeminiProvider("", "gemini-1.5-flash", time.Second, logger), false, "gemini"},
		{"anthropic with key", NewAnthropicProvider("k", "claude", 300, time.Second, logger), true, "anthropic"},
		{"whisper without key", NewWhisperRecognizer("", "", "ar", time.Second, logger), false, "whisper"},
		{"deepgram with key", NewDeepgramRecognizer("k", "", time.Second, logger), true, "deepgram"},
		{"elevenlabs without key", NewElevenLabsSynthesizer("", "", "", time.Second, logger), false, "elevenlabs"},
		{"openai tts with key", NewOpenAISynthesizer("k", "", "", time.Second, logger), true, "openai-tts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.provider.IsAvailable())
			assert.Equal(t, tt.wantName, tt.provider.Name())
		})
	}
}

func TestOpenAIProvider_Chat(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"  أهلاً وسهلاً  "}}]}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", "gpt-4o-mini", 300, time.Second, zap.NewNop())
	p.baseURL = srv.URL

	reply, err := p.Chat(context.Background(), &ChatRequest{
		System:   "be brief",
		Messages: []Message{{Role: RoleUser, Content: "مرحبا"}},
		JSON:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, "أهلاً وسهلاً", reply)

	messages := got["messages"].([]interface{})
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]interface{})["role"])
	assert.Equal(t, float64(300), got["max_tokens"])
	assert.NotNil(t, got["response_format"])
}

func TestOpenAIProvider_ChatStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":"rate limited"}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", "gpt-4o-mini", 300, time.Second, zap.NewNop())
	p.baseURL = srv.URL

	_, err := p.Chat(context.Background(), &ChatRequest{})
	var se *client.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.Status)
	assert.True(t, se.Retryable())
}

func TestGeminiProvider_ChatMapsRoles(t *testing.T) {
	var got struct {
		Contents          []geminiContent `json:"contents"`
		SystemInstruction geminiContent   `json:"systemInstruction"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-1.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"تمام"}]}}]}`)
	}))
	defer srv.Close()

	p := NewGeminiProvider("g-key", "gemini-1.5-flash", time.Second, zap.NewNop())
	p.baseURL = srv.URL

	reply, err := p.Chat(context.Background(), &ChatRequest{
		System: "persona",
		Messages: []Message{
			{Role: RoleUser, Content: "a"},
			{Role: RoleAssistant, Content: "b"},
			{Role: RoleUser, Content: "c"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "تمام", reply)
	require.Len(t, got.Contents, 3)
	assert.Equal(t, "model", got.Contents[1].Role)
	assert.Equal(t, "persona", got.SystemInstruction.Parts[0].Text)
}

func TestAnthropicProvider_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "persona", body["system"])
		_, _ = io.WriteString(w, `{"content":[{"type":"text","text":"هلا"}]}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("a-key", "claude", 300, time.Second, zap.NewNop())
	p.baseURL = srv.URL

	reply, err := p.Chat(context.Background(), &ChatRequest{System: "persona", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "هلا", reply)
}

func TestWhisperRecognizer_SendsWAV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "ar", r.FormValue("language"))

		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "RIFF", string(data[:4]))
		assert.Len(t, data, 44+640)

		_, _ = io.WriteString(w, `{"text":"أبغى موعد"}`)
	}))
	defer srv.Close()

	s := NewWhisperRecognizer("w-key", "", "", time.Second, zap.NewNop())
	s.baseURL = srv.URL

	text, err := s.Transcribe(context.Background(), make([]byte, 640), "ar")
	require.NoError(t, err)
	assert.Equal(t, "أبغى موعد", text)
}

func TestDeepgramRecognizer_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "linear16", q.Get("encoding"))
		assert.Equal(t, "16000", q.Get("sample_rate"))
		assert.Equal(t, "ar", q.Get("language"))
		assert.Equal(t, "Token d-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Len(t, body, 1280)
		_, _ = io.WriteString(w, `{"results":{"channels":[{"alternatives":[{"transcript":"كم السعر","confidence":0.93}]}]}}`)
	}))
	defer srv.Close()

	d := NewDeepgramRecognizer("d-key", "", time.Second, zap.NewNop())
	d.baseURL = srv.URL

	text, err := d.Transcribe(context.Background(), make([]byte, 1280), "ar")
	require.NoError(t, err)
	assert.Equal(t, "كم السعر", text)
}

func TestDeepgramRecognizer_EmptyResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("detect_language"))
		_, _ = io.WriteString(w, `{"results":{"channels":[]}}`)
	}))
	defer srv.Close()

	d := NewDeepgramRecognizer("d-key", "", time.Second, zap.NewNop())
	d.baseURL = srv.URL

	text, err := d.Transcribe(context.Background(), make([]byte, 640), "")
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestElevenLabsSynthesizer_PassesVoiceSettings(t *testing.T) {
	var settings map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/text-to-speech/voice-sara", r.URL.Path)
		assert.Equal(t, "pcm_16000", r.URL.Query().Get("output_format"))
		assert.Equal(t, "e-key", r.Header.Get("xi-api-key"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		settings = body["voice_settings"].(map[string]interface{})
		_, _ = w.Write([]byte{1, 2, 3, 4})
	}))
	defer srv.Close()

	s := NewElevenLabsSynthesizer("e-key", "", "", time.Second, zap.NewNop())
	s.baseURL = srv.URL

	pcm, err := s.Synthesize(context.Background(), "مرحبا", VoiceSettings{
		VoiceID:         "voice-sara",
		Stability:       0.4,
		SimilarityBoost: 0.8,
		Style:           0.2,
		Speed:           1.1,
		UseSpeakerBoost: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, pcm)
	assert.Equal(t, 0.4, settings["stability"])
	assert.Equal(t, 0.2, settings["style"])
	assert.Equal(t, true, settings["use_speaker_boost"])
}

func TestOpenAISynthesizer_DecodesMP3(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "nova", body["voice"])
		_, _ = w.Write([]byte("mp3"))
	}))
	defer srv.Close()

	s := NewOpenAISynthesizer("o-key", "", "nova", time.Second, zap.NewNop())
	s.baseURL = srv.URL
	s.decode = func(_ context.Context, encoded []byte) ([]byte, error) {
		return append([]byte("pcm:"), encoded...), nil
	}

	pcm, err := s.Synthesize(context.Background(), "hello", VoiceSettings{VoiceID: "elevenlabs-id"})
	require.NoError(t, err)
	assert.Equal(t, "pcm:mp3", string(pcm))
}
