package env

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv  string
	AppPort string
	TZ      string

	RedisURL string

	MongoURI string
	DBName   string

	// Call admission
	MaxConcurrentCalls int
	AdmissionRate      float64
	AdmissionBurst     int
	PersistTimeout     time.Duration
	SummaryTimeout     time.Duration
	DrainTimeout       time.Duration
	InstanceClaimTTL   time.Duration

	// Turn pipeline
	LanguageHint      string
	Greeting          string
	FillersEnabled    bool
	FillerDelay       time.Duration
	BargeInGuard      time.Duration
	RecognitionBudget time.Duration
	EnforceBudget     bool
	UtteranceQueue    int
	HistoryMaxTurns   int
	WarmUpConcurrency int

	// Segmenter
	VADThreshold    float64
	VADMinSilence   time.Duration
	VADMinSpeech    time.Duration
	VADMaxUtterance time.Duration

	// Dependency breakers
	RecognitionTimeout time.Duration
	GenerationTimeout  time.Duration
	SynthesisTimeout   time.Duration

	// AI Provider API Keys
	OpenAIApiKey    string
	OpenAIModel     string
	OpenAIMaxTokens int

	GeminiApiKey string
	GeminiModel  string

	AnthropicApiKey    string
	AnthropicModel     string
	AnthropicMaxTokens int

	ReplyMaxTokens   int
	ReplyTemperature float64

	// TTS (ElevenLabs, OpenAI fallback)
	ElevenLabsApiKey string
	ElevenLabsModel  string
	SaraVoiceID      string
	NexusVoiceID     string
	OpenAITTSModel   string
	OpenAITTSVoice   string

	// STT (Deepgram, Whisper fallback)
	DeepgramApiKey  string
	DeepgramModel   string
	WhisperModel    string
	WhisperLanguage string
	WhisperPrompt   string

	// Voice catalogue and fallback audio
	VoiceCatalogPath string
	FallbackClipDir  string

	ExotelSubdomain     string
	ExotelAccountSID    string
	ExotelAPIKey        string
	ExotelAPIToken      string
	ExotelWebhookSecret string
	ExotelVoicebotToken string // Bearer token for WebSocket authentication (optional)
	VoicebotBaseURL     string // Public URL used to build the WSS address
	EventsChannel       string

	APIRateLimitRPM int

	LogLevel           string
	CORSAllowedOrigins string

	OTELEndpoint    string
	OTELEnabled     bool
	OTELSampleRatio float64
}

func Load(envFile string) (*Config, error) {
	if envFile != "" {
		// A missing .env is fine, production uses the environment directly
		if err := godotenv.Load(envFile); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		AppEnv:  getEnv("APP_ENV", "development"),
		AppPort: getEnv("APP_PORT", "8080"),
		TZ:      getEnv("TZ", "Asia/Riyadh"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		MongoURI: getEnv("MONGO_URI", "mongodb://localhost:27017"),
		DBName:   getEnv("DB_NAME", "nexus_miracle"),

		MaxConcurrentCalls: getEnvInt("MAX_CONCURRENT_CALLS", 100),
		AdmissionRate:      getEnvFloat("CALL_ADMISSION_RATE", 10),
		AdmissionBurst:     getEnvInt("CALL_ADMISSION_BURST", 20),
		PersistTimeout:     getEnvDuration("CALL_PERSIST_TIMEOUT_MS", 30*time.Second),
		SummaryTimeout:     getEnvDuration("CALL_SUMMARY_TIMEOUT_MS", 10*time.Second),
		DrainTimeout:       getEnvDuration("CALL_DRAIN_TIMEOUT_MS", 5*time.Second),
		InstanceClaimTTL:   getEnvDuration("CALL_CLAIM_TTL_MS", 2*time.Hour),

		LanguageHint:      getEnv("LANGUAGE_HINT", "ar"),
		Greeting:          getEnv("GREETING_TEXT", ""),
		FillersEnabled:    getEnvBool("FILLERS_ENABLED", true),
		FillerDelay:       getEnvDuration("FILLER_DELAY_MS", 300*time.Millisecond),
		BargeInGuard:      getEnvDuration("BARGE_IN_GUARD_MS", 300*time.Millisecond),
		RecognitionBudget: getEnvDuration("RECOGNITION_BUDGET_MS", 2*time.Second),
		EnforceBudget:     getEnvBool("RECOGNITION_BUDGET_ENFORCED", false),
		UtteranceQueue:    getEnvInt("UTTERANCE_QUEUE_SIZE", 4),
		HistoryMaxTurns:   getEnvInt("HISTORY_MAX_TURNS", 20),
		WarmUpConcurrency: getEnvInt("WARMUP_CONCURRENCY", 4),

		VADThreshold:    getEnvFloat("VAD_THRESHOLD", 0.5),
		VADMinSilence:   getEnvDuration("VAD_MIN_SILENCE_MS", 700*time.Millisecond),
		VADMinSpeech:    getEnvDuration("VAD_MIN_SPEECH_MS", 200*time.Millisecond),
		VADMaxUtterance: getEnvDuration("VAD_MAX_UTTERANCE_MS", 15*time.Second),

		RecognitionTimeout: getEnvDuration("RECOGNITION_TIMEOUT_MS", 5*time.Second),
		GenerationTimeout:  getEnvDuration("GENERATION_TIMEOUT_MS", 8*time.Second),
		SynthesisTimeout:   getEnvDuration("SYNTHESIS_TIMEOUT_MS", 5*time.Second),

		OpenAIApiKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIMaxTokens: getEnvInt("OPENAI_MAX_TOKENS", 1000),

		GeminiApiKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-1.5-flash"),

		AnthropicApiKey:    getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:     getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-20241022"),
		AnthropicMaxTokens: getEnvInt("ANTHROPIC_MAX_TOKENS", 1000),

		ReplyMaxTokens:   getEnvInt("REPLY_MAX_TOKENS", 200),
		ReplyTemperature: getEnvFloat("REPLY_TEMPERATURE", 0.6),

		ElevenLabsApiKey: getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsModel:  getEnv("ELEVENLABS_MODEL", "eleven_flash_v2_5"),
		SaraVoiceID:      getEnv("SARA_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		NexusVoiceID:     getEnv("NEXUS_VOICE_ID", "pNInz6obpgDQGcFmaJgB"),
		OpenAITTSModel:   getEnv("OPENAI_TTS_MODEL", "tts-1"),
		OpenAITTSVoice:   getEnv("OPENAI_TTS_VOICE", "shimmer"),

		DeepgramApiKey:  getEnv("DEEPGRAM_API_KEY", ""),
		DeepgramModel:   getEnv("DEEPGRAM_MODEL", "nova-2"),
		WhisperModel:    getEnv("WHISPER_MODEL", "whisper-1"),
		WhisperLanguage: getEnv("WHISPER_LANGUAGE", "ar"),
		WhisperPrompt:   getEnv("WHISPER_PROMPT", ""),

		VoiceCatalogPath: getEnv("VOICE_CATALOG_PATH", "config/voices.yaml"),
		FallbackClipDir:  getEnv("FALLBACK_CLIP_DIR", ""),

		ExotelSubdomain:     getEnv("EXOTEL_SUBDOMAIN", "api"),
		ExotelAccountSID:    getEnv("EXOTEL_ACCOUNT_SID", ""),
		ExotelAPIKey:        getEnv("EXOTEL_API_KEY", ""),
		ExotelAPIToken:      getEnv("EXOTEL_API_TOKEN", ""),
		ExotelWebhookSecret: getEnv("EXOTEL_WEBHOOK_SIGNATURE_SECRET", ""),
		ExotelVoicebotToken: getEnv("EXOTEL_VOICEBOT_TOKEN", ""),
		VoicebotBaseURL:     getEnv("VOICEBOT_BASE_URL", ""),
		EventsChannel:       getEnv("EVENTS_CHANNEL", "nexus:events"),

		APIRateLimitRPM: getEnvInt("API_RATE_LIMIT_RPM", 180),

		LogLevel:           getEnv("LOG_LEVEL", "info"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		OTELEndpoint:    getEnv("OTEL_ENDPOINT", ""),
		OTELEnabled:     getEnvBool("OTEL_ENABLED", false),
		OTELSampleRatio: getEnvFloat("OTEL_SAMPLE_RATIO", 1.0),
	}

	if cfg.MaxConcurrentCalls <= 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT_CALLS must be positive, got %d", cfg.MaxConcurrentCalls)
	}
	if cfg.VADThreshold <= 0 || cfg.VADThreshold >= 1 {
		return nil, fmt.Errorf("VAD_THRESHOLD must be between 0 and 1, got %v", cfg.VADThreshold)
	}

	loc, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", cfg.TZ, err)
	}
	time.Local = loc

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(strValue, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration reads a whole number of milliseconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	ms := getEnvInt(key, -1)
	if ms < 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}
