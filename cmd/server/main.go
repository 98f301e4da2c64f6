package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/internal/agent"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/api"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/api/handlers"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/calllog"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/catalog"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/pipeline"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/session"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/ai"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/audit"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/circuitbreaker"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/client"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/env"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/eventbus"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/exotel"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/logger"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/metrics"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/mongo"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/otel"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/retry"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/vad"
)

const (
	serviceName    = "nexus-miracle"
	serviceVersion = "1.0.0"
)

func main() {
	cfg, err := env.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.LogLevel, cfg.AppEnv); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if cfg.OTELEnabled {
		shutdown, err := otel.InitTracing(otel.Config{
			ServiceName:    serviceName,
			ServiceVersion: serviceVersion,
			Environment:    cfg.AppEnv,
			Endpoint:       cfg.OTELEndpoint,
			SampleRatio:    cfg.OTELSampleRatio,
		})
		if err != nil {
			logger.Log.Warn("Failed to initialize OpenTelemetry", zap.Error(err))
		} else {
			defer shutdown(context.Background())
			logger.Log.Info("OpenTelemetry tracing enabled", zap.String("endpoint", cfg.OTELEndpoint))
		}
	}

	logger.Log.Info("Starting call orchestrator",
		zap.String("env", cfg.AppEnv),
		zap.String("port", cfg.AppPort),
		zap.Int("max_concurrent_calls", cfg.MaxConcurrentCalls),
	)

	m := metrics.New()
	redisClient := connectRedis(cfg)
	mongoClient := connectMongo(cfg)
	if mongoClient != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mongoClient.Disconnect(ctx); err != nil {
				logger.Log.Warn("Failed to disconnect MongoDB", zap.Error(err))
			}
		}()
	}

	bus := eventbus.New(logger.Log)
	defer bus.Close()
	if redisClient != nil {
		bridge := eventbus.NewRedisBridge(bus, redisClient, cfg.EventsChannel)
		defer bridge.Close()
	}

	breakers := circuitbreaker.NewRegistry(breakerConfigs(cfg),
		circuitbreaker.WithStateChange(pipeline.BreakerObserver(bus, m, logger.Log)))

	var overlay catalog.Overlay
	if mongoClient != nil {
		overlay = catalog.NewMongoOverlay(mongoClient)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	voices, err := catalog.Build(ctx, catalog.Options{
		Path:         cfg.VoiceCatalogPath,
		SaraVoiceID:  cfg.SaraVoiceID,
		NexusVoiceID: cfg.NexusVoiceID,
	}, overlay, logger.Log)
	cancel()
	if err != nil {
		logger.Log.Fatal("Failed to build voice catalog", zap.Error(err))
	}

	speech := buildAgents(cfg, voices, m)

	fallbacks := pipeline.NewFallbacks(nil)
	if n, err := fallbacks.LoadClips(cfg.FallbackClipDir); err != nil {
		logger.Log.Warn("Failed to load fallback clips", zap.Error(err))
	} else if n > 0 {
		logger.Log.Info("Fallback clips loaded", zap.Int("clips", n))
	}

	storeOpts := []session.Option{session.WithLogger(logger.Log)}
	if redisClient != nil {
		storeOpts = append(storeOpts, session.WithClaimer(session.NewRedisClaimer(redisClient, cfg.InstanceClaimTTL)))
	}
	store := session.NewStore(session.Limits{HistoryMaxTurns: cfg.HistoryMaxTurns}, storeOpts...)

	var orchOpts []pipeline.OrchestratorOption
	var callLog *calllog.Store
	auditLog := audit.New(mongoClient, logger.Log)
	if mongoClient != nil {
		callLog = calllog.NewStore(mongoClient, logger.Log)
		orchOpts = append(orchOpts, pipeline.WithCallLog(callLog))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := callLog.EnsureIndexes(ctx); err != nil {
			logger.Log.Warn("Failed to create call log indexes", zap.Error(err))
		}
		if err := auditLog.EnsureIndexes(ctx); err != nil {
			logger.Log.Warn("Failed to create audit indexes", zap.Error(err))
		}
		cancel()
	}
	if speech.summarizer != nil {
		orchOpts = append(orchOpts, pipeline.WithSummarizer(speech.summarizer))
	}

	orch := pipeline.NewOrchestrator(orchestratorConfig(cfg), pipeline.Deps{
		Recognizer:  speech.recognizers,
		Generator:   speech.responder,
		Synthesizer: speech.synthesizers,
		Fillers:     voices.Fillers,
		Personas:    voices.Personas,
		Breakers:    breakers,
		Fallbacks:   fallbacks,
		Bus:         bus,
		Metrics:     m,
		Logger:      logger.Log,
	}, store, orchOpts...)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := orch.WarmUp(ctx, voices.Fillers, cfg.WarmUpConcurrency); err != nil {
			logger.Log.Warn("Audio warm-up incomplete", zap.Error(err))
			return
		}
		logger.Log.Info("Audio warm-up complete", zap.Any("fillers", voices.Fillers.Stats()))
	}()

	h := handlers.NewHandler(cfg, handlers.Deps{
		Redis:        redisClient,
		Mongo:        mongoClient,
		Orchestrator: orch,
		Breakers:     breakers,
		Bus:          bus,
		Metrics:      m,
		CallLog:      callLog,
		Audit:        auditLog,
		Personas:     voices.Personas,
		Fillers:      voices.Fillers,
		Telephony:    exotel.NewClient(cfg.ExotelSubdomain, cfg.ExotelAccountSID, cfg.ExotelAPIKey, cfg.ExotelAPIToken),
		Logger:       logger.Log,
	})
	router := api.NewRouter(cfg, h, api.RouterDeps{Redis: redisClient, Metrics: m, Logger: logger.Log})

	// No write timeout: media streams stay open for the whole call
	srv := &http.Server{
		Addr:        ":" + cfg.AppPort,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	orch.Shutdown(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Log.Info("Server exited")
}

// connectRedis returns nil when Redis is not configured. Claims, the event
// bridge, webhook dedup and rate limiting are skipped without it.
func connectRedis(cfg *env.Config) *redis.Client {
	if cfg.RedisURL == "" {
		logger.Log.Warn("REDIS_URL not set, running single-instance")
		return nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Log.Fatal("Failed to parse Redis URL", zap.Error(err))
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	return client
}

// connectMongo returns nil when MongoDB is not configured. Call logs, audit
// entries and catalog overrides are skipped without it.
func connectMongo(cfg *env.Config) *mongo.Client {
	if cfg.MongoURI == "" {
		logger.Log.Warn("MONGO_URI not set, call logs will not be persisted")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.NewClient(ctx, cfg.MongoURI, cfg.DBName, 0)
	if err != nil {
		logger.Log.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	return client
}

func breakerConfigs(cfg *env.Config) map[string]circuitbreaker.Config {
	configs := circuitbreaker.DefaultConfigs()
	set := func(name string, timeout time.Duration) {
		if timeout <= 0 {
			return
		}
		c := configs[name]
		c.Timeout = timeout
		configs[name] = c
	}
	set(circuitbreaker.DependencyRecognition, cfg.RecognitionTimeout)
	set(circuitbreaker.DependencyGeneration, cfg.GenerationTimeout)
	set(circuitbreaker.DependencySynthesis, cfg.SynthesisTimeout)
	return configs
}

func orchestratorConfig(cfg *env.Config) pipeline.OrchestratorConfig {
	oc := pipeline.DefaultOrchestratorConfig()
	oc.MaxConcurrentCalls = int64(cfg.MaxConcurrentCalls)
	oc.AdmissionRate = cfg.AdmissionRate
	oc.AdmissionBurst = cfg.AdmissionBurst
	oc.PersistTimeout = cfg.PersistTimeout
	oc.SummaryTimeout = cfg.SummaryTimeout
	oc.DrainTimeout = cfg.DrainTimeout

	greeting := cfg.Greeting
	if greeting == "" {
		greeting = pipeline.DefaultGreeting
	}
	oc.Pipeline = pipeline.Config{
		LanguageHint:      cfg.LanguageHint,
		FillersEnabled:    cfg.FillersEnabled,
		FillerDelay:       cfg.FillerDelay,
		BargeInGuard:      cfg.BargeInGuard,
		RecognitionBudget: cfg.RecognitionBudget,
		EnforceBudget:     cfg.EnforceBudget,
		Greeting:          greeting,
		QueueSize:         cfg.UtteranceQueue,
		VAD: vad.Config{
			Threshold:    cfg.VADThreshold,
			MinSilence:   cfg.VADMinSilence,
			MinSpeech:    cfg.VADMinSpeech,
			MaxUtterance: cfg.VADMaxUtterance,
		},
	}
	return oc
}

type agents struct {
	recognizers  *agent.Recognizers
	responder    *agent.Responder
	synthesizers *agent.Synthesizers
	summarizer   *agent.Summarizer
}

// buildAgents creates the vendor clients. Breaker timeouts bound each call,
// so the HTTP timeouts here are only a backstop.
func buildAgents(cfg *env.Config, voices *catalog.Catalog, m *metrics.Metrics) agents {
	const backstop = 30 * time.Second
	withMetrics := client.WithMetrics(m)
	withRetry := client.WithRetry(retry.Config{
		MaxAttempts:  2,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2,
	})

	var providers []ai.Provider
	if cfg.OpenAIApiKey != "" {
		providers = append(providers, ai.NewOpenAIProvider(cfg.OpenAIApiKey, cfg.OpenAIModel, cfg.OpenAIMaxTokens, backstop, logger.Log, withMetrics))
	}
	if cfg.GeminiApiKey != "" {
		providers = append(providers, ai.NewGeminiProvider(cfg.GeminiApiKey, cfg.GeminiModel, backstop, logger.Log, withMetrics))
	}
	if cfg.AnthropicApiKey != "" {
		providers = append(providers, ai.NewAnthropicProvider(cfg.AnthropicApiKey, cfg.AnthropicModel, cfg.AnthropicMaxTokens, backstop, logger.Log, withMetrics))
	}
	manager := ai.NewManager(providers, logger.Log)
	if !manager.Available() {
		logger.Log.Warn("No language model configured, every turn will use the fallback reply")
	}

	recognizers := agent.NewRecognizers(logger.Log,
		ai.NewDeepgramRecognizer(cfg.DeepgramApiKey, cfg.DeepgramModel, backstop, logger.Log, withMetrics),
		ai.NewWhisperRecognizer(cfg.OpenAIApiKey, cfg.WhisperModel, cfg.WhisperLanguage, backstop, logger.Log, withMetrics).
			WithPrompt(cfg.WhisperPrompt),
	)
	synthesizers := agent.NewSynthesizers(logger.Log,
		ai.NewElevenLabsSynthesizer(cfg.ElevenLabsApiKey, cfg.SaraVoiceID, cfg.ElevenLabsModel, backstop, logger.Log, withMetrics, withRetry),
		ai.NewOpenAISynthesizer(cfg.OpenAIApiKey, cfg.OpenAITTSModel, cfg.OpenAITTSVoice, backstop, logger.Log, withMetrics),
	)
	logger.Log.Info("Speech adapters ready",
		zap.Strings("recognizers", recognizers.Names()),
		zap.Strings("synthesizers", synthesizers.Names()),
	)

	out := agents{
		recognizers:  recognizers,
		synthesizers: synthesizers,
		responder: agent.NewResponder(manager, voices.Personas, logger.Log,
			agent.WithMaxTokens(cfg.ReplyMaxTokens),
			agent.WithTemperature(cfg.ReplyTemperature),
		),
	}
	if manager.Available() {
		out.summarizer = agent.NewSummarizer(manager)
	}
	return out
}
