package api

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/internal/api/handlers"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/env"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/metrics"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/middleware"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/otel"
)

// RouterDeps are the pieces the router needs besides the handler
type RouterDeps struct {
	Redis   *redis.Client
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// NewRouter registers every route
func NewRouter(cfg *env.Config, h *handlers.Handler, deps RouterDeps) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceMiddleware())
	if deps.Metrics != nil {
		router.Use(middleware.RequestMetrics(deps.Metrics))
	}
	if cfg.OTELEnabled {
		router.Use(otel.GinMiddleware())
	}
	router.Use(requestLogger(log))
	router.Use(cors.New(corsConfig(cfg.CORSAllowedOrigins)))

	router.GET("/health", h.HealthCheck)
	router.GET("/metrics", h.GetMetrics)
	router.GET("/metrics/prometheus", h.GetPrometheusMetrics)

	api := router.Group("/api")
	api.Use(middleware.NewRateLimiter(deps.Redis, cfg.APIRateLimitRPM, log).Middleware())
	{
		calls := api.Group("/calls")
		{
			calls.GET("", h.ListCalls)
			calls.GET("/active", h.ListActiveCalls)
			calls.GET("/:call_sid", h.GetCall)
			calls.GET("/:call_sid/recording", h.GetRecording)
			calls.GET("/:call_sid/provider", h.GetProviderCall)
			calls.POST("/:call_sid/hangup", h.HangupCall)
		}

		breakers := api.Group("/breakers")
		{
			breakers.GET("", h.ListBreakers)
			breakers.POST("/:name/reset", h.ResetBreaker)
		}

		api.GET("/personas", h.ListPersonas)
		api.GET("/personas/:id", h.GetPersona)
		api.GET("/fillers", h.ListFillers)
		api.GET("/audit-logs", h.ListAuditLogs)
	}

	router.POST("/webhooks/exotel", h.ExotelWebhook)

	// Exotel may use either method for init
	router.GET("/voicebot/init", h.ExotelVoicebotEndpoint)
	router.POST("/voicebot/init", h.ExotelVoicebotEndpoint)
	router.GET("/voicebot/ws", h.VoicebotWebSocket)
	router.GET("/ws/events", h.EventStream)

	return router
}

func corsConfig(origins string) cors.Config {
	c := cors.DefaultConfig()
	if origins == "" || origins == "*" {
		c.AllowAllOrigins = true
	} else {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowOrigins = append(c.AllowOrigins, o)
			}
		}
		c.AllowCredentials = true
	}
	c.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Operator"}
	return c
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("trace_id", c.GetString("trace_id")),
		)
	}
}
