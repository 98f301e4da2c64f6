package handlers

import (
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/internal/calllog"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/filler"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/persona"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/pipeline"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/audit"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/circuitbreaker"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/env"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/eventbus"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/exotel"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/metrics"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/mongo"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/webhook"
)

// Deps are the services the HTTP surface exposes. Redis, Mongo, the call log,
// audit and the telephony client are optional.
type Deps struct {
	Redis        *redis.Client
	Mongo        *mongo.Client
	Orchestrator *pipeline.Orchestrator
	Breakers     *circuitbreaker.Registry
	Bus          *eventbus.Bus
	Metrics      *metrics.Metrics
	CallLog      *calllog.Store
	Audit        *audit.Logger
	Personas     *persona.Registry
	Fillers      *filler.Registry
	Telephony    *exotel.Client
	Logger       *zap.Logger
}

type Handler struct {
	cfg          *env.Config
	redisClient  *redis.Client
	mongoClient  *mongo.Client
	logger       *zap.Logger
	orchestrator *pipeline.Orchestrator
	breakers     *circuitbreaker.Registry
	bus          *eventbus.Bus
	metrics      *metrics.Metrics
	callLog      *calllog.Store
	audit        *audit.Logger
	personas     *persona.Registry
	fillers      *filler.Registry
	telephony    *exotel.Client
	dedup        *webhook.Deduper
	upgrader     websocket.Upgrader
}

func NewHandler(cfg *env.Config, deps Deps) *Handler {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	auditLog := deps.Audit
	if auditLog == nil {
		auditLog = audit.New(deps.Mongo, log)
	}
	return &Handler{
		cfg:          cfg,
		redisClient:  deps.Redis,
		mongoClient:  deps.Mongo,
		logger:       log,
		orchestrator: deps.Orchestrator,
		breakers:     deps.Breakers,
		bus:          deps.Bus,
		metrics:      deps.Metrics,
		callLog:      deps.CallLog,
		audit:        auditLog,
		personas:     deps.Personas,
		fillers:      deps.Fillers,
		telephony:    deps.Telephony,
		dedup:        webhook.NewDeduper(deps.Redis, 0),
		upgrader:     createWebSocketUpgrader(cfg, log),
	}
}

// operator identifies who triggered an operator action
func operator(header, fallback string) string {
	if header != "" {
		return header
	}
	return fallback
}
