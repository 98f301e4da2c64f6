package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/omarmfza1-glitch/nexus-miracle/internal/calllog"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/filler"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/session"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/circuitbreaker"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/eventbus"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/logger"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/metrics"
)

var (
	// ErrCapacity means MaxConcurrentCalls calls are already live
	ErrCapacity = errors.New("call capacity reached")
	// ErrRateLimited means calls are arriving faster than the admission rate
	ErrRateLimited = errors.New("call admission rate exceeded")
)

// OrchestratorConfig bounds admission and teardown
type OrchestratorConfig struct {
	MaxConcurrentCalls int64
	AdmissionRate      float64 // calls per second, 0 for unlimited
	AdmissionBurst     int
	PersistTimeout     time.Duration
	// SummaryTimeout bounds the post-call summary, which runs after the
	// transcript is saved
	SummaryTimeout time.Duration
	DrainTimeout   time.Duration
	Pipeline       Config
}

// DefaultOrchestratorConfig returns production defaults
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxConcurrentCalls: 100,
		AdmissionRate:      10,
		AdmissionBurst:     20,
		PersistTimeout:     30 * time.Second,
		SummaryTimeout:     10 * time.Second,
		DrainTimeout:       5 * time.Second,
		Pipeline:           DefaultConfig(),
	}
}

// CallInfo describes a call being admitted
type CallInfo struct {
	CallID    string
	StreamID  string
	Phone     string
	Direction string
	Persona   string
	Transport Transport
}

// Stats aggregates orchestrator activity
type Stats struct {
	Active        int   `json:"active"`
	Capacity      int64 `json:"capacity"`
	Started       int64 `json:"started"`
	Ended         int64 `json:"ended"`
	Rejected      int64 `json:"rejected"`
	Turns         int64 `json:"turns"`
	Interruptions int64 `json:"interruptions"`
	Fillers       int64 `json:"fillers"`
	Errors        int64 `json:"errors"`
}

// Orchestrator admits calls, runs a pipeline per call and flushes each call
// to the call log when it ends.
type Orchestrator struct {
	cfg        OrchestratorConfig
	deps       Deps
	store      *session.Store
	callLog    CallLog
	summarizer Summarizer
	sem        *semaphore.Weighted
	limiter    *rate.Limiter
	log        *zap.Logger

	mu        sync.Mutex
	pipelines map[string]*Pipeline

	started       atomic.Int64
	ended         atomic.Int64
	rejected      atomic.Int64
	turns         atomic.Int64
	interruptions atomic.Int64
	fillers       atomic.Int64
	stageErrors   atomic.Int64
}

// OrchestratorOption customises an orchestrator
type OrchestratorOption func(*Orchestrator)

// WithCallLog persists finished calls
func WithCallLog(cl CallLog) OrchestratorOption {
	return func(o *Orchestrator) { o.callLog = cl }
}

// WithSummarizer attaches a summary to each persisted call
func WithSummarizer(s Summarizer) OrchestratorOption {
	return func(o *Orchestrator) { o.summarizer = s }
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(cfg OrchestratorConfig, deps Deps, store *session.Store, opts ...OrchestratorOption) *Orchestrator {
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 100
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 30 * time.Second
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = 10 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	limit := rate.Inf
	if cfg.AdmissionRate > 0 {
		limit = rate.Limit(cfg.AdmissionRate)
	}
	burst := cfg.AdmissionBurst
	if burst <= 0 {
		burst = 1
	}

	deps = deps.withDefaults()
	o := &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		store:     store,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentCalls),
		limiter:   rate.NewLimiter(limit, burst),
		log:       deps.Logger.With(zap.String("component", "orchestrator")),
		pipelines: make(map[string]*Pipeline),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartCall admits a call and starts its pipeline
func (o *Orchestrator) StartCall(ctx context.Context, info CallInfo) (*Pipeline, error) {
	if info.CallID == "" {
		return nil, fmt.Errorf("call id is required")
	}
	if info.Transport == nil {
		return nil, fmt.Errorf("call %s has no transport", info.CallID)
	}

	if !o.limiter.Allow() {
		o.reject("rate_limited", info)
		return nil, ErrRateLimited
	}
	if !o.sem.TryAcquire(1) {
		o.reject("capacity", info)
		return nil, ErrCapacity
	}

	personaID := o.deps.Personas.Primary().ID
	if info.Persona != "" {
		if per, ok := o.deps.Personas.Get(info.Persona); ok {
			personaID = per.ID
		}
	}

	sess, err := o.store.Create(ctx, session.Call{
		ID:        info.CallID,
		StreamID:  info.StreamID,
		Phone:     info.Phone,
		Direction: info.Direction,
		StartedAt: time.Now(),
	}, personaID)
	if err != nil {
		o.sem.Release(1)
		o.reject("duplicate", info)
		return nil, err
	}

	// the call outlives the request that admitted it
	p := newPipeline(context.WithoutCancel(ctx), o.cfg.Pipeline, o.deps, sess, info.Transport)
	p.afterTurn = func(session.Turn) {
		o.store.Touch(p.ctx, info.CallID)
	}

	o.mu.Lock()
	o.pipelines[info.CallID] = p
	o.mu.Unlock()

	p.Start()
	o.started.Add(1)
	o.deps.Metrics.CallStarted()
	o.publish(eventbus.KindCallStarted, info.CallID, map[string]interface{}{
		"persona":   personaID,
		"direction": info.Direction,
	})
	p.logOpened = o.openCallLog(ctx, sess.Call())

	o.log.Info("Call started",
		logger.CallID(info.CallID),
		logger.MaskPhone("phone", info.Phone),
		logger.Persona(personaID),
	)
	return p, nil
}

func (o *Orchestrator) reject(reason string, info CallInfo) {
	o.rejected.Add(1)
	o.deps.Metrics.CallRejected(reason)
	o.log.Warn("Call rejected",
		logger.CallID(info.CallID),
		zap.String("reason", reason),
	)
}

// callOpener is implemented by call logs that record live calls
type callOpener interface {
	Open(ctx context.Context, callID, phone, direction string, startedAt time.Time) error
}

// openCallLog records the live call in the background. The returned channel
// closes when the write is done so the final save cannot be overtaken.
func (o *Orchestrator) openCallLog(ctx context.Context, call session.Call) <-chan struct{} {
	opener, ok := o.callLog.(callOpener)
	if !ok {
		return nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
		defer cancel()
		if err := opener.Open(ctx, call.ID, call.Phone, call.Direction, call.StartedAt); err != nil {
			o.log.Warn("Failed to record live call", logger.CallID(call.ID), zap.Error(err))
		}
	}()
	return done
}

// Get returns the live pipeline for a call
func (o *Orchestrator) Get(callID string) (*Pipeline, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pipelines[callID]
	return p, ok
}

// EndCall terminates a call, flushes it to the call log and publishes
// call.ended. Ending an unknown or already ended call is a no-op.
func (o *Orchestrator) EndCall(ctx context.Context, callID string, status session.Status, reason string) error {
	o.mu.Lock()
	p, ok := o.pipelines[callID]
	delete(o.pipelines, callID)
	o.mu.Unlock()
	if !ok {
		return nil
	}

	p.End()
	select {
	case <-p.Done():
	case <-time.After(o.cfg.DrainTimeout):
		o.log.Warn("Pipeline worker did not exit in time", logger.CallID(callID))
	}
	o.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()

	sess := p.Session()
	o.store.Remove(ctx, callID)
	sess.MarkEnded(status, time.Now())

	rec := calllog.FromSession(sess, reason)
	o.ended.Add(1)
	o.turns.Add(int64(rec.Counters.Turns))
	o.interruptions.Add(int64(rec.Counters.Interruptions))
	o.fillers.Add(int64(rec.Counters.Fillers))
	o.stageErrors.Add(int64(rec.Counters.Errors))
	o.deps.Metrics.CallEnded(string(status), time.Duration(rec.DurationSeconds*float64(time.Second)))

	o.publish(eventbus.KindCallEnded, callID, map[string]interface{}{
		"status":           string(status),
		"reason":           reason,
		"duration_seconds": rec.DurationSeconds,
		"turns":            rec.Counters.Turns,
		"interruptions":    rec.Counters.Interruptions,
		"avg_latency_ms":   rec.AvgLatencyMs,
	})
	o.log.Info("Call ended",
		logger.CallID(callID),
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Int("turns", rec.Counters.Turns),
		zap.Float64("duration_seconds", rec.DurationSeconds),
	)

	// The transcript is saved before the summary is requested; the summary
	// is written as a second upsert.
	var saveErr error
	if o.callLog != nil {
		if p.logOpened != nil {
			select {
			case <-p.logOpened:
			case <-ctx.Done():
			}
		}
		saveErr = o.save(ctx, rec)
	}

	if o.summarizer == nil || rec.Counters.Turns == 0 {
		return saveErr
	}
	summary, err := o.summarize(context.WithoutCancel(ctx), rec)
	if err != nil {
		o.log.Warn("Call summary failed", logger.CallID(callID), zap.Error(err))
		return saveErr
	}
	rec.Summary = summary
	if o.callLog == nil {
		return saveErr
	}

	summaryCtx, cancelSummary := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancelSummary()
	if err := o.save(summaryCtx, rec); err != nil && saveErr == nil {
		saveErr = err
	}
	return saveErr
}

func (o *Orchestrator) save(ctx context.Context, rec *calllog.Record) error {
	if err := o.callLog.Save(ctx, rec); err != nil {
		o.log.Error("Failed to persist call log", logger.CallID(rec.CallID), zap.Error(err))
		return err
	}
	return nil
}

// summarize asks the model for a call summary through the generation breaker
func (o *Orchestrator) summarize(ctx context.Context, rec *calllog.Record) (*calllog.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SummaryTimeout)
	defer cancel()

	var summary *calllog.Summary
	err := o.deps.Breakers.Execute(ctx, circuitbreaker.DependencyGeneration, func(ctx context.Context) error {
		var err error
		summary, err = o.summarizer.Summarize(ctx, rec.ConversationText())
		return err
	})
	return summary, err
}

// Fail ends a call whose transport broke and reports the cause
func (o *Orchestrator) Fail(ctx context.Context, callID string, cause error) error {
	o.publish(eventbus.KindCallError, callID, map[string]interface{}{"error": cause.Error()})
	return o.EndCall(ctx, callID, session.StatusFailed, "transport_error")
}

// Active returns snapshots of live calls ordered by start time
func (o *Orchestrator) Active() []session.Snapshot {
	sessions := o.store.List()
	out := make([]session.Snapshot, len(sessions))
	for i, s := range sessions {
		out[i] = s.Snapshot()
	}
	return out
}

// Stats returns aggregate counters
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	active := len(o.pipelines)
	o.mu.Unlock()
	return Stats{
		Active:        active,
		Capacity:      o.cfg.MaxConcurrentCalls,
		Started:       o.started.Load(),
		Ended:         o.ended.Load(),
		Rejected:      o.rejected.Load(),
		Turns:         o.turns.Load(),
		Interruptions: o.interruptions.Load(),
		Fillers:       o.fillers.Load(),
		Errors:        o.stageErrors.Load(),
	}
}

// Shutdown ends every live call
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.pipelines))
	for id := range o.pipelines {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = o.EndCall(ctx, id, session.StatusCompleted, "shutdown")
		}(id)
	}
	wg.Wait()
}

// Synthesize renders text in a persona's voice through the synthesis breaker
func (o *Orchestrator) Synthesize(ctx context.Context, text, personaID string) ([]byte, error) {
	per, ok := o.deps.Personas.Get(personaID)
	if !ok {
		per = o.deps.Personas.Primary()
	}
	var audio []byte
	err := o.deps.Breakers.Execute(ctx, circuitbreaker.DependencySynthesis, func(ctx context.Context) error {
		var err error
		audio, err = o.deps.Synthesizer.Synthesize(ctx, text, per.Voice)
		return err
	})
	return audio, classify(err)
}

// WarmUp renders fallback phrases and filler phrases ahead of the first call
func (o *Orchestrator) WarmUp(ctx context.Context, fillers *filler.Registry, concurrency int) error {
	primary := o.deps.Personas.Primary().ID
	o.deps.Fallbacks.WarmUp(ctx, func(ctx context.Context, text string) ([]byte, error) {
		return o.Synthesize(ctx, text, primary)
	}, o.log)

	if fillers == nil {
		return nil
	}
	return fillers.WarmUp(ctx, primary, concurrency, o.Synthesize, o.log)
}

func (o *Orchestrator) publish(kind eventbus.Kind, callID string, data map[string]interface{}) {
	if o.deps.Bus == nil {
		return
	}
	data["call_id"] = callID
	o.deps.Bus.Publish(kind, data,
		eventbus.WithSource("orchestrator"),
		eventbus.WithCorrelationID(callID),
	)
}

// BreakerObserver publishes breaker transitions and keeps the breaker gauges current
func BreakerObserver(bus *eventbus.Bus, m *metrics.Metrics, log *zap.Logger) circuitbreaker.StateChangeFunc {
	return func(name string, from, to circuitbreaker.State, failures int) {
		m.UpdateCircuitBreaker(name, to.String(), failures)
		if bus != nil {
			bus.Publish(eventbus.KindDependencyDegraded, map[string]interface{}{
				"dependency": name,
				"from":       from.String(),
				"to":         to.String(),
				"failures":   failures,
			}, eventbus.WithSource("circuitbreaker"))
		}
		log.Warn("Circuit breaker state changed",
			logger.Dependency(name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Int("failures", failures),
		)
	}
}
