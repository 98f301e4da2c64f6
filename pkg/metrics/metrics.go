package metrics

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nexus"

// latencyWindow is how many recent samples back the JSON percentiles
const latencyWindow = 100

var stageBuckets = []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 1.5, 2, 3, 5, 8}

// Metrics holds application metrics
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	callsStarted  prometheus.Counter
	callsEnded    *prometheus.CounterVec
	callsRejected *prometheus.CounterVec
	activeCalls   prometheus.Gauge
	callDuration  prometheus.Histogram

	stageDuration *prometheus.HistogramVec
	turns         *prometheus.CounterVec
	fillers       *prometheus.CounterVec
	bargeIns      prometheus.Counter
	fallbacks     *prometheus.CounterVec

	breakerState    *prometheus.GaugeVec
	breakerFailures *prometheus.GaugeVec

	upstream         *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec

	mu           sync.RWMutex
	totals       map[string]int64
	stageLatency map[string][]time.Duration
	breakers     map[string]string
	startTime    time.Time
}

// New creates a metrics set on its own registry
func New() *Metrics {
	m := &Metrics{
		registry:     prometheus.NewRegistry(),
		totals:       make(map[string]int64),
		stageLatency: make(map[string][]time.Duration),
		breakers:     make(map[string]string),
		startTime:    time.Now(),
	}
	f := promautoWith(m.registry)

	m.requests = f.counterVec("http_requests_total", "Total number of HTTP requests", "method", "path", "status")
	m.requestDuration = f.histogramVec("http_request_duration_seconds", "HTTP request duration in seconds", prometheus.DefBuckets, "method", "path")

	m.callsStarted = f.counter("calls_started_total", "Calls admitted")
	m.callsEnded = f.counterVec("calls_ended_total", "Calls ended by final status", "status")
	m.callsRejected = f.counterVec("calls_rejected_total", "Calls refused at admission", "reason")
	m.activeCalls = f.gauge("calls_active", "Calls currently in progress")
	m.callDuration = f.histogram("call_duration_seconds", "Call length in seconds", prometheus.ExponentialBuckets(5, 2, 10))

	m.stageDuration = f.histogramVec("stage_duration_seconds", "Pipeline stage latency in seconds", stageBuckets, "stage", "outcome")
	m.turns = f.counterVec("turns_total", "Turns by outcome", "outcome")
	m.fillers = f.counterVec("fillers_played_total", "Filler phrases played", "category")
	m.bargeIns = f.counter("barge_ins_total", "Playback interrupted by caller speech")
	m.fallbacks = f.counterVec("fallbacks_total", "Fallback phrases or clips played", "dependency")

	m.breakerState = f.gaugeVec("circuit_breaker_state", "Circuit breaker state (0 closed, 1 open, 2 half-open)", "dependency")
	m.breakerFailures = f.gaugeVec("circuit_breaker_failures", "Consecutive failures seen by the breaker", "dependency")

	m.upstream = f.counterVec("upstream_requests_total", "Requests to AI providers by service and status", "service", "status")
	m.upstreamDuration = f.histogramVec("upstream_request_duration_seconds", "AI provider request latency in seconds", stageBuckets, "service")

	m.registry.MustRegister(collectors.NewGoCollector())
	return m
}

type factory struct{ reg prometheus.Registerer }

func promautoWith(reg prometheus.Registerer) factory { return factory{reg: reg} }

func (f factory) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	f.reg.MustRegister(c)
	return c
}

func (f factory) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	f.reg.MustRegister(c)
	return c
}

func (f factory) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	f.reg.MustRegister(g)
	return g
}

func (f factory) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	f.reg.MustRegister(g)
	return g
}

func (f factory) histogram(name, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets})
	f.reg.MustRegister(h)
	return h
}

func (f factory) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
	f.reg.MustRegister(h)
	return h
}

var global = New()

// Default returns the process-wide metrics set
func Default() *Metrics {
	return global
}

// Handler serves the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records an HTTP request
func (m *Metrics) RecordRequest(method, path string, status int, latency time.Duration) {
	m.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, path).Observe(latency.Seconds())

	m.mu.Lock()
	m.totals["requests"]++
	if status >= 500 {
		m.totals["requests_failed"]++
	}
	m.mu.Unlock()
}

// UpstreamCall records one request to an AI provider. Status 0 means the
// request never got a response.
func (m *Metrics) UpstreamCall(service string, status int, latency time.Duration) {
	m.upstream.WithLabelValues(service, strconv.Itoa(status)).Inc()
	m.upstreamDuration.WithLabelValues(service).Observe(latency.Seconds())
	if status == 0 || status >= 500 {
		m.bump("upstream_failed")
	}
}

// CallStarted counts an admitted call
func (m *Metrics) CallStarted() {
	m.callsStarted.Inc()
	m.activeCalls.Inc()
	m.bump("calls_started")
}

// CallEnded counts a finished call
func (m *Metrics) CallEnded(status string, duration time.Duration) {
	m.callsEnded.WithLabelValues(status).Inc()
	m.activeCalls.Dec()
	m.callDuration.Observe(duration.Seconds())
	m.bump("calls_ended")
	m.bump("calls_" + status)
}

// CallRejected counts a call refused at admission
func (m *Metrics) CallRejected(reason string) {
	m.callsRejected.WithLabelValues(reason).Inc()
	m.bump("calls_rejected")
}

// ObserveStage records the latency of one pipeline stage
func (m *Metrics) ObserveStage(stage, outcome string, latency time.Duration) {
	m.stageDuration.WithLabelValues(stage, outcome).Observe(latency.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	samples := m.stageLatency[stage]
	if len(samples) >= latencyWindow {
		samples = samples[1:]
	}
	m.stageLatency[stage] = append(samples, latency)
}

// TurnFinished counts a turn by outcome: completed, degraded or interrupted
func (m *Metrics) TurnFinished(outcome string) {
	m.turns.WithLabelValues(outcome).Inc()
	m.bump("turns_" + outcome)
}

// FillerPlayed counts a filler phrase
func (m *Metrics) FillerPlayed(category string) {
	m.fillers.WithLabelValues(category).Inc()
	m.bump("fillers")
}

// BargeIn counts an interrupted playback
func (m *Metrics) BargeIn() {
	m.bargeIns.Inc()
	m.bump("barge_ins")
}

// Fallback counts a fallback played for a dependency
func (m *Metrics) Fallback(dependency string) {
	m.fallbacks.WithLabelValues(dependency).Inc()
	m.bump("fallbacks")
}

// UpdateCircuitBreaker updates circuit breaker metrics
func (m *Metrics) UpdateCircuitBreaker(dependency, state string, failures int) {
	var v float64
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.breakerState.WithLabelValues(dependency).Set(v)
	m.breakerFailures.WithLabelValues(dependency).Set(float64(failures))

	m.mu.Lock()
	m.breakers[dependency] = state
	m.mu.Unlock()
}

func (m *Metrics) bump(key string) {
	m.mu.Lock()
	m.totals[key]++
	m.mu.Unlock()
}

// Count returns a running total by key, for tests and the JSON view
func (m *Metrics) Count(key string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totals[key]
}

// GetMetrics returns current metrics
func (m *Metrics) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[string]int64, len(m.totals))
	for k, v := range m.totals {
		totals[k] = v
	}

	stages := make(map[string]interface{}, len(m.stageLatency))
	for stage, samples := range m.stageLatency {
		stages[stage] = map[string]interface{}{
			"count":  len(samples),
			"avg_ms": average(samples),
			"p50_ms": percentile(samples, 0.50),
			"p95_ms": percentile(samples, 0.95),
		}
	}

	breakers := make(map[string]string, len(m.breakers))
	for k, v := range m.breakers {
		breakers[k] = v
	}

	return map[string]interface{}{
		"uptime_seconds":   time.Since(m.startTime).Seconds(),
		"totals":           totals,
		"stages":           stages,
		"circuit_breakers": breakers,
	}
}

func average(samples []time.Duration) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	return float64(sum) / float64(len(samples)) / float64(time.Millisecond)
}

// percentile uses nearest-rank on a sorted copy
func percentile(samples []time.Duration, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx]) / float64(time.Millisecond)
}
