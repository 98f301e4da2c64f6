package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/internal/calllog"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/filler"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/persona"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/session"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/circuitbreaker"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/eventbus"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/metrics"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/vad"
)

type fakeRecognizer struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	block bool
	fn    func(n int) (string, error)
}

func (f *fakeRecognizer) Transcribe(ctx context.Context, _ []byte, _ string) (string, error) {
	f.mu.Lock()
	f.calls++
	n, delay, block, fn := f.calls, f.delay, f.block, f.fn
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err := sleepCtx(ctx, delay); err != nil {
		return "", err
	}
	if fn != nil {
		return fn(n)
	}
	return fmt.Sprintf("utterance %d", n), nil
}

func (f *fakeRecognizer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGenerator struct {
	mu       sync.Mutex
	calls    int
	delay    time.Duration
	contexts []CallContext
	fn       func(n int, text string) (Reply, error)
}

func (f *fakeGenerator) Respond(ctx context.Context, text string, _ []session.Turn, call CallContext) (Reply, error) {
	f.mu.Lock()
	f.calls++
	f.contexts = append(f.contexts, call)
	n, delay, fn := f.calls, f.delay, f.fn
	f.mu.Unlock()

	if err := sleepCtx(ctx, delay); err != nil {
		return Reply{}, err
	}
	if fn != nil {
		return fn(n, text)
	}
	return Reply{Text: "reply to " + text}, nil
}

func (f *fakeGenerator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSynth struct {
	mu     sync.Mutex
	calls  int
	voices []string
	fn     func(text string) ([]byte, error)
}

func (f *fakeSynth) Synthesize(_ context.Context, text string, voice persona.Voice) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.voices = append(f.voices, voice.VoiceID)
	fn := f.fn
	f.mu.Unlock()

	if fn != nil {
		return fn(text)
	}
	return []byte("pcm:" + text), nil
}

func (f *fakeSynth) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSynth) Voices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.voices...)
}

type fakeTransport struct {
	mu       sync.Mutex
	played   []string
	stops    int
	hold     bool
	holdOnly string // holds only this payload when set
	onPlay   func()
	started  chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{started: make(chan struct{}, 16)}
}

func (t *fakeTransport) Play(ctx context.Context, audio []byte) error {
	t.mu.Lock()
	t.played = append(t.played, string(audio))
	hold := t.hold || (t.holdOnly != "" && t.holdOnly == string(audio))
	onPlay := t.onPlay
	t.mu.Unlock()

	select {
	case t.started <- struct{}{}:
	default:
	}
	if hold {
		<-ctx.Done()
		return ctx.Err()
	}
	if onPlay != nil {
		onPlay()
	}
	return nil
}

// setOnPlay runs fn as each Play finishes, before it returns
func (t *fakeTransport) setOnPlay(fn func()) {
	t.mu.Lock()
	t.onPlay = fn
	t.mu.Unlock()
}

func (t *fakeTransport) StopPlayback() error {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Played() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.played...)
}

func (t *fakeTransport) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// fakeCallLog upserts by call id like the mongo store does.
type fakeCallLog struct {
	mu      sync.Mutex
	records []*calllog.Record
	saves   int
}

func (f *fakeCallLog) Save(ctx context.Context, rec *calllog.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := *rec
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	for i, r := range f.records {
		if r.CallID == rec.CallID {
			f.records[i] = &cp
			return nil
		}
	}
	f.records = append(f.records, &cp)
	return nil
}

func (f *fakeCallLog) Saves() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func (f *fakeCallLog) Records() []*calllog.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*calllog.Record(nil), f.records...)
}

type fakeFillers struct {
	mu         sync.Mutex
	categories []string
	category   string
	unrendered bool
}

func (f *fakeFillers) Pick(_ string, category string) (filler.Phrase, bool) {
	f.mu.Lock()
	f.categories = append(f.categories, category)
	f.mu.Unlock()
	phrase := filler.Phrase{ID: "f1", Text: "لحظة", Category: category, Audio: []byte("filler")}
	if f.unrendered {
		phrase.Audio = nil
	}
	return phrase, true
}

func (f *fakeFillers) Categorize(string) string {
	if f.category == "" {
		return filler.Thinking
	}
	return f.category
}

func (f *fakeFillers) Picked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.categories...)
}

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(context.Context, string) (*calllog.Summary, error) {
	return &calllog.Summary{Text: "caller booked an appointment", Sentiment: "positive"}, nil
}

// hangingSummarizer never answers before its context ends.
type hangingSummarizer struct {
	calls atomic.Int32
}

func (s *hangingSummarizer) Summarize(ctx context.Context, _ string) (*calllog.Summary, error) {
	s.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type harness struct {
	orch       *Orchestrator
	store      *session.Store
	rec        *fakeRecognizer
	gen        *fakeGenerator
	syn        *fakeSynth
	callLog    *fakeCallLog
	bus        *eventbus.Bus
	breakers   *circuitbreaker.Registry
	fallbacks  *Fallbacks
	transports map[string]*fakeTransport
}

func testConfig() OrchestratorConfig {
	cfg := DefaultOrchestratorConfig()
	cfg.AdmissionRate = 0
	cfg.DrainTimeout = 2 * time.Second
	cfg.Pipeline = Config{
		LanguageHint: "ar",
		BargeInGuard: 0,
		QueueSize:    4,
		VAD:          vad.DefaultConfig(),
	}
	return cfg
}

func newHarness(t *testing.T, mutate func(cfg *OrchestratorConfig, deps *Deps)) *harness {
	t.Helper()

	personas, err := persona.NewRegistry(persona.Defaults("voice-sara", "voice-nexus")...)
	require.NoError(t, err)

	h := &harness{
		store:      session.NewStore(session.Limits{}),
		rec:        &fakeRecognizer{},
		gen:        &fakeGenerator{},
		syn:        &fakeSynth{},
		callLog:    &fakeCallLog{},
		bus:        eventbus.New(zap.NewNop()),
		breakers:   circuitbreaker.NewRegistry(circuitbreaker.DefaultConfigs()),
		fallbacks:  NewFallbacks(nil),
		transports: make(map[string]*fakeTransport),
	}
	t.Cleanup(h.bus.Close)

	cfg := testConfig()
	deps := Deps{
		Recognizer:  h.rec,
		Generator:   h.gen,
		Synthesizer: h.syn,
		Personas:    personas,
		Breakers:    h.breakers,
		Fallbacks:   h.fallbacks,
		Bus:         h.bus,
		Metrics:     metrics.New(),
		Logger:      zap.NewNop(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	h.orch = NewOrchestrator(cfg, deps, h.store, WithCallLog(h.callLog), WithSummarizer(fakeSummarizer{}))
	t.Cleanup(func() { h.orch.Shutdown(context.Background()) })
	return h
}

func (h *harness) start(t *testing.T, callID string) (*Pipeline, *fakeTransport) {
	t.Helper()
	return h.startWith(t, callID, newFakeTransport())
}

func (h *harness) startWith(t *testing.T, callID string, tr *fakeTransport) (*Pipeline, *fakeTransport) {
	t.Helper()
	p, err := h.orch.StartCall(context.Background(), CallInfo{
		CallID:    callID,
		Phone:     "+966501234567",
		Direction: "inbound",
		Transport: tr,
	})
	require.NoError(t, err)
	h.transports[callID] = tr
	return p, tr
}

func frame(amplitude int16) []byte {
	out := make([]byte, 640)
	for i := 0; i < len(out); i += 2 {
		v := amplitude
		if (i/2)%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(v))
	}
	return out
}

func loudFrame() []byte { return frame(20000) }

func silentFrame() []byte { return frame(0) }

// speak feeds 400ms of speech followed by enough silence to end the utterance
func speak(p *Pipeline) {
	for i := 0; i < 20; i++ {
		p.Feed(loudFrame())
	}
	for i := 0; i < 36; i++ {
		p.Feed(silentFrame())
	}
}

func waitTurns(t *testing.T, p *Pipeline, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.Session().Counters().Turns >= n
	}, 3*time.Second, 5*time.Millisecond)
}

func waitState(t *testing.T, p *Pipeline, s State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.State() == s
	}, 3*time.Second, 5*time.Millisecond, "waiting for state %s", s)
}
