package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/internal/filler"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/persona"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/session"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/circuitbreaker"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/eventbus"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/logger"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/metrics"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/otel"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/vad"
)

// State is the turn pipeline state of a call
type State int32

const (
	StateIdle State = iota
	StateRecognizing
	StateGenerating
	StateSynthesizing
	StateSpeaking
	StateInterrupted
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecognizing:
		return "recognizing"
	case StateGenerating:
		return "generating"
	case StateSynthesizing:
		return "synthesizing"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Config holds per-call pipeline settings
type Config struct {
	LanguageHint      string
	FillersEnabled    bool
	FillerDelay       time.Duration
	BargeInGuard      time.Duration
	RecognitionBudget time.Duration
	EnforceBudget     bool
	Greeting          string
	QueueSize         int
	VAD               vad.Config
}

// DefaultGreeting is played when a call connects
const DefaultGreeting = "مرحباً! أنا سارة من عيادة نكسوس مراكل. كيف أقدر أساعدك اليوم؟"

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		LanguageHint:      "ar",
		FillersEnabled:    true,
		FillerDelay:       300 * time.Millisecond,
		BargeInGuard:      300 * time.Millisecond,
		RecognitionBudget: 2 * time.Second,
		Greeting:          DefaultGreeting,
		QueueSize:         4,
		VAD:               vad.DefaultConfig(),
	}
}

// Deps are the collaborators shared by every call
type Deps struct {
	Recognizer  Recognizer
	Generator   Generator
	Synthesizer Synthesizer
	Classifier  vad.Classifier
	Fillers     FillerSource
	Personas    *persona.Registry
	Breakers    *circuitbreaker.Registry
	Fallbacks   *Fallbacks
	Bus         *eventbus.Bus
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Pipeline runs the turns of one call. Feed is driven by the call's ingest
// goroutine; a single worker goroutine runs the stages.
type Pipeline struct {
	cfg       Config
	deps      Deps
	sess      *session.Session
	transport Transport
	segmenter *vad.Segmenter
	log       *zap.Logger
	afterTurn func(session.Turn)
	logOpened <-chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	utterances chan *vad.Utterance
	state      atomic.Int32

	playMu        sync.Mutex
	playing       bool
	playingFiller bool
	interrupted   bool
	playStarted   time.Time
	playCancel    context.CancelFunc

	fillers    sync.WaitGroup
	fillerBusy atomic.Bool

	done    chan struct{}
	endOnce sync.Once
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Default()
	}
	if d.Breakers == nil {
		d.Breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfigs())
	}
	if d.Fallbacks == nil {
		d.Fallbacks = NewFallbacks(nil)
	}
	return d
}

func newPipeline(parent context.Context, cfg Config, deps Deps, sess *session.Session, transport Transport) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4
	}
	if cfg.FillerDelay <= 0 {
		cfg.FillerDelay = 300 * time.Millisecond
	}
	deps = deps.withDefaults()
	log := logger.ForCall(deps.Logger, sess.ID())

	segOpts := []vad.Option{vad.WithLogger(log)}
	if deps.Classifier != nil {
		segOpts = append(segOpts,
			vad.WithClassifier(deps.Classifier),
			vad.WithBreaker(deps.Breakers.Get(circuitbreaker.DependencyVAD)),
		)
	}

	ctx, cancel := context.WithCancel(parent)
	return &Pipeline{
		cfg:        cfg,
		deps:       deps,
		sess:       sess,
		transport:  transport,
		segmenter:  vad.NewSegmenter(cfg.VAD, segOpts...),
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		utterances: make(chan *vad.Utterance, cfg.QueueSize),
		done:       make(chan struct{}),
	}
}

// CallID returns the call this pipeline serves
func (p *Pipeline) CallID() string {
	return p.sess.ID()
}

// Session returns the call's session
func (p *Pipeline) Session() *session.Session {
	return p.sess
}

// State returns the current pipeline state
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Done is closed when the worker has exited
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

func (p *Pipeline) setState(s State) {
	for {
		cur := p.state.Load()
		if State(cur) == StateEnded {
			return
		}
		if p.state.CompareAndSwap(cur, int32(s)) {
			break
		}
	}
	p.sess.SetState(s.String())
}

func (p *Pipeline) terminated() bool {
	return p.ctx.Err() != nil
}

// Feed hands one inbound frame to the segmenter. Frames must arrive in order
// from a single goroutine.
func (p *Pipeline) Feed(frame []byte) {
	if p.terminated() || len(frame) == 0 {
		return
	}

	sig := p.segmenter.Process(p.ctx, frame)
	switch sig.Type {
	case vad.SignalSpeechStart:
		p.publish(eventbus.KindSpeechStarted, map[string]interface{}{"offset_ms": sig.At.Milliseconds()})
		p.bargeIn()
	case vad.SignalSpeechEnd:
		u := sig.Utterance
		select {
		case p.utterances <- u:
			p.publish(eventbus.KindUtteranceReady, map[string]interface{}{
				"start_ms": u.Start.Milliseconds(),
				"end_ms":   u.End.Milliseconds(),
				"bytes":    len(u.Audio),
				"forced":   sig.Forced,
			})
		default:
			p.log.Warn("Utterance queue full, dropping utterance",
				zap.Duration("start", u.Start),
				zap.Duration("duration", u.Duration()),
			)
		}
	case vad.SignalNoise:
		p.log.Debug("Discarded short speech", zap.Duration("at", sig.At))
	}
}

// bargeIn stops reply or filler playback once it has run past the guard
// window. The interruption is only counted by play, once the transport
// confirms the audio was cut short.
func (p *Pipeline) bargeIn() {
	p.playMu.Lock()
	if !p.playing || p.interrupted || time.Since(p.playStarted) < p.cfg.BargeInGuard {
		p.playMu.Unlock()
		return
	}
	p.interrupted = true
	cancel := p.playCancel
	if !p.playingFiller {
		p.setState(StateInterrupted)
	}
	p.playMu.Unlock()

	cancel()
	if err := p.transport.StopPlayback(); err != nil {
		p.log.Warn("Failed to stop playback", zap.Error(err))
	}
}

// Start launches the worker. The greeting plays first when configured.
func (p *Pipeline) Start() {
	go p.run()
}

func (p *Pipeline) run() {
	defer close(p.done)

	p.guard(p.greet)
	for {
		select {
		case <-p.ctx.Done():
			return
		case u := <-p.utterances:
			p.guard(func() { p.handleUtterance(u) })
		}
	}
}

// guard keeps a panicking stage from taking the call down
func (p *Pipeline) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Pipeline stage panicked", zap.Any("panic", r), zap.Stack("stack"))
			p.sess.RecordError("pipeline", "panic", fmt.Sprint(r))
			p.setState(StateIdle)
		}
	}()
	fn()
}

// End terminates the pipeline. In-flight stages observe the cancelled call
// context and their late results are dropped.
func (p *Pipeline) End() {
	p.endOnce.Do(func() {
		p.state.Store(int32(StateEnded))
		p.sess.SetState(StateEnded.String())
		p.cancel()
	})
}

func (p *Pipeline) greet() {
	if p.cfg.Greeting == "" {
		return
	}
	primary := p.deps.Personas.Primary()
	audio, _, err := p.synthesize(p.cfg.Greeting, primary.Voice)
	if p.terminated() {
		return
	}
	if err != nil {
		p.log.Warn("Greeting synthesis failed, skipping greeting", zap.Error(err))
		return
	}
	if _, err := p.play(audio); err != nil {
		if !p.terminated() {
			p.log.Warn("Greeting playback failed", zap.Error(err))
		}
		return
	}
	p.sess.SetGreeting(p.cfg.Greeting)
	p.setState(StateIdle)
}

// handleUtterance runs one turn: recognize, generate, synthesize, speak
func (p *Pipeline) handleUtterance(u *vad.Utterance) {
	if p.terminated() {
		return
	}
	start := time.Now()
	turn := session.Turn{
		ID:             uuid.NewString(),
		UtteranceStart: u.Start,
		UtteranceEnd:   u.End,
		StartedAt:      start,
	}

	p.setState(StateRecognizing)
	ft := p.armFiller(func() string { return filler.Thinking })
	text, recLatency, err := p.recognize(u.Audio)
	turn.FillerPlayed = ft.stop()
	if p.terminated() {
		return
	}
	if err != nil {
		p.sess.RecordError(circuitbreaker.DependencyRecognition, Kind(err), err.Error())
		p.log.Info("Recognition produced no text, playing fallback", zap.String("kind", Kind(err)))
		p.speakFallback(circuitbreaker.DependencyRecognition)
		p.deps.Metrics.TurnFinished("unrecognized")
		p.setState(StateIdle)
		return
	}
	turn.Text = text
	turn.Latency.Recognition = recLatency

	p.setState(StateGenerating)
	ft = p.armFiller(func() string { return p.deps.Fillers.Categorize(text) })
	reply, genLatency, genErr := p.generate(text)
	turn.FillerPlayed = ft.stop() || turn.FillerPlayed
	if p.terminated() {
		return
	}
	turn.Latency.Generation = genLatency

	turn.Persona = p.sess.Persona()
	var audio []byte
	if genErr != nil {
		p.sess.RecordError(circuitbreaker.DependencyGeneration, Kind(genErr), genErr.Error())
		p.deps.Metrics.Fallback(circuitbreaker.DependencyGeneration)
		turn.GenerationFailed = true
		turn.Reply = p.deps.Fallbacks.Text(circuitbreaker.DependencyGeneration)
		if cached, ok := p.deps.Fallbacks.Rendered(circuitbreaker.DependencyGeneration); ok {
			audio = cached
		}
	} else {
		turn.Reply = reply.Text
		turn.Persona = p.resolvePersona(reply.Persona)
	}

	if audio == nil {
		p.setState(StateSynthesizing)
		synthesized, synLatency, err := p.synthesize(turn.Reply, p.voice(turn.Persona))
		if p.terminated() {
			return
		}
		turn.Latency.Synthesis = synLatency
		if err != nil {
			p.sess.RecordError(circuitbreaker.DependencySynthesis, Kind(err), err.Error())
			p.deps.Metrics.Fallback(circuitbreaker.DependencySynthesis)
			turn.SynthesisDegraded = true
			audio = p.deps.Fallbacks.Clip(circuitbreaker.DependencySynthesis)
		} else {
			audio = synthesized
		}
	}

	// a filler still playing finishes before the reply starts
	p.fillers.Wait()
	if p.terminated() {
		return
	}
	turn.Latency.Total = time.Since(start)
	turn.AudioBytes = len(audio)

	interrupted, err := p.play(audio)
	if p.terminated() {
		return
	}
	if interrupted {
		p.deps.Metrics.TurnFinished("interrupted")
		p.setState(StateIdle)
		return
	}
	if err != nil {
		p.log.Warn("Reply playback failed", zap.Error(err))
	}

	previous := p.sess.Persona()
	turn = p.sess.AppendTurn(turn)
	if turn.Persona != previous {
		p.publish(eventbus.KindPersonaSwitched, map[string]interface{}{
			"from": previous,
			"to":   turn.Persona,
			"turn": turn.Index,
		})
	}

	outcome := "completed"
	if turn.GenerationFailed || turn.SynthesisDegraded {
		outcome = "degraded"
	}
	p.deps.Metrics.TurnFinished(outcome)
	p.publish(eventbus.KindTurnCompleted, map[string]interface{}{
		"turn":               turn.Index,
		"persona":            turn.Persona,
		"total_ms":           turn.Latency.Total.Milliseconds(),
		"recognition_ms":     turn.Latency.Recognition.Milliseconds(),
		"generation_ms":      turn.Latency.Generation.Milliseconds(),
		"synthesis_ms":       turn.Latency.Synthesis.Milliseconds(),
		"generation_failed":  turn.GenerationFailed,
		"synthesis_degraded": turn.SynthesisDegraded,
		"filler_played":      turn.FillerPlayed,
	})
	p.log.Info("Turn completed",
		logger.Turn(turn.Index),
		logger.Persona(turn.Persona),
		zap.Duration("total", turn.Latency.Total),
		zap.String("outcome", outcome),
	)
	if p.afterTurn != nil {
		p.afterTurn(turn)
	}
	p.setState(StateIdle)
}

// stage runs fn through the dependency's breaker inside a span
func (p *Pipeline) stage(dependency string, fn func(ctx context.Context) error) (time.Duration, error) {
	ctx, span := otel.StartStage(p.ctx, dependency, p.sess.ID())
	start := time.Now()
	err := classify(p.deps.Breakers.Execute(ctx, dependency, fn))
	latency := time.Since(start)
	otel.EndStage(span, Kind(err), err)
	p.deps.Metrics.ObserveStage(dependency, Kind(err), latency)
	return latency, err
}

func (p *Pipeline) recognize(audio []byte) (string, time.Duration, error) {
	var text string
	latency, err := p.stage(circuitbreaker.DependencyRecognition, func(ctx context.Context) error {
		if p.cfg.EnforceBudget && p.cfg.RecognitionBudget > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.cfg.RecognitionBudget)
			defer cancel()
		}
		var err error
		text, err = p.deps.Recognizer.Transcribe(ctx, audio, p.cfg.LanguageHint)
		return err
	})
	if p.cfg.RecognitionBudget > 0 && latency > p.cfg.RecognitionBudget {
		p.log.Warn("Recognition exceeded latency budget",
			zap.Duration("latency", latency),
			zap.Duration("budget", p.cfg.RecognitionBudget),
		)
	}
	text = strings.TrimSpace(text)
	if err == nil && text == "" {
		err = ErrEmptyResult
	}
	return text, latency, err
}

func (p *Pipeline) generate(text string) (Reply, time.Duration, error) {
	call := p.sess.Call()
	cc := CallContext{
		CallID:    call.ID,
		Phone:     call.Phone,
		Persona:   p.sess.Persona(),
		Personas:  p.deps.Personas.IDs(),
		TurnIndex: p.sess.Counters().Turns,
	}
	history := p.sess.History()

	var reply Reply
	latency, err := p.stage(circuitbreaker.DependencyGeneration, func(ctx context.Context) error {
		var err error
		reply, err = p.deps.Generator.Respond(ctx, text, history, cc)
		return err
	})
	if err == nil && strings.TrimSpace(reply.Text) == "" {
		err = fmt.Errorf("%w: generator returned an empty reply", ErrDependencyFailed)
	}
	return reply, latency, err
}

func (p *Pipeline) synthesize(text string, voice persona.Voice) ([]byte, time.Duration, error) {
	var audio []byte
	latency, err := p.stage(circuitbreaker.DependencySynthesis, func(ctx context.Context) error {
		var err error
		audio, err = p.deps.Synthesizer.Synthesize(ctx, text, voice)
		return err
	})
	if err == nil && len(audio) == 0 {
		err = fmt.Errorf("%w: synthesizer returned no audio", ErrDependencyFailed)
	}
	return audio, latency, err
}

// resolvePersona honours the generator's choice. Unknown ids keep the current persona.
func (p *Pipeline) resolvePersona(requested string) string {
	current := p.sess.Persona()
	if requested == "" {
		return current
	}
	per, ok := p.deps.Personas.Get(requested)
	if !ok {
		p.log.Warn("Generator selected an unknown persona, keeping current",
			zap.String("requested", requested),
			zap.String("current", current),
		)
		return current
	}
	return per.ID
}

func (p *Pipeline) voice(personaID string) persona.Voice {
	if per, ok := p.deps.Personas.Get(personaID); ok {
		return per.Voice
	}
	return p.deps.Personas.Primary().Voice
}

// speakFallback plays a dependency's fallback phrase: the rendered phrase if
// cached, otherwise a fresh synthesis, otherwise the pre-recorded clip.
func (p *Pipeline) speakFallback(dependency string) {
	p.deps.Metrics.Fallback(dependency)
	audio, ok := p.deps.Fallbacks.Rendered(dependency)
	if !ok {
		synthesized, _, err := p.synthesize(p.deps.Fallbacks.Text(dependency), p.voice(p.sess.Persona()))
		if p.terminated() {
			return
		}
		if err != nil {
			audio = p.deps.Fallbacks.Clip(dependency)
		} else {
			audio = synthesized
			p.deps.Fallbacks.StoreRendered(dependency, audio)
		}
	}
	p.fillers.Wait()
	if _, err := p.play(audio); err != nil && !p.terminated() {
		p.log.Warn("Fallback playback failed", zap.Error(err))
	}
}

// play sends audio to the transport and reports whether the caller barged in
func (p *Pipeline) play(audio []byte) (bool, error) {
	if len(audio) == 0 {
		return false, nil
	}
	interrupted, err := p.playback(audio, false)
	if !interrupted {
		return false, err
	}

	p.sess.RecordInterruption()
	p.deps.Metrics.BargeIn()
	p.publish(eventbus.KindTurnInterrupted, nil)
	p.log.Info("Caller barged in, playback stopped")
	return true, nil
}

// playback runs one transport Play that barge-in may cut short. A Play that
// returned nil ran to the end, so a barge-in racing its completion does not
// count.
func (p *Pipeline) playback(audio []byte, isFiller bool) (bool, error) {
	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	p.playMu.Lock()
	p.playing = true
	p.playingFiller = isFiller
	p.interrupted = false
	p.playStarted = time.Now()
	p.playCancel = cancel
	if !isFiller {
		p.setState(StateSpeaking)
	}
	p.playMu.Unlock()

	err := p.transport.Play(ctx, audio)

	p.playMu.Lock()
	p.playing = false
	p.playingFiller = false
	interrupted := p.interrupted && err != nil
	p.interrupted = false
	p.playCancel = nil
	p.playMu.Unlock()

	return interrupted, err
}

// fillerTimer fires at most one filler for a stage wait
type fillerTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	fired   bool
}

func (p *Pipeline) armFiller(category func() string) *fillerTimer {
	if !p.cfg.FillersEnabled || p.deps.Fillers == nil {
		return nil
	}
	ft := &fillerTimer{}
	ft.timer = time.AfterFunc(p.cfg.FillerDelay, func() {
		ft.mu.Lock()
		if ft.stopped || ft.fired || p.terminated() || !p.fillerBusy.CompareAndSwap(false, true) {
			ft.mu.Unlock()
			return
		}
		ft.fired = true
		p.fillers.Add(1)
		ft.mu.Unlock()

		defer func() {
			p.fillerBusy.Store(false)
			p.fillers.Done()
		}()
		p.playFiller(category())
	})
	return ft
}

// stop cancels a pending filler and reports whether one was started
func (ft *fillerTimer) stop() bool {
	if ft == nil {
		return false
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.stopped = true
	ft.timer.Stop()
	return ft.fired
}

// playFiller plays a phrase rendered at warm-up. Fillers are never
// synthesized mid-call.
func (p *Pipeline) playFiller(category string) {
	personaID := p.sess.Persona()
	phrase, ok := p.deps.Fillers.Pick(personaID, category)
	if !ok {
		return
	}
	if len(phrase.Audio) == 0 {
		p.log.Debug("Skipping filler without rendered audio", zap.String("phrase_id", phrase.ID))
		return
	}
	interrupted, err := p.playback(phrase.Audio, true)
	if interrupted {
		p.log.Debug("Caller spoke over a filler, playback stopped", zap.String("phrase_id", phrase.ID))
		return
	}
	if err != nil {
		if !p.terminated() {
			p.log.Debug("Filler playback failed", zap.Error(err))
		}
		return
	}

	p.sess.RecordFiller()
	p.deps.Metrics.FillerPlayed(category)
	p.publish(eventbus.KindFillerPlayed, map[string]interface{}{
		"category":  category,
		"phrase_id": phrase.ID,
		"persona":   personaID,
	})
}

func (p *Pipeline) publish(kind eventbus.Kind, data map[string]interface{}) {
	if p.deps.Bus == nil {
		return
	}
	if data == nil {
		data = make(map[string]interface{}, 1)
	}
	data["call_id"] = p.sess.ID()
	p.deps.Bus.Publish(kind, data,
		eventbus.WithSource("pipeline"),
		eventbus.WithCorrelationID(p.sess.ID()),
	)
}
