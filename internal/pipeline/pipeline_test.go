package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omarmfza1-glitch/nexus-miracle/internal/filler"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/session"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/circuitbreaker"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/eventbus"
)

func TestPipeline_RoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	p, tr := h.start(t, "call-rt")

	const turns = 3
	for i := 1; i <= turns; i++ {
		speak(p)
		waitTurns(t, p, i)
	}
	waitState(t, p, StateIdle)

	require.NoError(t, h.orch.EndCall(context.Background(), "call-rt", session.StatusCompleted, "hangup"))

	history := p.Session().History()
	require.Len(t, history, turns)

	records := h.callLog.Records()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, session.StatusCompleted, rec.Status)
	require.Len(t, rec.Turns, turns)
	for i, turn := range rec.Turns {
		assert.Equal(t, i, turn.Index)
		assert.Equal(t, fmt.Sprintf("utterance %d", i+1), turn.Text)
		assert.Equal(t, fmt.Sprintf("reply to utterance %d", i+1), turn.Reply)
		assert.Equal(t, "sara", turn.Persona)
	}
	require.NotNil(t, rec.Summary)
	assert.Equal(t, "caller booked an appointment", rec.Summary.Text)

	assert.Equal(t, turns, h.syn.Calls())
	assert.Equal(t, []string{
		"pcm:reply to utterance 1",
		"pcm:reply to utterance 2",
		"pcm:reply to utterance 3",
	}, tr.Played())
	assert.Equal(t, StateEnded, p.State())
}

func TestPipeline_EmptyRecognitionPlaysOnlyFallback(t *testing.T) {
	h := newHarness(t, nil)
	h.rec.fn = func(int) (string, error) { return "   ", nil }
	h.fallbacks.StoreRendered(circuitbreaker.DependencyRecognition, []byte("fallback:recognition"))

	p, tr := h.start(t, "call-empty")
	speak(p)

	require.Eventually(t, func() bool { return len(tr.Played()) == 1 }, 3*time.Second, 5*time.Millisecond)
	waitState(t, p, StateIdle)

	assert.Equal(t, []string{"fallback:recognition"}, tr.Played())
	assert.Zero(t, h.gen.Calls())
	assert.Zero(t, h.syn.Calls())
	assert.Zero(t, p.Session().Counters().Turns)
	assert.Empty(t, p.Session().History())

	markers := p.Session().Errors()
	require.Len(t, markers, 1)
	assert.Equal(t, circuitbreaker.DependencyRecognition, markers[0].Stage)
	assert.Equal(t, "empty_result", markers[0].Kind)
}

func TestPipeline_RecognitionFailureSynthesizesFallbackOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.rec.fn = func(int) (string, error) { return "", errors.New("asr 503") }

	p, tr := h.start(t, "call-asr")
	speak(p)
	require.Eventually(t, func() bool { return len(tr.Played()) == 1 }, 3*time.Second, 5*time.Millisecond)
	waitState(t, p, StateIdle)

	text := h.fallbacks.Text(circuitbreaker.DependencyRecognition)
	assert.Equal(t, []string{"pcm:" + text}, tr.Played())

	// the rendered phrase is cached for the next failure
	speak(p)
	require.Eventually(t, func() bool { return len(tr.Played()) == 2 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.syn.Calls())
	assert.Equal(t, "dependency_failed", p.Session().Errors()[0].Kind)
}

func TestPipeline_SynthesisBreakerOpenPlaysClip(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		_ = h.breakers.Execute(context.Background(), circuitbreaker.DependencySynthesis, func(context.Context) error {
			return errors.New("tts down")
		})
	}
	require.Equal(t, circuitbreaker.StateOpen, h.breakers.Get(circuitbreaker.DependencySynthesis).GetState())
	h.fallbacks.SetClip(circuitbreaker.DependencySynthesis, []byte("clip:synthesis"))

	p, tr := h.start(t, "call-tts")
	speak(p)
	waitTurns(t, p, 1)

	turn := p.Session().History()[0]
	assert.True(t, turn.SynthesisDegraded)
	assert.False(t, turn.GenerationFailed)
	assert.Equal(t, "reply to utterance 1", turn.Reply)
	assert.Zero(t, h.syn.Calls())
	assert.Equal(t, []string{"clip:synthesis"}, tr.Played())
	assert.Equal(t, 1, p.Session().Counters().Degraded)
}

func TestPipeline_BargeInStopsPlayback(t *testing.T) {
	h := newHarness(t, func(cfg *OrchestratorConfig, _ *Deps) {
		cfg.Pipeline.BargeInGuard = 20 * time.Millisecond
	})
	interrupted := make(chan eventbus.Event, 1)
	h.bus.Subscribe(eventbus.KindTurnInterrupted, func(e eventbus.Event) error {
		interrupted <- e
		return nil
	})

	tr := newFakeTransport()
	tr.hold = true
	p, _ := h.startWith(t, "call-barge", tr)

	speak(p)
	waitState(t, p, StateSpeaking)
	time.Sleep(40 * time.Millisecond)

	p.Feed(loudFrame())

	assert.Equal(t, 1, tr.Stops())
	waitState(t, p, StateIdle)
	assert.Zero(t, p.Session().Counters().Turns)
	assert.Empty(t, p.Session().History())
	assert.Equal(t, 1, p.Session().Counters().Interruptions)

	select {
	case e := <-interrupted:
		assert.Equal(t, "call-barge", e.CorrelationID)
	case <-time.After(time.Second):
		t.Fatal("turn.interrupted not published")
	}
}

func TestPipeline_BargeInAfterPlaybackFinishedKeepsTurn(t *testing.T) {
	h := newHarness(t, nil)
	tr := newFakeTransport()
	p, _ := h.startWith(t, "call-late-barge", tr)
	tr.setOnPlay(p.bargeIn)

	speak(p)
	waitTurns(t, p, 1)
	waitState(t, p, StateIdle)

	assert.Equal(t, 1, tr.Stops())
	assert.Zero(t, p.Session().Counters().Interruptions)
	require.Len(t, p.Session().History(), 1)
	assert.Equal(t, "reply to utterance 1", p.Session().History()[0].Reply)
}

func TestPipeline_BargeInStopsFiller(t *testing.T) {
	fillers := &fakeFillers{}
	h := newHarness(t, func(cfg *OrchestratorConfig, deps *Deps) {
		cfg.Pipeline.FillersEnabled = true
		cfg.Pipeline.FillerDelay = 20 * time.Millisecond
		deps.Fillers = fillers
	})
	h.rec.delay = 400 * time.Millisecond

	tr := newFakeTransport()
	tr.holdOnly = "filler"
	p, _ := h.startWith(t, "call-filler-barge", tr)

	speak(p)
	require.Eventually(t, func() bool { return len(tr.Played()) == 1 }, time.Second, 5*time.Millisecond)

	p.Feed(loudFrame())
	assert.Equal(t, 1, tr.Stops())
	assert.Equal(t, StateRecognizing, p.State())

	waitTurns(t, p, 1)
	assert.Zero(t, p.Session().Counters().Interruptions)
	assert.Zero(t, p.Session().Counters().Fillers)
	assert.Equal(t, []string{"filler", "pcm:reply to utterance 1"}, tr.Played())
}

func TestPipeline_UnrenderedFillerIsSkipped(t *testing.T) {
	fillers := &fakeFillers{unrendered: true}
	h := newHarness(t, func(cfg *OrchestratorConfig, deps *Deps) {
		cfg.Pipeline.FillersEnabled = true
		cfg.Pipeline.FillerDelay = 20 * time.Millisecond
		deps.Fillers = fillers
	})
	h.rec.delay = 150 * time.Millisecond

	p, tr := h.start(t, "call-cold-filler")
	speak(p)
	waitTurns(t, p, 1)

	assert.NotEmpty(t, fillers.Picked())
	assert.Equal(t, 1, h.syn.Calls())
	assert.Equal(t, int64(1), h.breakers.Get(circuitbreaker.DependencySynthesis).GetStats().Calls)
	assert.Zero(t, p.Session().Counters().Fillers)
	assert.Equal(t, []string{"pcm:reply to utterance 1"}, tr.Played())
}

func TestPipeline_SpeechInsideGuardWindowDoesNotInterrupt(t *testing.T) {
	h := newHarness(t, func(cfg *OrchestratorConfig, _ *Deps) {
		cfg.Pipeline.BargeInGuard = 10 * time.Second
	})
	tr := newFakeTransport()
	tr.hold = true
	p, _ := h.startWith(t, "call-guard", tr)

	speak(p)
	waitState(t, p, StateSpeaking)
	p.Feed(loudFrame())

	assert.Zero(t, tr.Stops())
	assert.Equal(t, StateSpeaking, p.State())
	assert.Zero(t, p.Session().Counters().Interruptions)
}

func TestPipeline_FillerAtMostOncePerStage(t *testing.T) {
	fillers := &fakeFillers{category: filler.Empathy}
	h := newHarness(t, func(cfg *OrchestratorConfig, deps *Deps) {
		cfg.Pipeline.FillersEnabled = true
		cfg.Pipeline.FillerDelay = 20 * time.Millisecond
		deps.Fillers = fillers
	})
	h.rec.delay = 150 * time.Millisecond
	h.gen.delay = 150 * time.Millisecond

	p, tr := h.start(t, "call-filler")
	speak(p)
	waitTurns(t, p, 1)

	assert.Equal(t, []string{filler.Thinking, filler.Empathy}, fillers.Picked())
	assert.Equal(t, 2, p.Session().Counters().Fillers)
	assert.True(t, p.Session().History()[0].FillerPlayed)

	played := tr.Played()
	require.Len(t, played, 3)
	assert.Equal(t, "filler", played[0])
	assert.Equal(t, "filler", played[1])
	assert.Equal(t, "pcm:reply to utterance 1", played[2])
}

func TestPipeline_NoFillerWhenStagesAreFast(t *testing.T) {
	fillers := &fakeFillers{}
	h := newHarness(t, func(cfg *OrchestratorConfig, deps *Deps) {
		cfg.Pipeline.FillersEnabled = true
		cfg.Pipeline.FillerDelay = 500 * time.Millisecond
		deps.Fillers = fillers
	})

	p, _ := h.start(t, "call-fast")
	speak(p)
	waitTurns(t, p, 1)

	assert.Empty(t, fillers.Picked())
	assert.False(t, p.Session().History()[0].FillerPlayed)
}

func TestPipeline_PersonaPassthrough(t *testing.T) {
	h := newHarness(t, nil)
	h.gen.fn = func(n int, text string) (Reply, error) {
		if n == 1 {
			return Reply{Text: "الأسعار تبدأ من مئتين", Persona: "nexus"}, nil
		}
		return Reply{Text: "تمام", Persona: "ghost"}, nil
	}
	switched := make(chan eventbus.Event, 4)
	h.bus.Subscribe(eventbus.KindPersonaSwitched, func(e eventbus.Event) error {
		switched <- e
		return nil
	})

	p, _ := h.start(t, "call-persona")
	speak(p)
	waitTurns(t, p, 1)
	speak(p)
	waitTurns(t, p, 2)

	history := p.Session().History()
	assert.Equal(t, "nexus", history[0].Persona)
	assert.Equal(t, "nexus", history[1].Persona, "unknown persona keeps the current one")
	assert.Equal(t, []string{"voice-nexus", "voice-nexus"}, h.syn.Voices())

	select {
	case e := <-switched:
		assert.Equal(t, "sara", e.Data["from"])
		assert.Equal(t, "nexus", e.Data["to"])
	case <-time.After(time.Second):
		t.Fatal("persona.switched not published")
	}

	h.gen.mu.Lock()
	cc := h.gen.contexts[1]
	h.gen.mu.Unlock()
	assert.Equal(t, "nexus", cc.Persona)
	assert.Equal(t, []string{"nexus", "sara"}, cc.Personas)
	assert.Equal(t, 1, cc.TurnIndex)
}

func TestPipeline_GenerationFailureAppendsDegradedTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.gen.fn = func(int, string) (Reply, error) { return Reply{}, errors.New("llm 500") }

	p, tr := h.start(t, "call-gen")
	speak(p)
	waitTurns(t, p, 1)

	turn := p.Session().History()[0]
	fallback := h.fallbacks.Text(circuitbreaker.DependencyGeneration)
	assert.True(t, turn.GenerationFailed)
	assert.Equal(t, fallback, turn.Reply)
	assert.Equal(t, "utterance 1", turn.Text)
	assert.Equal(t, []string{"pcm:" + fallback}, tr.Played())
}

func TestPipeline_GreetingPlaysFirst(t *testing.T) {
	h := newHarness(t, func(cfg *OrchestratorConfig, _ *Deps) {
		cfg.Pipeline.Greeting = DefaultGreeting
	})

	p, tr := h.start(t, "call-greet")
	require.Eventually(t, func() bool { return p.Session().Greeting() != "" }, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"pcm:" + DefaultGreeting}, tr.Played())
	assert.Equal(t, []string{"voice-sara"}, h.syn.Voices())
	assert.Zero(t, p.Session().Counters().Turns)

	speak(p)
	waitTurns(t, p, 1)
	assert.Len(t, p.Session().History(), 1)
}

func TestPipeline_PanicInStageIsRecovered(t *testing.T) {
	h := newHarness(t, nil)
	h.gen.fn = func(n int, text string) (Reply, error) {
		if n == 1 {
			panic("generator bug")
		}
		return Reply{Text: "ok"}, nil
	}

	p, _ := h.start(t, "call-panic")
	speak(p)
	require.Eventually(t, func() bool { return len(p.Session().Errors()) == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, "panic", p.Session().Errors()[0].Kind)

	speak(p)
	waitTurns(t, p, 1)
	assert.Equal(t, "ok", p.Session().History()[0].Reply)
}

func TestPipeline_FeedAfterEndIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	p, _ := h.start(t, "call-late")
	require.NoError(t, h.orch.EndCall(context.Background(), "call-late", session.StatusCompleted, "hangup"))

	speak(p)
	assert.Zero(t, h.rec.Calls())
	assert.Equal(t, StateEnded, p.State())
}
