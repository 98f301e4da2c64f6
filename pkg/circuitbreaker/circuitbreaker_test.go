package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var errDependency = errors.New("dependency failed")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fail(context.Context) error    { return errDependency }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := New("generation", Config{FailureThreshold: 5, Cooldown: 30 * time.Second}, WithClock(clock.Now))

	for i := 0; i < 4; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), fail), errDependency)
		assert.Equal(t, StateClosed, cb.GetState())
	}
	assert.ErrorIs(t, cb.Execute(context.Background(), fail), errDependency)
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open breaker must not attempt the call")
	assert.Equal(t, int64(1), cb.GetStats().Rejected)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New("synthesis", Config{FailureThreshold: 3, Cooldown: time.Second})

	for round := 0; round < 3; round++ {
		_ = cb.Execute(context.Background(), fail)
		_ = cb.Execute(context.Background(), fail)
		require.NoError(t, cb.Execute(context.Background(), succeed))
	}
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 0, cb.GetStats().Failures)
}

func TestCircuitBreaker_CooldownAndSingleTrial(t *testing.T) {
	clock := newFakeClock()
	cb := New("recognition", Config{FailureThreshold: 1, Cooldown: 20 * time.Second}, WithClock(clock.Now))

	_ = cb.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, cb.GetState())

	clock.Advance(20*time.Second - time.Nanosecond)
	assert.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrOpen)

	clock.Advance(time.Nanosecond)

	release := make(chan struct{})
	trialStarted := make(chan struct{})
	trialDone := make(chan error, 1)
	go func() {
		trialDone <- cb.Execute(context.Background(), func(context.Context) error {
			close(trialStarted)
			<-release
			return nil
		})
	}()
	<-trialStarted

	assert.Equal(t, StateHalfOpen, cb.GetState())
	var secondCalled atomic.Bool
	err := cb.Execute(context.Background(), func(context.Context) error {
		secondCalled.Store(true)
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, secondCalled.Load(), "only one trial may pass while half-open")

	close(release)
	require.NoError(t, <-trialDone)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_TrialFailureRestartsCooldown(t *testing.T) {
	clock := newFakeClock()
	cb := New("synthesis", Config{FailureThreshold: 1, Cooldown: 10 * time.Second}, WithClock(clock.Now))

	_ = cb.Execute(context.Background(), fail)
	clock.Advance(10 * time.Second)

	assert.ErrorIs(t, cb.Execute(context.Background(), fail), errDependency)
	assert.Equal(t, StateOpen, cb.GetState())

	clock.Advance(9 * time.Second)
	assert.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrOpen)

	clock.Advance(time.Second)
	assert.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_TimeoutCountsAsFailure(t *testing.T) {
	cb := New("generation", Config{FailureThreshold: 1, Cooldown: time.Minute, Timeout: 10 * time.Millisecond})

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	cb := New("recognition", Config{FailureThreshold: 1, Cooldown: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 0, cb.GetStats().Failures)
}

func TestCircuitBreaker_AbandonedTrialAllowsImmediateRetry(t *testing.T) {
	clock := newFakeClock()
	cb := New("generation", Config{FailureThreshold: 1, Cooldown: 5 * time.Second}, WithClock(clock.Now))

	_ = cb.Execute(context.Background(), fail)
	clock.Advance(5 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	err := cb.Execute(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateOpen, cb.GetState())

	assert.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_PanicInHalfOpenReopens(t *testing.T) {
	clock := newFakeClock()
	cb := New("synthesis", Config{FailureThreshold: 1, Cooldown: 10 * time.Second}, WithClock(clock.Now))

	_ = cb.Execute(context.Background(), fail)
	clock.Advance(10 * time.Second)

	assert.PanicsWithValue(t, "codec blew up", func() {
		_ = cb.Execute(context.Background(), func(context.Context) error { panic("codec blew up") })
	})
	assert.Equal(t, StateOpen, cb.GetState())
	assert.Equal(t, int64(2), cb.GetStats().Failed)

	assert.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrOpen)
	clock.Advance(10 * time.Second)
	assert.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_PanicWhileClosedCountsAsFailure(t *testing.T) {
	cb := New("vad", Config{FailureThreshold: 2, Cooldown: time.Minute})

	for i := 0; i < 2; i++ {
		assert.Panics(t, func() {
			_ = cb.Execute(context.Background(), func(context.Context) error { panic("nil frame") })
		})
	}
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var transitions []string
	cb := New("vad", Config{FailureThreshold: 2, Cooldown: time.Second},
		WithClock(clock.Now),
		WithStateChange(func(name string, from, to State, failures int) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		}),
	)

	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)
	clock.Advance(time.Second)
	_ = cb.Execute(context.Background(), succeed)

	assert.Equal(t, []string{
		"vad:closed->open",
		"vad:open->half-open",
		"vad:half-open->closed",
	}, transitions)
}

func TestCircuitBreaker_ConcurrentFailuresOpenOnce(t *testing.T) {
	var opened atomic.Int32
	cb := New("generation", Config{FailureThreshold: 5, Cooldown: time.Minute},
		WithStateChange(func(_ string, from, to State, _ int) {
			if to == StateOpen {
				opened.Add(1)
			}
		}),
	)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(context.Background(), fail)
		}()
	}
	wg.Wait()

	assert.Equal(t, StateOpen, cb.GetState())
	assert.Equal(t, int32(1), opened.Load())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New("synthesis", Config{FailureThreshold: 1, Cooldown: time.Hour})
	_ = cb.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, cb.GetState())
	require.NotNil(t, cb.GetStats().OpenedAt)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Nil(t, cb.GetStats().OpenedAt)
	assert.NoError(t, cb.Execute(context.Background(), succeed))
}

// model is a sequential reference of the breaker transitions
type model struct {
	state     State
	failures  int
	openedAt  time.Time
	threshold int
	cooldown  time.Duration
}

func (m *model) call(now time.Time, ok bool) (attempted bool) {
	trial := false
	switch m.state {
	case StateOpen:
		if now.Sub(m.openedAt) < m.cooldown {
			return false
		}
		trial = true
	case StateHalfOpen:
		return false
	}

	if ok {
		m.failures = 0
		m.state = StateClosed
		return true
	}
	if trial {
		m.state = StateOpen
		m.openedAt = now
		return true
	}
	m.failures++
	if m.failures >= m.threshold {
		m.state = StateOpen
		m.openedAt = now
	}
	return true
}

func TestCircuitBreaker_MatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		threshold := rapid.IntRange(1, 6).Draw(t, "threshold")
		cooldown := time.Duration(rapid.IntRange(1, 30).Draw(t, "cooldown")) * time.Second

		clock := newFakeClock()
		cb := New("dep", Config{FailureThreshold: threshold, Cooldown: cooldown}, WithClock(clock.Now))
		m := &model{state: StateClosed, threshold: threshold, cooldown: cooldown}

		steps := rapid.IntRange(1, 80).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				clock.Advance(time.Duration(rapid.IntRange(0, 40).Draw(t, "advance")) * time.Second)
			default:
				ok := rapid.Bool().Draw(t, "ok")
				attempted := false
				err := cb.Execute(context.Background(), func(context.Context) error {
					attempted = true
					if ok {
						return nil
					}
					return errDependency
				})
				wantAttempted := m.call(clock.Now(), ok)

				if attempted != wantAttempted {
					t.Fatalf("step %d: attempted=%v want %v", i, attempted, wantAttempted)
				}
				if !attempted && !errors.Is(err, ErrOpen) {
					t.Fatalf("step %d: rejected call returned %v", i, err)
				}
			}
			if cb.GetState() != m.state {
				t.Fatalf("step %d: state=%s want %s", i, cb.GetState(), m.state)
			}
		}
	})
}
