package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// State represents the circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without attempting the call while the circuit is open
// or while a half-open trial is already in flight.
var ErrOpen = errors.New("dependency unavailable: circuit breaker is open")

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold int           // Consecutive failures before opening
	Cooldown         time.Duration // Time spent open before a trial is allowed
	Timeout          time.Duration // Deadline applied to each guarded call, 0 disables
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// StateChangeFunc is invoked after every successful transition
type StateChangeFunc func(name string, from, to State, failures int)

// Option customises a breaker
type Option func(*CircuitBreaker)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithStateChange registers a transition callback
func WithStateChange(fn StateChangeFunc) Option {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// snapshot is swapped atomically so state and open time always change together
type snapshot struct {
	state    State
	openedAt time.Time
}

// CircuitBreaker guards calls to one external dependency.
// It is safe for concurrent use by many calls; transitions are compare-and-swap
// on an immutable snapshot and the failure counter is atomic.
type CircuitBreaker struct {
	name     string
	config   Config
	snap     atomic.Pointer[snapshot]
	failures atomic.Int32

	calls    atomic.Int64
	failed   atomic.Int64
	rejected atomic.Int64

	onChange StateChangeFunc
	now      func() time.Time
}

// New creates a new circuit breaker
func New(name string, config Config, opts ...Option) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultConfig().Cooldown
	}

	cb := &CircuitBreaker{
		name:   name,
		config: config,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.snap.Store(&snapshot{state: StateClosed})
	return cb
}

// Name returns the guarded dependency name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn with circuit breaker protection.
// A deadline overrun counts as a failure. Cancellation of ctx by the caller
// does not, since it says nothing about the dependency's health.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := cb.allow()
	if err != nil {
		cb.rejected.Add(1)
		return err
	}
	cb.calls.Add(1)

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if cb.config.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, cb.config.Timeout)
	}
	// A panic counts as a failure, then keeps unwinding.
	defer func() {
		if r := recover(); r != nil {
			cancel()
			cb.failed.Add(1)
			cb.onFailure(trial)
			panic(r)
		}
	}()
	err = fn(callCtx)
	cancel()

	switch {
	case err == nil:
		cb.onSuccess(trial)
	case ctx.Err() != nil:
		cb.onAbandon(trial)
	default:
		cb.failed.Add(1)
		cb.onFailure(trial)
	}
	return err
}

// allow decides whether a call may proceed and whether it is the half-open trial
func (cb *CircuitBreaker) allow() (bool, error) {
	for {
		cur := cb.snap.Load()
		switch cur.state {
		case StateClosed:
			return false, nil
		case StateHalfOpen:
			return false, ErrOpen
		default:
			if cb.now().Sub(cur.openedAt) < cb.config.Cooldown {
				return false, ErrOpen
			}
			next := &snapshot{state: StateHalfOpen, openedAt: cur.openedAt}
			if cb.snap.CompareAndSwap(cur, next) {
				cb.notify(StateOpen, StateHalfOpen)
				return true, nil
			}
		}
	}
}

func (cb *CircuitBreaker) onSuccess(trial bool) {
	if !trial {
		cb.failures.Store(0)
		return
	}
	cur := cb.snap.Load()
	if cur.state == StateHalfOpen && cb.snap.CompareAndSwap(cur, &snapshot{state: StateClosed}) {
		cb.failures.Store(0)
		cb.notify(StateHalfOpen, StateClosed)
	}
}

func (cb *CircuitBreaker) onFailure(trial bool) {
	if trial {
		cur := cb.snap.Load()
		if cur.state == StateHalfOpen && cb.snap.CompareAndSwap(cur, &snapshot{state: StateOpen, openedAt: cb.now()}) {
			cb.notify(StateHalfOpen, StateOpen)
		}
		return
	}

	if int(cb.failures.Add(1)) < cb.config.FailureThreshold {
		return
	}
	for {
		cur := cb.snap.Load()
		if cur.state != StateClosed {
			return
		}
		if cb.snap.CompareAndSwap(cur, &snapshot{state: StateOpen, openedAt: cb.now()}) {
			cb.notify(StateClosed, StateOpen)
			return
		}
	}
}

// onAbandon releases an interrupted trial. The original open time is kept so
// the next caller may try straight away.
func (cb *CircuitBreaker) onAbandon(trial bool) {
	if !trial {
		return
	}
	cur := cb.snap.Load()
	if cur.state == StateHalfOpen && cb.snap.CompareAndSwap(cur, &snapshot{state: StateOpen, openedAt: cur.openedAt}) {
		cb.notify(StateHalfOpen, StateOpen)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onChange != nil {
		cb.onChange(cb.name, from, to, int(cb.failures.Load()))
	}
}

// GetState returns the current state. An open circuit whose cooldown has
// elapsed still reports open until the next call tries it.
func (cb *CircuitBreaker) GetState() State {
	return cb.snap.Load().state
}

// Reset forces the breaker closed and clears the failure count
func (cb *CircuitBreaker) Reset() {
	for {
		cur := cb.snap.Load()
		if cb.snap.CompareAndSwap(cur, &snapshot{state: StateClosed}) {
			cb.failures.Store(0)
			if cur.state != StateClosed {
				cb.notify(cur.state, StateClosed)
			}
			return
		}
	}
}

// Stats is a point-in-time view of one breaker
type Stats struct {
	Name             string     `json:"name"`
	State            string     `json:"state"`
	Failures         int        `json:"consecutive_failures"`
	FailureThreshold int        `json:"failure_threshold"`
	CooldownSeconds  float64    `json:"cooldown_seconds"`
	OpenedAt         *time.Time `json:"opened_at,omitempty"`
	Calls            int64      `json:"calls"`
	Failed           int64      `json:"failed"`
	Rejected         int64      `json:"rejected"`
}

// GetStats returns circuit breaker statistics
func (cb *CircuitBreaker) GetStats() Stats {
	cur := cb.snap.Load()
	stats := Stats{
		Name:             cb.name,
		State:            cur.state.String(),
		Failures:         int(cb.failures.Load()),
		FailureThreshold: cb.config.FailureThreshold,
		CooldownSeconds:  cb.config.Cooldown.Seconds(),
		Calls:            cb.calls.Load(),
		Failed:           cb.failed.Load(),
		Rejected:         cb.rejected.Load(),
	}
	if cur.state != StateClosed {
		openedAt := cur.openedAt
		stats.OpenedAt = &openedAt
	}
	return stats
}
