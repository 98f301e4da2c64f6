package circuitbreaker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Dependency names guarded by the call pipeline
const (
	DependencyVAD         = "vad"
	DependencyRecognition = "recognition"
	DependencyGeneration  = "generation"
	DependencySynthesis   = "synthesis"
)

// DefaultConfigs returns per-dependency defaults. Recognition and synthesis
// trip sooner and recover faster than generation.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		DependencyVAD:         {FailureThreshold: 5, Cooldown: 30 * time.Second, Timeout: 200 * time.Millisecond},
		DependencyRecognition: {FailureThreshold: 3, Cooldown: 20 * time.Second, Timeout: 5 * time.Second},
		DependencyGeneration:  {FailureThreshold: 5, Cooldown: 30 * time.Second, Timeout: 8 * time.Second},
		DependencySynthesis:   {FailureThreshold: 3, Cooldown: 20 * time.Second, Timeout: 5 * time.Second},
	}
}

// Registry holds one independent breaker per dependency.
// The map is fixed after construction apart from lazily added names; each
// breaker synchronises itself, so unrelated dependencies never contend.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	opts     []Option
}

// NewRegistry creates breakers for every configured dependency
func NewRegistry(configs map[string]Config, opts ...Option) *Registry {
	r := &Registry{
		breakers: make(map[string]*CircuitBreaker, len(configs)),
		opts:     opts,
	}
	for name, cfg := range configs {
		r.breakers[name] = New(name, cfg, opts...)
	}
	return r
}

// Get returns the breaker for name, creating one with DefaultConfig if needed
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb = New(name, DefaultConfig(), r.opts...)
	r.breakers[name] = cb
	return cb
}

// Execute runs fn through the named dependency's breaker
func (r *Registry) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}

// Lookup returns the breaker for name without creating it
func (r *Registry) Lookup(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// Reset closes the named breaker
func (r *Registry) Reset(name string) error {
	cb, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown dependency %q", name)
	}
	cb.Reset()
	return nil
}

// Stats returns a snapshot of every breaker ordered by name
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	stats := make([]Stats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.GetStats())
	}
	r.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
