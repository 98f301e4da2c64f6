package circuitbreaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_DependenciesAreIndependent(t *testing.T) {
	reg := NewRegistry(DefaultConfigs())

	for i := 0; i < 5; i++ {
		_ = reg.Execute(context.Background(), DependencyGeneration, fail)
	}

	gen, ok := reg.Lookup(DependencyGeneration)
	require.True(t, ok)
	assert.Equal(t, StateOpen, gen.GetState())

	for _, dep := range []string{DependencyVAD, DependencyRecognition, DependencySynthesis} {
		cb, ok := reg.Lookup(dep)
		require.True(t, ok)
		assert.Equal(t, StateClosed, cb.GetState(), dep)
	}
	assert.NoError(t, reg.Execute(context.Background(), DependencyRecognition, succeed))
}

func TestRegistry_SharedAcrossCalls(t *testing.T) {
	reg := NewRegistry(map[string]Config{
		DependencyGeneration: {FailureThreshold: 5, Cooldown: 30 * time.Second},
	})

	// five different calls each see one generation failure
	var wg sync.WaitGroup
	for call := 0; call < 5; call++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = reg.Execute(context.Background(), DependencyGeneration, fail)
		}()
	}
	wg.Wait()

	called := false
	err := reg.Execute(context.Background(), DependencyGeneration, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestRegistry_DefaultConfigs(t *testing.T) {
	configs := DefaultConfigs()

	assert.Equal(t, 3, configs[DependencyRecognition].FailureThreshold)
	assert.Equal(t, 20*time.Second, configs[DependencyRecognition].Cooldown)
	assert.Equal(t, 5, configs[DependencyGeneration].FailureThreshold)
	assert.Equal(t, 30*time.Second, configs[DependencyGeneration].Cooldown)
	assert.Equal(t, 3, configs[DependencySynthesis].FailureThreshold)
}

func TestRegistry_GetCreatesMissing(t *testing.T) {
	reg := NewRegistry(nil)

	_, ok := reg.Lookup("telephony")
	assert.False(t, ok)

	cb := reg.Get("telephony")
	assert.Same(t, cb, reg.Get("telephony"))
	assert.Equal(t, "telephony", cb.Name())
}

func TestRegistry_ResetAndStats(t *testing.T) {
	reg := NewRegistry(DefaultConfigs())
	for i := 0; i < 3; i++ {
		_ = reg.Execute(context.Background(), DependencySynthesis, fail)
	}

	stats := reg.Stats()
	require.Len(t, stats, 4)
	names := make([]string, 0, len(stats))
	for _, s := range stats {
		names = append(names, s.Name)
		if s.Name == DependencySynthesis {
			assert.Equal(t, "open", s.State)
			assert.Equal(t, int64(3), s.Failed)
		}
	}
	assert.Equal(t, []string{"generation", "recognition", "synthesis", "vad"}, names)

	require.NoError(t, reg.Reset(DependencySynthesis))
	cb, _ := reg.Lookup(DependencySynthesis)
	assert.Equal(t, StateClosed, cb.GetState())

	assert.Error(t, reg.Reset("unknown"))
}
