package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/circuitbreaker"
)

var (
	// ErrDependencyUnavailable means the dependency's breaker rejected the call
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrDependencyFailed means the dependency returned an error or timed out
	ErrDependencyFailed = errors.New("dependency failed")
	// ErrEmptyResult means recognition returned no text
	ErrEmptyResult = errors.New("empty result")
	// ErrCallTerminated means the call ended while the stage was in flight
	ErrCallTerminated = errors.New("call terminated")
	// ErrPlaybackStopped means StopPlayback cut a Play short
	ErrPlaybackStopped = errors.New("playback stopped")
)

// classify maps a stage error onto the pipeline error taxonomy
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCallTerminated), errors.Is(err, ErrDependencyUnavailable),
		errors.Is(err, ErrDependencyFailed), errors.Is(err, ErrEmptyResult):
		return err
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrCallTerminated, err)
	case errors.Is(err, circuitbreaker.ErrOpen):
		return fmt.Errorf("%w: %w", ErrDependencyUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", ErrDependencyFailed, err)
	}
}

// Kind returns the taxonomy label for an error, used in metrics and markers
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCallTerminated):
		return "call_terminated"
	case errors.Is(err, ErrDependencyUnavailable):
		return "dependency_unavailable"
	case errors.Is(err, ErrEmptyResult):
		return "empty_result"
	default:
		return "dependency_failed"
	}
}
