package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errBackend = errors.New("backend down")

func fail() error    { return errBackend }
func succeed() error { return nil }

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("llm", Config{FailureThreshold: 3}, zaptest.NewLogger(t))
	ctx := context.Background()

	require.Error(t, b.Do(ctx, fail))
	require.Error(t, b.Do(ctx, fail))
	require.NoError(t, b.Do(ctx, succeed))
	require.Equal(t, StateClosed, b.State(), "a success should reset the failure run")

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Do(ctx, fail), errBackend)
	}
	require.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(ctx, func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrOpen)
	require.False(t, called, "open breaker must not invoke the call")
}

func TestBreakerRecoversThroughProbes(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 20 * time.Millisecond}
	b := New("llm", cfg, zaptest.NewLogger(t))
	ctx := context.Background()

	require.Error(t, b.Do(ctx, fail))
	require.Equal(t, StateOpen, b.State())
	require.ErrorIs(t, b.Do(ctx, succeed), ErrOpen)

	time.Sleep(30 * time.Millisecond)

	require.NoError(t, b.Do(ctx, succeed))
	require.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Do(ctx, succeed))
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	cfg := Config{FailureThreshold: 1, OpenTimeout: 20 * time.Millisecond}
	b := New("llm", cfg, zaptest.NewLogger(t))
	ctx := context.Background()

	require.Error(t, b.Do(ctx, fail))
	time.Sleep(30 * time.Millisecond)

	require.ErrorIs(t, b.Do(ctx, fail), errBackend)
	require.Equal(t, StateOpen, b.State())
	require.ErrorIs(t, b.Do(ctx, succeed), ErrOpen, "reopened breaker starts a fresh cooldown")
}

func TestBreakerLimitsConcurrentProbes(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 20 * time.Millisecond, MaxProbes: 1}
	b := New("llm", cfg, zaptest.NewLogger(t))
	ctx := context.Background()

	require.Error(t, b.Do(ctx, fail))
	time.Sleep(30 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func() error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	require.ErrorIs(t, b.Do(ctx, succeed), ErrOpen, "second probe exceeds the budget")
	close(release)
	require.NoError(t, <-done)
	require.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerIgnoresCancelledCalls(t *testing.T) {
	b := New("llm", Config{FailureThreshold: 2}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		require.Error(t, b.Do(ctx, func() error { return ctx.Err() }))
	}
	require.Equal(t, StateClosed, b.State(), "caller cancellation says nothing about backend health")
}

func TestBreakerCountsPanicsAsFailures(t *testing.T) {
	b := New("llm", Config{FailureThreshold: 1}, zaptest.NewLogger(t))
	ctx := context.Background()

	require.Panics(t, func() {
		_ = b.Do(ctx, func() error { panic("boom") })
	})
	require.Equal(t, StateOpen, b.State())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "closed", StateClosed.String())
	require.Equal(t, "half-open", StateHalfOpen.String())
	require.Equal(t, "open", StateOpen.String())
	require.Equal(t, "unknown", State(9).String())
}
