package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func consecutiveConfig(failures uint32, timeout time.Duration) *Config {
	return &Config{
		Name:        "test",
		MaxRequests: 2,
		Timeout:     timeout,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= failures },
	}
}

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func TestClosedBreakerPassesThrough(t *testing.T) {
	cb := New(consecutiveConfig(3, time.Minute))

	for i := 0; i < 5; i++ {
		require.NoError(t, cb.Execute(context.Background(), ok))
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(5), cb.Counts().TotalSuccesses)
}

func TestTripsOnConsecutiveFailures(t *testing.T) {
	cb := New(consecutiveConfig(3, time.Minute))
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateClosed, cb.State())

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	// Open: the function never runs.
	ran := false
	err := cb.Execute(ctx, func(context.Context) error { ran = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, ran)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	cb := New(consecutiveConfig(3, time.Minute))
	ctx := context.Background()

	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	cb.Execute(ctx, ok)
	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State(), "streak was broken by a success")
}

func TestHalfOpenAfterTimeoutAndRecovery(t *testing.T) {
	cb := New(consecutiveConfig(1, 20*time.Millisecond))
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// MaxRequests consecutive successes close the breaker.
	require.NoError(t, cb.Execute(ctx, ok))
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := New(consecutiveConfig(1, 20*time.Millisecond))
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestHalfOpenBoundsConcurrentProbes(t *testing.T) {
	cfg := consecutiveConfig(1, 10*time.Millisecond)
	cfg.MaxRequests = 1
	cb := New(cfg)
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	// One probe slot: a second admission is refused while the first holds it.
	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- cb.Execute(ctx, func(context.Context) error {
			<-release
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)
	assert.ErrorIs(t, cb.Allow(), ErrTooManyRequests)

	close(release)
	require.NoError(t, <-probeDone)
	assert.Equal(t, StateClosed, cb.State())
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	cfg := consecutiveConfig(1, time.Minute)
	cfg.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	}
	cb := New(cfg)

	cb.Execute(context.Background(), fail)
	require.Equal(t, []string{"CLOSED>OPEN"}, transitions)
}

func TestDefaultConfigFailureRatioTrip(t *testing.T) {
	cfg := DefaultConfig("ratio")
	cfg.OnStateChange = nil
	cb := New(cfg)
	ctx := context.Background()

	// 2 successes, 3 failures: 5 requests at 60% failure trips.
	cb.Execute(ctx, ok)
	cb.Execute(ctx, ok)
	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State())
	cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())
}

func TestRuntimeBreakersHealthStatus(t *testing.T) {
	rb := NewRuntimeBreakers()

	status, detail := rb.HealthStatus()
	assert.Equal(t, "HEALTHY", status)
	assert.Equal(t, "CLOSED", detail["llm"])
	assert.Len(t, detail, 3)

	// Two consecutive probe failures trip the probe breaker.
	ctx := context.Background()
	rb.Probe.Execute(ctx, fail)
	rb.Probe.Execute(ctx, fail)

	status, detail = rb.HealthStatus()
	assert.Equal(t, "DEGRADED", status)
	assert.Equal(t, "OPEN", detail["probe"])
	assert.Equal(t, "CLOSED", detail["test-runner"])
}
