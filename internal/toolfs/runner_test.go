package toolfs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex/runtime/internal/circuitbreaker"
)

func TestParsePytestOutput(t *testing.T) {
	var r TestResult
	parseTestOutput("..F\n1 failed, 2 passed in 0.03s\n", &r)
	assert.Equal(t, 2, r.Passed)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 0, r.Errors)
}

func TestParsePytestErrors(t *testing.T) {
	var r TestResult
	parseTestOutput("2 passed, 1 error in 0.10s\n", &r)
	assert.Equal(t, 2, r.Passed)
	assert.Equal(t, 1, r.Errors)
}

func TestParseGoTestFallback(t *testing.T) {
	var r TestResult
	out := "--- PASS: TestAdd (0.00s)\n--- PASS: TestSub (0.00s)\n--- FAIL: TestMul (0.00s)\nFAIL\nok  \texample.com/pkg\t0.01s\n"
	parseTestOutput(out, &r)
	assert.Equal(t, 3, r.Passed, "two --- PASS lines plus the ok summary")
	assert.Equal(t, 2, r.Failed, "one --- FAIL line plus the FAIL summary")
}

func TestParsePrefersPytestCounts(t *testing.T) {
	var r TestResult
	// When pytest counts are present the go-test fallback must not run.
	parseTestOutput("--- PASS: spurious\n3 passed in 0.01s\n", &r)
	assert.Equal(t, 3, r.Passed)
	assert.Equal(t, 0, r.Failed)
}

func TestPassRate(t *testing.T) {
	assert.Zero(t, TestResult{}.PassRate())
	assert.InDelta(t, 1.0, TestResult{Passed: 4}.PassRate(), 1e-12)
	assert.InDelta(t, 0.5, TestResult{Passed: 2, Failed: 1, Errors: 1}.PassRate(), 1e-12)
}

func TestRunnerRejectsUnlistedCommand(t *testing.T) {
	r := NewRunner(DefaultRunnerConfig(t.TempDir()))

	res, err := r.Run(context.Background(), "rm", "-rf", "/")
	assert.Error(t, err)
	assert.Equal(t, -1, res.ExitCode)

	// Path tricks do not widen the allowlist.
	_, err = r.Run(context.Background(), "/usr/bin/env", "x")
	assert.Error(t, err)
}

func TestRunnerBreakerTripsOnStartFailures(t *testing.T) {
	cfg := DefaultRunnerConfig(t.TempDir())
	// Allowlisted but absent from PATH, so every execution fails to start.
	cfg.AllowedCommands = []string{"definitely-not-a-real-test-binary"}
	r := NewRunner(cfg)

	cb := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "test-runner",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	})
	r.SetBreaker(cb)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := r.Run(ctx, "definitely-not-a-real-test-binary")
		assert.Error(t, err)
		assert.Equal(t, -1, res.ExitCode)
	}
	require.Equal(t, circuitbreaker.StateOpen, cb.State())

	// Open: nothing is executed.
	res, err := r.Run(ctx, "definitely-not-a-real-test-binary")
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, -1, res.ExitCode)
}

func TestRunnerBreakerIgnoresPolicyRejection(t *testing.T) {
	r := NewRunner(DefaultRunnerConfig(t.TempDir()))
	cb := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "test-runner",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	r.SetBreaker(cb)

	_, err := r.Run(context.Background(), "rm", "-rf", "/")
	assert.Error(t, err)
	assert.Zero(t, cb.Counts().Requests, "allowlist rejections are policy, not dependency health")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	got := truncate("abcdefgh", 4)
	assert.Contains(t, got, "abcd")
	assert.Contains(t, got, "truncated")
}
