package toolfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/apex/runtime/internal/circuitbreaker"
)

// RunnerConfig configures test execution.
type RunnerConfig struct {
	Timeout         time.Duration
	MaxOutputBytes  int
	AllowedCommands []string
	WorkDir         string
	Env             []string
}

// DefaultRunnerConfig allows the usual test entry points with a 30s cap.
func DefaultRunnerConfig(workDir string) RunnerConfig {
	return RunnerConfig{
		Timeout:         30 * time.Second,
		MaxOutputBytes:  100_000,
		AllowedCommands: []string{"go", "pytest", "python", "python3"},
		WorkDir:         workDir,
	}
}

// TestResult is the structured outcome the agents and the reward function
// consume.
type TestResult struct {
	Success  bool    `json:"success"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Errors   int     `json:"errors"`
	Duration float64 `json:"duration_s"`
	ExitCode int     `json:"exit_code"`
	Stdout   string  `json:"stdout"`
	Stderr   string  `json:"stderr"`
	TimedOut bool    `json:"timed_out"`
}

// PassRate returns passed/(passed+failed+errors), 0 when nothing ran.
func (r TestResult) PassRate() float64 {
	total := r.Passed + r.Failed + r.Errors
	if total == 0 {
		return 0
	}
	return float64(r.Passed) / float64(total)
}

// Runner executes test commands in their own process group so that a
// timeout kills the whole tree, not just the direct child.
type Runner struct {
	cfg     RunnerConfig
	breaker *circuitbreaker.CircuitBreaker // optional
}

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 100_000
	}
	return &Runner{cfg: cfg}
}

// SetBreaker guards executions with cb. Start failures and timeouts count
// as breaker failures; a failing test suite is a normal result and does not.
// Must be called before the first Run.
func (r *Runner) SetBreaker(cb *circuitbreaker.CircuitBreaker) { r.breaker = cb }

// Run executes cmd with args under the timeout and parses the output. With
// an open breaker the command is not executed at all.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (TestResult, error) {
	if !r.allowed(name) {
		return TestResult{ExitCode: -1}, fmt.Errorf("command not allowed: %s", name)
	}
	if r.breaker == nil {
		return r.execute(ctx, name, args...)
	}

	var result TestResult
	var runErr error
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		result, runErr = r.execute(ctx, name, args...)
		if runErr != nil {
			return runErr
		}
		if result.TimedOut {
			return context.DeadlineExceeded
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return TestResult{ExitCode: -1}, err
	}
	return result, runErr
}

func (r *Runner) execute(ctx context.Context, name string, args ...string) (TestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = r.cfg.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid targets the process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	elapsed := time.Since(start).Seconds()

	result := TestResult{
		Duration: elapsed,
		Stdout:   truncate(stdout.String(), r.cfg.MaxOutputBytes),
		Stderr:   truncate(stderr.String(), r.cfg.MaxOutputBytes),
		TimedOut: ctx.Err() == context.DeadlineExceeded,
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
	} else if err != nil {
		result.ExitCode = -1
		return result, err
	}
	result.Success = result.ExitCode == 0 && !result.TimedOut

	parseTestOutput(result.Stdout, &result)
	return result, nil
}

// RunPytest runs pytest with short tracebacks on the given path.
func (r *Runner) RunPytest(ctx context.Context, testPath string) (TestResult, error) {
	return r.Run(ctx, "python3", "-m", "pytest", testPath, "-x", "--tb=short", "-q")
}

// RunGoTest runs the Go tests under pkgPath.
func (r *Runner) RunGoTest(ctx context.Context, pkgPath string) (TestResult, error) {
	return r.Run(ctx, "go", "test", "./"+filepath.ToSlash(pkgPath)+"/...")
}

func (r *Runner) allowed(name string) bool {
	base := filepath.Base(name)
	for _, c := range r.cfg.AllowedCommands {
		if base == c {
			return true
		}
	}
	return false
}

var (
	pytestSummary = regexp.MustCompile(`(\d+) passed`)
	pytestFailed  = regexp.MustCompile(`(\d+) failed`)
	pytestErrors  = regexp.MustCompile(`(\d+) error`)
	goTestPass    = regexp.MustCompile(`(?m)^(?:ok|--- PASS)`)
	goTestFail    = regexp.MustCompile(`(?m)^(?:FAIL|--- FAIL)`)
)

// parseTestOutput fills pass/fail counts from pytest or go test output.
func parseTestOutput(out string, result *TestResult) {
	if m := pytestSummary.FindStringSubmatch(out); m != nil {
		result.Passed, _ = strconv.Atoi(m[1])
	}
	if m := pytestFailed.FindStringSubmatch(out); m != nil {
		result.Failed, _ = strconv.Atoi(m[1])
	}
	if m := pytestErrors.FindStringSubmatch(out); m != nil {
		result.Errors, _ = strconv.Atoi(m[1])
	}
	if result.Passed+result.Failed+result.Errors > 0 {
		return
	}
	// Fallback for go test style output.
	result.Passed = len(goTestPass.FindAllString(out, -1))
	result.Failed = len(goTestFail.FindAllString(out, -1))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... [truncated]"
}
