// Package circuitbreaker guards the runtime's blocking dependencies (LLM
// backends, test execution, health probes) so a wedged dependency fails
// fast instead of stalling the decision cadence.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // tripped, calls rejected
	StateHalfOpen              // probing for recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds breaker tuning.
type Config struct {
	Name string

	// MaxRequests bounds concurrent probes in half-open state.
	MaxRequests uint32

	// Interval is the closed-state window for clearing counts.
	Interval time.Duration

	// Timeout is the open-state hold before probing.
	Timeout time.Duration

	// ReadyToTrip decides, from a counts snapshot, whether a closed breaker
	// opens after a failure.
	ReadyToTrip func(counts Counts) bool

	OnStateChange func(name string, from, to State)
}

// DefaultConfig trips at >50% failures over at least 5 requests.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.Requests >= 5 && c.FailureRatio() > 0.5
		},
		OnStateChange: func(name string, from, to State) {
			log.Printf("[BREAKER:%s] %s -> %s", name, from, to)
		},
	}
}

// Counts is a request/outcome tally for one generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() { *c = Counts{} }

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// CircuitBreaker is a generation-counted three-state breaker. Results from
// a previous generation are discarded, so a slow call finishing after a
// state change cannot corrupt the new generation's counts.
type CircuitBreaker struct {
	cfg *Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(time.Now())
	return state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Execute runs req under the breaker. Panics count as failures and re-panic.
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(context.Context) error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()
	err = req(ctx)
	cb.afterRequest(generation, err == nil)
	return err
}

// Allow reports whether a call would be admitted right now, without
// executing or counting anything.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(time.Now())
	if state == StateOpen {
		return ErrCircuitOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests {
		return ErrTooManyRequests
	}
	return nil
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	state, generation := cb.currentState(now)
	if state == StateOpen {
		return generation, ErrCircuitOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests {
		return generation, ErrTooManyRequests
	}
	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	state, current := cb.currentState(now)
	if generation != current {
		return
	}
	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onSuccess()
	case StateHalfOpen:
		cb.counts.onSuccess()
		if cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxRequests {
			cb.setState(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onFailure()
		if cb.cfg.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.newGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.newGeneration(now)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

func (cb *CircuitBreaker) newGeneration(now time.Time) {
	cb.generation++
	cb.counts.clear()
	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.expiry = now.Add(cb.cfg.Interval)
		} else {
			cb.expiry = time.Time{}
		}
	case StateOpen:
		cb.expiry = now.Add(cb.cfg.Timeout)
	default:
		cb.expiry = time.Time{}
	}
}

func (cb *CircuitBreaker) String() string {
	state := cb.State()
	counts := cb.Counts()
	return fmt.Sprintf("CircuitBreaker[%s: state=%s, requests=%d, failures=%d]",
		cb.cfg.Name, state, counts.Requests, counts.TotalFailures)
}

// RuntimeBreakers bundles the breakers for the runtime's three blocking
// dependency classes: model completions, sandboxed test execution and the
// topology health probe.
type RuntimeBreakers struct {
	LLM        *CircuitBreaker
	TestRunner *CircuitBreaker
	Probe      *CircuitBreaker
}

// NewRuntimeBreakers applies per-dependency trip policies. The probe
// breaker is the most aggressive: a flapping probe must never be allowed
// to serialize topology switches behind repeated deadline waits.
func NewRuntimeBreakers() *RuntimeBreakers {
	return &RuntimeBreakers{
		LLM: New(&Config{
			Name:        "llm",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
		}),
		TestRunner: New(&Config{
			Name:        "test-runner",
			MaxRequests: 2,
			Interval:    120 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 2 },
		}),
		Probe: New(&Config{
			Name:        "probe",
			MaxRequests: 2,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 2 },
		}),
	}
}

// HealthStatus summarizes breaker states. DEGRADED if any breaker is open.
func (r *RuntimeBreakers) HealthStatus() (string, map[string]string) {
	statuses := make(map[string]string, 3)
	healthy := true
	for _, cb := range []*CircuitBreaker{r.LLM, r.TestRunner, r.Probe} {
		state := cb.State()
		statuses[cb.Name()] = state.String()
		if state == StateOpen {
			healthy = false
		}
	}
	if healthy {
		return "HEALTHY", statuses
	}
	return "DEGRADED", statuses
}
