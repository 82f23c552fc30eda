// Package coordinator serializes topology switch requests. It is the only
// legal entrant to the switch engine: it holds the switch lock, enforces
// dwell and cooldown in controller ticks, and emits a topology-changed
// event after every commit.
package coordinator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/apex/runtime/internal/events"
	"github.com/apex/runtime/internal/runtime"
)

// State is the coordinator FSM state.
type State int

const (
	StateStable State = iota
	StateSwitching
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateStable:
		return "STABLE"
	case StateSwitching:
		return "SWITCHING"
	case StateCooldown:
		return "COOLDOWN"
	default:
		return "UNKNOWN"
	}
}

// Status classifies the outcome of a switch request.
type Status string

const (
	StatusCommitted Status = "committed"
	StatusAborted   Status = "aborted"
	StatusDeferred  Status = "deferred"
	StatusRejected  Status = "rejected"
)

// Outcome is the structured result of RequestSwitch. Aborts and rejections
// are normal outcomes, never errors.
type Outcome struct {
	Status Status
	Reason string
	Epoch  runtime.Epoch
	Stats  runtime.SwitchStats
}

// TopologyChange is delivered to subscribers strictly after COMMIT has
// installed the new (topology, epoch).
type TopologyChange struct {
	From  runtime.Topology
	To    runtime.Topology
	Epoch runtime.Epoch
}

// HealthProbe pre-validates a switch target. Optional; a nil probe is
// skipped. It runs under a hard deadline and a false result defers the
// switch and starts cooldown.
type HealthProbe func(ctx context.Context, target runtime.Topology) bool

// SwitchObserver receives every terminal switch outcome (committed,
// aborted, deferred) for metrics export. Gate rejections never reach it.
type SwitchObserver interface {
	SwitchObserved(outcome string, stats runtime.SwitchStats, epoch runtime.Epoch)
}

// Config carries dwell/cooldown in controller ticks.
type Config struct {
	DwellMinSteps int
	CooldownSteps int
	ProbeDeadline time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{DwellMinSteps: 2, CooldownSteps: 2, ProbeDeadline: 20 * time.Millisecond}
}

// Coordinator is a single-writer FSM: STABLE -> SWITCHING -> COOLDOWN ->
// STABLE. At most one switch is ever in flight; a request arriving during
// one is parked in a single latest-wins slot and retried after cooldown.
type Coordinator struct {
	engine *runtime.SwitchEngine
	cfg    Config
	probe  HealthProbe
	bus    events.EventEmitter // optional

	switchMu sync.Mutex // the switch lock; at most one holder

	mu               sync.Mutex
	state            State
	stepsSinceSwitch int
	cooldownLeft     int
	deferred         *runtime.Topology // latest-wins slot

	subsMu sync.Mutex
	subs   []chan TopologyChange

	observer SwitchObserver // optional
	logger   *log.Logger
}

// New builds a coordinator over the engine. bus and probe may be nil.
func New(engine *runtime.SwitchEngine, cfg Config, bus events.EventEmitter, probe HealthProbe) *Coordinator {
	if cfg.DwellMinSteps <= 0 {
		cfg.DwellMinSteps = 2
	}
	if cfg.CooldownSteps < 0 {
		cfg.CooldownSteps = 0
	}
	if cfg.ProbeDeadline <= 0 {
		cfg.ProbeDeadline = 20 * time.Millisecond
	}
	return &Coordinator{
		engine: engine,
		cfg:    cfg,
		probe:  probe,
		bus:    bus,
		state:  StateStable,
		// A fresh coordinator has dwelled "forever" in its initial topology.
		stepsSinceSwitch: cfg.DwellMinSteps,
		logger:           log.New(log.Writer(), "[COORD] ", log.LstdFlags),
	}
}

// SetObserver wires a metrics sink. Must be called before traffic starts.
func (c *Coordinator) SetObserver(o SwitchObserver) { c.observer = o }

// Active delegates to the engine.
func (c *Coordinator) Active() (runtime.Topology, runtime.Epoch) { return c.engine.Active() }

// StepsSinceSwitch returns the dwell counter in ticks.
func (c *Coordinator) StepsSinceSwitch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepsSinceSwitch
}

// State returns the FSM state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tick advances one decision step: dwell accrues, cooldown decays, and a
// parked deferred target is replayed once both gates open.
func (c *Coordinator) Tick(ctx context.Context) {
	c.mu.Lock()
	c.stepsSinceSwitch++
	if c.cooldownLeft > 0 {
		c.cooldownLeft--
		if c.cooldownLeft == 0 {
			c.state = StateStable
		}
	}
	var replay *runtime.Topology
	if c.deferred != nil && c.cooldownLeft == 0 && c.stepsSinceSwitch >= c.cfg.DwellMinSteps {
		replay = c.deferred
		c.deferred = nil
	}
	c.mu.Unlock()

	if replay != nil {
		outcome := c.RequestSwitch(ctx, *replay)
		c.logger.Printf("replayed deferred switch to %s: %s (%s)", *replay, outcome.Status, outcome.Reason)
	}
}

// RequestSwitch asks for a transition to target. Cooldown is checked before
// dwell, so a request landing right after a commit reports the cooldown.
func (c *Coordinator) RequestSwitch(ctx context.Context, target runtime.Topology) Outcome {
	if !target.Valid() {
		return Outcome{Status: StatusRejected, Reason: "unknown_topology"}
	}
	if !c.switchMu.TryLock() {
		c.mu.Lock()
		t := target
		c.deferred = &t
		c.mu.Unlock()
		return Outcome{Status: StatusDeferred, Reason: "in_flight"}
	}
	defer c.switchMu.Unlock()

	c.mu.Lock()
	if c.cooldownLeft > 0 {
		c.mu.Unlock()
		return Outcome{Status: StatusRejected, Reason: "cooldown"}
	}
	if c.stepsSinceSwitch < c.cfg.DwellMinSteps {
		c.mu.Unlock()
		return Outcome{Status: StatusRejected, Reason: "dwell"}
	}
	from, _ := c.engine.Active()
	if target == from {
		c.mu.Unlock()
		return Outcome{Status: StatusRejected, Reason: "already_active"}
	}
	c.state = StateSwitching
	c.mu.Unlock()

	if c.probe != nil {
		pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeDeadline)
		ok := c.probe(pctx, target)
		cancel()
		if !ok {
			c.enterCooldown()
			return c.observe(Outcome{Status: StatusDeferred, Reason: "health", Epoch: c.currentEpoch()})
		}
	}

	result := c.engine.ExecuteSwitch(ctx, target)
	switch {
	case result.OK:
		c.enterCooldown()
		change := TopologyChange{From: from, To: target, Epoch: result.Epoch}
		c.emit(change)
		return c.observe(Outcome{Status: StatusCommitted, Epoch: result.Epoch, Stats: result.Stats})
	case result.Deferred:
		c.mu.Lock()
		c.state = StateStable
		c.mu.Unlock()
		return c.observe(Outcome{Status: StatusDeferred, Reason: result.Reason, Epoch: result.Epoch, Stats: result.Stats})
	default:
		// Engine aborted; topology and epoch unchanged. Normal outcome.
		c.mu.Lock()
		c.state = StateStable
		c.mu.Unlock()
		return c.observe(Outcome{Status: StatusAborted, Reason: result.Reason, Epoch: result.Epoch, Stats: result.Stats})
	}
}

func (c *Coordinator) currentEpoch() runtime.Epoch {
	_, epoch := c.engine.Active()
	return epoch
}

// observe forwards a terminal outcome to the metrics sink.
func (c *Coordinator) observe(o Outcome) Outcome {
	if c.observer != nil {
		c.observer.SwitchObserved(string(o.Status), o.Stats, o.Epoch)
	}
	return o
}

func (c *Coordinator) enterCooldown() {
	c.mu.Lock()
	c.stepsSinceSwitch = 0
	c.cooldownLeft = c.cfg.CooldownSteps
	if c.cooldownLeft > 0 {
		c.state = StateCooldown
	} else {
		c.state = StateStable
	}
	c.mu.Unlock()
}

// Subscribe returns a channel receiving topology changes. The channel is
// buffered; a slow subscriber loses events rather than blocking a commit.
func (c *Coordinator) Subscribe() <-chan TopologyChange {
	ch := make(chan TopologyChange, 8)
	c.subsMu.Lock()
	c.subs = append(c.subs, ch)
	c.subsMu.Unlock()
	return ch
}

func (c *Coordinator) emit(change TopologyChange) {
	c.subsMu.Lock()
	for _, ch := range c.subs {
		select {
		case ch <- change:
		default:
		}
	}
	c.subsMu.Unlock()
	if c.bus != nil {
		c.bus.Emit(events.EventTopologyChanged, "/coordinator", string(change.To), map[string]interface{}{
			"from":  string(change.From),
			"to":    string(change.To),
			"epoch": uint64(change.Epoch),
		})
	}
	c.logger.Printf("TOPOLOGY_CHANGED %s -> %s (epoch %d)", change.From, change.To, change.Epoch)
}
