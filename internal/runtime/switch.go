package runtime

import (
	"context"
	"log"
	"sync"
	"time"
)

// Phase is the switch engine state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePrepare
	PhaseQuiesce
	PhaseCommit
	PhaseAbort
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhasePrepare:
		return "PREPARE"
	case PhaseQuiesce:
		return "QUIESCE"
	case PhaseCommit:
		return "COMMIT"
	case PhaseAbort:
		return "ABORT"
	default:
		return "UNKNOWN"
	}
}

// WarmupFunc is an optional PREPARE sub-task (health ping, tool-adapter
// readiness, plan pre-warm). It must return before the prepare deadline;
// overrunning degrades the switch into a defer, never an abort.
type WarmupFunc func(ctx context.Context) error

// SwitchStats describes one switch attempt.
type SwitchStats struct {
	Phase           string
	Target          Topology
	PrepareMS       float64
	QuiesceMS       float64
	ElapsedMS       float64
	Migrated        int
	Restamped       int
	DroppedByReason map[DropReason]uint64
	SwitchCount     uint64
	AbortCount      uint64
}

// SwitchResult is the outcome of ExecuteSwitch. Deferred means PREPARE
// could not establish readiness and nothing changed; OK=false with
// Deferred=false is a quiesce-timeout ABORT.
type SwitchResult struct {
	OK       bool
	Deferred bool
	Reason   string
	Epoch    Epoch
	Stats    SwitchStats
}

// SwitchConfig carries the phase deadlines.
type SwitchConfig struct {
	QuiesceDeadline time.Duration
	PrepareDeadline time.Duration
}

// DefaultSwitchConfig mirrors the documented defaults (50ms / 20ms).
func DefaultSwitchConfig() SwitchConfig {
	return SwitchConfig{
		QuiesceDeadline: 50 * time.Millisecond,
		PrepareDeadline: 20 * time.Millisecond,
	}
}

// SwitchEngine executes the three-phase topology switch protocol over the
// Router's dual queues. It is the only component that advances the epoch,
// and only at COMMIT. The Coordinator is its sole legal caller.
type SwitchEngine struct {
	router  *Router
	cfg     SwitchConfig
	log     *IntentLog // optional
	warmups []WarmupFunc

	mu          sync.Mutex
	phase       Phase
	switchCount uint64
	abortCount  uint64

	logger *log.Logger
}

// NewSwitchEngine builds an engine over the router. intentLog may be nil
// when crash recovery is not required.
func NewSwitchEngine(router *Router, cfg SwitchConfig, intentLog *IntentLog) *SwitchEngine {
	if cfg.QuiesceDeadline <= 0 {
		cfg.QuiesceDeadline = 50 * time.Millisecond
	}
	if cfg.PrepareDeadline <= 0 {
		cfg.PrepareDeadline = 20 * time.Millisecond
	}
	return &SwitchEngine{
		router: router,
		cfg:    cfg,
		log:    intentLog,
		logger: log.New(log.Writer(), "[SWITCH] ", log.LstdFlags),
	}
}

// AddWarmup registers a PREPARE sub-task. Not safe to call once switches
// have started.
func (e *SwitchEngine) AddWarmup(w WarmupFunc) { e.warmups = append(e.warmups, w) }

// Active returns the current (topology, epoch) snapshot.
func (e *SwitchEngine) Active() (Topology, Epoch) { return e.router.Active() }

// Phase returns the current protocol phase.
func (e *SwitchEngine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Stats returns cumulative switch/abort counts.
func (e *SwitchEngine) Stats() (switches, aborts uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.switchCount, e.abortCount
}

// ExecuteSwitch runs PREPARE -> QUIESCE -> COMMIT/ABORT toward the target
// topology. A quiesce timeout is a normal outcome (OK=false), never an
// error: buffered messages are merged back behind the remaining active
// traffic and the epoch stays put.
func (e *SwitchEngine) ExecuteSwitch(ctx context.Context, target Topology) SwitchResult {
	t0 := time.Now()
	before := e.router.Counters()

	// PREPARE
	e.setPhase(PhasePrepare)
	_ = e.log.Append(IntentRecord{Kind: IntentBeginPrepare, Target: target})
	if err := e.router.beginBuffering(); err != nil {
		e.setPhase(PhaseIdle)
		return SwitchResult{Deferred: true, Reason: "in_flight", Epoch: e.currentEpoch()}
	}
	if ok := e.runWarmups(ctx); !ok {
		// Not ready: roll the (still empty or lightly used) next queues
		// back and report a defer. No epoch change, no abort.
		restamped := e.router.abortSwitch()
		_ = e.log.Append(IntentRecord{Kind: IntentAbort, Reason: "prepare_not_ready"})
		e.setPhase(PhaseIdle)
		return SwitchResult{Deferred: true, Reason: "prepare_not_ready", Epoch: e.currentEpoch(), Stats: SwitchStats{
			Phase:     PhaseAbort.String(),
			Target:    target,
			PrepareMS: msSince(t0),
			ElapsedMS: msSince(t0),
			Restamped: restamped,
		}}
	}
	prepareMS := msSince(t0)

	// QUIESCE: bounded wait for every Q_active to drain. New traffic lands
	// in Q_next (epoch N+1) throughout.
	e.setPhase(PhaseQuiesce)
	tq := time.Now()
	deadline := tq.Add(e.cfg.QuiesceDeadline)
	drained := e.router.activeDrained()
	for !drained && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			drained = false
		case <-time.After(time.Millisecond):
		}
		if ctx.Err() != nil {
			break
		}
		drained = e.router.activeDrained()
	}
	quiesceMS := msSince(tq)

	if drained {
		// COMMIT: epoch N -> N+1, Q_next becomes Q_active, fresh Q_next.
		e.setPhase(PhaseCommit)
		epoch := e.router.commitSwitch(target)
		_ = e.log.Append(IntentRecord{Kind: IntentCommit, Target: target, Epoch: epoch})
		e.mu.Lock()
		e.switchCount++
		switches, aborts := e.switchCount, e.abortCount
		e.mu.Unlock()
		e.setPhase(PhaseIdle)
		return SwitchResult{OK: true, Epoch: epoch, Stats: SwitchStats{
			Phase:           PhaseCommit.String(),
			Target:          target,
			PrepareMS:       prepareMS,
			QuiesceMS:       quiesceMS,
			ElapsedMS:       msSince(t0),
			DroppedByReason: droppedDelta(before, e.router.Counters()),
			SwitchCount:     switches,
			AbortCount:      aborts,
		}}
	}

	// ABORT: preserve per-recipient FIFO with Q_next as suffix; epoch
	// unchanged.
	e.setPhase(PhaseAbort)
	restamped := e.router.abortSwitch()
	dropped := droppedDelta(before, e.router.Counters())
	_ = e.log.Append(IntentRecord{Kind: IntentAbort, Reason: "quiesce_timeout", Dropped: dropped})
	e.mu.Lock()
	e.abortCount++
	switches, aborts := e.switchCount, e.abortCount
	e.mu.Unlock()
	e.setPhase(PhaseIdle)
	return SwitchResult{OK: false, Reason: "quiesce_timeout", Epoch: e.currentEpoch(), Stats: SwitchStats{
		Phase:           PhaseAbort.String(),
		Target:          target,
		PrepareMS:       prepareMS,
		QuiesceMS:       quiesceMS,
		ElapsedMS:       msSince(t0),
		Restamped:       restamped,
		DroppedByReason: dropped,
		SwitchCount:     switches,
		AbortCount:      aborts,
	}}
}

// Recover resolves a crash mid-switch from the intent log: a dangling
// begin_prepare forces an ABORT-style merge of Q_next behind Q_active
// without advancing the epoch. Call once at startup, before traffic.
func (e *SwitchEngine) Recover() error {
	last, ok, err := e.log.Last()
	if err != nil {
		return err
	}
	if !ok || last.Kind != IntentBeginPrepare {
		return nil
	}
	e.logger.Printf("recovering dangling %s(target=%s): forcing abort", last.Kind, last.Target)
	restamped := e.router.abortSwitch()
	if restamped > 0 {
		e.logger.Printf("recovered %d buffered messages into the current epoch", restamped)
	}
	return e.log.Append(IntentRecord{Kind: IntentAbort, Reason: "crash_restart"})
}

func (e *SwitchEngine) runWarmups(ctx context.Context) bool {
	if len(e.warmups) == 0 {
		return true
	}
	wctx, cancel := context.WithTimeout(ctx, e.cfg.PrepareDeadline)
	defer cancel()

	results := make(chan error, len(e.warmups))
	for _, w := range e.warmups {
		go func(w WarmupFunc) { results <- w(wctx) }(w)
	}
	for range e.warmups {
		select {
		case err := <-results:
			if err != nil {
				return false
			}
		case <-wctx.Done():
			return false
		}
	}
	return true
}

func (e *SwitchEngine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

func (e *SwitchEngine) currentEpoch() Epoch {
	_, epoch := e.router.Active()
	return epoch
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}

func droppedDelta(before, after Counters) map[DropReason]uint64 {
	delta := make(map[DropReason]uint64)
	for reason, count := range after.Dropped {
		if d := count - before.Dropped[reason]; d > 0 {
			delta[reason] = d
		}
	}
	return delta
}
