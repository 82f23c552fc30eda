package controller

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/apex/runtime/internal/coordinator"
	"github.com/apex/runtime/internal/runtime"
)

// SwitchOutcomeRecord captures what the coordinator did with a decision.
type SwitchOutcomeRecord struct {
	Attempted bool
	Committed bool
	Epoch     runtime.Epoch
}

// DecisionRecord is one entry of the controller's audit log.
type DecisionRecord struct {
	Step           int
	TopologyBefore runtime.Topology
	Features       [FeatureDim]float64
	Action         Action
	Epsilon        float64
	DecisionMS     float64
	Switch         SwitchOutcomeRecord
	At             time.Time
}

// DecisionSink receives decision records for durable archiving. Optional;
// errors are logged, never propagated into the decision path.
type DecisionSink interface {
	InsertDecision(ctx context.Context, rec DecisionRecord) error
}

// HeadroomSource supplies the token-headroom feature.
type HeadroomSource interface {
	Headroom(scope string) float64
}

// Observer receives controller signals for metrics export.
type Observer interface {
	DecisionLatency(d time.Duration)
	ActionChosen(action string)
}

// Config carries the controller tunables.
type Config struct {
	TickInterval  time.Duration
	Lambda        float64
	Schedule      EpsilonSchedule
	Window        int
	DwellMinSteps int
	Seed          int64
	HistoryLimit  int
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:  100 * time.Millisecond,
		Lambda:        1e-2,
		Schedule:      DefaultEpsilonSchedule(),
		Window:        DefaultWindow,
		DwellMinSteps: 2,
		Seed:          1,
		HistoryLimit:  1024,
	}
}

// Controller runs the decision cadence: extract features, ask the bandit,
// request a switch through the Coordinator, fold the reward back in. It is
// the single writer of all bandit state.
type Controller struct {
	cfg      Config
	coord    *coordinator.Coordinator
	features *FeatureSource
	bandit   *Bandit
	reward   RewardAccumulator
	headroom HeadroomSource // optional
	sink     DecisionSink   // optional
	observer Observer       // optional

	mu           sync.Mutex
	episodeScope string
	prevProgress Progress
	currProgress Progress
	lastX        [FeatureDim]float64
	lastAction   Action
	hasLast      bool
	step         int
	history      []DecisionRecord

	logger *log.Logger
}

// New builds a controller. headroom, sink and observer may be nil.
func New(cfg Config, coord *coordinator.Coordinator, headroom HeadroomSource, sink DecisionSink) *Controller {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1024
	}
	return &Controller{
		cfg:      cfg,
		coord:    coord,
		features: NewFeatureSource(cfg.DwellMinSteps, cfg.Window),
		bandit:   NewBandit(cfg.Lambda, cfg.Schedule, cfg.Seed),
		headroom: headroom,
		sink:     sink,
		logger:   log.New(log.Writer(), "[CTRL] ", log.LstdFlags),
	}
}

// SetObserver wires a metrics sink. Must be called before Run.
func (c *Controller) SetObserver(o Observer) { c.observer = o }

// ObserveMessage feeds role activity into the feature window. Called by the
// harness after each routed message.
func (c *Controller) ObserveMessage(sender runtime.AgentID) { c.features.ObserveMessage(sender) }

// SetEpisode scopes the headroom feature to the running episode.
func (c *Controller) SetEpisode(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.episodeScope = scope
	c.prevProgress = Progress{}
	c.currProgress = Progress{}
}

// ReportProgress updates the reward inputs for the current tick.
func (c *Controller) ReportProgress(phase string, testPassRate float64, tokensUsed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currProgress.Phase = phase
	c.currProgress.TestPassRate = testPassRate
	c.currProgress.TokensUsed = tokensUsed
}

// Tick runs one decision: features -> epsilon-greedy pick -> coordinator
// request -> bandit update. One call is one tick for dwell/cooldown.
func (c *Controller) Tick(ctx context.Context) DecisionRecord {
	start := time.Now()

	topo, _ := c.coord.Active()
	c.features.SetTopology(topo, c.coord.StepsSinceSwitch())
	if c.headroom != nil {
		c.mu.Lock()
		scope := c.episodeScope
		c.mu.Unlock()
		c.features.SetHeadroom(c.headroom.Headroom(scope))
	}
	x := c.features.Vector()
	dec := c.bandit.Decide(x)

	// Advance dwell/cooldown before the request so a tick is the unit both
	// gates count in.
	c.coord.Tick(ctx)

	outcome := SwitchOutcomeRecord{}
	target, wantsSwitch := actionTarget(dec.Action, topo)
	if wantsSwitch {
		outcome.Attempted = true
		res := c.coord.RequestSwitch(ctx, target)
		outcome.Committed = res.Status == coordinator.StatusCommitted
		outcome.Epoch = res.Epoch
	}

	c.mu.Lock()
	c.currProgress.SwitchCommitted = outcome.Committed
	r := c.reward.StepReward(c.prevProgress, c.currProgress)
	c.prevProgress = c.currProgress
	c.currProgress.SwitchCommitted = false
	c.lastX = x
	c.lastAction = dec.Action
	c.hasLast = true
	c.step++
	step := c.step
	c.mu.Unlock()

	c.bandit.Update(x, dec.Action, r)
	c.features.Tick()

	rec := DecisionRecord{
		Step:           step,
		TopologyBefore: topo,
		Features:       x,
		Action:         dec.Action,
		Epsilon:        dec.Epsilon,
		DecisionMS:     float64(time.Since(start)) / float64(time.Millisecond),
		Switch:         outcome,
		At:             time.Now(),
	}
	c.record(ctx, rec)
	if c.observer != nil {
		c.observer.DecisionLatency(time.Since(start))
		c.observer.ActionChosen(dec.Action.String())
	}
	return rec
}

// FinishEpisode applies the terminal bonus against the last decision.
func (c *Controller) FinishEpisode(success bool) {
	c.mu.Lock()
	hasLast := c.hasLast
	x := c.lastX
	action := c.lastAction
	c.hasLast = false
	c.mu.Unlock()

	if hasLast {
		if bonus := c.reward.FinalBonus(success); bonus != 0 {
			c.bandit.Update(x, action, bonus)
		}
	}
}

// Run executes ticks on the configured cadence until the context ends.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// History returns a copy of the most recent decision records.
func (c *Controller) History() []DecisionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DecisionRecord, len(c.history))
	copy(out, c.history)
	return out
}

// Bandit exposes the policy for offline weight export. Test/training hook.
func (c *Controller) Bandit() *Bandit { return c.bandit }

func (c *Controller) record(ctx context.Context, rec DecisionRecord) {
	c.mu.Lock()
	c.history = append(c.history, rec)
	if len(c.history) > c.cfg.HistoryLimit {
		c.history = c.history[len(c.history)-c.cfg.HistoryLimit:]
	}
	c.mu.Unlock()

	if c.sink != nil {
		if err := c.sink.InsertDecision(ctx, rec); err != nil {
			c.logger.Printf("decision archive failed at step %d: %v", rec.Step, err)
		}
	}
}

// actionTarget maps an arm onto a concrete switch target. Stay and
// "switch to the topology we are already in" request nothing.
func actionTarget(a Action, current runtime.Topology) (runtime.Topology, bool) {
	var target runtime.Topology
	switch a {
	case ActionStar:
		target = runtime.TopologyStar
	case ActionChain:
		target = runtime.TopologyChain
	case ActionFlat:
		target = runtime.TopologyFlat
	default:
		return "", false
	}
	if target == current {
		return "", false
	}
	return target, true
}
