// Package controller implements the switching policy: an 8-feature state
// vector, an epsilon-greedy ridge contextual bandit over {stay, star,
// chain, flat}, a deterministic reward accumulator, and the decision loop
// that asks the Coordinator (never the switch engine) for changes.
package controller

import (
	"sync"

	"github.com/apex/runtime/internal/runtime"
)

// FeatureDim is the fixed length of the state vector.
const FeatureDim = 8

// DefaultWindow is the rolling window, in ticks, for role-share features.
const DefaultWindow = 5

// roleCounts is one tick's worth of per-group message counts.
type roleCounts struct {
	planner     int
	coderRunner int
	critic      int
}

func (c roleCounts) total() int { return c.planner + c.coderRunner + c.critic }

// FeatureSource produces the deterministic 8-dimensional feature vector:
//
//	1-3  one-hot of current topology (star, chain, flat)
//	4    clip01(steps_since_switch / dwell_min_steps)
//	5-7  rolling role shares over the last W ticks (planner, coder+runner, critic)
//	8    episode token headroom, max(0, 1-used/budget)
//
// Role counts live in a fixed ring buffer, so per-tick work is O(1) with no
// sorting or percentile math anywhere on the hot path.
type FeatureSource struct {
	mu sync.Mutex

	dwellMinSteps int
	window        int

	ring    []roleCounts
	ringIdx int
	ringLen int
	current roleCounts

	topology         runtime.Topology
	stepsSinceSwitch int
	headroom         float64
}

// NewFeatureSource builds a source with the given dwell normalizer and
// rolling window (ticks).
func NewFeatureSource(dwellMinSteps, window int) *FeatureSource {
	if dwellMinSteps <= 0 {
		dwellMinSteps = 1
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &FeatureSource{
		dwellMinSteps: dwellMinSteps,
		window:        window,
		ring:          make([]roleCounts, window),
		topology:      runtime.TopologyStar,
	}
}

// ObserveMessage counts one routed message against its sender's role group.
// Unrecognized senders (system, external) are ignored.
func (f *FeatureSource) ObserveMessage(sender runtime.AgentID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch canonicalRole(sender) {
	case runtime.RolePlanner:
		f.current.planner++
	case runtime.RoleCoder, runtime.RoleRunner:
		f.current.coderRunner++
	case runtime.RoleCritic:
		f.current.critic++
	}
}

// canonicalRole maps common role aliases onto the fixed team roles.
func canonicalRole(sender runtime.AgentID) runtime.AgentID {
	switch sender {
	case "plan", runtime.RolePlanner:
		return runtime.RolePlanner
	case "code", runtime.RoleCoder:
		return runtime.RoleCoder
	case "run", runtime.RoleRunner:
		return runtime.RoleRunner
	case "critique", "review", runtime.RoleCritic:
		return runtime.RoleCritic
	default:
		return sender
	}
}

// Tick commits the current counts into the ring and clears them.
func (f *FeatureSource) Tick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ring[f.ringIdx] = f.current
	f.ringIdx = (f.ringIdx + 1) % f.window
	if f.ringLen < f.window {
		f.ringLen++
	}
	f.current = roleCounts{}
}

// SetTopology records the active topology and the dwell counter.
func (f *FeatureSource) SetTopology(topo runtime.Topology, stepsSinceSwitch int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topology = topo
	f.stepsSinceSwitch = stepsSinceSwitch
}

// SetHeadroom records the episode token headroom in [0,1].
func (f *FeatureSource) SetHeadroom(h float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headroom = clip01(h)
}

// Vector produces the 8-feature state vector. Always exactly FeatureDim
// components, all in [0,1].
func (f *FeatureSource) Vector() [FeatureDim]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	var x [FeatureDim]float64
	switch f.topology {
	case runtime.TopologyStar:
		x[0] = 1
	case runtime.TopologyChain:
		x[1] = 1
	case runtime.TopologyFlat:
		x[2] = 1
	}
	x[3] = clip01(float64(f.stepsSinceSwitch) / float64(f.dwellMinSteps))

	// Window totals plus the not-yet-committed current tick.
	var sum roleCounts
	for i := 0; i < f.ringLen; i++ {
		sum.planner += f.ring[i].planner
		sum.coderRunner += f.ring[i].coderRunner
		sum.critic += f.ring[i].critic
	}
	sum.planner += f.current.planner
	sum.coderRunner += f.current.coderRunner
	sum.critic += f.current.critic

	if total := sum.total(); total > 0 {
		x[4] = float64(sum.planner) / float64(total)
		x[5] = float64(sum.coderRunner) / float64(total)
		x[6] = float64(sum.critic) / float64(total)
	}
	x[7] = f.headroom
	return x
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
