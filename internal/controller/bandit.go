package controller

import (
	"math/rand"
	"sync"
	"time"
)

// Action is a bandit arm.
type Action int

const (
	ActionStay Action = iota
	ActionStar
	ActionChain
	ActionFlat
	numActions
)

func (a Action) String() string {
	switch a {
	case ActionStay:
		return "stay"
	case ActionStar:
		return "star"
	case ActionChain:
		return "chain"
	case ActionFlat:
		return "flat"
	default:
		return "unknown"
	}
}

// ParseAction maps an arm name back to its Action; unknown names are stay.
func ParseAction(s string) Action {
	switch s {
	case "star":
		return ActionStar
	case "chain":
		return ActionChain
	case "flat":
		return ActionFlat
	default:
		return ActionStay
	}
}

// EpsilonSchedule is the linear exploration schedule. Epsilon is a pure
// function of the global decision count, so trajectories replay exactly.
type EpsilonSchedule struct {
	Start float64
	End   float64
	Steps int
}

// DefaultEpsilonSchedule is 0.20 -> 0.05 over the first 5000 decisions.
func DefaultEpsilonSchedule() EpsilonSchedule {
	return EpsilonSchedule{Start: 0.20, End: 0.05, Steps: 5000}
}

// At returns epsilon for the n-th decision (0-based).
func (s EpsilonSchedule) At(n int) float64 {
	if s.Steps <= 0 || n >= s.Steps {
		return s.End
	}
	progress := float64(n) / float64(s.Steps)
	eps := s.Start - (s.Start-s.End)*progress
	if eps < s.End {
		eps = s.End
	}
	if eps > s.Start {
		eps = s.Start
	}
	return eps
}

// Decision is one bandit pick.
type Decision struct {
	Action   Action
	Epsilon  float64
	Explored bool
	Elapsed  time.Duration
}

// Bandit is an epsilon-greedy ridge linear contextual bandit with four
// arms. Per arm it maintains A_a = lambda*I + sum(x x^T) and b_a = sum(r x),
// with the inverse kept incrementally via the Sherman-Morrison identity:
//
//	(A + x x^T)^-1 = A^-1 - (A^-1 x x^T A^-1) / (1 + x^T A^-1 x)
//
// so neither decisions nor updates ever solve a linear system. The RNG is
// injected: given the same (x, r, seed) sequence the weight trajectory and
// every decision are bit-identical.
type Bandit struct {
	lambda   float64
	schedule EpsilonSchedule

	// mu guards all mutable state below. The tick loop and the episode
	// harness both reach the bandit (Decide/Update vs the terminal-bonus
	// Update), so mutations must serialize.
	mu  sync.Mutex
	rng *rand.Rand

	aInv [numActions][FeatureDim][FeatureDim]float64
	b    [numActions][FeatureDim]float64
	w    [numActions][FeatureDim]float64

	decisions    int
	actionCounts [numActions]uint64
}

// NewBandit builds a bandit with ridge regularizer lambda and the given
// schedule. The seed fully determines exploration.
func NewBandit(lambda float64, schedule EpsilonSchedule, seed int64) *Bandit {
	if lambda <= 0 {
		lambda = 1e-2
	}
	bd := &Bandit{
		lambda:   lambda,
		schedule: schedule,
		rng:      rand.New(rand.NewSource(seed)),
	}
	for a := 0; a < int(numActions); a++ {
		for i := 0; i < FeatureDim; i++ {
			bd.aInv[a][i][i] = 1.0 / lambda
		}
	}
	return bd
}

// Decide picks an arm for the feature vector x.
func (bd *Bandit) Decide(x [FeatureDim]float64) Decision {
	start := time.Now()
	bd.mu.Lock()
	defer bd.mu.Unlock()
	eps := bd.schedule.At(bd.decisions)

	var best Action
	bestScore := dot(bd.w[0], x)
	for a := 1; a < int(numActions); a++ {
		if score := dot(bd.w[a], x); score > bestScore {
			bestScore = score
			best = Action(a)
		}
	}

	explored := false
	action := best
	if bd.rng.Float64() < eps {
		explored = true
		action = Action(bd.rng.Intn(int(numActions)))
	}

	bd.decisions++
	bd.actionCounts[action]++
	return Decision{Action: action, Epsilon: eps, Explored: explored, Elapsed: time.Since(start)}
}

// Update folds the observed reward into the chosen arm's model.
func (bd *Bandit) Update(x [FeatureDim]float64, action Action, reward float64) {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	aInv := &bd.aInv[action]

	// ax = A^-1 x
	var ax [FeatureDim]float64
	for i := 0; i < FeatureDim; i++ {
		s := 0.0
		for j := 0; j < FeatureDim; j++ {
			s += aInv[i][j] * x[j]
		}
		ax[i] = s
	}
	denom := 1.0 + dot(x, ax)

	// A^-1 -= (ax ax^T) / denom
	for i := 0; i < FeatureDim; i++ {
		for j := 0; j < FeatureDim; j++ {
			aInv[i][j] -= ax[i] * ax[j] / denom
		}
	}

	// b += r x ; w = A^-1 b
	for i := 0; i < FeatureDim; i++ {
		bd.b[action][i] += reward * x[i]
	}
	for i := 0; i < FeatureDim; i++ {
		s := 0.0
		for j := 0; j < FeatureDim; j++ {
			s += aInv[i][j] * bd.b[action][j]
		}
		bd.w[action][i] = s
	}
}

// Decisions returns the global decision count.
func (bd *Bandit) Decisions() int {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	return bd.decisions
}

// ActionCounts returns per-arm pick counts.
func (bd *Bandit) ActionCounts() [4]uint64 {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	return bd.actionCounts
}

// Weights returns a copy of the weight vector for an arm. Test hook.
func (bd *Bandit) Weights(action Action) [FeatureDim]float64 {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	return bd.w[action]
}

func dot(a, b [FeatureDim]float64) float64 {
	s := 0.0
	for i := 0; i < FeatureDim; i++ {
		s += a[i] * b[i]
	}
	return s
}
