package controller

// Reward constants. Exact values are part of the policy contract and are
// asserted by tests.
const (
	phaseAdvanceReward = 0.3
	passRateScale      = 0.7
	tokenCost          = 1e-4
	switchCost         = 0.05
	terminalBonus      = 1.0
)

// Episode phases in execution order.
var phaseOrder = []string{"planning", "coding", "testing", "critique", "done"}

// Progress is the per-tick snapshot the reward function compares.
type Progress struct {
	Phase           string
	TestPassRate    float64
	TokensUsed      int64
	SwitchCommitted bool
}

// RewardAccumulator computes per-tick and terminal rewards:
//
//	r = 0.3*phase_advanced + 0.7*delta_pass_rate - 1e-4*delta_tokens - 0.05*switch_committed
//
// plus a +1.0 terminal bonus on episode success.
type RewardAccumulator struct{}

// StepReward computes the reward for moving from prev to curr.
func (RewardAccumulator) StepReward(prev, curr Progress) float64 {
	r := 0.0
	if phaseAdvanced(prev.Phase, curr.Phase) {
		r += phaseAdvanceReward
	}
	r += passRateScale * (curr.TestPassRate - prev.TestPassRate)
	r -= tokenCost * float64(curr.TokensUsed-prev.TokensUsed)
	if curr.SwitchCommitted {
		r -= switchCost
	}
	return r
}

// FinalBonus returns the terminal bonus for a successful episode.
func (RewardAccumulator) FinalBonus(success bool) float64 {
	if success {
		return terminalBonus
	}
	return 0
}

func phaseAdvanced(prev, curr string) bool {
	pi, ci := phaseIndex(prev), phaseIndex(curr)
	return pi >= 0 && ci >= 0 && ci > pi
}

func phaseIndex(phase string) int {
	for i, p := range phaseOrder {
		if p == phase {
			return i
		}
	}
	return -1
}

// PhaseFromShares falls back to role-share transitions when no explicit
// phase signal exists: a change of dominant role group along the pipeline
// counts as an advance.
func PhaseFromShares(prevPlanner, prevCoderRunner, prevCritic, curPlanner, curCoderRunner, curCritic float64) bool {
	prev := dominantGroup(prevPlanner, prevCoderRunner, prevCritic)
	curr := dominantGroup(curPlanner, curCoderRunner, curCritic)
	switch {
	case prev == "planner" && curr == "coder_runner":
		return true
	case prev == "coder_runner" && curr == "critic":
		return true
	case prev == "critic" && curr == "planner":
		return true
	default:
		return false
	}
}

func dominantGroup(planner, coderRunner, critic float64) string {
	switch {
	case planner >= coderRunner && planner >= critic:
		return "planner"
	case coderRunner >= critic:
		return "coder_runner"
	default:
		return "critic"
	}
}
