package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepRewardComponents(t *testing.T) {
	var acc RewardAccumulator

	cases := []struct {
		name string
		prev Progress
		curr Progress
		want float64
	}{
		{
			name: "phase advance",
			prev: Progress{Phase: "planning"},
			curr: Progress{Phase: "coding"},
			want: 0.3,
		},
		{
			name: "pass rate improvement",
			prev: Progress{Phase: "testing", TestPassRate: 0.2},
			curr: Progress{Phase: "testing", TestPassRate: 0.8},
			want: 0.7 * 0.6,
		},
		{
			name: "pass rate regression",
			prev: Progress{Phase: "testing", TestPassRate: 0.9},
			curr: Progress{Phase: "testing", TestPassRate: 0.4},
			want: 0.7 * -0.5,
		},
		{
			name: "token spend",
			prev: Progress{Phase: "coding", TokensUsed: 1000},
			curr: Progress{Phase: "coding", TokensUsed: 3000},
			want: -1e-4 * 2000,
		},
		{
			name: "switch penalty",
			prev: Progress{Phase: "coding"},
			curr: Progress{Phase: "coding", SwitchCommitted: true},
			want: -0.05,
		},
		{
			name: "combined",
			prev: Progress{Phase: "coding", TestPassRate: 0.5, TokensUsed: 100},
			curr: Progress{Phase: "testing", TestPassRate: 1.0, TokensUsed: 600, SwitchCommitted: true},
			want: 0.3 + 0.7*0.5 - 1e-4*500 - 0.05,
		},
		{
			name: "phase regression earns nothing",
			prev: Progress{Phase: "critique"},
			curr: Progress{Phase: "planning"},
			want: 0,
		},
		{
			name: "unknown phase earns nothing",
			prev: Progress{Phase: "warmup"},
			curr: Progress{Phase: "coding"},
			want: 0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, acc.StepReward(tc.prev, tc.curr), 1e-12)
		})
	}
}

func TestFinalBonus(t *testing.T) {
	var acc RewardAccumulator
	assert.InDelta(t, 1.0, acc.FinalBonus(true), 1e-12)
	assert.Zero(t, acc.FinalBonus(false))
}

func TestPhaseFromShares(t *testing.T) {
	assert.True(t, PhaseFromShares(0.8, 0.1, 0.1, 0.1, 0.8, 0.1), "planner to coder/runner")
	assert.True(t, PhaseFromShares(0.1, 0.8, 0.1, 0.1, 0.1, 0.8), "coder/runner to critic")
	assert.True(t, PhaseFromShares(0.1, 0.1, 0.8, 0.8, 0.1, 0.1), "critic back to planner")
	assert.False(t, PhaseFromShares(0.8, 0.1, 0.1, 0.8, 0.1, 0.1), "no transition")
	assert.False(t, PhaseFromShares(0.1, 0.8, 0.1, 0.8, 0.1, 0.1), "backwards along the pipeline")
}
