package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/apex/runtime/internal/runtime"
)

func TestVectorTopologyOneHot(t *testing.T) {
	f := NewFeatureSource(2, 5)

	f.SetTopology(runtime.TopologyStar, 0)
	x := f.Vector()
	assert.Equal(t, [3]float64{1, 0, 0}, [3]float64{x[0], x[1], x[2]})

	f.SetTopology(runtime.TopologyChain, 0)
	x = f.Vector()
	assert.Equal(t, [3]float64{0, 1, 0}, [3]float64{x[0], x[1], x[2]})

	f.SetTopology(runtime.TopologyFlat, 0)
	x = f.Vector()
	assert.Equal(t, [3]float64{0, 0, 1}, [3]float64{x[0], x[1], x[2]})
}

func TestVectorDwellNormalizedAndClipped(t *testing.T) {
	f := NewFeatureSource(4, 5)

	f.SetTopology(runtime.TopologyStar, 1)
	assert.InDelta(t, 0.25, f.Vector()[3], 1e-12)

	f.SetTopology(runtime.TopologyStar, 4)
	assert.InDelta(t, 1.0, f.Vector()[3], 1e-12)

	// Long dwell clips at 1.
	f.SetTopology(runtime.TopologyStar, 400)
	assert.InDelta(t, 1.0, f.Vector()[3], 1e-12)
}

func TestVectorRoleShares(t *testing.T) {
	f := NewFeatureSource(2, 5)

	// 2 planner, 4 coder+runner, 2 critic over the window.
	f.ObserveMessage(runtime.RolePlanner)
	f.ObserveMessage(runtime.RoleCoder)
	f.ObserveMessage(runtime.RoleRunner)
	f.Tick()
	f.ObserveMessage(runtime.RolePlanner)
	f.ObserveMessage(runtime.RoleCoder)
	f.ObserveMessage(runtime.RoleRunner)
	f.ObserveMessage(runtime.RoleCritic)
	f.ObserveMessage(runtime.RoleCritic)

	x := f.Vector()
	assert.InDelta(t, 0.25, x[4], 1e-12)
	assert.InDelta(t, 0.50, x[5], 1e-12)
	assert.InDelta(t, 0.25, x[6], 1e-12)
}

func TestVectorIgnoresNonRoleSenders(t *testing.T) {
	f := NewFeatureSource(2, 5)
	f.ObserveMessage(runtime.SystemSender)
	f.ObserveMessage("external-ui")

	x := f.Vector()
	assert.Zero(t, x[4])
	assert.Zero(t, x[5])
	assert.Zero(t, x[6])
}

func TestWindowEvictsOldTicks(t *testing.T) {
	f := NewFeatureSource(2, 2)

	f.ObserveMessage(runtime.RolePlanner)
	f.Tick()
	f.ObserveMessage(runtime.RoleCritic)
	f.Tick()
	// Window of 2: the planner tick is still visible.
	x := f.Vector()
	assert.InDelta(t, 0.5, x[4], 1e-12)

	f.ObserveMessage(runtime.RoleCritic)
	f.Tick()
	// Now the planner tick has rolled out.
	x = f.Vector()
	assert.Zero(t, x[4])
	assert.InDelta(t, 1.0, x[6], 1e-12)
}

func TestHeadroomClipped(t *testing.T) {
	f := NewFeatureSource(2, 5)

	f.SetHeadroom(0.42)
	assert.InDelta(t, 0.42, f.Vector()[7], 1e-12)

	f.SetHeadroom(-3)
	assert.Zero(t, f.Vector()[7])

	f.SetHeadroom(7)
	assert.InDelta(t, 1.0, f.Vector()[7], 1e-12)
}

func TestCanonicalRoleAliases(t *testing.T) {
	f := NewFeatureSource(2, 5)
	f.ObserveMessage("plan")
	f.ObserveMessage("code")
	f.ObserveMessage("run")
	f.ObserveMessage("review")

	x := f.Vector()
	assert.InDelta(t, 0.25, x[4], 1e-12)
	assert.InDelta(t, 0.50, x[5], 1e-12)
	assert.InDelta(t, 0.25, x[6], 1e-12)
}
