package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStarRewritesPeerTrafficThroughHub(t *testing.T) {
	g := NewTopologyGuard(2, nil)

	intent, err := g.Validate(TopologyStar, RoleCoder, RoleCritic, nil)
	require.NoError(t, err)
	assert.Equal(t, IntentViaHub, intent.Kind)
	assert.Equal(t, []AgentID{Hub}, intent.Recipients)
	assert.Equal(t, RoleCritic, intent.ForwardTo)
}

func TestStarHubTalksDirectly(t *testing.T) {
	g := NewTopologyGuard(2, nil)

	intent, err := g.Validate(TopologyStar, RolePlanner, RoleCoder, nil)
	require.NoError(t, err)
	assert.Equal(t, IntentDirect, intent.Kind)

	intent, err = g.Validate(TopologyStar, RoleRunner, RolePlanner, nil)
	require.NoError(t, err)
	assert.Equal(t, IntentDirect, intent.Kind)
}

func TestStarBroadcastHubOnly(t *testing.T) {
	g := NewTopologyGuard(2, nil)

	intent, err := g.Validate(TopologyStar, RolePlanner, Broadcast, nil)
	require.NoError(t, err)
	assert.Equal(t, IntentFanout, intent.Kind)
	assert.Len(t, intent.Recipients, len(Roles)-1)
	assert.NotContains(t, intent.Recipients, RolePlanner)

	_, err = g.Validate(TopologyStar, RoleCoder, Broadcast, nil)
	require.Error(t, err)
	var tv *TopologyViolationError
	require.ErrorAs(t, err, &tv)
	assert.Equal(t, TopologyStar, tv.Topology)
}

func TestChainEnforcesPipelineOrder(t *testing.T) {
	cases := []struct {
		sender, recipient AgentID
		ok                bool
	}{
		{RolePlanner, RoleCoder, true},
		{RoleCoder, RoleRunner, true},
		{RoleRunner, RoleCritic, true},
		{RoleCritic, RoleSummarizer, true},
		{RoleSummarizer, RolePlanner, true},
		{RoleCritic, RolePlanner, true}, // chain without summarizer
		{RoleCoder, RoleCritic, false},
		{RolePlanner, RoleRunner, false},
		{RoleRunner, RoleCoder, false},
	}
	g := NewTopologyGuard(2, nil)
	for _, tc := range cases {
		_, err := g.Validate(TopologyChain, tc.sender, tc.recipient, nil)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.sender, tc.recipient)
		} else {
			assert.Error(t, err, "%s -> %s", tc.sender, tc.recipient)
		}
	}
}

func TestChainExternalSendersEnterAtPlanner(t *testing.T) {
	g := NewTopologyGuard(2, nil)

	_, err := g.Validate(TopologyChain, "external-ui", RolePlanner, nil)
	assert.NoError(t, err)

	_, err = g.Validate(TopologyChain, "external-ui", RoleCoder, nil)
	assert.Error(t, err)
}

func TestChainForbidsBroadcastAndFanout(t *testing.T) {
	g := NewTopologyGuard(2, nil)

	_, err := g.Validate(TopologyChain, RolePlanner, Broadcast, nil)
	assert.Error(t, err)

	_, err = g.Validate(TopologyChain, RolePlanner, "", []AgentID{RoleCoder, RoleRunner})
	assert.Error(t, err)
}

func TestFlatFanoutBound(t *testing.T) {
	g := NewTopologyGuard(2, nil)

	intent, err := g.Validate(TopologyFlat, RoleCoder, "", []AgentID{RoleRunner, RoleCritic})
	require.NoError(t, err)
	assert.Equal(t, IntentFanout, intent.Kind)
	assert.Len(t, intent.Recipients, 2)

	_, err = g.Validate(TopologyFlat, RoleCoder, "", []AgentID{RoleRunner, RoleCritic, RolePlanner})
	require.Error(t, err)
}

func TestFlatBroadcastRespectsFanoutLimit(t *testing.T) {
	// Broadcast expands to 4 peers, above the limit of 2.
	g := NewTopologyGuard(2, nil)
	_, err := g.Validate(TopologyFlat, RoleCoder, Broadcast, nil)
	assert.Error(t, err)

	g = NewTopologyGuard(4, nil)
	intent, err := g.Validate(TopologyFlat, RoleCoder, Broadcast, nil)
	require.NoError(t, err)
	assert.Len(t, intent.Recipients, 4)
}

func TestSystemSenderBypassesTopology(t *testing.T) {
	g := NewTopologyGuard(2, nil)

	for _, topo := range []Topology{TopologyStar, TopologyChain, TopologyFlat} {
		intent, err := g.Validate(topo, SystemSender, RolePlanner, nil)
		require.NoError(t, err, "topology %s", topo)
		assert.Equal(t, IntentDirect, intent.Kind)
	}

	// Even spoke-addressed, no hub rewrite for system.
	intent, err := g.Validate(TopologyStar, SystemSender, RoleCritic, nil)
	require.NoError(t, err)
	assert.Equal(t, IntentDirect, intent.Kind)
	assert.Equal(t, []AgentID{RoleCritic}, intent.Recipients)
}

func TestUnknownTopologyRejected(t *testing.T) {
	g := NewTopologyGuard(2, nil)
	_, err := g.Validate("ring", RolePlanner, RoleCoder, nil)
	assert.Error(t, err)
}
