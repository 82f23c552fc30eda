package runtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(t *testing.T, mutate ...func(*RouterConfig)) *Router {
	t.Helper()
	cfg := DefaultRouterConfig()
	cfg.RetryBackoffBase = 0 // immediate re-enqueue in tests
	for _, m := range mutate {
		m(&cfg)
	}
	return NewRouter(cfg)
}

func mustMsg(t *testing.T, sender, recipient AgentID, payload map[string]interface{}) *Message {
	t.Helper()
	if payload == nil {
		payload = map[string]interface{}{"k": "v"}
	}
	msg, err := NewMessage("ep-1", sender, recipient, payload, 0)
	require.NoError(t, err)
	return msg
}

func TestRouteStampsIngressEpoch(t *testing.T) {
	r := testRouter(t)
	msg := mustMsg(t, RolePlanner, RoleCoder, nil)
	msg.TopoEpoch = 42 // sender-supplied value must be overwritten

	require.NoError(t, r.Route(msg))
	got, ok := r.Dequeue(RoleCoder)
	require.True(t, ok)
	assert.Equal(t, Epoch(1), got.TopoEpoch)
	assert.Equal(t, RoleCoder, got.Recipient)
}

func TestRoutePerRecipientFIFO(t *testing.T) {
	r := testRouter(t)
	for i := 0; i < 5; i++ {
		msg := mustMsg(t, RolePlanner, RoleCoder, map[string]interface{}{"seq": i})
		require.NoError(t, r.Route(msg))
	}
	for i := 0; i < 5; i++ {
		got, ok := r.Dequeue(RoleCoder)
		require.True(t, ok)
		assert.Equal(t, i, got.Payload["seq"])
	}
}

func TestRouteStarRewriteDeliversSingleHubCopy(t *testing.T) {
	r := testRouter(t)

	msg := mustMsg(t, RoleCoder, RoleCritic, map[string]interface{}{"data": "x"})
	require.NoError(t, r.Route(msg))

	// Exactly one copy, at the hub, with the forward hint.
	got, ok := r.Dequeue(Hub)
	require.True(t, ok)
	assert.Equal(t, string(RoleCritic), got.Payload[ForwardToKey])
	assert.Equal(t, "x", got.Payload["data"])

	_, ok = r.Dequeue(RoleCritic)
	assert.False(t, ok, "no direct copy to the intended recipient")
	_, ok = r.Dequeue(Hub)
	assert.False(t, ok, "no duplicate at the hub")
}

func TestRouteFanoutClonesGetFreshIDs(t *testing.T) {
	r := testRouter(t, func(c *RouterConfig) { c.InitialTopology = TopologyFlat })

	msg, err := NewFanout("ep-1", RoleCoder, []AgentID{RoleRunner, RoleCritic}, map[string]interface{}{"k": "v"}, 0)
	require.NoError(t, err)
	require.NoError(t, r.Route(msg))

	a, ok := r.Dequeue(RoleRunner)
	require.True(t, ok)
	b, ok := r.Dequeue(RoleCritic)
	require.True(t, ok)
	assert.NotEqual(t, a.MsgID, b.MsgID)
	assert.Equal(t, a.TopoEpoch, b.TopoEpoch)
}

func TestRouteTopologyViolationRejected(t *testing.T) {
	r := testRouter(t, func(c *RouterConfig) { c.InitialTopology = TopologyChain })

	err := r.Route(mustMsg(t, RoleCoder, RoleCritic, nil))
	require.Error(t, err)
	assert.Equal(t, DropTopologyViolation, RejectReason(err))
	assert.Equal(t, uint64(1), r.Counters().Dropped[DropTopologyViolation])
}

func TestRouteDedupDropsDuplicateOnly(t *testing.T) {
	r := testRouter(t)

	msg := mustMsg(t, RolePlanner, RoleCoder, nil)
	require.NoError(t, r.Route(msg))

	dup := *msg
	err := r.Route(&dup)
	require.Error(t, err)
	assert.Equal(t, DropDedupDuplicate, RejectReason(err))

	// Original delivery unaffected.
	got, ok := r.Dequeue(RoleCoder)
	require.True(t, ok)
	assert.Equal(t, msg.MsgID, got.MsgID)
}

func TestRouteQueueFull(t *testing.T) {
	r := testRouter(t, func(c *RouterConfig) { c.QueueCapacity = 2 })

	require.NoError(t, r.Route(mustMsg(t, RolePlanner, RoleCoder, nil)))
	require.NoError(t, r.Route(mustMsg(t, RolePlanner, RoleCoder, nil)))
	err := r.Route(mustMsg(t, RolePlanner, RoleCoder, nil))
	require.Error(t, err)
	assert.Equal(t, DropQueueFull, RejectReason(err))
}

func TestDequeueDiscardsExpired(t *testing.T) {
	r := testRouter(t)

	stale, err := NewMessage("ep-1", RolePlanner, RoleCoder, map[string]interface{}{"k": "v"}, time.Nanosecond)
	require.NoError(t, err)
	require.NoError(t, r.Route(stale))
	require.NoError(t, r.Route(mustMsg(t, RolePlanner, RoleCoder, map[string]interface{}{"fresh": true})))

	time.Sleep(2 * time.Millisecond)
	got, ok := r.Dequeue(RoleCoder)
	require.True(t, ok)
	assert.Equal(t, true, got.Payload["fresh"])
	assert.Equal(t, uint64(1), r.Counters().Dropped[DropExpired])
}

func TestOversizedPayloadRejectedAtConstruction(t *testing.T) {
	big := make([]byte, MaxPayloadBytes+1)
	_, err := NewMessage("ep-1", RolePlanner, RoleCoder, map[string]interface{}{"blob": string(big)}, 0)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestConfiguredPayloadBoundEnforcedAtAdmission(t *testing.T) {
	r := testRouter(t, func(c *RouterConfig) { c.MaxPayloadBytes = 64 })

	// Passes the constructor's default bound, fails the router's tighter one.
	msg := mustMsg(t, RolePlanner, RoleCoder, map[string]interface{}{"blob": string(make([]byte, 128))})
	err := r.Route(msg)
	require.Error(t, err)
	assert.Equal(t, DropInvalidPayload, RejectReason(err))
	assert.Equal(t, uint64(1), r.Counters().Dropped[DropInvalidPayload])

	require.NoError(t, r.Route(mustMsg(t, RolePlanner, RoleCoder, map[string]interface{}{"k": "v"})))
}

func TestMsgIDsUniqueAcrossTenThousandAdmissions(t *testing.T) {
	r := testRouter(t, func(c *RouterConfig) { c.QueueCapacity = 20_000 })

	const n = 10_000
	for i := 0; i < n; i++ {
		require.NoError(t, r.Route(mustMsg(t, RolePlanner, RoleCoder, map[string]interface{}{"seq": i})))
	}

	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		got, ok := r.Dequeue(RoleCoder)
		require.True(t, ok, "message %d missing", i)
		_, dup := seen[got.MsgID]
		require.False(t, dup, "duplicate msg_id %s at message %d", got.MsgID, i)
		seen[got.MsgID] = struct{}{}
	}
}

func TestRetryRedeliversWithAttemptBump(t *testing.T) {
	r := testRouter(t)

	msg := mustMsg(t, RolePlanner, RoleCoder, nil)
	require.NoError(t, r.Route(msg))
	got, ok := r.Dequeue(RoleCoder)
	require.True(t, ok)

	require.NoError(t, r.Retry(got))
	again, ok := r.Dequeue(RoleCoder)
	require.True(t, ok)
	assert.Equal(t, got.MsgID, again.MsgID)
	assert.Equal(t, 1, again.Attempt)
	assert.True(t, again.Redelivered)
}

func TestRetryCeilingDropsMaxAttempts(t *testing.T) {
	r := testRouter(t, func(c *RouterConfig) { c.MaxAttempts = 2 })

	msg := mustMsg(t, RolePlanner, RoleCoder, nil)
	require.NoError(t, r.Route(msg))

	var err error
	for i := 0; i < 3; i++ {
		got, ok := r.Dequeue(RoleCoder)
		require.True(t, ok, "attempt %d", i)
		err = r.Retry(got)
		if err != nil {
			break
		}
	}
	require.Error(t, err)
	assert.Equal(t, DropMaxAttempts, RejectReason(err))
	assert.Equal(t, uint64(1), r.Counters().Dropped[DropMaxAttempts])
}

func TestDequeueContextWakesOnRoute(t *testing.T) {
	r := testRouter(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan *Message, 1)
	go func() {
		msg, err := r.DequeueContext(ctx, RoleCoder)
		if err == nil {
			done <- msg
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Route(mustMsg(t, RolePlanner, RoleCoder, nil)))

	select {
	case msg := <-done:
		assert.Equal(t, RoleCoder, msg.Recipient)
	case <-ctx.Done():
		t.Fatal("blocked dequeue never woke up")
	}
}

func TestEpochGatingAcrossSwitch(t *testing.T) {
	r := testRouter(t)
	engine := NewSwitchEngine(r, SwitchConfig{QuiesceDeadline: 100 * time.Millisecond}, nil)

	// Epoch N traffic sits in Q_active.
	require.NoError(t, r.Route(mustMsg(t, RolePlanner, RoleCoder, map[string]interface{}{"gen": "old"})))

	// Drain concurrently so quiesce can complete, then inject epoch N+1
	// traffic mid-switch.
	drained := make(chan *Message, 1)
	go func() {
		time.Sleep(5 * time.Millisecond)
		late := mustMsg(t, RolePlanner, RoleCoder, map[string]interface{}{"gen": "new"})
		_ = r.Route(late)
		if msg, ok := r.Dequeue(RoleCoder); ok {
			drained <- msg
		}
	}()

	result := engine.ExecuteSwitch(context.Background(), TopologyChain)
	require.True(t, result.OK)
	assert.Equal(t, Epoch(2), result.Epoch)

	old := <-drained
	assert.Equal(t, "old", old.Payload["gen"])
	assert.Equal(t, Epoch(1), old.TopoEpoch)

	// The buffered message surfaces only after COMMIT, stamped N+1.
	fresh, ok := r.Dequeue(RoleCoder)
	require.True(t, ok)
	assert.Equal(t, "new", fresh.Payload["gen"])
	assert.Equal(t, Epoch(2), fresh.TopoEpoch)

	topo, epoch := r.Active()
	assert.Equal(t, TopologyChain, topo)
	assert.Equal(t, Epoch(2), epoch)
}

func TestQueueDepthsAndCounters(t *testing.T) {
	r := testRouter(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Route(mustMsg(t, RolePlanner, RoleCoder, map[string]interface{}{"i": i})))
	}
	depths := r.QueueDepths()
	assert.Equal(t, 3, depths[RoleCoder])
	assert.Equal(t, 0, depths[RoleCritic])
	assert.Equal(t, uint64(3), r.Counters().Admitted)
}

func TestRouterObserverSignals(t *testing.T) {
	obs := &recordingObserver{}
	r := testRouter(t)
	r.SetObserver(obs)

	require.NoError(t, r.Route(mustMsg(t, RolePlanner, RoleCoder, nil)))
	err := r.Route(mustMsg(t, RoleCoder, RoleRunner, nil)) // via hub, fine in star
	require.NoError(t, err)

	bad := mustMsg(t, RoleCoder, Broadcast, nil)
	require.Error(t, r.Route(bad))

	assert.Equal(t, 2, obs.admitted)
	assert.Equal(t, 1, obs.dropped[DropTopologyViolation])
}

type recordingObserver struct {
	admitted int
	dropped  map[DropReason]int
}

func (o *recordingObserver) MessageAdmitted(Topology) { o.admitted++ }
func (o *recordingObserver) MessageDropped(reason DropReason) {
	if o.dropped == nil {
		o.dropped = make(map[DropReason]int)
	}
	o.dropped[reason]++
}
func (o *recordingObserver) QueueDepth(AgentID, int) {}

func TestDedupStoreTTLAndCapacity(t *testing.T) {
	d := NewDedupStore(time.Hour, 2)

	assert.False(t, d.Seen(RoleCoder, "ep", "m1"))
	assert.True(t, d.Seen(RoleCoder, "ep", "m1"))

	// Capacity eviction is oldest-first.
	assert.False(t, d.Seen(RoleCoder, "ep", "m2"))
	assert.False(t, d.Seen(RoleCoder, "ep", "m3"))
	assert.False(t, d.Seen(RoleCoder, "ep", "m1"), "m1 evicted, window re-opens")

	// Recipients are independent.
	assert.False(t, d.Seen(RoleCritic, "ep", "m3"))
}

func TestDedupStoreExpiry(t *testing.T) {
	d := NewDedupStore(time.Minute, 100)
	base := time.Now()
	d.now = func() time.Time { return base }

	assert.False(t, d.Seen(RoleCoder, "ep", "m1"))
	assert.True(t, d.Seen(RoleCoder, "ep", "m1"))

	d.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.False(t, d.Seen(RoleCoder, "ep", "m1"), "expired entry re-admits")
}

func TestBroadcastExpansionExcludesSender(t *testing.T) {
	r := testRouter(t, func(c *RouterConfig) {
		c.InitialTopology = TopologyFlat
		c.FanoutLimit = 4
	})

	msg := mustMsg(t, RolePlanner, Broadcast, nil)
	require.NoError(t, r.Route(msg))

	delivered := 0
	for _, role := range Roles {
		if _, ok := r.Dequeue(role); ok {
			delivered++
			require.NotEqual(t, RolePlanner, role)
		}
	}
	assert.Equal(t, len(Roles)-1, delivered)
}

func ExampleRouter_Route() {
	r := NewRouter(DefaultRouterConfig())
	msg, _ := NewMessage("demo", RolePlanner, RoleCoder, map[string]interface{}{"plan": "fix add()"}, 0)
	_ = r.Route(msg)
	got, _ := r.Dequeue(RoleCoder)
	fmt.Println(got.Recipient, got.TopoEpoch)
	// Output: coder 1
}
