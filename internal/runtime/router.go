package runtime

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RouterConfig carries the admission-side tunables.
type RouterConfig struct {
	QueueCapacity    int           // per-recipient bound for each of Q_active/Q_next
	MessageTTL       time.Duration // default expiry applied when a message has none
	MaxAttempts      int           // retry ceiling
	MaxPayloadBytes  int           // serialized payload bound at admission
	RetryBackoffBase time.Duration // base delay for retry re-enqueue; 0 re-enqueues immediately
	DedupTTL         time.Duration
	DedupCapacity    int
	FanoutLimit      int
	Agents           []AgentID
	InitialTopology  Topology
	Seed             int64
}

// DefaultRouterConfig mirrors the documented defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		QueueCapacity:    10_000,
		MessageTTL:       60 * time.Second,
		MaxAttempts:      5,
		MaxPayloadBytes:  MaxPayloadBytes,
		RetryBackoffBase: 10 * time.Millisecond,
		DedupTTL:         5 * time.Minute,
		DedupCapacity:    65536,
		FanoutLimit:      2,
		InitialTopology:  TopologyStar,
		Seed:             1,
	}
}

// RejectionError is the structured admission failure returned by Route and
// Retry. It is recoverable at the caller; the reason is also recorded on the
// message and in the per-reason counters.
type RejectionError struct {
	Reason DropReason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// RejectReason extracts the drop reason from an admission error, or "" for
// nil/unknown errors.
func RejectReason(err error) DropReason {
	if re, ok := err.(*RejectionError); ok {
		return re.Reason
	}
	return ""
}

// Observer receives routing signals for metrics export. All methods must be
// cheap; they are called under the Router lock.
type Observer interface {
	MessageAdmitted(topology Topology)
	MessageDropped(reason DropReason)
	QueueDepth(agent AgentID, depth int)
}

// Counters is a snapshot of the Router's admission accounting.
type Counters struct {
	Admitted uint64
	Dropped  map[DropReason]uint64
}

// Router is the sole ingress/egress point for messages. It enforces
// topology rules via the guard, stamps the authoritative epoch at ingress,
// deduplicates per recipient, applies capacity and TTL bounds, and offers
// epoch-gated dequeue over the dual queue set.
//
// The atomic region inside Route is: read (bufferToNext, epoch) -> select
// queue -> append, all under mu, so a concurrent COMMIT can never observe a
// message stamped for the wrong queue.
type Router struct {
	cfg   RouterConfig
	guard *TopologyGuard
	dedup *DedupStore

	mu           sync.Mutex
	topology     Topology
	epoch        Epoch
	bufferToNext bool
	pairs        map[AgentID]*queuePair
	admitted     uint64
	dropped      map[DropReason]uint64
	rng          *rand.Rand

	observer Observer
	logger   *log.Logger
}

// NewRouter builds a router over the fixed team roles plus any extra agents
// named in cfg. The epoch starts at 1.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10_000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = 60 * time.Second
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = MaxPayloadBytes
	}
	if !cfg.InitialTopology.Valid() {
		cfg.InitialTopology = TopologyStar
	}
	agents := cfg.Agents
	if agents == nil {
		agents = Roles
	}
	r := &Router{
		cfg:      cfg,
		guard:    NewTopologyGuard(cfg.FanoutLimit, agents),
		dedup:    NewDedupStore(cfg.DedupTTL, cfg.DedupCapacity),
		topology: cfg.InitialTopology,
		epoch:    1,
		pairs:    make(map[AgentID]*queuePair, len(agents)),
		dropped:  make(map[DropReason]uint64),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		logger:   log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
	}
	for _, a := range agents {
		r.pairs[a] = newQueuePair(cfg.QueueCapacity)
	}
	return r
}

// SetObserver wires a metrics sink. Must be called before traffic starts.
func (r *Router) SetObserver(o Observer) { r.observer = o }

// Route admits a message, or rejects it with a structured reason. On
// success the message (or its fan-out clones) carries the authoritative
// ingress epoch.
func (r *Router) Route(msg *Message) error {
	if err := ValidatePayloadLimit(msg.Payload, r.cfg.MaxPayloadBytes); err != nil {
		return r.reject(msg, DropInvalidPayload, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	intent, err := r.guard.Validate(r.topology, msg.Sender, msg.Recipient, msg.Recipients)
	if err != nil {
		return r.rejectLocked(msg, DropTopologyViolation, err.Error())
	}

	outgoing, err := r.expandLocked(msg, intent)
	if err != nil {
		return err
	}

	// Atomic with respect to COMMIT: stamp and queue selection use the same
	// snapshot of (bufferToNext, epoch).
	stamp := r.epoch
	useNext := r.bufferToNext
	if useNext {
		stamp = r.epoch + 1
	}

	admittedAny := false
	for _, out := range outgoing {
		if r.dedup.Seen(out.Recipient, out.EpisodeID, out.MsgID) {
			// The duplicate enqueue is dropped; the original delivery is
			// never affected.
			out.Redelivered = true
			r.countDropLocked(DropDedupDuplicate)
			continue
		}
		if err := r.enqueueLocked(out, stamp, useNext); err != nil {
			if len(outgoing) == 1 {
				return err
			}
			continue
		}
		admittedAny = true
	}
	if !admittedAny {
		if len(outgoing) > 1 {
			return &RejectionError{Reason: DropQueueFull, Detail: "no fan-out recipient admitted"}
		}
		return &RejectionError{Reason: DropDedupDuplicate}
	}
	return nil
}

// expandLocked materializes the guard intent into concrete per-recipient
// messages.
func (r *Router) expandLocked(msg *Message, intent RouteIntent) ([]*Message, error) {
	switch intent.Kind {
	case IntentDirect:
		out := msg.clone()
		out.Recipient = intent.Recipients[0]
		return []*Message{out}, nil

	case IntentViaHub:
		// Single rewritten message to the hub; the intended recipient rides
		// along as a payload hint.
		out := msg.clone()
		out.Recipient = Hub
		payload := make(map[string]interface{}, len(msg.Payload)+1)
		for k, v := range msg.Payload {
			payload[k] = v
		}
		payload[ForwardToKey] = string(intent.ForwardTo)
		out.Payload = payload
		return []*Message{out}, nil

	case IntentFanout:
		outgoing := make([]*Message, 0, len(intent.Recipients))
		for _, rcpt := range intent.Recipients {
			out := msg.clone()
			out.Recipient = rcpt
			out.MsgID = uuid.NewString()
			outgoing = append(outgoing, out)
		}
		return outgoing, nil

	default:
		return nil, r.rejectLocked(msg, DropTopologyViolation, "unroutable intent")
	}
}

func (r *Router) enqueueLocked(msg *Message, stamp Epoch, useNext bool) error {
	pair, ok := r.pairs[msg.Recipient]
	if !ok {
		pair = newQueuePair(r.cfg.QueueCapacity)
		r.pairs[msg.Recipient] = pair
	}
	msg.TopoEpoch = stamp
	if msg.ExpiresAt.IsZero() {
		msg.ExpiresAt = msg.CreatedAt.Add(r.cfg.MessageTTL)
	}
	q := pair.active
	if useNext {
		q = pair.next
	}
	if !q.push(msg) {
		return r.rejectLocked(msg, DropQueueFull, string(msg.Recipient))
	}
	r.admitted++
	if r.observer != nil {
		r.observer.MessageAdmitted(r.topology)
		r.observer.QueueDepth(msg.Recipient, pair.active.len())
	}
	if !useNext {
		pair.notify()
	}
	return nil
}

// Dequeue returns the next message for the agent from Q_active, or false
// when the mailbox is empty. Epoch gating is structural: Q_next only ever
// becomes visible through COMMIT, which requires Q_active to be fully
// drained first. Expired messages are discarded on the way out.
func (r *Router) Dequeue(agent AgentID) (*Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dequeueLocked(agent)
}

func (r *Router) dequeueLocked(agent AgentID) (*Message, bool) {
	pair, ok := r.pairs[agent]
	if !ok {
		return nil, false
	}
	now := time.Now()
	for {
		msg, ok := pair.active.pop()
		if !ok {
			return nil, false
		}
		if msg.Expired(now) {
			msg.DropReason = DropExpired
			r.countDropLocked(DropExpired)
			continue
		}
		if r.observer != nil {
			r.observer.QueueDepth(agent, pair.active.len())
		}
		return msg, true
	}
}

// DequeueContext blocks until a message is available for the agent or the
// context ends.
func (r *Router) DequeueContext(ctx context.Context, agent AgentID) (*Message, error) {
	r.mu.Lock()
	pair, ok := r.pairs[agent]
	if !ok {
		pair = newQueuePair(r.cfg.QueueCapacity)
		r.pairs[agent] = pair
	}
	r.mu.Unlock()

	for {
		if msg, ok := r.Dequeue(agent); ok {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-pair.signal:
		}
	}
}

// Retry re-admits a message after a consumer-side transient failure. The
// attempt counter is bumped and the message marked redelivered; once the
// ceiling is exceeded the message is dropped with max_attempts. Re-enqueue
// happens after a jittered exponential backoff; the Router itself schedules
// nothing beyond that single timer.
func (r *Router) Retry(msg *Message) error {
	r.mu.Lock()
	msg.Attempt++
	msg.Redelivered = true
	if msg.Attempt > r.cfg.MaxAttempts {
		err := r.rejectLocked(msg, DropMaxAttempts, fmt.Sprintf("attempt %d", msg.Attempt))
		r.mu.Unlock()
		return err
	}
	delay := r.backoffLocked(msg.Attempt)
	r.mu.Unlock()

	if delay <= 0 {
		return r.requeue(msg)
	}
	time.AfterFunc(delay, func() {
		if err := r.requeue(msg); err != nil {
			r.logger.Printf("retry re-enqueue dropped: %s msg=%s", RejectReason(err), msg.MsgID)
		}
	})
	return nil
}

// requeue bypasses the dedup store: a retry is a deliberate redelivery of
// the same (episode_id, msg_id).
func (r *Router) requeue(msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stamp := r.epoch
	useNext := r.bufferToNext
	if useNext {
		stamp = r.epoch + 1
	}
	return r.enqueueLocked(msg, stamp, useNext)
}

// backoffLocked computes base * 2^(attempt-1) with +/-10% jitter.
func (r *Router) backoffLocked(attempt int) time.Duration {
	if r.cfg.RetryBackoffBase <= 0 {
		return 0
	}
	d := r.cfg.RetryBackoffBase << uint(attempt-1)
	jitter := 0.9 + 0.2*r.rng.Float64()
	return time.Duration(float64(d) * jitter)
}

// QueueDepths reports the Q_active depth per agent. Observation hook for
// the controller and the admin API.
func (r *Router) QueueDepths() map[AgentID]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	depths := make(map[AgentID]int, len(r.pairs))
	for agent, pair := range r.pairs {
		depths[agent] = pair.active.len()
	}
	return depths
}

// Counters returns a snapshot of the admission accounting.
func (r *Router) Counters() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := make(map[DropReason]uint64, len(r.dropped))
	for k, v := range r.dropped {
		dropped[k] = v
	}
	return Counters{Admitted: r.admitted, Dropped: dropped}
}

// Active returns the (topology, epoch) pair under the lock.
func (r *Router) Active() (Topology, Epoch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.topology, r.epoch
}

// ============================================================================
// SWITCH PHASE CONTROL (engine-only entry points)
// ============================================================================

// beginBuffering flips admissions into Q_next. PREPARE phase.
func (r *Router) beginBuffering() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bufferToNext {
		return fmt.Errorf("switch already in flight")
	}
	r.bufferToNext = true
	return nil
}

// activeDrained reports whether every Q_active is empty.
func (r *Router) activeDrained() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pair := range r.pairs {
		if pair.active.len() > 0 {
			return false
		}
	}
	return true
}

// commitSwitch installs the new epoch: swap Q_next into Q_active, allocate
// a fresh Q_next, bump the epoch, adopt the target topology. Caller (the
// engine) guarantees Q_active is drained; a non-empty Q_active here is an
// invariant violation and fatal.
func (r *Router) commitSwitch(target Topology) Epoch {
	r.mu.Lock()
	defer r.mu.Unlock()
	for agent, pair := range r.pairs {
		if pair.active.len() > 0 {
			r.logger.Fatalf("commit with non-empty Q_active[%s]: epoch gating broken", agent)
		}
	}
	r.epoch++
	for _, pair := range r.pairs {
		pair.active = pair.next
		pair.next = newMsgQueue(r.cfg.QueueCapacity)
		if pair.active.len() > 0 {
			pair.notify()
		}
	}
	r.bufferToNext = false
	r.topology = target
	return r.epoch
}

// abortSwitch rolls the buffered Q_next back into Q_active as a suffix,
// preserving per-recipient FIFO, without advancing the epoch. Buffered
// messages are re-stamped to the current epoch and marked redelivered.
// Returns how many messages were re-stamped back into Q_active.
func (r *Router) abortSwitch() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	restamped := 0
	for _, pair := range r.pairs {
		buffered := pair.next.drain()
		for _, msg := range buffered {
			msg.TopoEpoch = r.epoch
			msg.Redelivered = true
			if !pair.active.push(msg) {
				msg.DropReason = DropQueueFull
				r.countDropLocked(DropQueueFull)
				continue
			}
			restamped++
		}
		if len(buffered) > 0 {
			pair.notify()
		}
	}
	r.bufferToNext = false
	return restamped
}

// ============================================================================
// INTERNAL
// ============================================================================

func (r *Router) reject(msg *Message, reason DropReason, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejectLocked(msg, reason, detail)
}

func (r *Router) rejectLocked(msg *Message, reason DropReason, detail string) error {
	msg.DropReason = reason
	r.countDropLocked(reason)
	return &RejectionError{Reason: reason, Detail: detail}
}

func (r *Router) countDropLocked(reason DropReason) {
	r.dropped[reason]++
	if r.observer != nil {
		r.observer.MessageDropped(reason)
	}
}
