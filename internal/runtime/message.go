// Package runtime implements the APEX coordination core: the epoch-aware
// message router with dual FIFO queues, per-recipient deduplication, the
// topology guard, and the atomic switch engine that moves the team between
// star, chain and flat communication patterns.
package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentID names a participant with a mailbox managed by the Router.
type AgentID string

// Broadcast is the reserved recipient that expands to every known agent
// except the sender, subject to topology rules.
const Broadcast AgentID = "BROADCAST"

// SystemSender bypasses topology validation; it is used for episode kickoff.
const SystemSender AgentID = "system"

// Epoch identifies a topology generation. It changes only at COMMIT and
// never regresses or skips values.
type Epoch uint64

// Topology is one of the three communication patterns.
type Topology string

const (
	TopologyStar  Topology = "star"
	TopologyChain Topology = "chain"
	TopologyFlat  Topology = "flat"
)

// Valid reports whether t names a known topology.
func (t Topology) Valid() bool {
	return t == TopologyStar || t == TopologyChain || t == TopologyFlat
}

// Priority classifies a message for scheduling. The core uses plain FIFO;
// the field is carried so DRR/WRED can be layered on later without a wire
// change.
type Priority string

const (
	PriorityFinal  Priority = "final"
	PriorityDraft  Priority = "draft"
	PriorityCritic Priority = "critic"
)

// DropReason enumerates why a message was rejected or discarded.
type DropReason string

const (
	DropExpired           DropReason = "expired"
	DropMaxAttempts       DropReason = "max_attempts"
	DropQueueFull         DropReason = "queue_full"
	DropTopologyViolation DropReason = "topology_violation"
	DropDedupDuplicate    DropReason = "dedup_duplicate"
	DropInvalidPayload    DropReason = "invalid_payload"
)

// MaxPayloadBytes is the hard size guard on serialized payloads (512 KiB).
const MaxPayloadBytes = 512 * 1024

// ErrPayloadTooLarge is returned when the serialized payload exceeds the
// size bound. Oversized payloads never touch a queue.
var ErrPayloadTooLarge = errors.New("message payload exceeds size limit")

// ForwardToKey is the payload hint added when the star topology rewrites a
// peer-to-peer message through the hub.
const ForwardToKey = "forward_to"

// Message is the unit of agent communication. It is mutable: retries bump
// Attempt and set Redelivered, and the Router stamps TopoEpoch at ingress
// regardless of what the sender supplied.
type Message struct {
	EpisodeID string
	MsgID     string
	Sender    AgentID
	Recipient AgentID
	// Recipients carries the fan-out list under flat topology. When set,
	// Recipient is ignored at ingress.
	Recipients []AgentID
	TopoEpoch  Epoch
	Priority   Priority
	Payload    map[string]interface{}
	Attempt    int
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Redelivered bool
	DropReason  DropReason
}

// NewMessage builds a validated message with a fresh 128-bit random MsgID.
// ttl of zero applies no expiry here; the Router fills in its configured
// default at admission.
func NewMessage(episodeID string, sender, recipient AgentID, payload map[string]interface{}, ttl time.Duration) (*Message, error) {
	if err := ValidatePayload(payload); err != nil {
		return nil, err
	}
	now := time.Now()
	m := &Message{
		EpisodeID: episodeID,
		MsgID:     uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Priority:  PriorityDraft,
		Payload:   payload,
		CreatedAt: now,
	}
	if ttl > 0 {
		m.ExpiresAt = now.Add(ttl)
	}
	return m, nil
}

// NewFanout builds a validated flat-topology message addressed to several
// recipients. The Router splits it into one message per recipient, each
// with its own MsgID.
func NewFanout(episodeID string, sender AgentID, recipients []AgentID, payload map[string]interface{}, ttl time.Duration) (*Message, error) {
	m, err := NewMessage(episodeID, sender, "", payload, ttl)
	if err != nil {
		return nil, err
	}
	m.Recipients = append([]AgentID(nil), recipients...)
	return m, nil
}

// ValidatePayload enforces the default 512 KiB serialized-size bound.
func ValidatePayload(payload map[string]interface{}) error {
	return ValidatePayloadLimit(payload, MaxPayloadBytes)
}

// ValidatePayloadLimit enforces a configured serialized-size bound. The
// Router applies its own configured limit at admission.
func ValidatePayloadLimit(payload map[string]interface{}, limit int) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payload not serializable: %w", err)
	}
	if len(raw) > limit {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(raw))
	}
	return nil
}

// Expired reports whether the message is past its expiry at the given time.
// Messages with no expiry never expire.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// clone returns a copy sharing the payload map. Fan-out clones get fresh
// MsgIDs at the call site.
func (m *Message) clone() *Message {
	c := *m
	c.Recipients = nil
	return &c
}
