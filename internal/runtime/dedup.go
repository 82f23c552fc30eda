package runtime

import (
	"sync"
	"time"
)

// DedupStore tracks (episode_id, msg_id) pairs per recipient so duplicate
// admissions can be dropped without ever touching the original delivery.
// Entries are bounded both by TTL and by a per-recipient capacity; eviction
// is oldest-first, which is safe because an evicted entry only re-opens the
// window for a duplicate, never loses a message.
type DedupStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	now      func() time.Time

	byRecipient map[AgentID]*dedupShard
}

type dedupShard struct {
	entries map[string]time.Time // key -> expiry
	order   []string             // insertion order for capacity eviction
}

// NewDedupStore creates a store with the given entry TTL and per-recipient
// capacity bound.
func NewDedupStore(ttl time.Duration, capacity int) *DedupStore {
	if capacity <= 0 {
		capacity = 65536
	}
	return &DedupStore{
		ttl:         ttl,
		capacity:    capacity,
		now:         time.Now,
		byRecipient: make(map[AgentID]*dedupShard),
	}
}

// Seen records the (episodeID, msgID) pair for recipient and reports whether
// it was already present and unexpired. The first call for a pair always
// returns false.
func (d *DedupStore) Seen(recipient AgentID, episodeID, msgID string) bool {
	key := episodeID + "\x00" + msgID
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	shard := d.byRecipient[recipient]
	if shard == nil {
		shard = &dedupShard{entries: make(map[string]time.Time)}
		d.byRecipient[recipient] = shard
	}

	if expiry, ok := shard.entries[key]; ok {
		if now.Before(expiry) {
			return true
		}
		delete(shard.entries, key)
	}

	shard.entries[key] = now.Add(d.ttl)
	shard.order = append(shard.order, key)
	d.evictLocked(shard, now)
	return false
}

// evictLocked drops expired entries at the front of the order list, then
// enforces the capacity bound oldest-first.
func (d *DedupStore) evictLocked(shard *dedupShard, now time.Time) {
	for len(shard.order) > 0 {
		key := shard.order[0]
		expiry, ok := shard.entries[key]
		if ok && now.Before(expiry) {
			break
		}
		if ok {
			delete(shard.entries, key)
		}
		shard.order = shard.order[1:]
	}
	for len(shard.entries) > d.capacity && len(shard.order) > 0 {
		key := shard.order[0]
		delete(shard.entries, key)
		shard.order = shard.order[1:]
	}
}

// Len returns the number of live entries for a recipient. Used by tests and
// the admin stats endpoint.
func (d *DedupStore) Len(recipient AgentID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if shard := d.byRecipient[recipient]; shard != nil {
		return len(shard.entries)
	}
	return 0
}
