// Package dedup provides the bounded identifier set used by viewer clients to
// drop duplicate deliveries of the same utterance or suggestion.
//
// Duplicates arise from the overlap between history replay and live
// broadcast and from upstream at-least-once retransmission. The cache is a
// pure filter: an identity already present is reported as seen, an absent
// identity is inserted. When the set grows past its capacity it is trimmed to
// the most recently inserted identities. Trimming can only make the cache
// forget, so it never reports an unseen identity as seen.
package dedup

import "sync"

// Default sizing.
const (
	DefaultCapacity = 1000
	DefaultKeep     = 500
)

// Cache is a bounded set of seen identifiers. It is safe for concurrent use.
type Cache struct {
	capacity int
	keep     int

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// New returns a cache that trims to keep entries once more than capacity are
// held. Non-positive arguments select the defaults; keep is clamped to
// capacity.
func New(capacity, keep int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	if keep > capacity {
		keep = capacity
	}
	return &Cache{
		capacity: capacity,
		keep:     keep,
		seen:     make(map[string]struct{}, capacity+1),
		order:    make([]string, 0, capacity+1),
	}
}

// Seen reports whether id was already present. If it was not, id is inserted
// and Seen returns false, meaning the caller should accept the delivery.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[id]; ok {
		return true
	}
	c.insert(id)
	return false
}

// Seed inserts ids without reporting duplicates. Used after a history
// snapshot so that overlapping live events are filtered.
func (c *Cache) Seed(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		if _, ok := c.seen[id]; ok {
			continue
		}
		c.insert(id)
	}
}

// Contains reports whether id is currently held, without inserting it.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[id]
	return ok
}

// Len returns the number of identities currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// insert adds id and trims on overflow. Must be called with c.mu held.
func (c *Cache) insert(id string) {
	c.seen[id] = struct{}{}
	c.order = append(c.order, id)
	if len(c.order) <= c.capacity {
		return
	}
	drop := len(c.order) - c.keep
	for _, old := range c.order[:drop] {
		delete(c.seen, old)
	}
	kept := make([]string, c.keep, c.capacity+1)
	copy(kept, c.order[drop:])
	c.order = kept
}
