package executor

import (
	"sync"
	"time"
)

// Dedup remembers recently dispatched opportunity ids so the ranking feed
// cannot hand the same opportunity to the orchestrator twice within ttl. It is
// safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // arbID -> dispatch time
	ttl  time.Duration
	mu   sync.Mutex
	now  func() time.Time
}

// NewDedup creates a Dedup that treats an id as recent for ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Recent reports whether arbID was marked within the TTL window without
// recording it.
func (d *Dedup) Recent(arbID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts, ok := d.seen[arbID]
	return ok && d.now().Sub(ts) < d.ttl
}

// Mark records arbID as dispatched now.
func (d *Dedup) Mark(arbID string) {
	d.mu.Lock()
	d.seen[arbID] = d.now()
	d.mu.Unlock()
}

// Cleanup removes entries older than the TTL. The orchestrator calls it
// periodically to bound memory.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
