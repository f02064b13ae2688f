package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/metrics"
)

// VenueQueue is a bounded FIFO of leg tasks for one venue. The orchestrator
// feeds it and exactly one leg executor pool drains it.
type VenueQueue struct {
	venue domain.Venue
	ch    chan LegTask
}

// NewVenueQueue creates a queue holding at most capacity pending tasks.
func NewVenueQueue(venue domain.Venue, capacity int) *VenueQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &VenueQueue{venue: venue, ch: make(chan LegTask, capacity)}
}

// Venue returns the venue this queue serves.
func (q *VenueQueue) Venue() domain.Venue { return q.venue }

// Enqueue appends task, blocking while the queue is full.
func (q *VenueQueue) Enqueue(ctx context.Context, task LegTask) error {
	select {
	case q.ch <- task:
		metrics.QueueDepth.WithLabelValues(string(q.venue)).Set(float64(len(q.ch)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor: enqueue %s for %s: %w", task.ArbID, q.venue, ctx.Err())
	}
}

// Tasks exposes the receive side for leg executors.
func (q *VenueQueue) Tasks() <-chan LegTask { return q.ch }

// Len returns the number of pending tasks.
func (q *VenueQueue) Len() int { return len(q.ch) }

// Registry maps venues to their worker queues. It is filled at startup and
// sealed before the orchestrator starts; after that it is read-only.
type Registry struct {
	mu     sync.RWMutex
	queues map[domain.Venue]*VenueQueue
	sealed bool
}

// NewRegistry creates an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{queues: make(map[domain.Venue]*VenueQueue)}
}

// Register adds the queue for its venue.
func (r *Registry) Register(q *VenueQueue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("executor: register %s: %w", q.venue, domain.ErrRegistrySealed)
	}
	if _, ok := r.queues[q.venue]; ok {
		return fmt.Errorf("executor: register %s: %w", q.venue, domain.ErrAlreadyExists)
	}
	r.queues[q.venue] = q
	return nil
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Queue returns the queue registered for venue.
func (r *Registry) Queue(venue domain.Venue) (*VenueQueue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[venue]
	return q, ok
}

// Venues returns the registered venues, sorted.
func (r *Registry) Venues() []domain.Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Venue, 0, len(r.queues))
	for v := range r.queues {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of registered venues.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queues)
}

// Missing returns the venues in required that have no registered queue.
func (r *Registry) Missing(required []domain.Venue) []domain.Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []domain.Venue
	for _, v := range required {
		if _, ok := r.queues[v]; !ok {
			missing = append(missing, v)
		}
	}
	return missing
}
