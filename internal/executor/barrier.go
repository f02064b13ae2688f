package executor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/metrics"
)

// CompletionBarrier is the per-opportunity join. It is sized once at dispatch
// to the set of venues that received a task, records at most one result per
// venue, and releases Wait once every venue has reported.
type CompletionBarrier struct {
	arbID    string
	expected map[domain.Venue]bool
	logger   *slog.Logger

	mu      sync.Mutex
	results map[domain.Venue]domain.LegResult
	done    chan struct{}
}

// NewCompletionBarrier creates a barrier expecting one result from each venue.
// With no venues the barrier is already released.
func NewCompletionBarrier(arbID string, venues []domain.Venue, logger *slog.Logger) *CompletionBarrier {
	b := &CompletionBarrier{
		arbID:    arbID,
		expected: make(map[domain.Venue]bool, len(venues)),
		logger:   logger,
		results:  make(map[domain.Venue]domain.LegResult, len(venues)),
		done:     make(chan struct{}),
	}
	for _, v := range venues {
		b.expected[v] = true
	}
	if len(b.expected) == 0 {
		close(b.done)
	}
	return b
}

// Report records the result for res.Venue. A second report for the same venue,
// or a report from a venue that was never dispatched, is dropped and logged.
func (b *CompletionBarrier) Report(res domain.LegResult) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.expected[res.Venue] {
		b.logger.Error("completion barrier: report from unexpected venue",
			slog.String("arb_id", b.arbID),
			slog.String("venue", string(res.Venue)),
		)
		return false
	}
	if _, dup := b.results[res.Venue]; dup {
		b.logger.Warn("completion barrier: duplicate report ignored",
			slog.String("arb_id", b.arbID),
			slog.String("venue", string(res.Venue)),
			slog.Bool("success", res.Success),
		)
		return false
	}

	b.results[res.Venue] = res
	outcome := "failed"
	if res.Success {
		outcome = "success"
	}
	metrics.LegResults.WithLabelValues(string(res.Venue), outcome).Inc()

	if len(b.results) == len(b.expected) {
		close(b.done)
	}
	return true
}

// Done is closed once every expected venue has reported.
func (b *CompletionBarrier) Done() <-chan struct{} { return b.done }

// Wait blocks until every venue reported or ctx is done.
func (b *CompletionBarrier) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Expected returns the number of results the barrier waits for.
func (b *CompletionBarrier) Expected() int { return len(b.expected) }

// Results returns a copy of the recorded results.
func (b *CompletionBarrier) Results() map[domain.Venue]domain.LegResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[domain.Venue]domain.LegResult, len(b.results))
	for v, r := range b.results {
		out[v] = r
	}
	return out
}

// Succeeded reports whether every expected venue reported success.
func (b *CompletionBarrier) Succeeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.results) != len(b.expected) {
		return false
	}
	for _, r := range b.results {
		if !r.Success {
			return false
		}
	}
	return true
}
