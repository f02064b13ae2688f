package executor

import (
	"time"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

// LegTask is the execution request for one leg. It is built once per dispatch
// and never modified; the barrier doubles as the shared result sink.
type LegTask struct {
	ArbID        string
	Venue        domain.Venue
	Leg          domain.Leg
	MaxRetries   int
	RetryBackoff time.Duration
	DispatchedAt time.Time

	barrier *CompletionBarrier
}

// NewLegTask binds leg to the barrier it must report into.
func NewLegTask(arbID string, leg domain.Leg, maxRetries int, backoff time.Duration, barrier *CompletionBarrier) LegTask {
	leg.ArbID = arbID
	leg.MaxRetries = maxRetries
	return LegTask{
		ArbID:        arbID,
		Venue:        leg.Venue,
		Leg:          leg,
		MaxRetries:   maxRetries,
		RetryBackoff: backoff,
		DispatchedAt: time.Now().UTC(),
		barrier:      barrier,
	}
}

// Report delivers the task's single result. It returns false when a result was
// already recorded for this venue.
func (t LegTask) Report(success bool, message string, attempts int, ticket string) bool {
	if t.barrier == nil {
		return false
	}
	return t.barrier.Report(domain.LegResult{
		Venue:      t.Venue,
		Success:    success,
		Message:    message,
		Attempts:   attempts,
		Ticket:     ticket,
		FinishedAt: time.Now().UTC(),
	})
}
