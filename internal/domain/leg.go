package domain

import (
	"fmt"
	"time"
)

// LegStatus is the lifecycle state of a single leg.
type LegStatus string

const (
	LegStatusPending            LegStatus = "pending"
	LegStatusPlacing            LegStatus = "placing"
	LegStatusPlaced             LegStatus = "placed"
	LegStatusFailed             LegStatus = "failed"
	LegStatusAwaitingSettlement LegStatus = "awaiting_settlement"
	LegStatusWon                LegStatus = "won"
	LegStatusLost               LegStatus = "lost"
	LegStatusVoid               LegStatus = "void"
	LegStatusCancelled          LegStatus = "cancelled"
	LegStatusRetrying           LegStatus = "retrying"
)

// legTransitions lists the allowed next states for each state.
var legTransitions = map[LegStatus][]LegStatus{
	LegStatusPending:            {LegStatusPlacing, LegStatusCancelled},
	LegStatusPlacing:            {LegStatusPlaced, LegStatusFailed, LegStatusCancelled},
	LegStatusPlaced:             {LegStatusAwaitingSettlement},
	LegStatusAwaitingSettlement: {LegStatusWon, LegStatusLost, LegStatusVoid},
	LegStatusFailed:             {LegStatusRetrying, LegStatusCancelled},
	LegStatusRetrying:           {LegStatusPlacing, LegStatusCancelled},
}

// Terminal reports whether s is a settled or cancelled state.
func (s LegStatus) Terminal() bool {
	switch s {
	case LegStatusWon, LegStatusLost, LegStatusVoid, LegStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
func (s LegStatus) CanTransition(next LegStatus) bool {
	for _, allowed := range legTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Leg is one side of an opportunity, placed on exactly one venue.
type Leg struct {
	ID            string
	ArbID         string
	Venue         Venue
	Market        string
	Selection     string
	Odds          float64
	Stake         float64
	Primary       bool
	Status        LegStatus
	AttemptCount  int
	MaxRetries    int
	LastAttemptAt *time.Time
	FailureReason string
}

// CanRetry reports whether another placement attempt is allowed.
func (l Leg) CanRetry() bool {
	if l.AttemptCount >= l.MaxRetries {
		return false
	}
	return l.Status == LegStatusPending || l.Status == LegStatusFailed
}

// Transition moves the leg to next, or returns ErrInvalidTransition. Entering
// placing counts an attempt; leaving failed for retrying requires CanRetry.
func (l *Leg) Transition(next LegStatus, now time.Time) error {
	if !l.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.Status, next)
	}
	if next == LegStatusRetrying && !l.CanRetry() {
		return fmt.Errorf("%w: retries exhausted (%d/%d)", ErrInvalidTransition, l.AttemptCount, l.MaxRetries)
	}
	if next == LegStatusPlacing {
		l.AttemptCount++
		t := now
		l.LastAttemptAt = &t
	}
	l.Status = next
	return nil
}

// LegResult is the outcome of one dispatched leg task. Exactly one is
// produced per task.
type LegResult struct {
	Venue      Venue
	Success    bool
	Message    string
	Attempts   int
	Ticket     string
	FinishedAt time.Time
}
