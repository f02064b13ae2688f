package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OpportunityStore persists opportunities and their legs and serves the
// ranking query used to refill the admission slot.
type OpportunityStore interface {
	// Insert stores a new opportunity with its legs. It returns
	// ErrAlreadyExists when the opportunity or one of its legs is known.
	Insert(ctx context.Context, opp Opportunity) error
	Upsert(ctx context.Context, opp Opportunity) error
	UpdateStatus(ctx context.Context, id string, status ArbStatus) error
	GetByID(ctx context.Context, id string) (Opportunity, error)
	ListActive(ctx context.Context, minProfit float64, limit int) ([]Opportunity, error)
	ListRecent(ctx context.Context, limit int) ([]Opportunity, error)
	// ExpireStale moves active opportunities whose deadline is at or before
	// now to expired and returns their ids.
	ExpireStale(ctx context.Context, now time.Time) ([]string, error)
}

// LegStore persists leg lifecycle changes made by leg executors.
type LegStore interface {
	UpdateLeg(ctx context.Context, leg Leg) error
	ListByArb(ctx context.Context, arbID string) ([]Leg, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	ArbID     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListByArb(ctx context.Context, arbID string) ([]AuditEntry, error)
}
