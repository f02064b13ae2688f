package domain

import (
	"fmt"
	"sort"
	"time"
)

// Venue identifies a betting site reached through its own automated executor.
type Venue string

// ArbStatus is the lifecycle state of an arbitrage opportunity.
type ArbStatus string

const (
	ArbStatusActive     ArbStatus = "active"
	ArbStatusInProgress ArbStatus = "in_progress"
	ArbStatusCompleted  ArbStatus = "completed"
	ArbStatusFailed     ArbStatus = "failed"
	ArbStatusExpired    ArbStatus = "expired"
	// ArbStatusRejected marks an opportunity stored for admission that the
	// admission slot turned away. The ranking feed never returns it.
	ArbStatusRejected ArbStatus = "rejected"
)

// Terminal reports whether no further transition is expected for s.
func (s ArbStatus) Terminal() bool {
	switch s {
	case ArbStatusCompleted, ArbStatusFailed, ArbStatusExpired, ArbStatusRejected:
		return true
	}
	return false
}

// Opportunity is one detected arbitrage pairing across two venues. While
// in_progress it is owned by the orchestrator; before and after that the
// ranking feed and the store own it.
type Opportunity struct {
	ID        string
	Status    ArbStatus
	ProfitPct float64
	Legs      []Leg
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the opportunity carries a deadline that has passed.
func (o Opportunity) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// Validate enforces the leg invariants: at most one leg per venue and at most
// one primary leg.
func (o Opportunity) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidOpportunity)
	}
	seen := make(map[Venue]bool, len(o.Legs))
	primaries := 0
	for _, l := range o.Legs {
		if l.Venue == "" {
			return fmt.Errorf("%w: leg %s has no venue", ErrInvalidOpportunity, l.ID)
		}
		if seen[l.Venue] {
			return fmt.Errorf("%w: %s", ErrDuplicateVenue, l.Venue)
		}
		seen[l.Venue] = true
		if l.Primary {
			primaries++
		}
	}
	if primaries > 1 {
		return fmt.Errorf("%w: %d primary legs", ErrInvalidOpportunity, primaries)
	}
	return nil
}

// LegsByVenue partitions the legs by venue. It fails with ErrDuplicateVenue
// when two legs target the same venue.
func (o Opportunity) LegsByVenue() (map[Venue]Leg, error) {
	out := make(map[Venue]Leg, len(o.Legs))
	for _, l := range o.Legs {
		if _, dup := out[l.Venue]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateVenue, l.Venue)
		}
		out[l.Venue] = l
	}
	return out, nil
}

// Venues returns the venues the opportunity requires, sorted.
func (o Opportunity) Venues() []Venue {
	out := make([]Venue, 0, len(o.Legs))
	for _, l := range o.Legs {
		out = append(out, l.Venue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
