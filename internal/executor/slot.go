package executor

import (
	"context"
	"time"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

// AdmissionSlot is a capacity-1 handoff that serializes which opportunity is
// in flight. Holding at most one opportunity removes any need to lock venue
// resources across opportunities.
type AdmissionSlot struct {
	ch chan domain.Opportunity
}

// NewAdmissionSlot creates an empty slot.
func NewAdmissionSlot() *AdmissionSlot {
	return &AdmissionSlot{ch: make(chan domain.Opportunity, 1)}
}

// TryAdmit offers opp without blocking. It returns false when the slot is
// occupied, in which case opp was not consumed.
func (s *AdmissionSlot) TryAdmit(opp domain.Opportunity) bool {
	select {
	case s.ch <- opp:
		return true
	default:
		return false
	}
}

// Admit blocks until the slot is free or ctx is done.
func (s *AdmissionSlot) Admit(ctx context.Context, opp domain.Opportunity) error {
	select {
	case s.ch <- opp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll waits up to timeout for an admitted opportunity.
func (s *AdmissionSlot) Poll(ctx context.Context, timeout time.Duration) (domain.Opportunity, bool) {
	select {
	case opp := <-s.ch:
		return opp, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case opp := <-s.ch:
		return opp, true
	case <-timer.C:
		return domain.Opportunity{}, false
	case <-ctx.Done():
		return domain.Opportunity{}, false
	}
}

// Occupied reports whether an opportunity is waiting in the slot.
func (s *AdmissionSlot) Occupied() bool {
	return len(s.ch) > 0
}
