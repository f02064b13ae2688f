// Package service holds the application services that sit between the
// executor and the persistence, messaging and archive layers.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

// ChannelArb is the signal bus channel status changes are published on.
const ChannelArb = "ch:arb"

// OutcomeArchiver stores the final record of a resolved opportunity.
// s3blob.Archiver satisfies it.
type OutcomeArchiver interface {
	Archive(ctx context.Context, opp domain.Opportunity, audit []domain.AuditEntry) (string, error)
}

// StatusEvent is the payload published on ChannelArb.
type StatusEvent struct {
	Event     string    `json:"event"`
	ArbID     string    `json:"arb_id"`
	Status    string    `json:"status"`
	ProfitPct float64   `json:"profit_pct"`
	At        time.Time `json:"at"`
}

// ArbService persists opportunities, serves the ranking feed and fans out
// status changes to the audit log, the signal bus and the archive. Only the
// opportunity store is required; the rest may be nil.
type ArbService struct {
	opps    domain.OpportunityStore
	audit   domain.AuditStore
	bus     domain.SignalBus
	archive OutcomeArchiver
	logger  *slog.Logger
}

// NewArbService creates an ArbService.
func NewArbService(
	opps domain.OpportunityStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	archive OutcomeArchiver,
	logger *slog.Logger,
) *ArbService {
	return &ArbService{
		opps:    opps,
		audit:   audit,
		bus:     bus,
		archive: archive,
		logger:  logger.With(slog.String("component", "arb_service")),
	}
}

// FetchCandidates returns active opportunities at or above minProfit, best
// first.
func (s *ArbService) FetchCandidates(ctx context.Context, minProfit float64, limit int) ([]domain.Opportunity, error) {
	opps, err := s.opps.ListActive(ctx, minProfit, limit)
	if err != nil {
		return nil, fmt.Errorf("arb_service: fetch candidates: %w", err)
	}
	return opps, nil
}

// Submit validates and stores a new opportunity together with its legs.
// Fresh opportunities enter as active with every leg pending. An id the store
// already holds is refused with domain.ErrAlreadyExists; a known
// opportunity is never reset.
func (s *ArbService) Submit(ctx context.Context, opp domain.Opportunity) (domain.Opportunity, error) {
	if err := opp.Validate(); err != nil {
		return domain.Opportunity{}, err
	}
	if opp.Status == "" {
		opp.Status = domain.ArbStatusActive
	}
	now := time.Now().UTC()
	if opp.CreatedAt.IsZero() {
		opp.CreatedAt = now
	}
	opp.UpdatedAt = now
	for i := range opp.Legs {
		opp.Legs[i].ArbID = opp.ID
		if opp.Legs[i].Status == "" {
			opp.Legs[i].Status = domain.LegStatusPending
		}
	}

	if err := s.opps.Insert(ctx, opp); err != nil {
		return domain.Opportunity{}, fmt.Errorf("arb_service: submit %s: %w", opp.ID, err)
	}
	s.record(ctx, "arb_submitted", opp)
	return opp, nil
}

// Reject marks a submitted opportunity the admission slot refused, so the
// ranking feed does not pick it up later.
func (s *ArbService) Reject(ctx context.Context, id, reason string) error {
	if err := s.opps.UpdateStatus(ctx, id, domain.ArbStatusRejected); err != nil {
		return fmt.Errorf("arb_service: reject %s: %w", id, err)
	}
	opp := domain.Opportunity{ID: id, Status: domain.ArbStatusRejected}
	if stored, err := s.opps.GetByID(ctx, id); err == nil {
		opp = stored
	}
	s.logger.InfoContext(ctx, "opportunity rejected at admission",
		slog.String("arb_id", id),
		slog.String("reason", reason),
	)
	s.record(ctx, "arb_rejected", opp)
	return nil
}

// SaveOpportunity records a status change made by the orchestrator. Only
// the status column is written so leg rows updated by the leg executors are
// left alone. An opportunity the store has never seen is inserted whole.
// Terminal statuses are archived with the opportunity's audit trail.
func (s *ArbService) SaveOpportunity(ctx context.Context, opp domain.Opportunity) error {
	err := s.opps.UpdateStatus(ctx, opp.ID, opp.Status)
	if errors.Is(err, domain.ErrNotFound) {
		err = s.opps.Upsert(ctx, opp)
	}
	if err != nil {
		return fmt.Errorf("arb_service: save %s: %w", opp.ID, err)
	}

	s.record(ctx, "arb_status", opp)
	if opp.Status.Terminal() {
		s.archiveOutcome(ctx, opp)
	}
	return nil
}

// ExpireStale expires active opportunities whose deadline has passed and
// records each one like any other terminal status change.
func (s *ArbService) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.opps.ExpireStale(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("arb_service: expire stale: %w", err)
	}
	for _, id := range ids {
		opp := domain.Opportunity{ID: id, Status: domain.ArbStatusExpired}
		if stored, err := s.opps.GetByID(ctx, id); err == nil {
			opp = stored
		}
		s.record(ctx, "arb_expired", opp)
		s.archiveOutcome(ctx, opp)
	}
	return len(ids), nil
}

// Get returns an opportunity with its current legs.
func (s *ArbService) Get(ctx context.Context, id string) (domain.Opportunity, error) {
	opp, err := s.opps.GetByID(ctx, id)
	if err != nil {
		return domain.Opportunity{}, fmt.Errorf("arb_service: get %s: %w", id, err)
	}
	return opp, nil
}

// ListRecent returns the most recently updated opportunities.
func (s *ArbService) ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	opps, err := s.opps.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("arb_service: list recent: %w", err)
	}
	return opps, nil
}

// AuditTrail returns the audit entries recorded for id, oldest first.
func (s *ArbService) AuditTrail(ctx context.Context, id string) ([]domain.AuditEntry, error) {
	if s.audit == nil {
		return nil, nil
	}
	entries, err := s.audit.ListByArb(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("arb_service: audit trail %s: %w", id, err)
	}
	return entries, nil
}

// record writes the audit row and publishes the bus event. Failures are
// logged only; the store write already succeeded.
func (s *ArbService) record(ctx context.Context, event string, opp domain.Opportunity) {
	if s.audit != nil {
		if err := s.audit.Log(ctx, event, map[string]any{
			"arb_id":     opp.ID,
			"status":     string(opp.Status),
			"profit_pct": opp.ProfitPct,
			"venues":     opp.Venues(),
		}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed",
				slog.String("arb_id", opp.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.bus != nil {
		payload, _ := json.Marshal(StatusEvent{
			Event:     event,
			ArbID:     opp.ID,
			Status:    string(opp.Status),
			ProfitPct: opp.ProfitPct,
			At:        time.Now().UTC(),
		})
		if err := s.bus.Publish(ctx, ChannelArb, payload); err != nil {
			s.logger.WarnContext(ctx, "publish status failed",
				slog.String("arb_id", opp.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *ArbService) archiveOutcome(ctx context.Context, opp domain.Opportunity) {
	if s.archive == nil {
		return
	}
	// Reload so the archive carries the legs as the executors left them.
	if stored, err := s.opps.GetByID(ctx, opp.ID); err == nil {
		stored.Status = opp.Status
		opp = stored
	}
	trail, err := s.AuditTrail(ctx, opp.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "load audit trail failed",
			slog.String("arb_id", opp.ID),
			slog.String("error", err.Error()),
		)
	}
	key, err := s.archive.Archive(ctx, opp, trail)
	if err != nil {
		s.logger.WarnContext(ctx, "archive outcome failed",
			slog.String("arb_id", opp.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.InfoContext(ctx, "outcome archived",
		slog.String("arb_id", opp.ID),
		slog.String("status", string(opp.Status)),
		slog.String("key", key),
	)
}
