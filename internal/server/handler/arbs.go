package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	s3blob "github.com/alanyoungcy/arbexec/internal/blob/s3"
	"github.com/alanyoungcy/arbexec/internal/domain"
)

// ArbService is the persistence surface used by the arb endpoints.
type ArbService interface {
	Submit(ctx context.Context, opp domain.Opportunity) (domain.Opportunity, error)
	Reject(ctx context.Context, id, reason string) error
	Get(ctx context.Context, id string) (domain.Opportunity, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error)
	AuditTrail(ctx context.Context, id string) ([]domain.AuditEntry, error)
}

// Admitter hands opportunities to the orchestrator.
type Admitter interface {
	Admit(opp domain.Opportunity) error
	AdmitBlocking(ctx context.Context, opp domain.Opportunity) error
}

// OutcomeLoader reads archived outcomes. s3blob.Archiver satisfies it.
type OutcomeLoader interface {
	Load(ctx context.Context, arbID string) (s3blob.OutcomeRecord, error)
}

// ArbHandler serves opportunity admission and history.
type ArbHandler struct {
	arbs      ArbService
	admit     Admitter
	outcomes  OutcomeLoader
	admitWait time.Duration
	logger    *slog.Logger
}

// NewArbHandler creates an ArbHandler. outcomes may be nil when no archive
// is configured.
func NewArbHandler(arbs ArbService, admit Admitter, outcomes OutcomeLoader, logger *slog.Logger) *ArbHandler {
	return &ArbHandler{
		arbs:      arbs,
		admit:     admit,
		outcomes:  outcomes,
		admitWait: 30 * time.Second,
		logger:    logger,
	}
}

type admitLeg struct {
	ID         string  `json:"id"`
	Venue      string  `json:"venue"`
	Market     string  `json:"market"`
	Selection  string  `json:"selection"`
	Odds       float64 `json:"odds"`
	Stake      float64 `json:"stake"`
	Primary    bool    `json:"primary"`
	MaxRetries int     `json:"max_retries"`
}

type admitRequest struct {
	ID        string     `json:"id"`
	ProfitPct float64    `json:"profit_pct"`
	ExpiresAt *time.Time `json:"expires_at"`
	Legs      []admitLeg `json:"legs"`
}

func (req admitRequest) opportunity() domain.Opportunity {
	opp := domain.Opportunity{
		ID:        req.ID,
		Status:    domain.ArbStatusActive,
		ProfitPct: req.ProfitPct,
		ExpiresAt: req.ExpiresAt,
		Legs:      make([]domain.Leg, 0, len(req.Legs)),
	}
	if opp.ID == "" {
		opp.ID = uuid.NewString()
	}
	for _, l := range req.Legs {
		leg := domain.Leg{
			ID:         l.ID,
			ArbID:      opp.ID,
			Venue:      domain.Venue(l.Venue),
			Market:     l.Market,
			Selection:  l.Selection,
			Odds:       l.Odds,
			Stake:      l.Stake,
			Primary:    l.Primary,
			Status:     domain.LegStatusPending,
			MaxRetries: l.MaxRetries,
		}
		if leg.ID == "" {
			leg.ID = uuid.NewString()
		}
		opp.Legs = append(opp.Legs, leg)
	}
	return opp
}

// Admit stores an opportunity and offers it to the admission slot. With
// ?wait=1 the request blocks until the slot frees up; otherwise an occupied
// slot answers 409. A known id answers 409 without touching the stored
// opportunity, and a refused admission is marked rejected.
// POST /api/arbs/admit
func (h *ArbHandler) Admit(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if len(req.Legs) == 0 {
		writeError(w, http.StatusBadRequest, "at least one leg is required")
		return
	}
	opp := req.opportunity()
	if err := opp.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if h.arbs != nil {
		stored, err := h.arbs.Submit(r.Context(), opp)
		if errors.Is(err, domain.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "opportunity already exists")
			return
		}
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: submit opportunity failed",
				slog.String("arb_id", opp.ID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to store opportunity")
			return
		}
		opp = stored
	}

	var err error
	if queryBool(r, "wait") {
		ctx, cancel := context.WithTimeout(r.Context(), h.admitWait)
		err = h.admit.AdmitBlocking(ctx, opp)
		cancel()
	} else {
		err = h.admit.Admit(opp)
	}
	if err != nil {
		h.reject(r.Context(), opp.ID, err)
	}
	switch {
	case errors.Is(err, domain.ErrSlotOccupied):
		writeError(w, http.StatusConflict, "admission slot occupied")
		return
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "admission slot did not free up in time")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.InfoContext(r.Context(), "opportunity admitted via api",
		slog.String("arb_id", opp.ID),
		slog.Int("legs", len(opp.Legs)),
	)
	writeJSON(w, http.StatusAccepted, newOpportunityView(opp))
}

// reject marks a stored opportunity the slot refused. It outlives the request
// context, which may be the reason for the refusal.
func (h *ArbHandler) reject(ctx context.Context, id string, cause error) {
	if h.arbs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.arbs.Reject(ctx, id, cause.Error()); err != nil {
		h.logger.ErrorContext(ctx, "handler: mark rejected admission failed",
			slog.String("arb_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// ListRecent returns recently updated opportunities.
// GET /api/arbs/recent?limit=20
func (h *ArbHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	opps, err := h.arbs.ListRecent(r.Context(), queryLimit(r, 20, 200))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list opportunities failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list opportunities")
		return
	}
	views := make([]opportunityView, 0, len(opps))
	for _, o := range opps {
		views = append(views, newOpportunityView(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": views})
}

// Get returns one opportunity with its legs and audit trail.
// GET /api/arbs/{id}
func (h *ArbHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	opp, err := h.arbs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "opportunity not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get opportunity failed",
			slog.String("arb_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get opportunity")
		return
	}

	type auditView struct {
		Event     string         `json:"event"`
		Detail    map[string]any `json:"detail,omitempty"`
		CreatedAt time.Time      `json:"created_at"`
	}
	trail, err := h.arbs.AuditTrail(r.Context(), id)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: audit trail unavailable",
			slog.String("arb_id", id),
			slog.String("error", err.Error()),
		)
	}
	audit := make([]auditView, 0, len(trail))
	for _, e := range trail {
		audit = append(audit, auditView{Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"opportunity": newOpportunityView(opp),
		"audit":       audit,
	})
}

// Archive returns the archived outcome of a resolved opportunity.
// GET /api/arbs/{id}/archive
func (h *ArbHandler) Archive(w http.ResponseWriter, r *http.Request) {
	if h.outcomes == nil {
		writeError(w, http.StatusNotImplemented, "outcome archive not configured")
		return
	}
	id := r.PathValue("id")
	rec, err := h.outcomes.Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no archived outcome")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: load archived outcome failed",
			slog.String("arb_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load archived outcome")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
