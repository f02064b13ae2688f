package handler

import (
	"log/slog"
	"net/http"
)

// RendezvousInspector exposes rendezvous diagnostics and manual controls.
type RendezvousInspector interface {
	Summary(arbID string) string
	Cancel(arbID string) bool
	ClearAll() int
	ActiveCount() int
}

// RendezvousHandler serves rendezvous diagnostics.
type RendezvousHandler struct {
	rv     RendezvousInspector
	logger *slog.Logger
}

// NewRendezvousHandler creates a RendezvousHandler.
func NewRendezvousHandler(rv RendezvousInspector, logger *slog.Logger) *RendezvousHandler {
	return &RendezvousHandler{rv: rv, logger: logger}
}

// Summary returns the one-line diagnostic for an opportunity.
// GET /api/rendezvous/{id}
func (h *RendezvousHandler) Summary(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, map[string]string{"arb_id": id, "summary": h.rv.Summary(id)})
}

// Cancel cancels the rendezvous of an opportunity, releasing any waiting
// executor.
// POST /api/rendezvous/{id}/cancel
func (h *RendezvousHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	first := h.rv.Cancel(id)
	h.logger.WarnContext(r.Context(), "rendezvous cancelled via api",
		slog.String("arb_id", id),
		slog.Bool("first_cancel", first),
	)
	writeJSON(w, http.StatusOK, map[string]any{"arb_id": id, "cancelled": first})
}

// ClearAll drops every rendezvous state.
// DELETE /api/rendezvous
func (h *RendezvousHandler) ClearAll(w http.ResponseWriter, r *http.Request) {
	n := h.rv.ClearAll()
	h.logger.WarnContext(r.Context(), "rendezvous states cleared via api", slog.Int("cleared", n))
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}
