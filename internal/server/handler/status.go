package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/arbexec/internal/executor"
)

// Coordinator is the orchestrator surface the API drives.
type Coordinator interface {
	Start()
	Stop()
	Running() bool
	Snapshot() executor.Snapshot
}

// StatusHandler serves coordinator status and the start/stop controls.
type StatusHandler struct {
	coord     Coordinator
	mode      string
	startedAt time.Time
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(coord Coordinator, mode string, startedAt time.Time, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{coord: coord, mode: mode, startedAt: startedAt, logger: logger}
}

type statusResponse struct {
	Mode             string       `json:"mode"`
	UptimeSeconds    int64        `json:"uptime_seconds"`
	Running          bool         `json:"running"`
	Venues           []string     `json:"venues"`
	SlotOccupied     bool         `json:"slot_occupied"`
	ActiveRendezvous int          `json:"active_rendezvous"`
	LastOutcome      *outcomeView `json:"last_outcome,omitempty"`
}

// GetStatus reports the orchestrator snapshot.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.coord.Snapshot()
	resp := statusResponse{
		Mode:             h.mode,
		UptimeSeconds:    int64(time.Since(h.startedAt).Seconds()),
		Running:          snap.Running,
		Venues:           make([]string, 0, len(snap.Venues)),
		SlotOccupied:     snap.SlotOccupied,
		ActiveRendezvous: snap.ActiveRendezvous,
	}
	for _, v := range snap.Venues {
		resp.Venues = append(resp.Venues, string(v))
	}
	if snap.LastOutcome != nil {
		ov := newOutcomeView(*snap.LastOutcome)
		resp.LastOutcome = &ov
	}
	writeJSON(w, http.StatusOK, resp)
}

// Start starts the orchestrator loop. Starting a running loop is a no-op.
// POST /api/orchestrator/start
func (h *StatusHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.coord.Start()
	h.logger.InfoContext(r.Context(), "orchestrator started via api")
	writeJSON(w, http.StatusOK, map[string]bool{"running": h.coord.Running()})
}

// Stop stops the orchestrator loop after the in-flight opportunity resolves.
// POST /api/orchestrator/stop
func (h *StatusHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.coord.Stop()
	h.logger.InfoContext(r.Context(), "orchestrator stopped via api")
	writeJSON(w, http.StatusOK, map[string]bool{"running": h.coord.Running()})
}
