package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// HealthHandler serves the health-check endpoint. Every registered check runs
// concurrently under a short deadline.
type HealthHandler struct {
	checks  map[string]Check
	timeout time.Duration
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler with no checks.
func NewHealthHandler(logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: make(map[string]Check), timeout: 3 * time.Second, logger: logger}
}

// Register adds a named check. Call before serving.
func (h *HealthHandler) Register(name string, check Check) { h.checks[name] = check }

// HealthCheck reports "ok" when every check passes and "degraded" with 503
// otherwise.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components = make(map[string]string, len(h.checks))
	)
	for name, check := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state := "ok"
			if err := check(ctx); err != nil {
				state = err.Error()
			}
			mu.Lock()
			components[name] = state
			mu.Unlock()
		}()
	}
	wg.Wait()

	var failing []string
	for name, state := range components {
		if state != "ok" {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	status, code := "ok", http.StatusOK
	if len(failing) > 0 {
		status, code = "degraded", http.StatusServiceUnavailable
		h.logger.WarnContext(r.Context(), "health check degraded", slog.Any("failing", failing))
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}
