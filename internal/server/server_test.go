package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/executor"
	"github.com/alanyoungcy/arbexec/internal/server/handler"
)

type fakeCoordinator struct {
	mu       sync.Mutex
	running  bool
	occupied bool
	admitted []domain.Opportunity
}

func (f *fakeCoordinator) Start() { f.mu.Lock(); f.running = true; f.mu.Unlock() }
func (f *fakeCoordinator) Stop()  { f.mu.Lock(); f.running = false; f.mu.Unlock() }

func (f *fakeCoordinator) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeCoordinator) Snapshot() executor.Snapshot {
	return executor.Snapshot{
		Running: f.Running(),
		Venues:  []domain.Venue{"alpha", "beta"},
		LastOutcome: &executor.Outcome{
			ArbID:   "prev",
			Status:  domain.ArbStatusFailed,
			Exposed: []domain.Venue{"alpha"},
			Results: map[domain.Venue]domain.LegResult{
				"alpha": {Venue: "alpha", Success: true, Attempts: 1},
				"beta":  {Venue: "beta", Message: "odds moved", Attempts: 3},
			},
		},
	}
}

func (f *fakeCoordinator) Admit(opp domain.Opportunity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.occupied {
		return domain.ErrSlotOccupied
	}
	f.admitted = append(f.admitted, opp)
	return nil
}

func (f *fakeCoordinator) AdmitBlocking(ctx context.Context, opp domain.Opportunity) error {
	if f.occupied {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.Admit(opp)
}

type fakeArbs struct {
	submitted []domain.Opportunity
	rejected  map[string]string
}

func (f *fakeArbs) Submit(_ context.Context, opp domain.Opportunity) (domain.Opportunity, error) {
	for _, o := range f.submitted {
		if o.ID == opp.ID {
			return domain.Opportunity{}, domain.ErrAlreadyExists
		}
	}
	f.submitted = append(f.submitted, opp)
	return opp, nil
}

func (f *fakeArbs) Reject(_ context.Context, id, reason string) error {
	if f.rejected == nil {
		f.rejected = make(map[string]string)
	}
	f.rejected[id] = reason
	return nil
}

func (f *fakeArbs) Get(_ context.Context, id string) (domain.Opportunity, error) {
	for _, o := range f.submitted {
		if o.ID == id {
			return o, nil
		}
	}
	return domain.Opportunity{}, domain.ErrNotFound
}

func (f *fakeArbs) ListRecent(context.Context, int) ([]domain.Opportunity, error) {
	return f.submitted, nil
}

func (f *fakeArbs) AuditTrail(context.Context, string) ([]domain.AuditEntry, error) {
	return []domain.AuditEntry{{Event: "arb_submitted"}}, nil
}

type fakeRendezvous struct{ cancelled []string }

func (f *fakeRendezvous) Summary(id string) string { return "arb=" + id + " state=none" }
func (f *fakeRendezvous) Cancel(id string) bool {
	f.cancelled = append(f.cancelled, id)
	return true
}
func (f *fakeRendezvous) ClearAll() int    { return 3 }
func (f *fakeRendezvous) ActiveCount() int { return 0 }

type harness struct {
	coord *fakeCoordinator
	arbs  *fakeArbs
	rv    *fakeRendezvous
	h     http.Handler
}

func newHarness(t *testing.T, failingCheck bool) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord, arbs, rv := &fakeCoordinator{}, &fakeArbs{}, &fakeRendezvous{}

	health := handler.NewHealthHandler(logger)
	health.Register("postgres", func(context.Context) error { return nil })
	if failingCheck {
		health.Register("agent:beta", func(context.Context) error { return errors.New("connection refused") })
	}

	srv := NewServer(Config{Port: 0, APIKey: "k"}, Handlers{
		Health:     health,
		Status:     handler.NewStatusHandler(coord, "full", time.Now(), logger),
		Rendezvous: handler.NewRendezvousHandler(rv, logger),
		Arbs:       handler.NewArbHandler(arbs, coord, nil, logger),
	}, nil, logger)
	return &harness{coord: coord, arbs: arbs, rv: rv, h: srv.Handler()}
}

func (h *harness) do(method, path, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authed {
		req.Header.Set("X-API-Key", "k")
	}
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	rec := newHarness(t, false).do(http.MethodGet, "/api/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = newHarness(t, true).do(http.MethodGet, "/api/health", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["components"].(map[string]any)["agent:beta"])
}

func TestStatus(t *testing.T) {
	rec := newHarness(t, false).do(http.MethodGet, "/api/status", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, []any{"alpha", "beta"}, body["venues"])
	last := body["last_outcome"].(map[string]any)
	assert.Equal(t, []any{"alpha"}, last["exposed"])
	beta := last["results"].(map[string]any)["beta"].(map[string]any)
	assert.Equal(t, "odds moved", beta["message"])
}

func TestStartStop_RequireAuth(t *testing.T) {
	h := newHarness(t, false)

	rec := h.do(http.MethodPost, "/api/orchestrator/start", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, h.coord.Running())

	rec = h.do(http.MethodPost, "/api/orchestrator/start", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.coord.Running())

	rec = h.do(http.MethodPost, "/api/orchestrator/stop", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["running"])
}

const admitBody = `{
	"profit_pct": 2.1,
	"legs": [
		{"venue": "alpha", "market": "m1", "selection": "home", "odds": 2.1, "stake": 10, "primary": true, "max_retries": 3},
		{"venue": "beta", "market": "m1", "selection": "away", "odds": 2.05, "stake": 10, "max_retries": 3}
	]
}`

func TestAdmit(t *testing.T) {
	h := newHarness(t, false)
	rec := h.do(http.MethodPost, "/api/arbs/admit", admitBody, true)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body := decode(t, rec)
	id, _ := body["id"].(string)
	assert.NotEmpty(t, id)
	require.Len(t, h.coord.admitted, 1)
	assert.Equal(t, id, h.coord.admitted[0].ID)
	for _, l := range h.coord.admitted[0].Legs {
		assert.NotEmpty(t, l.ID)
		assert.Equal(t, id, l.ArbID)
		assert.Equal(t, domain.LegStatusPending, l.Status)
	}
	require.Len(t, h.arbs.submitted, 1)

	rec = h.do(http.MethodGet, "/api/arbs/"+id, "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["audit"], 1)
}

func TestAdmit_Rejections(t *testing.T) {
	h := newHarness(t, false)

	rec := h.do(http.MethodPost, "/api/arbs/admit", `{"legs":[]}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/arbs/admit", `{"bogus":1}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	dup := `{"legs":[{"venue":"alpha"},{"venue":"alpha"}]}`
	rec = h.do(http.MethodPost, "/api/arbs/admit", dup, true)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	h.coord.occupied = true
	rec = h.do(http.MethodPost, "/api/arbs/admit", admitBody, true)
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.Len(t, h.arbs.submitted, 1)
	assert.Contains(t, h.arbs.rejected[h.arbs.submitted[0].ID], "occupied",
		"a refused admission must not stay active for the ranking feed")
}

func TestAdmit_KnownIDIsNotReset(t *testing.T) {
	h := newHarness(t, false)
	body := `{"id":"arb-7","legs":[{"venue":"alpha","odds":2,"stake":1},{"venue":"beta","odds":2,"stake":1}]}`

	rec := h.do(http.MethodPost, "/api/arbs/admit", body, true)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/api/arbs/admit", body, true)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already exists")
	assert.Len(t, h.coord.admitted, 1, "a known id is never admitted again")
	assert.Empty(t, h.arbs.rejected)
}

func TestArbs_NotFoundAndNoArchive(t *testing.T) {
	h := newHarness(t, false)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/arbs/missing", "", false).Code)
	assert.Equal(t, http.StatusNotImplemented, h.do(http.MethodGet, "/api/arbs/missing/archive", "", false).Code)
}

func TestRendezvousRoutes(t *testing.T) {
	h := newHarness(t, false)

	rec := h.do(http.MethodGet, "/api/rendezvous/a1", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "arb=a1 state=none", decode(t, rec)["summary"])

	rec = h.do(http.MethodPost, "/api/rendezvous/a1/cancel", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"a1"}, h.rv.cancelled)

	rec = h.do(http.MethodDelete, "/api/rendezvous", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["cleared"])
}

func TestMetricsEndpoint(t *testing.T) {
	rec := newHarness(t, false).do(http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
