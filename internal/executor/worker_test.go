package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

type stubSession struct {
	prepare func(ctx context.Context, leg domain.Leg) error
	submit  func(ctx context.Context, leg domain.Leg) (string, error)

	prepares atomic.Int32
	submits  atomic.Int32
}

func (s *stubSession) Prepare(ctx context.Context, leg domain.Leg) error {
	s.prepares.Add(1)
	if s.prepare == nil {
		return nil
	}
	return s.prepare(ctx, leg)
}

func (s *stubSession) Submit(ctx context.Context, leg domain.Leg) (string, error) {
	s.submits.Add(1)
	if s.submit == nil {
		return "T-" + leg.ID, nil
	}
	return s.submit(ctx, leg)
}

type memLegStore struct {
	mu      sync.Mutex
	history map[string][]domain.LegStatus
}

func (m *memLegStore) UpdateLeg(_ context.Context, leg domain.Leg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.history == nil {
		m.history = make(map[string][]domain.LegStatus)
	}
	m.history[leg.ID] = append(m.history[leg.ID], leg.Status)
	return nil
}

func (m *memLegStore) ListByArb(context.Context, string) ([]domain.Leg, error) { return nil, nil }

func (m *memLegStore) statuses(id string) []domain.LegStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.LegStatus(nil), m.history[id]...)
}

type pairHarness struct {
	rv      *Rendezvous
	barrier *CompletionBarrier
	workers map[domain.Venue]*LegWorker
	tasks   map[domain.Venue]LegTask
	legs    *memLegStore
}

func newPair(t *testing.T, maxRetries int, sessions map[domain.Venue]VenueSession) *pairHarness {
	t.Helper()
	rv := newTestRendezvous(time.Minute)
	store := &memLegStore{}
	venues := []domain.Venue{"a", "b"}
	barrier := NewCompletionBarrier("arb-1", venues, testLogger())
	h := &pairHarness{
		rv:      rv,
		barrier: barrier,
		workers: make(map[domain.Venue]*LegWorker),
		tasks:   make(map[domain.Venue]LegTask),
		legs:    store,
	}
	for _, v := range venues {
		q := NewVenueQueue(v, 1)
		h.workers[v] = NewLegWorker(q, sessions[v], rv, store, LegWorkerConfig{
			LegTimeout:        2 * time.Second,
			RendezvousTimeout: 200 * time.Millisecond,
		}, testLogger())
		leg := domain.Leg{ID: "leg-" + string(v), Venue: v, Status: domain.LegStatusPending}
		h.tasks[v] = NewLegTask("arb-1", leg, maxRetries, time.Millisecond, barrier)
	}
	return h
}

func (h *pairHarness) run(t *testing.T) map[domain.Venue]domain.LegResult {
	t.Helper()
	var wg sync.WaitGroup
	for v, w := range h.workers {
		wg.Add(1)
		go func(w *LegWorker, task LegTask) {
			defer wg.Done()
			w.Execute(context.Background(), task)
		}(w, h.tasks[v])
	}
	wg.Wait()
	require.NoError(t, h.barrier.Wait(context.Background()))
	return h.barrier.Results()
}

func TestLegWorker_BothLegsPlaced(t *testing.T) {
	a, b := &stubSession{}, &stubSession{}
	h := newPair(t, 3, map[domain.Venue]VenueSession{"a": a, "b": b})

	res := h.run(t)
	assert.True(t, h.barrier.Succeeded())
	assert.Equal(t, "T-leg-a", res["a"].Ticket)
	assert.Equal(t, 1, res["b"].Attempts)
	assert.Equal(t, 0, h.rv.ActiveCount())
	assert.Equal(t, []domain.LegStatus{domain.LegStatusPlacing, domain.LegStatusPlaced}, h.legs.statuses("leg-a"))
}

func TestLegWorker_PrepareFailureCancelsPartner(t *testing.T) {
	a := &stubSession{prepare: func(context.Context, domain.Leg) error {
		return backoff.Permanent(errors.New("market suspended"))
	}}
	b := &stubSession{}
	h := newPair(t, 3, map[domain.Venue]VenueSession{"a": a, "b": b})

	res := h.run(t)
	assert.False(t, h.barrier.Succeeded())
	assert.False(t, res["a"].Success)
	assert.False(t, res["b"].Success)
	assert.Contains(t, res["a"].Message, "market suspended")
	assert.Zero(t, a.submits.Load())
	assert.Zero(t, b.submits.Load(), "partner must not submit after a cancelled rendezvous")
	assert.True(t, h.rv.IsCancelled("arb-1"))
}

func TestLegWorker_PrepareRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	a := &stubSession{prepare: func(context.Context, domain.Leg) error {
		if calls.Add(1) < 2 {
			return errors.New("slow page")
		}
		return nil
	}}
	h := newPair(t, 3, map[domain.Venue]VenueSession{"a": a, "b": &stubSession{}})

	h.run(t)
	assert.True(t, h.barrier.Succeeded())
	assert.Equal(t, int32(2), a.prepares.Load())
}

func TestLegWorker_SubmitRetryCountsAttempts(t *testing.T) {
	var calls atomic.Int32
	a := &stubSession{submit: func(_ context.Context, leg domain.Leg) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("odds changed")
		}
		return "T-retry", nil
	}}
	h := newPair(t, 3, map[domain.Venue]VenueSession{"a": a, "b": &stubSession{}})

	res := h.run(t)
	assert.True(t, res["a"].Success)
	assert.Equal(t, 2, res["a"].Attempts)
	assert.Equal(t, []domain.LegStatus{
		domain.LegStatusPlacing,
		domain.LegStatusFailed,
		domain.LegStatusRetrying,
		domain.LegStatusPlacing,
		domain.LegStatusPlaced,
	}, h.legs.statuses("leg-a"))
}

func TestLegWorker_SubmitExhaustsRetries(t *testing.T) {
	a := &stubSession{submit: func(context.Context, domain.Leg) (string, error) {
		return "", errors.New("rejected")
	}}
	h := newPair(t, 2, map[domain.Venue]VenueSession{"a": a, "b": &stubSession{}})

	res := h.run(t)
	assert.False(t, res["a"].Success)
	assert.Equal(t, 2, res["a"].Attempts)
	assert.Equal(t, int32(2), a.submits.Load())
	assert.Contains(t, res["a"].Message, domain.ErrExecutionFailed.Error())
	// b placed before a gave up: the orphan is visible to the orchestrator.
	assert.True(t, res["b"].Success)
}

func TestLegWorker_PanicStillReports(t *testing.T) {
	a := &stubSession{prepare: func(context.Context, domain.Leg) error { panic("driver crashed") }}
	h := newPair(t, 1, map[domain.Venue]VenueSession{"a": a, "b": &stubSession{}})

	res := h.run(t)
	assert.False(t, res["a"].Success)
	assert.Contains(t, res["a"].Message, "driver crashed")
	assert.False(t, res["b"].Success)
}

func TestLegWorker_PartnerNeverArrives(t *testing.T) {
	rv := newTestRendezvous(time.Minute)
	barrier := NewCompletionBarrier("arb-1", []domain.Venue{"a"}, testLogger())
	session := &stubSession{}
	w := NewLegWorker(NewVenueQueue("a", 1), session, rv, nil, LegWorkerConfig{
		LegTimeout:        time.Second,
		RendezvousTimeout: 30 * time.Millisecond,
	}, testLogger())

	w.Execute(context.Background(), NewLegTask("arb-1", domain.Leg{ID: "leg-a", Venue: "a"}, 1, time.Millisecond, barrier))

	res := barrier.Results()["a"]
	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrRendezvousTimeout.Error(), res.Message)
	assert.Zero(t, session.submits.Load())
}

func TestLegWorker_RunDrainsOnShutdown(t *testing.T) {
	rv := newTestRendezvous(time.Minute)
	q := NewVenueQueue("a", 2)
	barrier := NewCompletionBarrier("arb-1", []domain.Venue{"a"}, testLogger())
	require.NoError(t, q.Enqueue(context.Background(), NewLegTask("arb-1", domain.Leg{ID: "leg-a", Venue: "a"}, 1, time.Millisecond, barrier)))

	w := NewLegWorker(q, &stubSession{}, rv, nil, LegWorkerConfig{}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))

	select {
	case <-barrier.Done():
	case <-time.After(time.Second):
		t.Fatal("queued task was not reported")
	}
}
