package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

type memOpps struct {
	mu       sync.Mutex
	rows     map[string]domain.Opportunity
	inserts  int
	upserts  int
	statuses int
	failWith error
}

func newMemOpps() *memOpps { return &memOpps{rows: map[string]domain.Opportunity{}} }

func (m *memOpps) Insert(_ context.Context, opp domain.Opportunity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if _, ok := m.rows[opp.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.inserts++
	m.rows[opp.ID] = opp
	return nil
}

func (m *memOpps) Upsert(_ context.Context, opp domain.Opportunity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.upserts++
	m.rows[opp.ID] = opp
	return nil
}

func (m *memOpps) UpdateStatus(_ context.Context, id string, status domain.ArbStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	opp, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.statuses++
	opp.Status = status
	m.rows[id] = opp
	return nil
}

func (m *memOpps) GetByID(_ context.Context, id string) (domain.Opportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	opp, ok := m.rows[id]
	if !ok {
		return domain.Opportunity{}, domain.ErrNotFound
	}
	return opp, nil
}

func (m *memOpps) ListActive(_ context.Context, minProfit float64, _ int) ([]domain.Opportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Opportunity
	for _, o := range m.rows {
		if o.Status == domain.ArbStatusActive && o.ProfitPct >= minProfit {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memOpps) ListRecent(context.Context, int) ([]domain.Opportunity, error) { return nil, nil }

func (m *memOpps) ExpireStale(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, o := range m.rows {
		if o.Status == domain.ArbStatusActive && o.Expired(now) {
			o.Status = domain.ArbStatusExpired
			m.rows[id] = o
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, _ := detail["arb_id"].(string)
	m.entries = append(m.entries, domain.AuditEntry{Event: event, ArbID: id, Detail: detail})
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return m.entries, nil
}

func (m *memAudit) ListByArb(_ context.Context, arbID string) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if e.ArbID == arbID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.messages == nil {
		b.messages = map[string][][]byte{}
	}
	b.messages[channel] = append(b.messages[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

type memArchive struct {
	archived []domain.Opportunity
	trails   [][]domain.AuditEntry
}

func (a *memArchive) Archive(_ context.Context, opp domain.Opportunity, audit []domain.AuditEntry) (string, error) {
	a.archived = append(a.archived, opp)
	a.trails = append(a.trails, audit)
	return "outcomes/" + opp.ID + ".json", nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func twoLegs(id string) domain.Opportunity {
	return domain.Opportunity{
		ID:        id,
		ProfitPct: 2.5,
		Legs: []domain.Leg{
			{ID: id + "-a", Venue: "alpha", Primary: true},
			{ID: id + "-b", Venue: "beta"},
		},
	}
}

func TestSubmit_DefaultsAndPublishes(t *testing.T) {
	opps, audit, bus := newMemOpps(), &memAudit{}, &memBus{}
	svc := NewArbService(opps, audit, bus, nil, discard())

	got, err := svc.Submit(context.Background(), twoLegs("arb-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.ArbStatusActive, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
	for _, l := range got.Legs {
		assert.Equal(t, "arb-1", l.ArbID)
		assert.Equal(t, domain.LegStatusPending, l.Status)
	}

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "arb_submitted", audit.entries[0].Event)

	require.Len(t, bus.messages[ChannelArb], 1)
	var evt StatusEvent
	require.NoError(t, json.Unmarshal(bus.messages[ChannelArb][0], &evt))
	assert.Equal(t, "arb-1", evt.ArbID)
	assert.Equal(t, "active", evt.Status)
}

func TestSubmit_RejectsDuplicateVenue(t *testing.T) {
	svc := NewArbService(newMemOpps(), nil, nil, nil, discard())
	opp := twoLegs("arb-2")
	opp.Legs[1].Venue = "alpha"

	_, err := svc.Submit(context.Background(), opp)
	assert.ErrorIs(t, err, domain.ErrDuplicateVenue)
}

func TestSubmit_KnownIDLeavesStoredOpportunity(t *testing.T) {
	opps := newMemOpps()
	svc := NewArbService(opps, nil, nil, nil, discard())
	_, err := svc.Submit(context.Background(), twoLegs("arb-4"))
	require.NoError(t, err)
	require.NoError(t, opps.UpdateStatus(context.Background(), "arb-4", domain.ArbStatusCompleted))

	_, err = svc.Submit(context.Background(), twoLegs("arb-4"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	stored, err := svc.Get(context.Background(), "arb-4")
	require.NoError(t, err)
	assert.Equal(t, domain.ArbStatusCompleted, stored.Status)
}

func TestReject_HidesFromRankingFeed(t *testing.T) {
	opps, audit := newMemOpps(), &memAudit{}
	svc := NewArbService(opps, audit, nil, nil, discard())
	_, err := svc.Submit(context.Background(), twoLegs("arb-5"))
	require.NoError(t, err)

	require.NoError(t, svc.Reject(context.Background(), "arb-5", "admission slot occupied"))

	cands, err := svc.FetchCandidates(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, cands)
	require.Len(t, audit.entries, 2)
	assert.Equal(t, "arb_rejected", audit.entries[1].Event)

	assert.ErrorIs(t, svc.Reject(context.Background(), "missing", "x"), domain.ErrNotFound)
}

func TestSaveOpportunity_StatusOnlyForKnownRows(t *testing.T) {
	opps := newMemOpps()
	svc := NewArbService(opps, nil, nil, nil, discard())
	_, err := svc.Submit(context.Background(), twoLegs("arb-3"))
	require.NoError(t, err)

	opp := twoLegs("arb-3")
	opp.Status = domain.ArbStatusInProgress
	opp.Legs[0].Status = domain.LegStatusFailed
	require.NoError(t, svc.SaveOpportunity(context.Background(), opp))

	assert.Equal(t, 1, opps.inserts)
	assert.Zero(t, opps.upserts)
	assert.Equal(t, 1, opps.statuses)
	stored, err := svc.Get(context.Background(), "arb-3")
	require.NoError(t, err)
	assert.Equal(t, domain.ArbStatusInProgress, stored.Status)
	assert.Equal(t, domain.LegStatusPending, stored.Legs[0].Status)
}

func TestSaveOpportunity_InsertsUnknownRows(t *testing.T) {
	opps := newMemOpps()
	svc := NewArbService(opps, nil, nil, nil, discard())

	opp := twoLegs("arb-4")
	opp.Status = domain.ArbStatusExpired
	require.NoError(t, svc.SaveOpportunity(context.Background(), opp))
	assert.Equal(t, 1, opps.upserts)
}

func TestSaveOpportunity_ArchivesTerminalStatus(t *testing.T) {
	opps, audit, archive := newMemOpps(), &memAudit{}, &memArchive{}
	svc := NewArbService(opps, audit, nil, archive, discard())
	_, err := svc.Submit(context.Background(), twoLegs("arb-5"))
	require.NoError(t, err)

	opp := twoLegs("arb-5")
	opp.Status = domain.ArbStatusInProgress
	require.NoError(t, svc.SaveOpportunity(context.Background(), opp))
	assert.Empty(t, archive.archived)

	opp.Status = domain.ArbStatusCompleted
	require.NoError(t, svc.SaveOpportunity(context.Background(), opp))
	require.Len(t, archive.archived, 1)
	assert.Equal(t, domain.ArbStatusCompleted, archive.archived[0].Status)
	assert.Len(t, archive.trails[0], 3)
}

func TestSaveOpportunity_StoreError(t *testing.T) {
	opps := newMemOpps()
	opps.failWith = errors.New("db down")
	svc := NewArbService(opps, nil, nil, nil, discard())

	err := svc.SaveOpportunity(context.Background(), twoLegs("arb-6"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestFetchCandidates(t *testing.T) {
	opps := newMemOpps()
	svc := NewArbService(opps, nil, nil, nil, discard())
	low := twoLegs("low")
	low.ProfitPct = 0.1
	_, err := svc.Submit(context.Background(), low)
	require.NoError(t, err)
	_, err = svc.Submit(context.Background(), twoLegs("high"))
	require.NoError(t, err)

	got, err := svc.FetchCandidates(context.Background(), 1.0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "high", got[0].ID)
}

func TestExpireStale(t *testing.T) {
	opps, audit, archive := newMemOpps(), &memAudit{}, &memArchive{}
	svc := NewArbService(opps, audit, nil, archive, discard())

	now := time.Now().UTC()
	past, future := now.Add(-time.Minute), now.Add(time.Hour)
	stale, fresh := twoLegs("arb-old"), twoLegs("arb-new")
	stale.ExpiresAt, fresh.ExpiresAt = &past, &future
	for _, o := range []domain.Opportunity{stale, fresh} {
		_, err := svc.Submit(context.Background(), o)
		require.NoError(t, err)
	}

	n, err := svc.ExpireStale(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.ArbStatusExpired, opps.rows["arb-old"].Status)
	assert.Equal(t, domain.ArbStatusActive, opps.rows["arb-new"].Status)

	require.Len(t, archive.archived, 1)
	assert.Equal(t, "arb-old", archive.archived[0].ID)
	assert.Equal(t, "arb_expired", audit.entries[len(audit.entries)-1].Event)
}
