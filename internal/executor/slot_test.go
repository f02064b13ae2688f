package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAdmissionSlot_SingleOccupancy(t *testing.T) {
	s := NewAdmissionSlot()

	require.True(t, s.TryAdmit(domain.Opportunity{ID: "a"}))
	assert.True(t, s.Occupied())
	assert.False(t, s.TryAdmit(domain.Opportunity{ID: "b"}), "second offer must be rejected while occupied")

	got, ok := s.Poll(context.Background(), 10*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)
	assert.False(t, s.Occupied())

	assert.True(t, s.TryAdmit(domain.Opportunity{ID: "b"}))
}

func TestAdmissionSlot_PollTimesOut(t *testing.T) {
	s := NewAdmissionSlot()
	start := time.Now()
	_, ok := s.Poll(context.Background(), 20*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestAdmissionSlot_AdmitBlocksUntilFree(t *testing.T) {
	s := NewAdmissionSlot()
	require.True(t, s.TryAdmit(domain.Opportunity{ID: "a"}))

	admitted := make(chan error, 1)
	go func() { admitted <- s.Admit(context.Background(), domain.Opportunity{ID: "b"}) }()

	select {
	case <-admitted:
		t.Fatal("admit returned while slot occupied")
	case <-time.After(20 * time.Millisecond):
	}

	_, ok := s.Poll(context.Background(), time.Second)
	require.True(t, ok)
	require.NoError(t, <-admitted)

	got, ok := s.Poll(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, "b", got.ID)
}

func TestAdmissionSlot_AdmitHonoursContext(t *testing.T) {
	s := NewAdmissionSlot()
	require.True(t, s.TryAdmit(domain.Opportunity{ID: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Admit(ctx, domain.Opportunity{ID: "b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDedup_RecentAndCleanup(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	assert.False(t, d.Recent("x"))
	d.Mark("x")
	assert.True(t, d.Recent("x"))

	now = now.Add(2 * time.Minute)
	assert.False(t, d.Recent("x"))
	d.Cleanup()
	assert.Empty(t, d.seen)
}
