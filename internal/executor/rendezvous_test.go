package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

func newTestRendezvous(grace time.Duration) *Rendezvous {
	return NewRendezvous(RendezvousConfig{Parties: 2, GraceWindow: grace}, testLogger())
}

func TestRendezvous_HappyPath(t *testing.T) {
	r := newTestRendezvous(time.Minute)

	var wg sync.WaitGroup
	results := make(map[domain.Venue]bool)
	var mu sync.Mutex
	for _, v := range []domain.Venue{"a", "b"} {
		wg.Add(1)
		go func(v domain.Venue) {
			defer wg.Done()
			assert.True(t, r.RegisterIntent("arb-1", v))
			assert.True(t, r.MarkReady("arb-1", v))
			ok := r.WaitForPartnerOrTimeout(context.Background(), "arb-1", v, time.Second)
			mu.Lock()
			results[v] = ok
			mu.Unlock()
		}(v)
	}
	wg.Wait()

	assert.True(t, results["a"])
	assert.True(t, results["b"])
	assert.False(t, r.IsCancelled("arb-1"))

	r.NotifyPlaced("arb-1", "a")
	assert.True(t, r.PartnerPlaced("arb-1", "b"))
	assert.False(t, r.PartnerPlaced("arb-1", "a"))
	r.NotifyPlaced("arb-1", "b")
	assert.Equal(t, 0, r.ActiveCount(), "fully placed state is removed immediately")
}

func TestRendezvous_TimeoutCancelsBothSides(t *testing.T) {
	r := newTestRendezvous(time.Minute)

	require.True(t, r.RegisterIntent("arb-1", "a"))
	require.True(t, r.RegisterIntent("arb-1", "b"))
	require.True(t, r.MarkReady("arb-1", "a"))

	start := time.Now()
	ok := r.WaitForPartnerOrTimeout(context.Background(), "arb-1", "a", 30*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.True(t, r.IsCancelled("arb-1"))
	assert.Contains(t, r.Summary("arb-1"), "timeout_by=a")

	// The late partner observes the cancellation instead of proceeding.
	assert.False(t, r.MarkReady("arb-1", "b"))
	assert.False(t, r.WaitForPartnerOrTimeout(context.Background(), "arb-1", "b", time.Second))
}

func TestRendezvous_MarkReadyIsIdempotent(t *testing.T) {
	r := newTestRendezvous(time.Minute)

	require.True(t, r.RegisterIntent("arb-1", "a"))
	require.True(t, r.MarkReady("arb-1", "a"))
	require.True(t, r.MarkReady("arb-1", "a"))
	assert.Contains(t, r.Summary("arb-1"), "ready=[a]")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan bool, 1)
	go func() { done <- r.WaitForPartnerOrTimeout(ctx, "arb-1", "a", time.Second) }()

	select {
	case <-done:
		// A duplicate ready must not release the latch; reaching here is
		// only valid after ctx expired.
		require.Error(t, ctx.Err())
	case <-time.After(time.Second):
		t.Fatal("wait did not return")
	}
}

func TestRendezvous_CancelIsMonotonic(t *testing.T) {
	r := newTestRendezvous(time.Minute)

	require.True(t, r.RegisterIntent("arb-1", "a"))
	assert.True(t, r.Cancel("arb-1"))
	assert.False(t, r.Cancel("arb-1"))

	assert.True(t, r.IsCancelled("arb-1"))
	assert.False(t, r.RegisterIntent("arb-1", "b"))
	assert.False(t, r.MarkReady("arb-1", "a"))
	assert.False(t, r.WaitForPartnerOrTimeout(context.Background(), "arb-1", "a", time.Second))
	assert.True(t, r.IsCancelled("arb-1"))
}

func TestRendezvous_CancelUnknownLeavesTombstone(t *testing.T) {
	r := newTestRendezvous(time.Minute)
	r.Cancel("arb-late")
	assert.True(t, r.IsCancelled("arb-late"))
	assert.False(t, r.RegisterIntent("arb-late", "a"))
}

func TestRendezvous_CancelReleasesWaiter(t *testing.T) {
	r := newTestRendezvous(time.Minute)
	require.True(t, r.RegisterIntent("arb-1", "a"))
	require.True(t, r.MarkReady("arb-1", "a"))

	done := make(chan bool, 1)
	go func() { done <- r.WaitForPartnerOrTimeout(context.Background(), "arb-1", "a", 10*time.Second) }()

	time.Sleep(10 * time.Millisecond)
	r.Cancel("arb-1")

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("cancel did not release waiter")
	}
}

func TestRendezvous_ClaimTimeoutExactlyOnce(t *testing.T) {
	r := newTestRendezvous(time.Minute)
	require.True(t, r.RegisterIntent("arb-1", "a"))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := domain.Venue("a")
			if i%2 == 1 {
				v = "b"
			}
			if r.ClaimTimeout("arb-1", v) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRendezvous_ConcurrentTimeoutsCancelOnce(t *testing.T) {
	r := newTestRendezvous(time.Minute)
	require.True(t, r.MarkReady("arb-1", "a"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.False(t, r.WaitForPartnerOrTimeout(context.Background(), "arb-1", "a", 10*time.Millisecond))
		}()
	}
	wg.Wait()
	assert.True(t, r.IsCancelled("arb-1"))
	assert.Contains(t, r.Summary("arb-1"), "timeout_by=a")
}

func TestRendezvous_RejectsThirdParty(t *testing.T) {
	r := newTestRendezvous(time.Minute)
	require.True(t, r.RegisterIntent("arb-1", "a"))
	require.True(t, r.RegisterIntent("arb-1", "b"))
	assert.True(t, r.RegisterIntent("arb-1", "a"), "re-registering a known venue is fine")
	assert.False(t, r.RegisterIntent("arb-1", "c"))
}

func TestRendezvous_MarkReadyRejectsThirdParty(t *testing.T) {
	r := newTestRendezvous(time.Minute)
	reported := make(chan domain.Venue, 1)
	r.OnAnomaly(func(_ string, v domain.Venue, _ string) { reported <- v })

	require.True(t, r.RegisterIntent("arb-1", "a"))
	require.True(t, r.RegisterIntent("arb-1", "b"))
	require.True(t, r.MarkReady("arb-1", "a"))
	require.False(t, r.RegisterIntent("arb-1", "c"))

	assert.False(t, r.MarkReady("arb-1", "c"))
	assert.False(t, r.WaitForPartnerOrTimeout(context.Background(), "arb-1", "a", time.Second),
		"an outsider must not complete the ready set")
	assert.True(t, r.IsCancelled("arb-1"))
	assert.Contains(t, r.Summary("arb-1"), "intents=[a,b] ready=[a]")

	select {
	case v := <-reported:
		assert.Equal(t, domain.Venue("c"), v)
	case <-time.After(time.Second):
		t.Fatal("anomaly hook not called")
	}
}

func TestRendezvous_CommittedCannotBeCancelled(t *testing.T) {
	r := newTestRendezvous(time.Minute)
	require.True(t, r.MarkReady("arb-1", "a"))
	require.True(t, r.MarkReady("arb-1", "b"))

	assert.False(t, r.Cancel("arb-1"))
	assert.False(t, r.IsCancelled("arb-1"))
	assert.True(t, r.WaitForPartnerOrTimeout(context.Background(), "arb-1", "a", time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, r.WaitForPartnerOrTimeout(ctx, "arb-1", "b", time.Second),
		"an aborted wait reports failure for its own side only")
	assert.False(t, r.IsCancelled("arb-1"))
}

// A timeout firing while the partner completes the ready set must resolve to
// the same answer on both sides.
func TestRendezvous_TimeoutRacingMarkReadyAgrees(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}
	r := newTestRendezvous(time.Minute)

	const iterations = 2000
	split := 0
	for i := 0; i < iterations; i++ {
		arbID := fmt.Sprintf("arb-%d", i)
		require.True(t, r.RegisterIntent(arbID, "a"))
		require.True(t, r.MarkReady(arbID, "a"))

		partner := make(chan bool, 1)
		go func() {
			time.Sleep(time.Millisecond - time.Duration(i%3)*100*time.Microsecond)
			if !r.RegisterIntent(arbID, "b") || !r.MarkReady(arbID, "b") {
				partner <- false
				return
			}
			partner <- r.WaitForPartnerOrTimeout(context.Background(), arbID, "b", time.Second)
		}()

		a := r.WaitForPartnerOrTimeout(context.Background(), arbID, "a", time.Millisecond)
		b := <-partner
		if a != b {
			split++
			t.Logf("%s: a=%t b=%t %s", arbID, a, b, r.Summary(arbID))
		}
		if a && b {
			assert.False(t, r.IsCancelled(arbID))
		}
	}
	assert.Zero(t, split, "both sides must agree on synced versus cancelled")
}

func TestRendezvous_WaitWithoutReadyIsAnomaly(t *testing.T) {
	r := newTestRendezvous(time.Minute)
	reported := make(chan string, 1)
	r.OnAnomaly(func(arbID string, _ domain.Venue, _ string) { reported <- arbID })

	require.True(t, r.RegisterIntent("arb-1", "a"))
	assert.False(t, r.WaitForPartnerOrTimeout(context.Background(), "arb-1", "a", time.Second))
	assert.True(t, r.IsCancelled("arb-1"))

	select {
	case id := <-reported:
		assert.Equal(t, "arb-1", id)
	case <-time.After(time.Second):
		t.Fatal("anomaly hook not called")
	}
}

func TestRendezvous_ContextAbortCancels(t *testing.T) {
	r := newTestRendezvous(time.Minute)
	require.True(t, r.MarkReady("arb-1", "a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, r.WaitForPartnerOrTimeout(ctx, "arb-1", "a", time.Second))
	assert.True(t, r.IsCancelled("arb-1"))
}

func TestRendezvous_CancelledStateRemovedAfterGrace(t *testing.T) {
	r := newTestRendezvous(20 * time.Millisecond)
	require.True(t, r.RegisterIntent("arb-1", "a"))
	r.Cancel("arb-1")
	assert.Equal(t, 1, r.ActiveCount())

	require.Eventually(t, func() bool { return r.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, r.IsCancelled("arb-1"))
}

func TestRendezvous_PartnerFailure(t *testing.T) {
	r := newTestRendezvous(time.Minute)
	require.True(t, r.RegisterIntent("arb-1", "a"))
	require.True(t, r.RegisterIntent("arb-1", "b"))

	r.NotifyFailed("arb-1", "b", "odds moved")
	reason, ok := r.PartnerFailure("arb-1", "a")
	require.True(t, ok)
	assert.Equal(t, "odds moved", reason)
	_, ok = r.PartnerFailure("arb-1", "b")
	assert.False(t, ok)
	assert.Contains(t, r.Summary("arb-1"), "b:odds moved")
}

func TestRendezvous_ClearAll(t *testing.T) {
	r := newTestRendezvous(time.Minute)
	require.True(t, r.MarkReady("arb-1", "a"))
	require.True(t, r.MarkReady("arb-2", "a"))

	done := make(chan bool, 1)
	go func() { done <- r.WaitForPartnerOrTimeout(context.Background(), "arb-1", "a", 10*time.Second) }()
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 2, r.ClearAll())
	assert.Equal(t, 0, r.ActiveCount())
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("clear did not release waiter")
	}
	assert.Contains(t, r.Summary("arb-1"), "state=none")
}
