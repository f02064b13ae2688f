package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb, "arbexec:"), mr
}

func TestLockManager_ExclusiveUntilUnlocked(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "arb:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("arbexec:lock:arb:1"))

	_, err = lm.Acquire(ctx, "arb:1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	assert.False(t, mr.Exists("arbexec:lock:arb:1"))

	_, err = lm.Acquire(ctx, "arb:1", time.Minute)
	assert.NoError(t, err)
}

func TestLockManager_ExpiresWithTTL(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	stale, err := lm.Acquire(ctx, "arb:2", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = lm.Acquire(ctx, "arb:2", time.Minute)
	require.NoError(t, err)

	// The stale holder must not release the new holder's lock.
	stale()
	assert.True(t, mr.Exists("arbexec:lock:arb:2"))
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "api:1.2.3.4", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
		now = now.Add(time.Millisecond)
	}
	ok, err := rl.Allow(ctx, "api:1.2.3.4", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, err = rl.Allow(ctx, "api:1.2.3.4", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignalBus_PublishSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "ch:arb")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "ch:arb", []byte(`{"arb_id":"1","status":"completed"}`)))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"arb_id":"1","status":"completed"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKeyPrefix_AddsSeparator(t *testing.T) {
	assert.Equal(t, "arbexec:lock:x", Wrap(nil, "arbexec").key("lock", "x"))
	assert.Equal(t, "arbexec:lock:x", Wrap(nil, "arbexec:").key("lock", "x"))
	assert.Equal(t, "lock:x", Wrap(nil, "").key("lock", "x"))
}
