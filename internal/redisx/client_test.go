package redisx

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestPaymentStatusKey(t *testing.T) {
	require.Equal(t, "payment_status:ORD1", PaymentStatusKey("ORD1"))
}

// Needs a live Redis: REDIS_TEST_ADDR=localhost:6379 go test ./internal/redisx
func testClient(t *testing.T) (*StatusCache, *Locker) {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb := New(addr)
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return &StatusCache{RDB: rdb, TTL: time.Minute}, &Locker{RDB: rdb}
}

func TestStatusCacheRoundTrip(t *testing.T) {
	cache, _ := testClient(t)
	ctx := context.Background()
	order := "test-" + uuid.NewString()

	_, ok := cache.GetStatus(ctx, order)
	require.False(t, ok)

	cache.SetStatus(ctx, order, []byte(`{"payment_status":"COMPLETED"}`))
	b, ok := cache.GetStatus(ctx, order)
	require.True(t, ok)
	require.JSONEq(t, `{"payment_status":"COMPLETED"}`, string(b))

	cache.DropStatus(ctx, order)
	_, ok = cache.GetStatus(ctx, order)
	require.False(t, ok)
}

func TestLockerExcludesSecondHolder(t *testing.T) {
	_, first := testClient(t)
	second := &Locker{RDB: first.RDB}
	ctx := context.Background()
	key := "lock:test:" + uuid.NewString()

	ok, err := first.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// releasing a lock it never took is a no-op
	require.NoError(t, second.Unlock(ctx, key))
	ok, _ = second.TryLock(ctx, key, time.Minute)
	require.False(t, ok)

	require.NoError(t, first.Unlock(ctx, key))
	ok, err = second.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, second.Unlock(ctx, key))
}
