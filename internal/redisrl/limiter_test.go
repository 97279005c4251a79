package redisrl

import (
    "context"
    "testing"
    "time"

    "github.com/alicebob/miniredis/v2"
    "github.com/redis/go-redis/v9"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "supplier-sync/internal/backoff"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
    t.Helper()
    mr := miniredis.RunT(t)
    rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
    t.Cleanup(func() { _ = rdb.Close() })
    return mr, rdb
}

func TestWindow_TakeUpToLimit(t *testing.T) {
    ctx := context.Background()
    mr, rdb := newRedis(t)
    w := New(rdb)

    for i := 1; i <= 2; i++ {
        count, ok, err := w.Take(ctx, "sup-1", 1000, 2)
        require.NoError(t, err)
        assert.True(t, ok)
        assert.Equal(t, i, count)
    }
    count, ok, err := w.Take(ctx, "sup-1", 1000, 2)
    require.NoError(t, err)
    assert.False(t, ok)
    assert.Equal(t, 2, count)

    _, ok, err = w.Take(ctx, "sup-1", 1001, 2)
    require.NoError(t, err)
    assert.True(t, ok, "next minute starts empty")

    _, ok, _ = w.Take(ctx, "sup-2", 1000, 2)
    assert.True(t, ok, "suppliers are independent")

    assert.True(t, mr.TTL("rlw:sup-1:1000") > 0)
    mr.FastForward(6 * time.Minute)
    assert.False(t, mr.Exists("rlw:sup-1:1000"))
}

func TestBackoffStore_RoundTrip(t *testing.T) {
    ctx := context.Background()
    _, rdb := newRedis(t)
    store := NewBackoffStore(rdb)

    _, ok, err := store.Get(ctx, "sup-1")
    require.NoError(t, err)
    assert.False(t, ok)

    now := time.Now().UTC().Truncate(time.Millisecond)
    want := backoff.Next(backoff.State{AttemptCount: 2}, 0, now)
    require.NoError(t, store.Set(ctx, "sup-1", want))

    got, ok, err := store.Get(ctx, "sup-1")
    require.NoError(t, err)
    require.True(t, ok)
    assert.Equal(t, 3, got.AttemptCount)
    assert.True(t, want.RetryUntil.Equal(got.RetryUntil))
    assert.True(t, want.LastAttempt.Equal(got.LastAttempt))

    require.NoError(t, store.Clear(ctx, "sup-1"))
    _, ok, _ = store.Get(ctx, "sup-1")
    assert.False(t, ok)
}
