package redisrl

import (
    "context"
    "fmt"
    "strconv"
    "time"

    "github.com/redis/go-redis/v9"

    "supplier-sync/internal/backoff"
)

// BackoffStore keeps backoff.State in a Redis hash per supplier.
type BackoffStore struct {
    Rdb redis.Cmdable
    TTL time.Duration
}

func NewBackoffStore(rdb redis.Cmdable) *BackoffStore {
    return &BackoffStore{Rdb: rdb, TTL: time.Hour}
}

func backoffKey(supplierID string) string { return "backoff:" + supplierID }

func (b *BackoffStore) Get(ctx context.Context, supplierID string) (backoff.State, bool, error) {
    vals, err := b.Rdb.HGetAll(ctx, backoffKey(supplierID)).Result()
    if err != nil {
        return backoff.State{}, false, fmt.Errorf("backoff get %s: %w", supplierID, err)
    }
    if len(vals) == 0 {
        return backoff.State{}, false, nil
    }
    until, _ := strconv.ParseInt(vals["retry_until"], 10, 64)
    last, _ := strconv.ParseInt(vals["last_attempt"], 10, 64)
    attempts, _ := strconv.Atoi(vals["attempts"])
    return backoff.State{
        RetryUntil:   time.UnixMilli(until).UTC(),
        AttemptCount: attempts,
        LastAttempt:  time.UnixMilli(last).UTC(),
    }, true, nil
}

func (b *BackoffStore) Set(ctx context.Context, supplierID string, s backoff.State) error {
    key := backoffKey(supplierID)
    ttl := b.TTL
    if rem := time.Until(s.RetryUntil); rem > ttl {
        ttl = rem
    }
    pipe := b.Rdb.TxPipeline()
    pipe.HSet(ctx, key,
        "retry_until", s.RetryUntil.UnixMilli(),
        "attempts", s.AttemptCount,
        "last_attempt", s.LastAttempt.UnixMilli(),
    )
    pipe.PExpire(ctx, key, ttl)
    if _, err := pipe.Exec(ctx); err != nil {
        return fmt.Errorf("backoff set %s: %w", supplierID, err)
    }
    return nil
}

func (b *BackoffStore) Clear(ctx context.Context, supplierID string) error {
    if err := b.Rdb.Del(ctx, backoffKey(supplierID)).Err(); err != nil {
        return fmt.Errorf("backoff clear %s: %w", supplierID, err)
    }
    return nil
}

// Prune is handled by key expiry.
func (b *BackoffStore) Prune(context.Context, time.Time) error { return nil }
