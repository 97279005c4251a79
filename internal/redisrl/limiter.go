// Package redisrl backs the supplier rate windows and backoff states with
// Redis so several api/worker instances share one view.
package redisrl

import (
    "context"
    "fmt"
    "strconv"
    "time"

    "github.com/redis/go-redis/v9"
)

const script = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local count = tonumber(redis.call('GET', key)) or 0
if count >= limit then
  return {0, count}
end

count = redis.call('INCR', key)
redis.call('PEXPIRE', key, ttl)
return {1, count}
`

var takeScript = redis.NewScript(script)

// Window is a per-supplier, per-minute counter. Buckets expire on their own
// after the retained trailing window, so Prune has nothing to do.
type Window struct {
    Rdb    redis.Scripter
    Retain time.Duration
}

func New(rdb redis.Scripter) *Window { return &Window{Rdb: rdb, Retain: 5 * time.Minute} }

func windowKey(supplierID string, minute int64) string {
    return "rlw:" + supplierID + ":" + strconv.FormatInt(minute, 10)
}

// Take admits one call unless the bucket already holds limit calls.
func (w *Window) Take(ctx context.Context, supplierID string, minute int64, limit int) (int, bool, error) {
    res, err := takeScript.Run(ctx, w.Rdb, []string{windowKey(supplierID, minute)}, limit, w.Retain.Milliseconds()).Result()
    if err != nil {
        return 0, false, fmt.Errorf("rate window %s: %w", supplierID, err)
    }
    arr, ok := res.([]interface{})
    if !ok || len(arr) != 2 {
        return 0, false, fmt.Errorf("rate window %s: unexpected script result %T", supplierID, res)
    }
    allowed, _ := arr[0].(int64)
    count, _ := arr[1].(int64)
    return int(count), allowed == 1, nil
}

func (w *Window) Prune(context.Context, int64) error { return nil }
