package guard

import (
    "context"
    "sync"
    "time"
)

// RetainMinutes is how many trailing one-minute buckets a window keeps.
const RetainMinutes = 5

// Window counts admitted calls per supplier and minute epoch. Take admits the
// call and increments the bucket unless the bucket already holds limit calls.
// count is the bucket value after the decision.
type Window interface {
    Take(ctx context.Context, supplierID string, minute int64, limit int) (count int, allowed bool, err error)
    Prune(ctx context.Context, beforeMinute int64) error
}

func MinuteEpoch(t time.Time) int64 {
    return t.UnixMilli() / 60000
}

// MinuteStart returns the wall time at which a minute epoch begins.
func MinuteStart(minute int64) time.Time {
    return time.UnixMilli(minute * 60000).UTC()
}

type MemoryWindow struct {
    mu      sync.Mutex
    buckets map[string]map[int64]int
}

func NewMemoryWindow() *MemoryWindow {
    return &MemoryWindow{buckets: make(map[string]map[int64]int)}
}

func (w *MemoryWindow) Take(_ context.Context, supplierID string, minute int64, limit int) (int, bool, error) {
    w.mu.Lock()
    defer w.mu.Unlock()
    sup := w.buckets[supplierID]
    if sup == nil {
        sup = make(map[int64]int)
        w.buckets[supplierID] = sup
    }
    for m := range sup {
        if m < minute-RetainMinutes {
            delete(sup, m)
        }
    }
    n := sup[minute]
    if n >= limit {
        return n, false, nil
    }
    sup[minute] = n + 1
    return n + 1, true, nil
}

func (w *MemoryWindow) Prune(_ context.Context, beforeMinute int64) error {
    w.mu.Lock()
    defer w.mu.Unlock()
    for id, sup := range w.buckets {
        for m := range sup {
            if m < beforeMinute {
                delete(sup, m)
            }
        }
        if len(sup) == 0 {
            delete(w.buckets, id)
        }
    }
    return nil
}

// Count returns the current bucket value without changing it.
func (w *MemoryWindow) Count(supplierID string, minute int64) int {
    w.mu.Lock()
    defer w.mu.Unlock()
    return w.buckets[supplierID][minute]
}
