// Package backoff tracks supplier cool-down periods entered after a rate-limit response.
package backoff

import (
    "context"
    "math"
    "sync"
    "time"
)

const (
    BaseDelay = time.Second
    MaxDelay  = 5 * time.Minute
)

type State struct {
    RetryUntil   time.Time `json:"retryUntil"`
    AttemptCount int       `json:"attemptCount"`
    LastAttempt  time.Time `json:"lastAttempt"`
}

// Active reports whether calls must still be held back at now.
func (s State) Active(now time.Time) bool {
    return now.Before(s.RetryUntil)
}

func (s State) Remaining(now time.Time) time.Duration {
    if !s.Active(now) {
        return 0
    }
    return s.RetryUntil.Sub(now)
}

// Store is keyed by supplier id and safe for concurrent use.
type Store interface {
    Get(ctx context.Context, supplierID string) (State, bool, error)
    Set(ctx context.Context, supplierID string, s State) error
    Clear(ctx context.Context, supplierID string) error
    Prune(ctx context.Context, before time.Time) error
}

// Delay is min(2^attempt * 1s, 5m).
func Delay(attempt int) time.Duration {
    if attempt <= 0 {
        return BaseDelay
    }
    if attempt >= 9 {
        return MaxDelay
    }
    d := time.Duration(math.Pow(2, float64(attempt))) * BaseDelay
    if d > MaxDelay {
        return MaxDelay
    }
    return d
}

// Next records one more rate-limit hit. A server-provided retryAfter wins
// over the exponential schedule.
func Next(prev State, retryAfter time.Duration, now time.Time) State {
    attempt := prev.AttemptCount + 1
    wait := retryAfter
    if wait <= 0 {
        wait = Delay(attempt)
    }
    return State{RetryUntil: now.Add(wait), AttemptCount: attempt, LastAttempt: now}
}

type Memory struct {
    mu     sync.Mutex
    states map[string]State
}

func NewMemory() *Memory {
    return &Memory{states: make(map[string]State)}
}

func (m *Memory) Get(_ context.Context, supplierID string) (State, bool, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    s, ok := m.states[supplierID]
    return s, ok, nil
}

func (m *Memory) Set(_ context.Context, supplierID string, s State) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.states[supplierID] = s
    return nil
}

func (m *Memory) Clear(_ context.Context, supplierID string) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    delete(m.states, supplierID)
    return nil
}

// Prune forgets suppliers whose last hit is older than before and whose cool-down has ended.
func (m *Memory) Prune(_ context.Context, before time.Time) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    for id, s := range m.states {
        if s.LastAttempt.Before(before) && !s.Active(before) {
            delete(m.states, id)
        }
    }
    return nil
}
