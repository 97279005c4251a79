package ledger

import (
    "context"
    "fmt"
    "sync"
    "time"

    "supplier-sync/internal/types"
)

// Memory keeps runs and entries in process; used in tests and local runs without a database.
type Memory struct {
    mu      sync.Mutex
    runs    map[string]types.RunRecord
    order   []string
    entries []types.AuditEntry
}

func NewMemory() *Memory {
    return &Memory{runs: make(map[string]types.RunRecord)}
}

func (m *Memory) OpenRun(_ context.Context, supplierID string, trigger types.RunTrigger) (*types.RunRecord, error) {
    run := newRun(supplierID, trigger, time.Now())
    m.mu.Lock()
    defer m.mu.Unlock()
    m.runs[run.ID] = *run
    m.order = append(m.order, run.ID)
    return run, nil
}

func (m *Memory) CloseRun(_ context.Context, run *types.RunRecord) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    stored, ok := m.runs[run.ID]
    if !ok {
        return fmt.Errorf("close run %s: unknown run", run.ID)
    }
    if stored.FinishedAt != nil {
        return ErrRunClosed
    }
    if run.FinishedAt == nil {
        t := time.Now().UTC()
        run.FinishedAt = &t
    }
    m.runs[run.ID] = *run
    return nil
}

func (m *Memory) Audit(_ context.Context, e types.AuditEntry) error {
    prepareEntry(&e)
    m.mu.Lock()
    defer m.mu.Unlock()
    m.entries = append(m.entries, e)
    return nil
}

func (m *Memory) Runs() []types.RunRecord {
    m.mu.Lock()
    defer m.mu.Unlock()
    out := make([]types.RunRecord, 0, len(m.order))
    for _, id := range m.order {
        out = append(out, m.runs[id])
    }
    return out
}

func (m *Memory) Entries() []types.AuditEntry {
    m.mu.Lock()
    defer m.mu.Unlock()
    return append([]types.AuditEntry(nil), m.entries...)
}

// Actions lists entry actions in append order.
func (m *Memory) Actions() []string {
    m.mu.Lock()
    defer m.mu.Unlock()
    out := make([]string, 0, len(m.entries))
    for _, e := range m.entries {
        out = append(out, e.Action)
    }
    return out
}
