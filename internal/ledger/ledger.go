// Package ledger records sync/webhook runs and the audit trail of every
// admission decision and ingestion attempt.
package ledger

import (
    "context"
    "errors"
    "time"

    "github.com/gofrs/uuid/v5"

    "supplier-sync/internal/types"
)

var ErrRunClosed = errors.New("run already closed")

type Auditor interface {
    Audit(ctx context.Context, e types.AuditEntry) error
}

// Ledger opens and closes runs and appends audit entries. A run is opened in
// status running and closed exactly once.
type Ledger interface {
    Auditor
    OpenRun(ctx context.Context, supplierID string, trigger types.RunTrigger) (*types.RunRecord, error)
    CloseRun(ctx context.Context, run *types.RunRecord) error
}

func newRun(supplierID string, trigger types.RunTrigger, now time.Time) *types.RunRecord {
    return &types.RunRecord{
        ID:         uuid.Must(uuid.NewV4()).String(),
        SupplierID: supplierID,
        Trigger:    trigger,
        StartedAt:  now.UTC(),
        Status:     types.RunRunning,
    }
}

func prepareEntry(e *types.AuditEntry) {
    if e.ID == "" {
        e.ID = uuid.Must(uuid.NewV4()).String()
    }
    if e.CreatedAt.IsZero() {
        e.CreatedAt = time.Now().UTC()
    }
}

// Multi fans audit entries out to several sinks. Runs live in the primary ledger.
type Multi struct {
    Primary Ledger
    Sinks   []Auditor
    OnError func(error)
}

func (m *Multi) OpenRun(ctx context.Context, supplierID string, trigger types.RunTrigger) (*types.RunRecord, error) {
    return m.Primary.OpenRun(ctx, supplierID, trigger)
}

func (m *Multi) CloseRun(ctx context.Context, run *types.RunRecord) error {
    return m.Primary.CloseRun(ctx, run)
}

func (m *Multi) Audit(ctx context.Context, e types.AuditEntry) error {
    prepareEntry(&e)
    if err := m.Primary.Audit(ctx, e); err != nil {
        return err
    }
    for _, s := range m.Sinks {
        if err := s.Audit(ctx, e); err != nil && m.OnError != nil {
            m.OnError(err)
        }
    }
    return nil
}
