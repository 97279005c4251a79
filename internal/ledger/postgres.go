package ledger

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    "github.com/jackc/pgx/v5/pgxpool"

    "supplier-sync/internal/types"
)

type PGLedger struct {
    DB *pgxpool.Pool
}

func NewPG(db *pgxpool.Pool) *PGLedger { return &PGLedger{DB: db} }

func (l *PGLedger) OpenRun(ctx context.Context, supplierID string, trigger types.RunTrigger) (*types.RunRecord, error) {
    run := newRun(supplierID, trigger, time.Now())
    _, err := l.DB.Exec(ctx, `
        INSERT INTO sync_run (run_id, supplier_id, trigger, status, started_at)
        VALUES ($1::uuid, $2, $3, $4, $5)
    `, run.ID, run.SupplierID, string(run.Trigger), string(run.Status), run.StartedAt)
    if err != nil {
        return nil, fmt.Errorf("open run: %w", err)
    }
    return run, nil
}

// CloseRun writes the terminal state. The finished_at guard makes a second close a no-op error.
func (l *PGLedger) CloseRun(ctx context.Context, run *types.RunRecord) error {
    if run.FinishedAt == nil {
        t := time.Now().UTC()
        run.FinishedAt = &t
    }
    cmd, err := l.DB.Exec(ctx, `
        UPDATE sync_run
        SET status=$2, finished_at=$3, inserted=$4, updated=$5, failed=$6, expired=$7, error=$8
        WHERE run_id=$1::uuid AND finished_at IS NULL
    `, run.ID, string(run.Status), *run.FinishedAt, run.Inserted, run.Updated, run.Failed, run.Expired, run.Error)
    if err != nil {
        return fmt.Errorf("close run %s: %w", run.ID, err)
    }
    if cmd.RowsAffected() == 0 {
        return ErrRunClosed
    }
    return nil
}

func (l *PGLedger) Audit(ctx context.Context, e types.AuditEntry) error {
    prepareEntry(&e)
    meta, err := json.Marshal(e.Metadata)
    if err != nil {
        return fmt.Errorf("audit metadata: %w", err)
    }
    _, err = l.DB.Exec(ctx, `
        INSERT INTO audit_log (audit_id, supplier_id, action, status_code, run_id, metadata, created_at)
        VALUES ($1::uuid, $2, $3, $4, $5::uuid, $6::jsonb, $7)
    `, e.ID, nullableString(e.SupplierID), e.Action, e.StatusCode, e.RunID, string(meta), e.CreatedAt)
    if err != nil {
        return fmt.Errorf("insert audit: %w", err)
    }
    return nil
}

// PruneAudit deletes audit rows older than cutoff and returns how many went away.
func (l *PGLedger) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
    cmd, err := l.DB.Exec(ctx, `DELETE FROM audit_log WHERE created_at < $1`, cutoff)
    if err != nil {
        return 0, fmt.Errorf("prune audit: %w", err)
    }
    return cmd.RowsAffected(), nil
}

func nullableString(s string) *string {
    if s == "" {
        return nil
    }
    return &s
}
