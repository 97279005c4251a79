// Package worker drives scheduled pulls and periodic housekeeping.
package worker

import (
    "context"
    "fmt"
    "sync/atomic"
    "time"

    "github.com/robfig/cron"
    "github.com/rs/zerolog"

    "supplier-sync/internal/backoff"
    "supplier-sync/internal/pull"
)

const (
    windowPruneSpec  = "@every 1m"
    housekeepingSpec = "@hourly"
    backoffIdle      = 24 * time.Hour
)

type Syncer interface {
    SyncAll(ctx context.Context) (pull.Summary, error)
}

type AuditPruner interface {
    PruneAudit(ctx context.Context, cutoff time.Time) (int64, error)
}

type WindowPruner interface {
    Prune(ctx context.Context) error
}

type Worker struct {
    Syncer    Syncer
    Audit     AuditPruner
    Windows   WindowPruner
    Backoff   backoff.Store
    Schedule  string
    Retention time.Duration
    Logger    zerolog.Logger

    syncing atomic.Bool
    now     func() time.Time
}

func New(s Syncer, audit AuditPruner, windows WindowPruner, bo backoff.Store, schedule string, retentionDays int, logger zerolog.Logger) *Worker {
    if retentionDays <= 0 { retentionDays = 30 }
    return &Worker{
        Syncer:    s,
        Audit:     audit,
        Windows:   windows,
        Backoff:   bo,
        Schedule:  schedule,
        Retention: time.Duration(retentionDays) * 24 * time.Hour,
        Logger:    logger.With().Str("component", "worker").Logger(),
        now:       time.Now,
    }
}

// ValidateSchedule reports whether schedule is accepted by the scheduler.
func ValidateSchedule(schedule string) error {
    if _, err := cron.Parse(schedule); err != nil {
        return fmt.Errorf("sync schedule %q: %w", schedule, err)
    }
    return nil
}

// Run blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
    if err := ValidateSchedule(w.Schedule); err != nil {
        return err
    }
    c := cron.New()
    if err := c.AddFunc(w.Schedule, func() { w.SyncOnce(ctx) }); err != nil {
        return fmt.Errorf("add sync job: %w", err)
    }
    if err := c.AddFunc(windowPruneSpec, func() { w.pruneWindows(ctx) }); err != nil {
        return fmt.Errorf("add prune job: %w", err)
    }
    if err := c.AddFunc(housekeepingSpec, func() { w.Housekeep(ctx) }); err != nil {
        return fmt.Errorf("add housekeeping job: %w", err)
    }
    w.Logger.Info().Str("schedule", w.Schedule).Dur("retention", w.Retention).Msg("worker_start")
    c.Start()
    <-ctx.Done()
    c.Stop()
    w.Logger.Info().Msg("worker_stop")
    return ctx.Err()
}

// SyncOnce runs the multi-supplier pull unless a previous one is still going.
func (w *Worker) SyncOnce(ctx context.Context) bool {
    if !w.syncing.CompareAndSwap(false, true) {
        w.Logger.Warn().Msg("sync_skipped_overlap")
        return false
    }
    defer w.syncing.Store(false)
    start := w.now()
    sum, err := w.Syncer.SyncAll(ctx)
    if err != nil {
        w.Logger.Error().Err(err).Msg("sync_all_error")
        return true
    }
    w.Logger.Info().Int("total", sum.Total).Int("successful", sum.Successful).Int("failed", sum.Failed).
        Int("skipped_backoff", sum.SkippedBackoff).Dur("elapsed", w.now().Sub(start)).Msg("sync_tick")
    return true
}

func (w *Worker) pruneWindows(ctx context.Context) {
    if w.Windows == nil { return }
    if err := w.Windows.Prune(ctx); err != nil {
        w.Logger.Error().Err(err).Msg("window_prune_error")
    }
}

// Housekeep drops audit rows past retention and forgets idle backoff state.
func (w *Worker) Housekeep(ctx context.Context) {
    now := w.now()
    if w.Audit != nil {
        n, err := w.Audit.PruneAudit(ctx, now.Add(-w.Retention))
        if err != nil {
            w.Logger.Error().Err(err).Msg("housekeeping_error")
        } else if n > 0 {
            w.Logger.Info().Int64("rows", n).Msg("housekeeping_deleted")
        }
    }
    if w.Backoff != nil {
        if err := w.Backoff.Prune(ctx, now.Add(-backoffIdle)); err != nil {
            w.Logger.Error().Err(err).Msg("backoff_prune_error")
        }
    }
}
