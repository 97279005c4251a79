// Package pull fetches supplier inventory page by page and reconciles it into
// the canonical offer store.
package pull

import (
    "context"
    "errors"
    "fmt"
    "math"
    "sync"
    "time"

    "github.com/rs/zerolog"

    "supplier-sync/internal/backoff"
    "supplier-sync/internal/ledger"
    "supplier-sync/internal/metrics"
    "supplier-sync/internal/normalize"
    "supplier-sync/internal/secrets"
    "supplier-sync/internal/supplierapi"
    "supplier-sync/internal/types"
)

var (
    ErrNotPullable    = errors.New("supplier is not active or has no pull endpoint")
    ErrSyncInProgress = errors.New("sync already running for supplier")
)

type SupplierSource interface {
    GetSupplier(ctx context.Context, id string) (types.Supplier, error)
    ListPullable(ctx context.Context) ([]types.Supplier, error)
}

type OfferStore interface {
    Upsert(ctx context.Context, o types.NormalizedOffer) (inserted bool, err error)
    ExpireMissing(ctx context.Context, supplierID string, seen []string) (int64, error)
}

type Fetcher interface {
    FetchPage(ctx context.Context, s types.Supplier, creds secrets.Credentials, page, limit int) (supplierapi.Page, error)
}

type Config struct {
    PageSize           int
    MaxPages           int
    InterPageDelay     time.Duration
    InterSupplierDelay time.Duration
}

func DefaultConfig() Config {
    return Config{
        PageSize:           100,
        MaxPages:           50,
        InterPageDelay:     500 * time.Millisecond,
        InterSupplierDelay: 2 * time.Second,
    }
}

type Result struct {
    SupplierID  string          `json:"supplierId"`
    RunID       string          `json:"runId,omitempty"`
    Success     bool            `json:"success"`
    Status      types.RunStatus `json:"status"`
    Inserted    int             `json:"inserted"`
    Updated     int             `json:"updated"`
    Failed      int             `json:"failed"`
    Expired     int             `json:"expired"`
    Pages       int             `json:"pages"`
    Skipped     bool            `json:"skipped,omitempty"`
    RateLimited bool            `json:"rateLimited,omitempty"`
    RetryAfter  time.Duration   `json:"-"`
    Error       string          `json:"error,omitempty"`
}

type Summary struct {
    Total          int      `json:"total"`
    Successful     int      `json:"successful"`
    Failed         int      `json:"failed"`
    SkippedBackoff int      `json:"skippedBackoff"`
    Results        []Result `json:"results"`
}

type Engine struct {
    Suppliers SupplierSource
    Offers    OfferStore
    Fetcher   Fetcher
    Backoff   backoff.Store
    Secrets   secrets.Decrypter
    Ledger    ledger.Ledger
    Metrics   *metrics.Metrics
    Logger    zerolog.Logger
    Config    Config

    now   func() time.Time
    sleep func(ctx context.Context, d time.Duration) error

    mu       sync.Mutex
    inflight map[string]struct{}
}

func New(suppliers SupplierSource, offers OfferStore, fetcher Fetcher, bo backoff.Store, dec secrets.Decrypter, l ledger.Ledger, m *metrics.Metrics, logger zerolog.Logger, cfg Config) *Engine {
    def := DefaultConfig()
    if cfg.PageSize <= 0 { cfg.PageSize = def.PageSize }
    if cfg.MaxPages <= 0 { cfg.MaxPages = def.MaxPages }
    if cfg.InterPageDelay < 0 { cfg.InterPageDelay = 0 }
    if cfg.InterSupplierDelay < 0 { cfg.InterSupplierDelay = 0 }
    return &Engine{
        Suppliers: suppliers,
        Offers:    offers,
        Fetcher:   fetcher,
        Backoff:   bo,
        Secrets:   dec,
        Ledger:    l,
        Metrics:   m,
        Logger:    logger.With().Str("component", "pull").Logger(),
        Config:    cfg,
        now:       time.Now,
        sleep:     sleepCtx,
        inflight:  make(map[string]struct{}),
    }
}

// WithClock replaces the time source and the pause function; used by tests.
func (e *Engine) WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) *Engine {
    if now != nil { e.now = now }
    if sleep != nil { e.sleep = sleep }
    return e
}

// SyncSupplier runs one pull for a single supplier. The returned error is set only
// when no run could be attempted; fetch and record failures land in the Result.
func (e *Engine) SyncSupplier(ctx context.Context, supplierID string, trigger types.RunTrigger) (Result, error) {
    s, err := e.Suppliers.GetSupplier(ctx, supplierID)
    if err != nil {
        return Result{SupplierID: supplierID}, fmt.Errorf("load supplier %s: %w", supplierID, err)
    }
    if !s.CanPull() {
        return Result{SupplierID: supplierID}, ErrNotPullable
    }
    return e.sync(ctx, s, trigger)
}

// SyncAll pulls every active pull-capable supplier one after another.
func (e *Engine) SyncAll(ctx context.Context) (Summary, error) {
    list, err := e.Suppliers.ListPullable(ctx)
    if err != nil {
        return Summary{}, fmt.Errorf("list pullable suppliers: %w", err)
    }
    sum := Summary{Total: len(list)}
    for i, s := range list {
        if i > 0 {
            if err := e.sleep(ctx, e.Config.InterSupplierDelay); err != nil {
                return sum, err
            }
        }
        res, err := e.sync(ctx, s, types.TriggerPull)
        if err != nil {
            e.Logger.Error().Err(err).Str("supplier_id", s.ID).Msg("sync_supplier_error")
            if res.Error == "" { res.Error = err.Error() }
        }
        switch {
        case res.Skipped:
            sum.SkippedBackoff++
        case res.Success:
            sum.Successful++
        default:
            sum.Failed++
        }
        sum.Results = append(sum.Results, res)
    }
    e.Logger.Info().Int("total", sum.Total).Int("successful", sum.Successful).
        Int("failed", sum.Failed).Int("skipped_backoff", sum.SkippedBackoff).Msg("sync_all_done")
    return sum, nil
}

func (e *Engine) acquire(id string) bool {
    e.mu.Lock()
    defer e.mu.Unlock()
    if _, busy := e.inflight[id]; busy {
        return false
    }
    e.inflight[id] = struct{}{}
    return true
}

func (e *Engine) release(id string) {
    e.mu.Lock()
    delete(e.inflight, id)
    e.mu.Unlock()
}

func (e *Engine) sync(ctx context.Context, s types.Supplier, trigger types.RunTrigger) (Result, error) {
    res := Result{SupplierID: s.ID}
    if !e.acquire(s.ID) {
        return res, ErrSyncInProgress
    }
    defer e.release(s.ID)
    log := e.Logger.With().Str("supplier_id", s.ID).Str("trigger", string(trigger)).Logger()
    start := e.now()

    state, found, err := e.Backoff.Get(ctx, s.ID)
    if err != nil {
        log.Error().Err(err).Msg("backoff_read_error")
    } else if found && state.Active(start) {
        res.Skipped, res.RateLimited, res.Status = true, true, types.RunRateLimited
        res.RetryAfter = state.Remaining(start)
        res.Error = retryMessage(res.RetryAfter)
        log.Info().Dur("retry_after", res.RetryAfter).Msg("sync_skipped_backoff")
        e.audit(ctx, s.ID, types.ActionSyncRateLimited, 429, nil, map[string]any{
            "trigger": string(trigger), "skipped": true, "retryAfterSeconds": seconds(res.RetryAfter), "attempt": state.AttemptCount,
        })
        e.Metrics.SyncRun(string(types.RunRateLimited), s.ID, 0)
        return res, nil
    }

    creds, err := e.credentials(s)
    if err != nil {
        res.Status, res.Error = types.RunFailed, "credentials unavailable"
        log.Error().Err(err).Msg("sync_credentials_error")
        e.audit(ctx, s.ID, types.ActionSyncFailed, 500, nil, map[string]any{"trigger": string(trigger), "reason": "credentials"})
        e.Metrics.SyncRun(string(types.RunFailed), s.ID, 0)
        return res, err
    }

    run, err := e.Ledger.OpenRun(ctx, s.ID, trigger)
    if err != nil {
        return res, fmt.Errorf("open run: %w", err)
    }
    res.RunID = run.ID

    raws, fetched := e.fetchAll(ctx, log, s, creds)
    res.Pages = fetched.pages
    if fetched.rateLimited != nil {
        res.RateLimited = true
        res.RetryAfter = e.recordHit(ctx, log, s.ID, state, fetched.rateLimited.RetryAfter)
    } else if fetched.err == nil && found {
        if err := e.Backoff.Clear(ctx, s.ID); err != nil {
            log.Error().Err(err).Msg("backoff_clear_error")
        }
    }

    batch := normalize.NormalizeBatch(raws, s.ID)
    res.Failed = len(batch.Failed)
    for _, f := range batch.Failed {
        id, _ := normalize.ExtractVendorOfferID(f.Input)
        log.Warn().Str("vendor_offer_id", id).Err(f.Err).Msg("normalize_rejected")
    }
    seen := make([]string, 0, len(batch.Successful))
    for _, o := range batch.Successful {
        seen = append(seen, o.VendorOfferID)
        inserted, err := e.Offers.Upsert(ctx, o)
        if err != nil {
            res.Failed++
            log.Error().Err(err).Str("vendor_offer_id", o.VendorOfferID).Msg("offer_upsert_error")
            continue
        }
        if inserted {
            res.Inserted++
        } else {
            res.Updated++
        }
    }

    if fetched.complete {
        n, err := e.Offers.ExpireMissing(ctx, s.ID, seen)
        if err != nil {
            log.Error().Err(err).Msg("reconcile_error")
        }
        res.Expired = int(n)
    } else {
        log.Info().Int("pages", fetched.pages).Msg("reconcile_skipped_incomplete")
    }

    switch {
    case res.RateLimited:
        res.Status, res.Error = types.RunRateLimited, retryMessage(res.RetryAfter)
    case fetched.err != nil && fetched.pages == 0:
        res.Status, res.Error = types.RunFailed, fetched.err.Error()
    case fetched.err != nil:
        res.Status, res.Error = types.RunPartial, fetched.err.Error()
    case res.Failed > 0:
        res.Status = types.RunPartial
    default:
        res.Status = types.RunSuccess
    }
    res.Success = res.Status == types.RunSuccess || res.Status == types.RunPartial
    elapsed := e.now().Sub(start)

    finished := e.now().UTC()
    run.FinishedAt = &finished
    run.Inserted, run.Updated, run.Failed, run.Expired, run.Status = res.Inserted, res.Updated, res.Failed, res.Expired, res.Status
    if res.Error != "" {
        msg := res.Error
        run.Error = &msg
    }
    if err := e.Ledger.CloseRun(ctx, run); err != nil {
        log.Error().Err(err).Str("run_id", run.ID).Msg("run_close_error")
    }

    action, code := types.ActionSyncCompleted, 200
    switch res.Status {
    case types.RunRateLimited:
        action, code = types.ActionSyncRateLimited, 429
    case types.RunFailed:
        action, code = types.ActionSyncFailed, 502
    }
    meta := map[string]any{
        "trigger": string(trigger), "status": string(res.Status), "pages": res.Pages,
        "inserted": res.Inserted, "updated": res.Updated, "failed": res.Failed, "expired": res.Expired,
        "elapsedMs": elapsed.Milliseconds(),
    }
    if res.Error != "" { meta["error"] = res.Error }
    e.audit(ctx, s.ID, action, code, &run.ID, meta)

    e.Metrics.SyncRun(string(res.Status), s.ID, elapsed)
    e.Metrics.Records("pull", "inserted", res.Inserted)
    e.Metrics.Records("pull", "updated", res.Updated)
    e.Metrics.Records("pull", "failed", res.Failed)
    e.Metrics.Records("pull", "expired", res.Expired)

    log.Info().Str("run_id", run.ID).Str("status", string(res.Status)).Int("pages", res.Pages).
        Int("inserted", res.Inserted).Int("updated", res.Updated).Int("failed", res.Failed).
        Int("expired", res.Expired).Dur("elapsed", elapsed).Msg("sync_done")
    return res, nil
}

type fetchOutcome struct {
    pages       int
    complete    bool
    rateLimited *supplierapi.RateLimitedError
    err         error
}

func (e *Engine) fetchAll(ctx context.Context, log zerolog.Logger, s types.Supplier, creds secrets.Credentials) ([]map[string]any, fetchOutcome) {
    var out fetchOutcome
    var raws []map[string]any
    for page := 1; page <= e.Config.MaxPages; page++ {
        if page > 1 {
            if err := e.sleep(ctx, e.Config.InterPageDelay); err != nil {
                out.err = err
                return raws, out
            }
        }
        p, err := e.Fetcher.FetchPage(ctx, s, creds, page, e.Config.PageSize)
        if err != nil {
            var rl *supplierapi.RateLimitedError
            if errors.As(err, &rl) {
                out.rateLimited = rl
                log.Warn().Int("page", page).Dur("retry_after", rl.RetryAfter).Msg("sync_rate_limited")
                return raws, out
            }
            out.err = err
            log.Warn().Err(err).Int("page", page).Msg("sync_page_error")
            return raws, out
        }
        out.pages++
        raws = append(raws, p.Records...)
        if len(p.Records) < e.Config.PageSize {
            out.complete = true
            return raws, out
        }
        if p.HasMore != nil && !*p.HasMore {
            out.complete = true
            return raws, out
        }
        if p.Total != nil && len(raws) >= *p.Total {
            out.complete = true
            return raws, out
        }
    }
    log.Warn().Int("max_pages", e.Config.MaxPages).Msg("sync_page_ceiling")
    return raws, out
}

func (e *Engine) credentials(s types.Supplier) (secrets.Credentials, error) {
    if len(s.EncryptedCredentials) == 0 {
        return secrets.Credentials{}, nil
    }
    if e.Secrets == nil {
        return secrets.Credentials{}, errors.New("no credentials key configured")
    }
    c, err := e.Secrets.Decrypt(s.EncryptedCredentials)
    if errors.Is(err, secrets.ErrNoCredentials) {
        return secrets.Credentials{}, nil
    }
    return c, err
}

// recordHit persists one more rate-limit hit and returns the wait it imposes.
func (e *Engine) recordHit(ctx context.Context, log zerolog.Logger, supplierID string, prev backoff.State, retryAfter time.Duration) time.Duration {
    now := e.now()
    next := backoff.Next(prev, retryAfter, now)
    if err := e.Backoff.Set(ctx, supplierID, next); err != nil {
        log.Error().Err(err).Msg("backoff_write_error")
    }
    return next.RetryUntil.Sub(now)
}

func (e *Engine) audit(ctx context.Context, supplierID, action string, code int, runID *string, meta map[string]any) {
    err := e.Ledger.Audit(ctx, types.AuditEntry{
        SupplierID: supplierID,
        Action:     action,
        StatusCode: code,
        RunID:      runID,
        Metadata:   meta,
        CreatedAt:  e.now().UTC(),
    })
    if err != nil {
        e.Logger.Error().Err(err).Str("supplier_id", supplierID).Str("action", action).Msg("audit_write_error")
    }
}

func retryMessage(d time.Duration) string {
    return fmt.Sprintf("rate limited, retry after %d seconds", seconds(d))
}

func seconds(d time.Duration) int {
    s := int(math.Ceil(d.Seconds()))
    if s < 1 { return 1 }
    return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
    if d <= 0 {
        return ctx.Err()
    }
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return ctx.Err()
    case <-t.C:
        return nil
    }
}
