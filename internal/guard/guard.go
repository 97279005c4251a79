// Package guard implements the admission checks applied to every inbound
// supplier call before any supplier-specific work runs.
package guard

import (
    "context"
    "encoding/json"
    "math"
    "net/http"
    "strconv"
    "time"

    "github.com/rs/zerolog"

    "supplier-sync/internal/ledger"
    "supplier-sync/internal/metrics"
    "supplier-sync/internal/types"
)

type Decision struct {
    Allowed    bool
    Status     int
    Reason     string
    IP         string
    Limit      int
    Count      int
    ResetAt    time.Time
    RetryAfter time.Duration
}

type Guard struct {
    window  Window
    audit   ledger.Auditor
    metrics *metrics.Metrics
    logger  zerolog.Logger
    now     func() time.Time
}

func New(window Window, audit ledger.Auditor, m *metrics.Metrics, logger zerolog.Logger) *Guard {
    return &Guard{window: window, audit: audit, metrics: m, logger: logger, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (g *Guard) WithClock(now func() time.Time) *Guard {
    g.now = now
    return g
}

// Admit runs the IP allow-list and then the per-minute limit. Every outcome is audited.
func (g *Guard) Admit(ctx context.Context, s types.Supplier, ip, path string) Decision {
    d := Decision{Allowed: true, Status: http.StatusOK, IP: ip}

    if !IPAllowed(ip, s.IPAllowList) {
        d.Allowed, d.Status, d.Reason = false, http.StatusForbidden, "ip not allowed"
        g.record(ctx, s.ID, types.ActionIPBlocked, d.Status, map[string]any{
            "ip": ip, "allowList": s.IPAllowList, "path": path,
        })
        g.metrics.Admission("ip", "blocked")
        return d
    }
    g.record(ctx, s.ID, types.ActionIPAllowed, d.Status, map[string]any{
        "ip": ip, "allowListSize": len(s.IPAllowList), "path": path,
    })
    g.metrics.Admission("ip", "allowed")

    if s.RateLimitPerMinute == nil || *s.RateLimitPerMinute <= 0 {
        g.record(ctx, s.ID, types.ActionRateAllowed, d.Status, map[string]any{
            "ip": ip, "limit": nil, "path": path,
        })
        g.metrics.Admission("rate", "unlimited")
        return d
    }

    now := g.now()
    minute := MinuteEpoch(now)
    d.Limit = *s.RateLimitPerMinute
    d.ResetAt = MinuteStart(minute + 1)
    d.RetryAfter = d.ResetAt.Sub(now)

    count, allowed, err := g.window.Take(ctx, s.ID, minute, d.Limit)
    if err != nil {
        // fail open
        g.logger.Error().Err(err).Str("supplier_id", s.ID).Msg("rate_window_error")
        g.metrics.Admission("rate", "error")
        return d
    }
    d.Count = count
    meta := map[string]any{
        "ip": ip, "limit": d.Limit, "count": count, "resetAt": d.ResetAt.Format(time.RFC3339), "path": path,
    }
    if !allowed {
        d.Allowed, d.Status, d.Reason = false, http.StatusTooManyRequests, "rate limit exceeded"
        g.record(ctx, s.ID, types.ActionRateLimited, d.Status, meta)
        g.metrics.Admission("rate", "limited")
        return d
    }
    g.record(ctx, s.ID, types.ActionRateAllowed, d.Status, meta)
    g.metrics.Admission("rate", "allowed")
    return d
}

// Prune drops rate buckets that fell out of the retained trailing window.
func (g *Guard) Prune(ctx context.Context) error {
    return g.window.Prune(ctx, MinuteEpoch(g.now())-RetainMinutes)
}

func (g *Guard) record(ctx context.Context, supplierID, action string, status int, meta map[string]any) {
    err := g.audit.Audit(ctx, types.AuditEntry{
        SupplierID: supplierID,
        Action:     action,
        StatusCode: status,
        Metadata:   meta,
        CreatedAt:  g.now().UTC(),
    })
    if err != nil {
        g.logger.Error().Err(err).Str("supplier_id", supplierID).Str("action", action).Msg("audit_write_error")
    }
}

// SetRateHeaders publishes the X-RateLimit-* headers when a limit applies.
func SetRateHeaders(w http.ResponseWriter, d Decision) {
    if d.Limit <= 0 {
        return
    }
    remaining := d.Limit - d.Count
    if remaining < 0 { remaining = 0 }
    w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
    w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
    w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// WriteRejection answers a refused admission with the decision's status.
func WriteRejection(w http.ResponseWriter, d Decision) {
    SetRateHeaders(w, d)
    body := map[string]any{"success": false, "message": d.Reason}
    if d.Status == http.StatusTooManyRequests {
        secs := int(math.Ceil(d.RetryAfter.Seconds()))
        if secs < 1 { secs = 1 }
        w.Header().Set("Retry-After", strconv.Itoa(secs))
        body["limit"] = d.Limit
        body["count"] = d.Count
        body["resetAt"] = d.ResetAt.Format(time.RFC3339)
    }
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(d.Status)
    _ = json.NewEncoder(w).Encode(body)
}
