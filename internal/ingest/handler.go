// Package ingest assembles the HTTP surface: the supplier webhook, the admin
// pull trigger, health and metrics.
package ingest

import (
    "context"
    "encoding/json"
    "errors"
    "math"
    "net/http"
    "net/netip"
    "strconv"
    "strings"
    "time"

    "github.com/go-chi/chi/v5"
    "github.com/go-chi/chi/v5/middleware"
    "github.com/rs/zerolog"

    "supplier-sync/internal/guard"
    "supplier-sync/internal/pull"
    "supplier-sync/internal/store"
    "supplier-sync/internal/types"
)

type Syncer interface {
    SyncSupplier(ctx context.Context, supplierID string, trigger types.RunTrigger) (pull.Result, error)
}

type SupplierSource interface {
    GetSupplier(ctx context.Context, id string) (types.Supplier, error)
}

type Admitter interface {
    Admit(ctx context.Context, s types.Supplier, ip, path string) guard.Decision
}

type Server struct {
    Webhook    http.Handler
    Syncer     Syncer
    Suppliers  SupplierSource
    Guard      Admitter
    Metrics    http.Handler
    Health     func(ctx context.Context) error
    Logger     zerolog.Logger
    AdminToken string

    TrustedProxies []netip.Prefix
}

func (s *Server) Router() http.Handler {
    r := chi.NewRouter()
    r.Use(middleware.RequestID)
    r.Use(middleware.Recoverer)
    r.Use(s.accessLog)

    r.Get("/healthz", s.healthz)
    if s.Metrics != nil {
        r.Method(http.MethodGet, "/metrics", s.Metrics)
    }
    if s.Webhook != nil {
        r.Method(http.MethodPost, "/suppliers/{supplierID}/webhook", s.Webhook)
    }
    if s.AdminToken != "" && s.Syncer != nil {
        r.Post("/admin/suppliers/{supplierID}/sync", s.adminSync)
    }
    return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
    if s.Health != nil {
        if err := s.Health(r.Context()); err != nil {
            s.Logger.Error().Err(err).Msg("health_check_failed")
            http.Error(w, "unhealthy", http.StatusServiceUnavailable)
            return
        }
    }
    w.WriteHeader(200)
    _, _ = w.Write([]byte("ok"))
}

func (s *Server) checkAdmin(w http.ResponseWriter, r *http.Request) bool {
    if s.AdminToken == "" { return false }
    auth := r.Header.Get("Authorization")
    if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
        tok := strings.TrimSpace(auth[7:])
        if tok == s.AdminToken { return true }
    }
    w.Header().Set("WWW-Authenticate", "Bearer")
    http.Error(w, "unauthorized", http.StatusUnauthorized)
    return false
}

// syncResponse is the trigger contract consumed by schedulers.
type syncResponse struct {
    Success  bool   `json:"success"`
    Inserted int    `json:"inserted"`
    Updated  int    `json:"updated"`
    Failed   int    `json:"failed"`
    Expired  int    `json:"expired"`
    RunID    string `json:"runId,omitempty"`
    Error    string `json:"error,omitempty"`
}

// POST /admin/suppliers/{supplierID}/sync
func (s *Server) adminSync(w http.ResponseWriter, r *http.Request) {
    if !s.checkAdmin(w, r) { return }
    ctx := r.Context()
    id := chi.URLParam(r, "supplierID")

    sup, err := s.Suppliers.GetSupplier(ctx, id)
    if err != nil {
        if errors.Is(err, store.ErrNotFound) {
            writeJSON(w, http.StatusNotFound, syncResponse{Error: "unknown supplier"})
            return
        }
        s.Logger.Error().Err(err).Str("supplier_id", id).Msg("supplier_lookup_error")
        writeJSON(w, http.StatusInternalServerError, syncResponse{Error: "internal error"})
        return
    }
    d := s.Guard.Admit(ctx, sup, guard.ClientIP(r, s.TrustedProxies), r.URL.Path)
    if !d.Allowed {
        guard.WriteRejection(w, d)
        return
    }
    guard.SetRateHeaders(w, d)

    res, err := s.Syncer.SyncSupplier(ctx, id, types.TriggerManual)
    if err != nil {
        switch {
        case errors.Is(err, pull.ErrNotPullable):
            writeJSON(w, http.StatusConflict, syncResponse{Error: err.Error()})
        case errors.Is(err, pull.ErrSyncInProgress):
            writeJSON(w, http.StatusConflict, syncResponse{Error: err.Error()})
        default:
            s.Logger.Error().Err(err).Str("supplier_id", id).Msg("admin_sync_error")
            writeJSON(w, http.StatusInternalServerError, syncResponse{Error: "sync failed"})
        }
        return
    }
    out := syncResponse{
        Success:  res.Success,
        Inserted: res.Inserted,
        Updated:  res.Updated,
        Failed:   res.Failed,
        Expired:  res.Expired,
        RunID:    res.RunID,
        Error:    res.Error,
    }
    status := http.StatusOK
    switch {
    case res.RateLimited:
        secs := int(math.Ceil(res.RetryAfter.Seconds()))
        if secs < 1 { secs = 1 }
        w.Header().Set("Retry-After", strconv.Itoa(secs))
        status = http.StatusTooManyRequests
    case !res.Success:
        status = http.StatusBadGateway
    }
    writeJSON(w, status, out)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
        next.ServeHTTP(ww, r)
        if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
            return
        }
        s.Logger.Info().
            Str("method", r.Method).
            Str("path", r.URL.Path).
            Int("status", ww.Status()).
            Int("bytes", ww.BytesWritten()).
            Str("request_id", middleware.GetReqID(r.Context())).
            Dur("elapsed", time.Since(start)).
            Msg("http_request")
    })
}

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(v)
}
