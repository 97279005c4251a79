// Package webhook receives signed offer events pushed by suppliers.
package webhook

import (
    "context"
    "crypto/hmac"
    "crypto/sha256"
    "encoding/hex"
    "encoding/json"
    "errors"
    "io"
    "net/http"
    "net/netip"
    "strings"
    "time"

    "github.com/go-chi/chi/v5"
    "github.com/rs/zerolog"

    "supplier-sync/internal/guard"
    "supplier-sync/internal/ledger"
    "supplier-sync/internal/metrics"
    "supplier-sync/internal/normalize"
    "supplier-sync/internal/store"
    "supplier-sync/internal/types"
)

const (
    SignatureHeader     = "X-Signature"
    DefaultMaxBodyBytes = 1 << 20
)

type Event string

const (
    EventCreated Event = "offer.created"
    EventUpdated Event = "offer.updated"
    EventDeleted Event = "offer.deleted"
    EventExpired Event = "offer.expired"
)

func (e Event) Valid() bool {
    switch e {
    case EventCreated, EventUpdated, EventDeleted, EventExpired:
        return true
    }
    return false
}

// eventLabel keeps metric labels to the known event set.
func eventLabel(event string) string {
    if event == "" || Event(event).Valid() {
        return event
    }
    return "unknown"
}

type SupplierSource interface {
    GetSupplier(ctx context.Context, id string) (types.Supplier, error)
}

type OfferStore interface {
    Upsert(ctx context.Context, o types.NormalizedOffer) (inserted bool, err error)
    MarkStatus(ctx context.Context, supplierID, vendorOfferID string, status types.OfferStatus) (int64, error)
}

type Admitter interface {
    Admit(ctx context.Context, s types.Supplier, ip, path string) guard.Decision
}

type Payload struct {
    Event     Event          `json:"event"`
    Timestamp any            `json:"timestamp,omitempty"`
    Data      map[string]any `json:"data"`
}

type Outcome struct {
    Inserted *int `json:"inserted,omitempty"`
    Updated  *int `json:"updated,omitempty"`
    Failed   *int `json:"failed,omitempty"`
}

type Receiver struct {
    Suppliers    SupplierSource
    Offers       OfferStore
    Guard        Admitter
    Ledger       ledger.Ledger
    Metrics      *metrics.Metrics
    Logger       zerolog.Logger
    MaxBodyBytes int64

    // peers allowed to set X-Forwarded-For
    TrustedProxies []netip.Prefix
}

func New(suppliers SupplierSource, offers OfferStore, g Admitter, l ledger.Ledger, m *metrics.Metrics, logger zerolog.Logger, maxBody int64) *Receiver {
    if maxBody <= 0 {
        maxBody = DefaultMaxBodyBytes
    }
    return &Receiver{
        Suppliers:    suppliers,
        Offers:       offers,
        Guard:        g,
        Ledger:       l,
        Metrics:      m,
        Logger:       logger.With().Str("component", "webhook").Logger(),
        MaxBodyBytes: maxBody,
    }
}

func (rc *Receiver) Routes(r chi.Router) {
    r.Post("/suppliers/{supplierID}/webhook", rc.ServeHTTP)
}

// Sign returns the lowercase hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
    mac := hmac.New(sha256.New, []byte(secret))
    mac.Write(body)
    return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares a header value against the signature of body in constant time.
// A "sha256=" prefix on the header is accepted.
func Verify(secret string, body []byte, header string) bool {
    got := strings.ToLower(strings.TrimSpace(header))
    got = strings.TrimPrefix(got, "sha256=")
    if got == "" {
        return false
    }
    return hmac.Equal([]byte(got), []byte(Sign(secret, body)))
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
    ctx := r.Context()
    supplierID := chi.URLParam(r, "supplierID")
    ip := guard.ClientIP(r, rc.TrustedProxies)

    s, err := rc.Suppliers.GetSupplier(ctx, supplierID)
    if err != nil {
        if errors.Is(err, store.ErrNotFound) {
            rc.reject(ctx, w, supplierID, "", http.StatusNotFound, "unknown supplier", nil, map[string]any{"ip": ip})
            return
        }
        rc.Logger.Error().Err(err).Str("supplier_id", supplierID).Msg("supplier_lookup_error")
        rc.fail(ctx, w, supplierID, "", "supplier lookup failed", nil)
        return
    }

    d := rc.Guard.Admit(ctx, s, ip, r.URL.Path)
    if !d.Allowed {
        rc.Metrics.Webhook("", d.Status)
        guard.WriteRejection(w, d)
        return
    }
    guard.SetRateHeaders(w, d)

    if !s.Active {
        rc.reject(ctx, w, s.ID, "", http.StatusForbidden, "supplier inactive", nil, nil)
        return
    }
    if s.Mode == types.ModePull {
        rc.reject(ctx, w, s.ID, "", http.StatusForbidden, "webhook not enabled for supplier", nil, nil)
        return
    }
    if s.WebhookSecret == nil || *s.WebhookSecret == "" {
        rc.reject(ctx, w, s.ID, "", http.StatusForbidden, "webhook secret not configured", nil, nil)
        return
    }
    sig := r.Header.Get(SignatureHeader)
    if strings.TrimSpace(sig) == "" {
        rc.reject(ctx, w, s.ID, "", http.StatusUnauthorized, "missing signature", nil, nil)
        return
    }

    r.Body = http.MaxBytesReader(w, r.Body, rc.MaxBodyBytes)
    body, err := io.ReadAll(r.Body)
    if err != nil {
        var tooLarge *http.MaxBytesError
        if errors.As(err, &tooLarge) {
            rc.reject(ctx, w, s.ID, "", http.StatusRequestEntityTooLarge, "body too large", nil, map[string]any{"limit": rc.MaxBodyBytes})
            return
        }
        rc.reject(ctx, w, s.ID, "", http.StatusBadRequest, "invalid body", nil, nil)
        return
    }
    if !Verify(*s.WebhookSecret, body, sig) {
        rc.reject(ctx, w, s.ID, "", http.StatusUnauthorized, "invalid signature", nil, map[string]any{"bodyBytes": len(body)})
        return
    }

    var p Payload
    if err := json.Unmarshal(body, &p); err != nil {
        rc.reject(ctx, w, s.ID, "", http.StatusBadRequest, "malformed json", nil, nil)
        return
    }
    if !p.Event.Valid() {
        rc.reject(ctx, w, s.ID, string(p.Event), http.StatusBadRequest, "unknown event", nil, map[string]any{"event": string(p.Event)})
        return
    }

    run, err := rc.Ledger.OpenRun(ctx, s.ID, types.TriggerWebhook)
    if err != nil {
        rc.Logger.Error().Err(err).Str("supplier_id", s.ID).Msg("run_open_error")
        rc.fail(ctx, w, s.ID, string(p.Event), "run could not be opened", nil)
        return
    }
    rc.dispatch(ctx, w, s, p, run)
}

func (rc *Receiver) dispatch(ctx context.Context, w http.ResponseWriter, s types.Supplier, p Payload, run *types.RunRecord) {
    event := string(p.Event)
    var out Outcome
    var vendorOfferID string

    switch p.Event {
    case EventCreated, EventUpdated:
        offer, err := normalize.Normalize(p.Data, s.ID)
        if err != nil {
            run.Failed, run.Status = 1, types.RunFailed
            rc.closeRun(ctx, run, err.Error())
            rc.Metrics.Records("webhook", "failed", 1)
            var rej *normalize.RejectionError
            var fields []normalize.FieldError
            if errors.As(err, &rej) {
                fields = rej.Errors
            }
            rc.reject(ctx, w, s.ID, event, http.StatusUnprocessableEntity, "payload failed normalization", &run.ID,
                map[string]any{"errors": fields, "failed": 1})
            return
        }
        vendorOfferID = offer.VendorOfferID
        inserted, err := rc.Offers.Upsert(ctx, offer)
        if err != nil {
            rc.Logger.Error().Err(err).Str("supplier_id", s.ID).Str("vendor_offer_id", vendorOfferID).Msg("offer_upsert_error")
            run.Failed, run.Status = 1, types.RunFailed
            rc.closeRun(ctx, run, err.Error())
            rc.fail(ctx, w, s.ID, event, "offer could not be stored", &run.ID)
            return
        }
        zero, one := 0, 1
        if inserted {
            out.Inserted, out.Updated = &one, &zero
            run.Inserted = 1
        } else {
            out.Inserted, out.Updated = &zero, &one
            run.Updated = 1
        }
    case EventDeleted, EventExpired:
        id, ok := normalize.ExtractVendorOfferID(p.Data)
        if !ok {
            run.Failed, run.Status = 1, types.RunFailed
            rc.closeRun(ctx, run, "missing vendorOfferId")
            rc.reject(ctx, w, s.ID, event, http.StatusUnprocessableEntity, "payload failed normalization", &run.ID,
                map[string]any{"errors": []normalize.FieldError{{Kind: normalize.KindRequiredField, Field: "vendorOfferId", Reason: "required"}}})
            return
        }
        vendorOfferID = id
        status := types.StatusDeleted
        if p.Event == EventExpired {
            status = types.StatusExpired
        }
        n, err := rc.Offers.MarkStatus(ctx, s.ID, id, status)
        if err != nil {
            rc.Logger.Error().Err(err).Str("supplier_id", s.ID).Str("vendor_offer_id", id).Msg("offer_mark_error")
            run.Failed, run.Status = 1, types.RunFailed
            rc.closeRun(ctx, run, err.Error())
            rc.fail(ctx, w, s.ID, event, "offer status could not be changed", &run.ID)
            return
        }
        updated := int(n)
        out.Updated = &updated
        run.Updated = updated
    }

    run.Status = types.RunSuccess
    rc.closeRun(ctx, run, "")
    rc.audit(ctx, s.ID, types.ActionWebhookDone, http.StatusOK, &run.ID, map[string]any{
        "event": event, "vendorOfferId": vendorOfferID, "result": out,
    })
    rc.Metrics.Webhook(eventLabel(event), http.StatusOK)
    rc.Metrics.Records("webhook", "inserted", run.Inserted)
    rc.Metrics.Records("webhook", "updated", run.Updated)
    rc.Logger.Info().Str("supplier_id", s.ID).Str("event", event).Str("vendor_offer_id", vendorOfferID).
        Str("run_id", run.ID).Msg("webhook_processed")
    writeJSON(w, http.StatusOK, map[string]any{
        "success": true,
        "message": "event processed",
        "event":   event,
        "result":  out,
    })
}

func (rc *Receiver) closeRun(ctx context.Context, run *types.RunRecord, msg string) {
    t := time.Now().UTC()
    run.FinishedAt = &t
    if msg != "" {
        run.Error = &msg
    }
    if err := rc.Ledger.CloseRun(ctx, run); err != nil {
        rc.Logger.Error().Err(err).Str("run_id", run.ID).Msg("run_close_error")
    }
}

func (rc *Receiver) reject(ctx context.Context, w http.ResponseWriter, supplierID, event string, status int, reason string, runID *string, meta map[string]any) {
    if meta == nil {
        meta = map[string]any{}
    }
    meta["reason"] = reason
    if event != "" {
        meta["event"] = event
    }
    rc.audit(ctx, supplierID, types.ActionWebhookRejected, status, runID, meta)
    rc.Metrics.Webhook(eventLabel(event), status)
    rc.Logger.Warn().Str("supplier_id", supplierID).Int("status", status).Str("reason", reason).Msg("webhook_rejected")

    body := map[string]any{"success": false, "message": reason}
    if event != "" {
        body["event"] = event
    }
    if errs, ok := meta["errors"]; ok {
        body["errors"] = errs
    }
    writeJSON(w, status, body)
}

func (rc *Receiver) fail(ctx context.Context, w http.ResponseWriter, supplierID, event, reason string, runID *string) {
    rc.audit(ctx, supplierID, types.ActionWebhookFailed, http.StatusInternalServerError, runID, map[string]any{
        "reason": reason, "event": event,
    })
    rc.Metrics.Webhook(eventLabel(event), http.StatusInternalServerError)
    writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "internal error"})
}

func (rc *Receiver) audit(ctx context.Context, supplierID, action string, status int, runID *string, meta map[string]any) {
    err := rc.Ledger.Audit(ctx, types.AuditEntry{
        SupplierID: supplierID,
        Action:     action,
        StatusCode: status,
        RunID:      runID,
        Metadata:   meta,
    })
    if err != nil {
        rc.Logger.Error().Err(err).Str("supplier_id", supplierID).Str("action", action).Msg("audit_write_error")
    }
}

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(v)
}
