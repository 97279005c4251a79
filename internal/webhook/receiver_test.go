package webhook

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "net/http/httptest"
    "net/netip"
    "testing"
    "time"

    "github.com/go-chi/chi/v5"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/rs/zerolog"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "supplier-sync/internal/guard"
    "supplier-sync/internal/ledger"
    "supplier-sync/internal/metrics"
    "supplier-sync/internal/store"
    "supplier-sync/internal/types"
)

const secret = "whsec_test"

type fixture struct {
    router http.Handler
    offers *store.Memory
    ledger *ledger.Memory
}

func newFixture(t *testing.T, suppliers ...types.Supplier) *fixture {
    t.Helper()
    f := &fixture{offers: store.NewMemory(), ledger: ledger.NewMemory()}
    for _, s := range suppliers {
        f.offers.PutSupplier(s)
    }
    now := time.Date(2026, 10, 15, 12, 0, 10, 0, time.UTC)
    g := guard.New(guard.NewMemoryWindow(), f.ledger, nil, zerolog.Nop()).WithClock(func() time.Time { return now })
    rc := New(f.offers, f.offers, g, f.ledger, nil, zerolog.Nop(), 0)
    r := chi.NewRouter()
    rc.Routes(r)
    f.router = r
    return f
}

func hookSupplier(id string) types.Supplier {
    sec := secret
    return types.Supplier{ID: id, Name: id, Active: true, Mode: types.ModeWebhook, WebhookSecret: &sec}
}

func payload(event string, data map[string]any) []byte {
    b, _ := json.Marshal(map[string]any{"event": event, "timestamp": "2026-10-15T12:00:00Z", "data": data})
    return b
}

func offerData(id string, title string) map[string]any {
    return map[string]any{
        "vendorOfferId": id,
        "category":      "flight",
        "title":         title,
        "from":          "IST",
        "to":            "BER",
        "startAt":       "2026-12-20T07:45:00Z",
        "seatsTotal":    180,
        "seatsLeft":     3,
        "price":         49.99,
        "currency":      "EUR",
    }
}

func (f *fixture) send(t *testing.T, supplierID string, body []byte, sig string) (*httptest.ResponseRecorder, map[string]any) {
    t.Helper()
    req := httptest.NewRequest(http.MethodPost, "/suppliers/"+supplierID+"/webhook", bytes.NewReader(body))
    req.RemoteAddr = "203.0.113.77:41000"
    if sig != "" {
        req.Header.Set(SignatureHeader, sig)
    }
    rec := httptest.NewRecorder()
    f.router.ServeHTTP(rec, req)
    var out map[string]any
    _ = json.Unmarshal(rec.Body.Bytes(), &out)
    return rec, out
}

func TestVerify(t *testing.T) {
    body := []byte(`{"event":"offer.created"}`)
    sig := Sign(secret, body)
    assert.Len(t, sig, 64)
    assert.True(t, Verify(secret, body, sig))
    assert.True(t, Verify(secret, body, "sha256="+sig))
    assert.False(t, Verify("other", body, sig))
    assert.False(t, Verify(secret, body, ""))
    assert.False(t, Verify(secret, body, "zz"))
}

func TestReceiver_CreateThenUpdateIsIdempotentOnNaturalKey(t *testing.T) {
    f := newFixture(t, hookSupplier("sup-1"))

    body := payload("offer.created", offerData("F-1", "Berlin Christmas"))
    rec, out := f.send(t, "sup-1", body, Sign(secret, body))
    require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
    assert.Equal(t, true, out["success"])
    assert.Equal(t, "offer.created", out["event"])
    assert.Equal(t, map[string]any{"inserted": 1.0, "updated": 0.0}, out["result"])

    body = payload("offer.updated", offerData("F-1", "Berlin Christmas Markets"))
    rec, out = f.send(t, "sup-1", body, Sign(secret, body))
    require.Equal(t, http.StatusOK, rec.Code)
    assert.Equal(t, map[string]any{"inserted": 0.0, "updated": 1.0}, out["result"])

    offers := f.offers.Offers("sup-1")
    require.Len(t, offers, 1)
    assert.Equal(t, "Berlin Christmas Markets", offers[0].Title)
    assert.Equal(t, int64(4999), offers[0].PriceMinor)

    runs := f.ledger.Runs()
    require.Len(t, runs, 2)
    for _, r := range runs {
        assert.Equal(t, types.TriggerWebhook, r.Trigger)
        assert.Equal(t, types.RunSuccess, r.Status)
        assert.NotNil(t, r.FinishedAt)
    }
    assert.Contains(t, f.ledger.Actions(), types.ActionWebhookDone)
}

func TestReceiver_TamperedBodyIsRejected(t *testing.T) {
    f := newFixture(t, hookSupplier("sup-1"))
    body := payload("offer.created", offerData("F-2", "Rome"))
    sig := Sign(secret, body)

    tampered := append([]byte(nil), body...)
    tampered[len(tampered)-3] ^= 0x01
    rec, out := f.send(t, "sup-1", tampered, sig)
    assert.Equal(t, http.StatusUnauthorized, rec.Code)
    assert.Equal(t, "invalid signature", out["message"])
    assert.Empty(t, f.offers.Offers("sup-1"))
    assert.Empty(t, f.ledger.Runs())

    rec, _ = f.send(t, "sup-1", tampered, Sign(secret, tampered))
    assert.NotEqual(t, http.StatusUnauthorized, rec.Code)

    rec, _ = f.send(t, "sup-1", body, sig)
    assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReceiver_DeleteAndExpire(t *testing.T) {
    f := newFixture(t, hookSupplier("sup-1"))
    ctx := context.Background()
    for _, id := range []string{"A", "B"} {
        body := payload("offer.created", offerData(id, "Trip "+id))
        rec, _ := f.send(t, "sup-1", body, Sign(secret, body))
        require.Equal(t, http.StatusOK, rec.Code)
    }

    body := payload("offer.deleted", map[string]any{"vendorOfferId": "A"})
    rec, out := f.send(t, "sup-1", body, Sign(secret, body))
    require.Equal(t, http.StatusOK, rec.Code)
    assert.Equal(t, map[string]any{"updated": 1.0}, out["result"])

    body = payload("offer.expired", map[string]any{"vendorOfferId": "B"})
    rec, _ = f.send(t, "sup-1", body, Sign(secret, body))
    require.Equal(t, http.StatusOK, rec.Code)

    a, err := f.offers.FindByKey(ctx, "sup-1", "A")
    require.NoError(t, err)
    assert.Equal(t, types.StatusDeleted, a.Status)
    b, _ := f.offers.FindByKey(ctx, "sup-1", "B")
    assert.Equal(t, types.StatusExpired, b.Status)

    body = payload("offer.deleted", map[string]any{"vendorOfferId": "unknown"})
    rec, out = f.send(t, "sup-1", body, Sign(secret, body))
    require.Equal(t, http.StatusOK, rec.Code)
    assert.Equal(t, map[string]any{"updated": 0.0}, out["result"])
}

func TestReceiver_Rejections(t *testing.T) {
    inactive := hookSupplier("inactive")
    inactive.Active = false
    noSecret := hookSupplier("no-secret")
    noSecret.WebhookSecret = nil
    blocked := hookSupplier("blocked")
    blocked.IPAllowList = []string{"198.51.100.0/24"}

    f := newFixture(t, hookSupplier("sup-1"), inactive, noSecret, blocked)
    good := payload("offer.created", offerData("X", "x"))
    signed := func(b []byte) string { return Sign(secret, b) }

    badNorm := offerData("X", "x")
    badNorm["seatsLeft"] = 500

    tests := []struct {
        name     string
        supplier string
        body     []byte
        sig      string
        status   int
        message  string
    }{
        {"unknown supplier", "ghost", good, signed(good), http.StatusNotFound, "unknown supplier"},
        {"ip blocked", "blocked", good, signed(good), http.StatusForbidden, "ip not allowed"},
        {"inactive", "inactive", good, signed(good), http.StatusForbidden, "supplier inactive"},
        {"no secret", "no-secret", good, signed(good), http.StatusForbidden, "webhook secret not configured"},
        {"missing signature", "sup-1", good, "", http.StatusUnauthorized, "missing signature"},
        {"bad json", "sup-1", []byte(`{"event":`), signed([]byte(`{"event":`)), http.StatusBadRequest, "malformed json"},
        {"unknown event", "sup-1", payload("offer.archived", nil), signed(payload("offer.archived", nil)), http.StatusBadRequest, "unknown event"},
        {"normalization", "sup-1", payload("offer.created", badNorm), signed(payload("offer.created", badNorm)), http.StatusUnprocessableEntity, "payload failed normalization"},
        {"delete without id", "sup-1", payload("offer.deleted", map[string]any{}), signed(payload("offer.deleted", map[string]any{})), http.StatusUnprocessableEntity, "payload failed normalization"},
    }
    for _, tt := range tests {
        t.Run(tt.name, func(t *testing.T) {
            before := len(f.ledger.Entries())
            rec, out := f.send(t, tt.supplier, tt.body, tt.sig)
            assert.Equal(t, tt.status, rec.Code)
            assert.Equal(t, false, out["success"])
            assert.Equal(t, tt.message, out["message"])

            entries := f.ledger.Entries()[before:]
            require.NotEmpty(t, entries)
            last := entries[len(entries)-1]
            assert.Equal(t, tt.status, last.StatusCode)
        })
    }
    assert.Empty(t, f.offers.Offers("sup-1"))
}

func TestReceiver_NormalizationFailureReportsFields(t *testing.T) {
    f := newFixture(t, hookSupplier("sup-1"))
    data := offerData("X", "x")
    data["price"] = -1
    body := payload("offer.created", data)
    rec, out := f.send(t, "sup-1", body, Sign(secret, body))
    require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
    errs, ok := out["errors"].([]any)
    require.True(t, ok)
    require.NotEmpty(t, errs)

    runs := f.ledger.Runs()
    require.Len(t, runs, 1)
    assert.Equal(t, types.RunFailed, runs[0].Status)
    assert.Equal(t, 1, runs[0].Failed)
}

func TestReceiver_RateLimited(t *testing.T) {
    s := hookSupplier("sup-1")
    limit := 2
    s.RateLimitPerMinute = &limit
    f := newFixture(t, s)

    for i, want := range []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests} {
        body := payload("offer.created", offerData("R", "r"))
        rec, _ := f.send(t, "sup-1", body, Sign(secret, body))
        require.Equal(t, want, rec.Code, "request %d", i+1)
        if want == http.StatusTooManyRequests {
            assert.Equal(t, "50", rec.Header().Get("Retry-After"))
            assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
            assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
        }
    }
    assert.Contains(t, f.ledger.Actions(), types.ActionRateLimited)
}

type failingOffers struct{ *store.Memory }

func (failingOffers) Upsert(context.Context, types.NormalizedOffer) (bool, error) {
    return false, errors.New("connection reset")
}

func TestReceiver_StoreFailureIs500(t *testing.T) {
    mem := store.NewMemory()
    mem.PutSupplier(hookSupplier("sup-1"))
    l := ledger.NewMemory()
    g := guard.New(guard.NewMemoryWindow(), l, nil, zerolog.Nop())
    rc := New(mem, failingOffers{mem}, g, l, nil, zerolog.Nop(), 0)
    r := chi.NewRouter()
    rc.Routes(r)

    body := payload("offer.created", offerData("X", "x"))
    req := httptest.NewRequest(http.MethodPost, "/suppliers/sup-1/webhook", bytes.NewReader(body))
    req.Header.Set(SignatureHeader, Sign(secret, body))
    rec := httptest.NewRecorder()
    r.ServeHTTP(rec, req)

    assert.Equal(t, http.StatusInternalServerError, rec.Code)
    assert.Contains(t, l.Actions(), types.ActionWebhookFailed)
    require.Len(t, l.Runs(), 1)
    assert.Equal(t, types.RunFailed, l.Runs()[0].Status)
}

func TestReceiver_BodyLimit(t *testing.T) {
    mem := store.NewMemory()
    mem.PutSupplier(hookSupplier("sup-1"))
    l := ledger.NewMemory()
    g := guard.New(guard.NewMemoryWindow(), l, nil, zerolog.Nop())
    rc := New(mem, mem, g, l, nil, zerolog.Nop(), 64)
    r := chi.NewRouter()
    rc.Routes(r)

    body := payload("offer.created", offerData("X", "a long enough title to exceed the tiny limit"))
    req := httptest.NewRequest(http.MethodPost, "/suppliers/sup-1/webhook", bytes.NewReader(body))
    req.Header.Set(SignatureHeader, Sign(secret, body))
    rec := httptest.NewRecorder()
    r.ServeHTTP(rec, req)
    assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestReceiver_ForwardedForOnlyFromTrustedProxy(t *testing.T) {
    mem := store.NewMemory()
    s := hookSupplier("sup-1")
    s.IPAllowList = []string{"203.0.113.0/24"}
    mem.PutSupplier(s)
    l := ledger.NewMemory()
    g := guard.New(guard.NewMemoryWindow(), l, nil, zerolog.Nop())
    rc := New(mem, mem, g, l, nil, zerolog.Nop(), 0)
    r := chi.NewRouter()
    rc.Routes(r)

    send := func(title string) int {
        body := payload("offer.created", offerData("P-1", title))
        req := httptest.NewRequest(http.MethodPost, "/suppliers/sup-1/webhook", bytes.NewReader(body))
        req.RemoteAddr = "198.51.100.66:4444"
        req.Header.Set("X-Forwarded-For", "203.0.113.5")
        req.Header.Set(SignatureHeader, Sign(secret, body))
        rec := httptest.NewRecorder()
        r.ServeHTTP(rec, req)
        return rec.Code
    }

    assert.Equal(t, http.StatusForbidden, send("forged"))
    assert.Empty(t, mem.Offers("sup-1"))
    assert.Contains(t, l.Actions(), types.ActionIPBlocked)

    rc.TrustedProxies = []netip.Prefix{netip.MustParsePrefix("198.51.100.66/32")}
    assert.Equal(t, http.StatusOK, send("via proxy"))
    assert.Len(t, mem.Offers("sup-1"), 1)
}

func TestReceiver_UnknownEventMetricLabel(t *testing.T) {
    mem := store.NewMemory()
    mem.PutSupplier(hookSupplier("sup-1"))
    l := ledger.NewMemory()
    reg := prometheus.NewRegistry()
    m := metrics.New(reg)
    g := guard.New(guard.NewMemoryWindow(), l, m, zerolog.Nop())
    rc := New(mem, mem, g, l, m, zerolog.Nop(), 0)
    r := chi.NewRouter()
    rc.Routes(r)

    for _, event := range []string{"offer.archived", "x-1", "offer.created"} {
        body := payload(event, offerData("E-1", "events"))
        req := httptest.NewRequest(http.MethodPost, "/suppliers/sup-1/webhook", bytes.NewReader(body))
        req.RemoteAddr = "192.0.2.1:1000"
        req.Header.Set(SignatureHeader, Sign(secret, body))
        r.ServeHTTP(httptest.NewRecorder(), req)
    }

    families, err := reg.Gather()
    require.NoError(t, err)
    var events []string
    for _, mf := range families {
        if mf.GetName() != "supplier_webhook_requests_total" { continue }
        for _, metric := range mf.GetMetric() {
            for _, lp := range metric.GetLabel() {
                if lp.GetName() == "event" {
                    events = append(events, lp.GetValue())
                }
            }
        }
    }
    assert.ElementsMatch(t, []string{"unknown", "offer.created"}, events)
}

func TestEventLabel(t *testing.T) {
    assert.Equal(t, "offer.deleted", eventLabel("offer.deleted"))
    assert.Equal(t, "", eventLabel(""))
    assert.Equal(t, "unknown", eventLabel("DROP TABLE offers"))
}
