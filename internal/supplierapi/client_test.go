package supplierapi

import (
    "context"
    "errors"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "supplier-sync/internal/secrets"
    "supplier-sync/internal/types"
)

func TestParsePage_Shapes(t *testing.T) {
    tests := []struct {
        name  string
        body  string
        count int
    }{
        {"top-level array", `[{"vendorOfferId":1},{"vendorOfferId":2}]`, 2},
        {"offers key", `{"offers":[{"vendorOfferId":1}]}`, 1},
        {"data key", `{"data":[{"a":1},{"b":2},{"c":3}]}`, 3},
        {"results key", `{"results":[{"a":1}]}`, 1},
        {"items key", `{"items":[{"a":1}]}`, 1},
        {"offers wins over items", `{"items":[{"a":1},{"a":2}],"offers":[{"a":3}]}`, 1},
        {"no array", `{"message":"nothing here"}`, 0},
    }
    for _, tt := range tests {
        t.Run(tt.name, func(t *testing.T) {
            p, err := ParsePage([]byte(tt.body))
            require.NoError(t, err)
            assert.Len(t, p.Records, tt.count)
        })
    }
}

func TestParsePage_Hints(t *testing.T) {
    p, err := ParsePage([]byte(`{"data":[{"a":1}],"meta":{"has_more":false},"totalCount":41}`))
    require.NoError(t, err)
    require.NotNil(t, p.HasMore)
    assert.False(t, *p.HasMore)
    require.NotNil(t, p.Total)
    assert.Equal(t, 41, *p.Total)

    _, err = ParsePage([]byte(`{"data":[`))
    assert.ErrorIs(t, err, ErrMalformedPage)
}

func TestParsePage_NonObjectItems(t *testing.T) {
    p, err := ParsePage([]byte(`[1, {"vendorOfferId":"x"}]`))
    require.NoError(t, err)
    require.Len(t, p.Records, 2)
    assert.Equal(t, 1.0, p.Records[0]["_value"])
    assert.Equal(t, "x", p.Records[1]["vendorOfferId"])
}

func TestAuthorize_Priority(t *testing.T) {
    tests := []struct {
        name   string
        creds  secrets.Credentials
        header string
        want   string
    }{
        {"bearer first", secrets.Credentials{BearerToken: "t", APIKey: "k", Username: "u"}, "Authorization", "Bearer t"},
        {"api key default header", secrets.Credentials{APIKey: "k", Username: "u"}, "X-API-Key", "k"},
        {"api key custom header", secrets.Credentials{APIKey: "k", APIKeyHeader: "X-Partner-Secret"}, "X-Partner-Secret", "k"},
        {"basic", secrets.Credentials{Username: "u", Password: "p"}, "Authorization", "Basic dTpw"},
    }
    for _, tt := range tests {
        t.Run(tt.name, func(t *testing.T) {
            req := httptest.NewRequest(http.MethodGet, "/", nil)
            Authorize(req, tt.creds)
            assert.Equal(t, tt.want, req.Header.Get(tt.header))
        })
    }
}

func TestFetchPage(t *testing.T) {
    var gotQuery, gotAuth, gotPath string
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        gotQuery, gotAuth, gotPath = r.URL.RawQuery, r.Header.Get("Authorization"), r.URL.Path
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write([]byte(`{"offers":[{"vendorOfferId":"a"}]}`))
    }))
    defer srv.Close()

    c := New(5*time.Second, true)
    s := types.Supplier{ID: "sup-1", APIBaseURL: srv.URL + "/v2/", OffersPath: "inventory"}
    p, err := c.FetchPage(context.Background(), s, secrets.Credentials{BearerToken: "tok"}, 3, 100)
    require.NoError(t, err)
    assert.Len(t, p.Records, 1)
    assert.Equal(t, "limit=100&page=3", gotQuery)
    assert.Equal(t, "Bearer tok", gotAuth)
    assert.Equal(t, "/v2/inventory", gotPath)
}

func TestFetchPage_Errors(t *testing.T) {
    status, retryAfter := http.StatusTooManyRequests, "17"
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if retryAfter != "" {
            w.Header().Set("Retry-After", retryAfter)
        }
        w.WriteHeader(status)
        _, _ = w.Write([]byte(`{"error":"nope"}`))
    }))
    defer srv.Close()

    c := New(5*time.Second, true)
    s := types.Supplier{ID: "sup-1", APIBaseURL: srv.URL}

    _, err := c.FetchPage(context.Background(), s, secrets.Credentials{}, 1, 100)
    var rl *RateLimitedError
    require.True(t, errors.As(err, &rl))
    assert.Equal(t, 17*time.Second, rl.RetryAfter)

    retryAfter = ""
    _, err = c.FetchPage(context.Background(), s, secrets.Credentials{}, 1, 100)
    require.True(t, errors.As(err, &rl))
    assert.Zero(t, rl.RetryAfter)

    status = http.StatusBadGateway
    _, err = c.FetchPage(context.Background(), s, secrets.Credentials{}, 1, 100)
    var se *StatusError
    require.True(t, errors.As(err, &se))
    assert.Equal(t, http.StatusBadGateway, se.Status)
}

func TestFetchPage_Timeout(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        select {
        case <-r.Context().Done():
        case <-time.After(2 * time.Second):
        }
    }))
    defer srv.Close()

    c := New(50*time.Millisecond, true)
    _, err := c.FetchPage(context.Background(), types.Supplier{ID: "s", APIBaseURL: srv.URL}, secrets.Credentials{}, 1, 10)
    assert.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
    now := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)
    assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
    assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
    assert.Zero(t, parseRetryAfter("soon", now))
    assert.Zero(t, parseRetryAfter("-4", now))
}
