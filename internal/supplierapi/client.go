// Package supplierapi talks to a supplier's paginated read API.
package supplierapi

import (
    "context"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strconv"
    "strings"
    "time"

    "go.opentelemetry.io/otel"
    "go.opentelemetry.io/otel/attribute"
    "go.opentelemetry.io/otel/codes"
    "go.opentelemetry.io/otel/propagation"
    "go.opentelemetry.io/otel/trace"

    "supplier-sync/internal/secrets"
    "supplier-sync/internal/ssrf"
    "supplier-sync/internal/types"
)

const (
    DefaultTimeout    = 30 * time.Second
    DefaultOffersPath = "/offers"
    maxBodyBytes      = 16 << 20
)

// RateLimitedError is returned for HTTP 429. RetryAfter is zero when the
// supplier sent no usable Retry-After header.
type RateLimitedError struct {
    RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
    if e.RetryAfter > 0 {
        return fmt.Sprintf("supplier rate limited, retry after %s", e.RetryAfter)
    }
    return "supplier rate limited"
}

type StatusError struct {
    Status int
    Body   string
}

func (e *StatusError) Error() string {
    return fmt.Sprintf("supplier responded with status %d", e.Status)
}

type Client struct {
    HTTP    *http.Client
    Tracer  trace.Tracer
    Timeout time.Duration
}

// New builds a client. Unless allowPrivate is set, connections are pinned to
// public addresses.
func New(timeout time.Duration, allowPrivate bool) *Client {
    if timeout <= 0 {
        timeout = DefaultTimeout
    }
    transport := &http.Transport{
        MaxIdleConns:        50,
        MaxIdleConnsPerHost: 5,
        IdleConnTimeout:     90 * time.Second,
    }
    if !allowPrivate {
        transport.DialContext = ssrf.NewDialer(10 * time.Second).DialContext
    }
    return &Client{
        HTTP: &http.Client{
            Transport: transport,
            Timeout:   timeout,
            CheckRedirect: func(req *http.Request, via []*http.Request) error {
                return http.ErrUseLastResponse
            },
        },
        Tracer:  otel.Tracer("supplier-sync/supplierapi"),
        Timeout: timeout,
    }
}

func pageURL(s types.Supplier, page, limit int) (string, error) {
    u, err := url.Parse(strings.TrimRight(s.APIBaseURL, "/"))
    if err != nil {
        return "", fmt.Errorf("supplier base url: %w", err)
    }
    if u.Scheme != "http" && u.Scheme != "https" {
        return "", fmt.Errorf("supplier base url: unsupported scheme %q", u.Scheme)
    }
    path := s.OffersPath
    if path == "" {
        path = DefaultOffersPath
    }
    if !strings.HasPrefix(path, "/") {
        path = "/" + path
    }
    u.Path = strings.TrimRight(u.Path, "/") + path
    q := u.Query()
    q.Set("page", strconv.Itoa(page))
    q.Set("limit", strconv.Itoa(limit))
    u.RawQuery = q.Encode()
    return u.String(), nil
}

// Authorize applies bearer, shared-secret header or basic auth, in that priority.
func Authorize(req *http.Request, c secrets.Credentials) {
    switch {
    case c.BearerToken != "":
        req.Header.Set("Authorization", "Bearer "+c.BearerToken)
    case c.APIKey != "":
        h := c.APIKeyHeader
        if h == "" {
            h = "X-API-Key"
        }
        req.Header.Set(h, c.APIKey)
    case c.Username != "":
        req.SetBasicAuth(c.Username, c.Password)
    }
}

// FetchPage requests one 1-based page.
func (c *Client) FetchPage(ctx context.Context, s types.Supplier, creds secrets.Credentials, page, limit int) (Page, error) {
    endpoint, err := pageURL(s, page, limit)
    if err != nil {
        return Page{}, err
    }
    ctx, cancel := context.WithTimeout(ctx, c.Timeout)
    defer cancel()

    ctx, span := c.Tracer.Start(ctx, "supplier.fetch_page", trace.WithSpanKind(trace.SpanKindClient))
    defer span.End()
    span.SetAttributes(
        attribute.String("supplier.id", s.ID),
        attribute.Int("supplier.page", page),
    )

    req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
    if err != nil {
        span.RecordError(err)
        return Page{}, err
    }
    req.Header.Set("Accept", "application/json")
    Authorize(req, creds)
    otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

    resp, err := c.HTTP.Do(req)
    if err != nil {
        span.RecordError(err)
        span.SetStatus(codes.Error, err.Error())
        return Page{}, fmt.Errorf("fetch page %d: %w", page, err)
    }
    defer resp.Body.Close()
    span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

    if resp.StatusCode == http.StatusTooManyRequests {
        _, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
        err := &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
        span.SetStatus(codes.Error, err.Error())
        return Page{}, err
    }
    body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
    if err != nil {
        span.RecordError(err)
        return Page{}, fmt.Errorf("read page %d: %w", page, err)
    }
    if resp.StatusCode < 200 || resp.StatusCode > 299 {
        err := &StatusError{Status: resp.StatusCode, Body: limitBody(body)}
        span.SetStatus(codes.Error, err.Error())
        return Page{}, err
    }
    p, err := ParsePage(body)
    if err != nil {
        span.RecordError(err)
        return Page{}, fmt.Errorf("page %d: %w", page, err)
    }
    span.SetAttributes(attribute.Int("supplier.records", len(p.Records)))
    return p, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
    v = strings.TrimSpace(v)
    if v == "" { return 0 }
    if secs, err := strconv.Atoi(v); err == nil {
        if secs < 0 { return 0 }
        return time.Duration(secs) * time.Second
    }
    if t, err := http.ParseTime(v); err == nil {
        d := t.Sub(now)
        if d < 0 { return 0 }
        return d
    }
    return 0
}

func limitBody(b []byte) string {
    const max = 1 << 10
    if len(b) > max {
        return string(b[:max])
    }
    return string(b)
}
