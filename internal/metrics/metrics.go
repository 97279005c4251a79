package metrics

import (
    "time"

    "github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors shared by the inbound paths and the pull engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
    admissions    *prometheus.CounterVec
    webhookEvents *prometheus.CounterVec
    syncRuns      *prometheus.CounterVec
    records       *prometheus.CounterVec
    syncDuration  *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
    m := &Metrics{
        admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
            Name: "supplier_admission_decisions_total",
            Help: "Admission guard decisions by check and outcome.",
        }, []string{"check", "outcome"}),
        webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
            Name: "supplier_webhook_requests_total",
            Help: "Webhook deliveries by event type and HTTP status.",
        }, []string{"event", "status"}),
        syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
            Name: "supplier_sync_runs_total",
            Help: "Pull sync runs by terminal status.",
        }, []string{"status"}),
        records: prometheus.NewCounterVec(prometheus.CounterOpts{
            Name: "supplier_offer_records_total",
            Help: "Offer records processed by source and result.",
        }, []string{"source", "result"}),
        syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
            Name:    "supplier_sync_duration_seconds",
            Help:    "Wall time of a single supplier pull sync.",
            Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
        }, []string{"supplier"}),
    }
    reg.MustRegister(m.admissions, m.webhookEvents, m.syncRuns, m.records, m.syncDuration)
    return m
}

func (m *Metrics) Admission(check, outcome string) {
    if m == nil { return }
    m.admissions.WithLabelValues(check, outcome).Inc()
}

func (m *Metrics) Webhook(event string, status int) {
    if m == nil { return }
    m.webhookEvents.WithLabelValues(event, statusLabel(status)).Inc()
}

func (m *Metrics) SyncRun(status string, supplierID string, elapsed time.Duration) {
    if m == nil { return }
    m.syncRuns.WithLabelValues(status).Inc()
    m.syncDuration.WithLabelValues(supplierID).Observe(elapsed.Seconds())
}

func (m *Metrics) Records(source, result string, n int) {
    if m == nil || n <= 0 { return }
    m.records.WithLabelValues(source, result).Add(float64(n))
}

func statusLabel(code int) string {
    switch {
    case code >= 500:
        return "5xx"
    case code >= 400:
        return "4xx"
    case code >= 200 && code < 300:
        return "2xx"
    }
    return "other"
}
