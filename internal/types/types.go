package types

import (
    "time"
)

type Category string

const (
    CategoryTour   Category = "tour"
    CategoryBus    Category = "bus"
    CategoryFlight Category = "flight"
    CategoryCruise Category = "cruise"
)

var Categories = []Category{CategoryTour, CategoryBus, CategoryFlight, CategoryCruise}

type Currency string

const (
    CurrencyTRY Currency = "TRY"
    CurrencyEUR Currency = "EUR"
    CurrencyUSD Currency = "USD"
)

const DefaultCurrency = CurrencyTRY

type OfferStatus string

const (
    StatusNew      OfferStatus = "new"
    StatusImported OfferStatus = "imported"
    StatusActive   OfferStatus = "active"
    StatusIgnored  OfferStatus = "ignored"
    StatusExpired  OfferStatus = "expired"
    StatusDeleted  OfferStatus = "deleted"
)

// ActionableStatuses are the statuses reconciliation may retire to expired.
var ActionableStatuses = []OfferStatus{StatusNew, StatusImported, StatusActive}

type SupplierMode string

const (
    ModePull    SupplierMode = "pull"
    ModeWebhook SupplierMode = "webhook"
    ModeBoth    SupplierMode = "both"
)

type Supplier struct {
    ID                   string
    Name                 string
    Active               bool
    Mode                 SupplierMode
    APIBaseURL           string
    OffersPath           string
    EncryptedCredentials []byte
    WebhookSecret        *string
    IPAllowList          []string
    RateLimitPerMinute   *int
    CreatedAt            time.Time
}

func (s Supplier) CanPull() bool {
    return s.Active && (s.Mode == ModePull || s.Mode == ModeBoth) && s.APIBaseURL != ""
}

// NormalizedOffer is the canonical shape produced from one supplier record.
// Optional fields stay nil when the supplier did not send them.
type NormalizedOffer struct {
    SupplierID       string      `json:"supplierId"`
    VendorOfferID    string      `json:"vendorOfferId"`
    Category         Category    `json:"category"`
    Title            string      `json:"title"`
    From             string      `json:"from"`
    To               string      `json:"to"`
    StartAt          time.Time   `json:"startAt"`
    SeatsTotal       int         `json:"seatsTotal"`
    SeatsLeft        int         `json:"seatsLeft"`
    PriceMinor       int64       `json:"priceMinor"`
    Currency         Currency    `json:"currency"`
    Image            *string     `json:"image,omitempty"`
    Terms            *string     `json:"terms,omitempty"`
    Transport        *string     `json:"transport,omitempty"`
    IsSurprise       *bool       `json:"isSurprise,omitempty"`
    RequiresVisa     *bool       `json:"requiresVisa,omitempty"`
    RequiresPassport *bool       `json:"requiresPassport,omitempty"`
    RawJSON          string      `json:"rawJson"`
    Status           OfferStatus `json:"status"`
}

// Offer is a row of the canonical offer table.
type Offer struct {
    ID string
    NormalizedOffer
    ImportedToInventory bool
    CreatedAt           time.Time
    UpdatedAt           time.Time
}

type RunTrigger string

const (
    TriggerPull    RunTrigger = "pull"
    TriggerManual  RunTrigger = "manual"
    TriggerWebhook RunTrigger = "webhook"
)

type RunStatus string

const (
    RunRunning     RunStatus = "running"
    RunSuccess     RunStatus = "success"
    RunPartial     RunStatus = "partial"
    RunFailed      RunStatus = "failed"
    RunRateLimited RunStatus = "rate_limited"
)

type RunRecord struct {
    ID         string
    SupplierID string
    Trigger    RunTrigger
    StartedAt  time.Time
    FinishedAt *time.Time
    Inserted   int
    Updated    int
    Failed     int
    Expired    int
    Status     RunStatus
    Error      *string
}

type AuditEntry struct {
    ID         string         `json:"id"`
    SupplierID string         `json:"supplierId"`
    Action     string         `json:"action"`
    StatusCode int            `json:"statusCode"`
    RunID      *string        `json:"runId,omitempty"`
    Metadata   map[string]any `json:"metadata,omitempty"`
    CreatedAt  time.Time      `json:"createdAt"`
}

const (
    ActionIPAllowed       = "guard.ip.allowed"
    ActionIPBlocked       = "guard.ip.blocked"
    ActionRateAllowed     = "guard.rate.allowed"
    ActionRateLimited     = "guard.rate.limited"
    ActionWebhookRejected = "webhook.rejected"
    ActionWebhookDone     = "webhook.processed"
    ActionWebhookFailed   = "webhook.failed"
    ActionSyncCompleted   = "sync.completed"
    ActionSyncFailed      = "sync.failed"
    ActionSyncRateLimited = "sync.rate_limited"
)
