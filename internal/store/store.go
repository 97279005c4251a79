// Package store is the canonical offer store and supplier registry.
package store

import (
    "context"
    "errors"
    "fmt"

    "github.com/jackc/pgx/v5"
    "github.com/jackc/pgx/v5/pgxpool"

    "supplier-sync/internal/types"
)

var ErrNotFound = errors.New("not found")

// PG implements the store on Postgres. Every method is a single statement;
// there is no run-wide transaction.
type PG struct {
    DB *pgxpool.Pool
}

func NewPG(db *pgxpool.Pool) *PG { return &PG{DB: db} }

const supplierColumns = `supplier_id, name, active, mode, coalesce(api_base_url,''), coalesce(offers_path,''),
    encrypted_credentials, webhook_secret, coalesce(ip_allow_list,'{}')::text[], rate_limit_per_minute, created_at`

func scanSupplier(row pgx.Row) (types.Supplier, error) {
    var s types.Supplier
    var mode string
    err := row.Scan(&s.ID, &s.Name, &s.Active, &mode, &s.APIBaseURL, &s.OffersPath,
        &s.EncryptedCredentials, &s.WebhookSecret, &s.IPAllowList, &s.RateLimitPerMinute, &s.CreatedAt)
    s.Mode = types.SupplierMode(mode)
    return s, err
}

func (p *PG) GetSupplier(ctx context.Context, id string) (types.Supplier, error) {
    s, err := scanSupplier(p.DB.QueryRow(ctx, `SELECT `+supplierColumns+` FROM supplier WHERE supplier_id=$1`, id))
    if err != nil {
        if errors.Is(err, pgx.ErrNoRows) {
            return types.Supplier{}, ErrNotFound
        }
        return types.Supplier{}, fmt.Errorf("get supplier %s: %w", id, err)
    }
    return s, nil
}

func (p *PG) ListPullable(ctx context.Context) ([]types.Supplier, error) {
    rows, err := p.DB.Query(ctx, `
        SELECT `+supplierColumns+` FROM supplier
        WHERE active = true AND mode IN ('pull','both') AND coalesce(api_base_url,'') <> ''
        ORDER BY supplier_id
    `)
    if err != nil {
        return nil, fmt.Errorf("list suppliers: %w", err)
    }
    defer rows.Close()
    var out []types.Supplier
    for rows.Next() {
        s, err := scanSupplier(rows)
        if err != nil {
            return nil, fmt.Errorf("scan supplier: %w", err)
        }
        out = append(out, s)
    }
    return out, rows.Err()
}

// Upsert writes one offer by natural key and reports whether it was a fresh insert.
// An offer that comes back after being expired or deleted is reopened as new;
// any other lifecycle status is left to the downstream promotion step.
func (p *PG) Upsert(ctx context.Context, o types.NormalizedOffer) (bool, error) {
    var inserted bool
    err := p.DB.QueryRow(ctx, `
        INSERT INTO offer (supplier_id, vendor_offer_id, category, title, origin, destination, start_at,
                           seats_total, seats_left, price_minor, currency, image, terms, transport,
                           is_surprise, requires_visa, requires_passport, raw_json, status)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18::jsonb,$19)
        ON CONFLICT (vendor_offer_id, supplier_id) DO UPDATE SET
            category=excluded.category, title=excluded.title, origin=excluded.origin,
            destination=excluded.destination, start_at=excluded.start_at,
            seats_total=excluded.seats_total, seats_left=excluded.seats_left,
            price_minor=excluded.price_minor, currency=excluded.currency,
            image=excluded.image, terms=excluded.terms, transport=excluded.transport,
            is_surprise=excluded.is_surprise, requires_visa=excluded.requires_visa,
            requires_passport=excluded.requires_passport, raw_json=excluded.raw_json,
            status=CASE WHEN offer.status IN ('expired','deleted') THEN 'new' ELSE offer.status END,
            updated_at=now()
        RETURNING (xmax = 0)
    `, o.SupplierID, o.VendorOfferID, string(o.Category), o.Title, o.From, o.To, o.StartAt,
        o.SeatsTotal, o.SeatsLeft, o.PriceMinor, string(o.Currency), o.Image, o.Terms, o.Transport,
        o.IsSurprise, o.RequiresVisa, o.RequiresPassport, o.RawJSON, string(statusOrNew(o.Status)),
    ).Scan(&inserted)
    if err != nil {
        return false, fmt.Errorf("upsert offer %s/%s: %w", o.SupplierID, o.VendorOfferID, err)
    }
    return inserted, nil
}

func (p *PG) FindByKey(ctx context.Context, supplierID, vendorOfferID string) (types.Offer, error) {
    var o types.Offer
    var category, currency, status string
    err := p.DB.QueryRow(ctx, `
        SELECT offer_id::text, supplier_id, vendor_offer_id, category, title, origin, destination, start_at,
               seats_total, seats_left, price_minor, currency, image, terms, transport,
               is_surprise, requires_visa, requires_passport, raw_json::text, status,
               imported_to_inventory, created_at, updated_at
        FROM offer WHERE supplier_id=$1 AND vendor_offer_id=$2
    `, supplierID, vendorOfferID).Scan(&o.ID, &o.SupplierID, &o.VendorOfferID, &category, &o.Title, &o.From, &o.To,
        &o.StartAt, &o.SeatsTotal, &o.SeatsLeft, &o.PriceMinor, &currency, &o.Image, &o.Terms, &o.Transport,
        &o.IsSurprise, &o.RequiresVisa, &o.RequiresPassport, &o.RawJSON, &status,
        &o.ImportedToInventory, &o.CreatedAt, &o.UpdatedAt)
    if err != nil {
        if errors.Is(err, pgx.ErrNoRows) {
            return types.Offer{}, ErrNotFound
        }
        return types.Offer{}, fmt.Errorf("find offer %s/%s: %w", supplierID, vendorOfferID, err)
    }
    o.Category, o.Currency, o.Status = types.Category(category), types.Currency(currency), types.OfferStatus(status)
    return o, nil
}

// MarkStatus sets status on every row matching the natural key.
func (p *PG) MarkStatus(ctx context.Context, supplierID, vendorOfferID string, status types.OfferStatus) (int64, error) {
    cmd, err := p.DB.Exec(ctx, `
        UPDATE offer SET status=$3, updated_at=now()
        WHERE supplier_id=$1 AND vendor_offer_id=$2
    `, supplierID, vendorOfferID, string(status))
    if err != nil {
        return 0, fmt.Errorf("mark %s %s/%s: %w", status, supplierID, vendorOfferID, err)
    }
    return cmd.RowsAffected(), nil
}

// ExpireMissing retires actionable offers of a supplier that were not seen in a run.
func (p *PG) ExpireMissing(ctx context.Context, supplierID string, seen []string) (int64, error) {
    cmd, err := p.DB.Exec(ctx, `
        UPDATE offer SET status='expired', updated_at=now()
        WHERE supplier_id=$1
          AND status = ANY($2::text[])
          AND NOT (vendor_offer_id = ANY($3::text[]))
    `, supplierID, statusStrings(types.ActionableStatuses), seen)
    if err != nil {
        return 0, fmt.Errorf("expire missing %s: %w", supplierID, err)
    }
    return cmd.RowsAffected(), nil
}

func statusOrNew(s types.OfferStatus) types.OfferStatus {
    if s == "" {
        return types.StatusNew
    }
    return s
}

func statusStrings(in []types.OfferStatus) []string {
    out := make([]string, len(in))
    for i, s := range in {
        out[i] = string(s)
    }
    return out
}
