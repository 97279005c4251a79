// Package normalize turns heterogeneous supplier records into canonical offers.
// It performs no I/O; the only side effect is a warning log on currency fallback.
package normalize

import (
    "bytes"
    "encoding/json"
    "math"
    "strings"

    "github.com/rs/zerolog/log"

    "supplier-sync/internal/types"
)

type BatchFailure struct {
    Input map[string]any
    Err   *RejectionError
}

type BatchResult struct {
    Successful []types.NormalizedOffer
    Failed     []BatchFailure
}

// Normalize validates one raw record. On rejection the returned error is a
// *RejectionError holding every violation.
func Normalize(raw map[string]any, supplierID string) (types.NormalizedOffer, error) {
    rej := &RejectionError{}
    var out types.NormalizedOffer

    supplierID = strings.TrimSpace(supplierID)
    if supplierID == "" {
        rej.add(KindMissingSupplierID, "supplierId", "supplierId is required", supplierID)
    }
    out.SupplierID = supplierID

    if id, ok := identifier(raw["vendorOfferId"]); ok {
        out.VendorOfferID = id
    } else {
        rej.add(KindRequiredField, "vendorOfferId", "vendorOfferId is required", raw["vendorOfferId"])
    }

    if c, ok := category(raw["category"]); ok {
        out.Category = c
    } else {
        rej.add(KindRequiredField, "category", "category must be one of tour, bus, flight, cruise", raw["category"])
    }

    for _, f := range []struct {
        name string
        dst  *string
    }{{"title", &out.Title}, {"from", &out.From}, {"to", &out.To}} {
        if s, ok := trimmed(raw[f.name]); ok {
            *f.dst = s
        } else {
            rej.add(KindRequiredField, f.name, f.name+" is required", raw[f.name])
        }
    }

    if t, ok := parseTime(raw["startAt"]); ok {
        out.StartAt = t
    } else {
        rej.add(KindDateConversion, "startAt", "startAt is not a valid date", raw["startAt"])
    }

    total, totalOK := nonNegativeInt(raw["seatsTotal"])
    if !totalOK {
        rej.add(KindRequiredField, "seatsTotal", "seatsTotal must be a non-negative integer", raw["seatsTotal"])
    }
    left, leftOK := nonNegativeInt(raw["seatsLeft"])
    if !leftOK {
        rej.add(KindRequiredField, "seatsLeft", "seatsLeft must be a non-negative integer", raw["seatsLeft"])
    }
    if totalOK && leftOK && left > total {
        rej.add(KindValidation, "seatsLeft", "seatsLeft exceeds seatsTotal", left)
    }
    out.SeatsTotal, out.SeatsLeft = total, left

    if field, v, ok := extractPrice(raw); !ok {
        rej.add(KindRequiredField, "price", "price is required", nil)
    } else if f, ok := numeric(v); !ok || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
        rej.add(KindPriceConversion, field, "price must be a non-negative number", v)
    } else {
        out.PriceMinor = toMinorUnits(f)
    }

    out.Currency = currency(raw["currency"], out.VendorOfferID, supplierID)

    out.Image = optionalString(raw["image"])
    out.Terms = optionalString(raw["terms"])
    out.Transport = optionalString(raw["transport"])
    out.IsSurprise = optionalBool(raw["isSurprise"])
    out.RequiresVisa = optionalBool(raw["requiresVisa"])
    out.RequiresPassport = optionalBool(raw["requiresPassport"])

    out.RawJSON = rawJSON(raw)
    out.Status = types.StatusNew

    if len(rej.Errors) > 0 {
        return out, rej
    }
    return out, nil
}

// NormalizeBatch normalizes every record independently.
func NormalizeBatch(raws []map[string]any, supplierID string) BatchResult {
    res := BatchResult{Successful: make([]types.NormalizedOffer, 0, len(raws))}
    for _, raw := range raws {
        offer, err := Normalize(raw, supplierID)
        if err != nil {
            res.Failed = append(res.Failed, BatchFailure{Input: raw, Err: err.(*RejectionError)})
            continue
        }
        res.Successful = append(res.Successful, offer)
    }
    return res
}

// ExtractVendorOfferID reads only the natural-key part of a record.
func ExtractVendorOfferID(raw map[string]any) (string, bool) {
    return identifier(raw["vendorOfferId"])
}

func category(v any) (types.Category, bool) {
    s, ok := trimmed(v)
    if !ok { return "", false }
    c := types.Category(strings.ToLower(s))
    for _, allowed := range types.Categories {
        if c == allowed {
            return c, true
        }
    }
    return "", false
}

func currency(v any, vendorOfferID, supplierID string) types.Currency {
    s, ok := trimmed(v)
    if !ok {
        return types.DefaultCurrency
    }
    c := types.Currency(strings.ToUpper(s))
    switch c {
    case types.CurrencyTRY, types.CurrencyEUR, types.CurrencyUSD:
        return c
    }
    log.Warn().
        Str("supplier_id", supplierID).
        Str("vendor_offer_id", vendorOfferID).
        Str("currency", s).
        Msg("unsupported_currency_fallback")
    return types.DefaultCurrency
}

func optionalString(v any) *string {
    s, ok := v.(string)
    if !ok { return nil }
    s = strings.TrimSpace(s)
    return &s
}

func optionalBool(v any) *bool {
    b, ok := v.(bool)
    if !ok { return nil }
    return &b
}

func rawJSON(raw map[string]any) string {
    var buf bytes.Buffer
    enc := json.NewEncoder(&buf)
    enc.SetEscapeHTML(false)
    if err := enc.Encode(raw); err != nil {
        return "{}"
    }
    return strings.TrimSuffix(buf.String(), "\n")
}
