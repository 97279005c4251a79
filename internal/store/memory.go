package store

import (
    "context"
    "sort"
    "sync"
    "time"

    "github.com/gofrs/uuid/v5"

    "supplier-sync/internal/types"
)

type offerKey struct{ supplierID, vendorOfferID string }

// Memory is an in-process store with the same semantics as PG.
type Memory struct {
    mu        sync.Mutex
    suppliers map[string]types.Supplier
    offers    map[offerKey]types.Offer
    upserts   int
}

func NewMemory() *Memory {
    return &Memory{
        suppliers: make(map[string]types.Supplier),
        offers:    make(map[offerKey]types.Offer),
    }
}

func (m *Memory) PutSupplier(s types.Supplier) {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.suppliers[s.ID] = s
}

func (m *Memory) GetSupplier(_ context.Context, id string) (types.Supplier, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    s, ok := m.suppliers[id]
    if !ok {
        return types.Supplier{}, ErrNotFound
    }
    return s, nil
}

func (m *Memory) ListPullable(_ context.Context) ([]types.Supplier, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    var out []types.Supplier
    for _, s := range m.suppliers {
        if s.CanPull() {
            out = append(out, s)
        }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out, nil
}

func (m *Memory) Upsert(_ context.Context, o types.NormalizedOffer) (bool, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.upserts++
    k := offerKey{o.SupplierID, o.VendorOfferID}
    now := time.Now().UTC()
    prev, exists := m.offers[k]
    if !exists {
        o.Status = statusOrNew(o.Status)
        m.offers[k] = types.Offer{ID: uuid.Must(uuid.NewV4()).String(), NormalizedOffer: o, CreatedAt: now, UpdatedAt: now}
        return true, nil
    }
    status := prev.Status
    if status == types.StatusExpired || status == types.StatusDeleted {
        status = types.StatusNew
    }
    o.Status = status
    prev.NormalizedOffer = o
    prev.UpdatedAt = now
    m.offers[k] = prev
    return false, nil
}

func (m *Memory) FindByKey(_ context.Context, supplierID, vendorOfferID string) (types.Offer, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    o, ok := m.offers[offerKey{supplierID, vendorOfferID}]
    if !ok {
        return types.Offer{}, ErrNotFound
    }
    return o, nil
}

func (m *Memory) MarkStatus(_ context.Context, supplierID, vendorOfferID string, status types.OfferStatus) (int64, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    k := offerKey{supplierID, vendorOfferID}
    o, ok := m.offers[k]
    if !ok {
        return 0, nil
    }
    o.Status, o.UpdatedAt = status, time.Now().UTC()
    m.offers[k] = o
    return 1, nil
}

func (m *Memory) ExpireMissing(_ context.Context, supplierID string, seen []string) (int64, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    keep := make(map[string]struct{}, len(seen))
    for _, id := range seen {
        keep[id] = struct{}{}
    }
    var n int64
    for k, o := range m.offers {
        if k.supplierID != supplierID || !actionable(o.Status) {
            continue
        }
        if _, ok := keep[k.vendorOfferID]; ok {
            continue
        }
        o.Status, o.UpdatedAt = types.StatusExpired, time.Now().UTC()
        m.offers[k] = o
        n++
    }
    return n, nil
}

// Offers returns the stored offers of one supplier ordered by vendor id.
func (m *Memory) Offers(supplierID string) []types.Offer {
    m.mu.Lock()
    defer m.mu.Unlock()
    var out []types.Offer
    for k, o := range m.offers {
        if k.supplierID == supplierID {
            out = append(out, o)
        }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].VendorOfferID < out[j].VendorOfferID })
    return out
}

// UpsertCalls counts Upsert invocations since creation.
func (m *Memory) UpsertCalls() int {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.upserts
}

func actionable(s types.OfferStatus) bool {
    for _, a := range types.ActionableStatuses {
        if s == a {
            return true
        }
    }
    return false
}
