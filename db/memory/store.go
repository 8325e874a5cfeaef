// Package memory implements db.Store in process memory. It mirrors the
// Postgres implementation's query semantics exactly, which lets the pipeline,
// query engine and scheduler run and be tested without a database.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"azure-cost/db"
)

// Store implements db.Store with maps guarded by one mutex.
type Store struct {
	mu       sync.RWMutex
	prices   map[string]*db.PriceRecord // natural key -> row
	rates    map[string]db.CurrencyRate
	hardware []db.HardwareSpec
	syncLog  []*db.SyncLogEntry
	nextID   int64
}

// NewStore creates an empty store with USD seeded at rate 1.0.
func NewStore() *Store {
	return &Store{
		prices: make(map[string]*db.PriceRecord),
		rates: map[string]db.CurrencyRate{
			db.USD: {CurrencyCode: db.USD, RateFromUSD: 1.0, LastUpdated: time.Now()},
		},
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }
func (s *Store) Close() error                   { return nil }

// SeedHardware loads catalog rows, replacing any previous set.
func (s *Store) SeedHardware(specs []db.HardwareSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hardware = append([]db.HardwareSpec(nil), specs...)
}

// =============================================================================
// PRICE OPERATIONS
// =============================================================================

// UpsertPrices inserts or refreshes rows keyed by the natural key.
func (s *Store) UpsertPrices(ctx context.Context, records []db.PriceRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for i := range records {
		r := records[i]
		key := r.NaturalKey()
		if existing, ok := s.prices[key]; ok {
			existing.RetailPrice = r.RetailPrice
			existing.UnitPrice = r.UnitPrice
			existing.ProductName = r.ProductName
			existing.SkuName = r.SkuName
			existing.ServiceFamily = r.ServiceFamily
			existing.Location = r.Location
			existing.EffectiveStartDate = r.EffectiveStartDate
			existing.RawData = r.RawData
			existing.IsActive = true
			existing.LastSeenAt = now
			continue
		}
		s.nextID++
		r.ID = s.nextID
		r.IsActive = true
		r.LastSeenAt = now
		s.prices[key] = &r
	}
	return len(records), nil
}

// QueryPrices applies the same row predicate and ordering as the SQL path.
func (s *Store) QueryPrices(ctx context.Context, filter db.QueryFilter) ([]db.PriceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []db.PriceRecord
	for _, r := range s.prices {
		if !matches(r, filter) {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RetailPrice < out[j].RetailPrice })

	if !filter.Unlimited {
		if limit := filter.EffectiveLimit(); len(out) > limit {
			out = out[:limit]
		}
	}
	return out, nil
}

func matches(r *db.PriceRecord, f db.QueryFilter) bool {
	if !r.IsActive || r.RetailPrice <= 0 || r.CurrencyCode != db.USD {
		return false
	}
	if f.ServiceName != "" && r.ServiceName != f.ServiceName {
		return false
	}
	if f.ArmRegionName != "" && r.ArmRegionName != f.ArmRegionName {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.ProductName != "" && r.ProductName != f.ProductName {
		return false
	}
	if f.SkuName != "" && r.SkuName != f.SkuName {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(r.ProductName), needle) &&
			!strings.Contains(strings.ToLower(r.SkuName), needle) &&
			!strings.Contains(strings.ToLower(rawMeterName(r.RawData)), needle) {
			return false
		}
	}
	return true
}

func rawMeterName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var payload struct {
		MeterName string `json:"meterName"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	return payload.MeterName
}

// BestVMPrices groups active Linux on-demand VM rows by (SKU, region).
func (s *Store) BestVMPrices(ctx context.Context) ([]db.BestVMPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type groupKey struct{ sku, region string }
	mins := make(map[groupKey]float64)
	for _, r := range s.prices {
		if !r.IsActive || r.RetailPrice <= 0 || r.CurrencyCode != db.USD {
			continue
		}
		if r.ServiceName != "Virtual Machines" || r.Type != db.TypeConsumption {
			continue
		}
		product := strings.ToLower(r.ProductName)
		if strings.Contains(product, "windows") ||
			strings.Contains(product, "spot") ||
			strings.Contains(product, "low priority") {
			continue
		}
		k := groupKey{r.SkuName, r.ArmRegionName}
		if cur, ok := mins[k]; !ok || r.RetailPrice < cur {
			mins[k] = r.RetailPrice
		}
	}

	best := make([]db.BestVMPrice, 0, len(mins))
	for k, price := range mins {
		best = append(best, db.BestVMPrice{SkuName: k.sku, MinPrice: price, Region: k.region})
	}
	sort.Slice(best, func(i, j int) bool {
		if best[i].SkuName != best[j].SkuName {
			return best[i].SkuName < best[j].SkuName
		}
		return best[i].Region < best[j].Region
	})
	return best, nil
}

// PriceCount returns the number of stored rows, active or not.
func (s *Store) PriceCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.prices)), nil
}

// DeactivateStale marks rows last seen before cutoff inactive.
func (s *Store) DeactivateStale(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, r := range s.prices {
		if r.IsActive && r.LastSeenAt.Before(cutoff) {
			r.IsActive = false
			n++
		}
	}
	return n, nil
}

// =============================================================================
// CURRENCY RATE OPERATIONS
// =============================================================================

func (s *Store) GetRate(ctx context.Context, currencyCode string) (*db.CurrencyRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate, ok := s.rates[currencyCode]
	if !ok {
		return nil, nil
	}
	return &rate, nil
}

func (s *Store) UpsertRate(ctx context.Context, currencyCode string, rateFromUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[currencyCode] = db.CurrencyRate{
		CurrencyCode: currencyCode,
		RateFromUSD:  rateFromUSD,
		LastUpdated:  time.Now(),
	}
	return nil
}

func (s *Store) ListRates(ctx context.Context) ([]db.CurrencyRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rates := make([]db.CurrencyRate, 0, len(s.rates))
	for _, r := range s.rates {
		rates = append(rates, r)
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].CurrencyCode < rates[j].CurrencyCode })
	return rates, nil
}

// =============================================================================
// HARDWARE CATALOG OPERATIONS
// =============================================================================

func (s *Store) ListHardware(ctx context.Context) ([]db.HardwareSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]db.HardwareSpec(nil), s.hardware...), nil
}

// =============================================================================
// SYNC LOG OPERATIONS
// =============================================================================

func (s *Store) CreateSyncLog(ctx context.Context) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := &db.SyncLogEntry{
		ID:        uuid.New(),
		StartedAt: time.Now(),
		Status:    db.SyncStatusRunning,
	}
	s.syncLog = append(s.syncLog, entry)
	return entry.ID, nil
}

func (s *Store) CompleteSyncLog(ctx context.Context, id uuid.UUID, itemsSynced int, runErr error) error {
	// Honor cancellation like a real connection would.
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.syncLog {
		if entry.ID != id {
			continue
		}
		now := time.Now()
		entry.CompletedAt = &now
		entry.ItemsSynced = itemsSynced
		if runErr != nil {
			entry.Status = db.SyncStatusFailed
			entry.Error = runErr.Error()
		} else {
			entry.Status = db.SyncStatusCompleted
		}
		return nil
	}
	return nil
}

func (s *Store) LastSync(ctx context.Context) (*db.SyncLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.syncLog) == 0 {
		return nil, nil
	}
	latest := *s.syncLog[len(s.syncLog)-1]
	return &latest, nil
}
