// Package db defines the persisted data model and the storage contract for
// the pricing cache: the normalized price table, currency rates, the
// read-only VM hardware catalog and the sync run log.
package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Purchase types as reported by the upstream API.
const (
	TypeConsumption        = "Consumption"
	TypeReservation        = "Reservation"
	TypeDevTestConsumption = "DevTestConsumption"
)

// USD is the storage denomination. Every retail_price/unit_price column
// value is USD; display currencies are produced at read time.
const USD = "USD"

// PriceRecord is one row of the azure_prices table.
type PriceRecord struct {
	ID                 int64
	MeterID            string
	SkuID              string
	ServiceName        string
	ServiceID          string
	ServiceFamily      string
	ProductName        string
	SkuName            string
	ArmRegionName      string
	Location           string
	CurrencyCode       string
	RetailPrice        float64
	UnitPrice          float64
	EffectiveStartDate time.Time
	Type               string
	ReservationTerm    string
	RawData            json.RawMessage
	IsActive           bool
	LastSeenAt         time.Time
}

// NaturalKey identifies a record across syncs. Rows sharing a natural key are
// the same catalog entry observed at different times.
func (r *PriceRecord) NaturalKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		r.SkuID, r.MeterID, r.CurrencyCode, r.Type, r.ArmRegionName, r.ReservationTerm)
}

// CurrencyRate maps a currency code to its multiplier against the USD base.
type CurrencyRate struct {
	CurrencyCode string
	RateFromUSD  float64
	LastUpdated  time.Time
}

// HardwareSpec is one row of the read-only vm_types catalog, keyed by the
// canonical Standard_* SKU name. Populated by an external export job.
type HardwareSpec struct {
	Name               string
	Family             string
	CPUArchitecture    string
	VCPUs              int
	MemoryGiB          float64
	ACUs               int
	CombinedIOPS       int64
	UncachedDiskIOPS   int64
	GPUs               int
	GPUType            string
	MaxDataDisks       int
	PremiumDiskSupport bool
	AcceleratedNet     bool
	SimilarVMs         []string
}

// Sync run states.
const (
	SyncStatusRunning   = "running"
	SyncStatusCompleted = "completed"
	SyncStatusFailed    = "failed"
)

// SyncLogEntry is one row of the sync_log table. Append-only; the only
// mutation is the running -> completed/failed transition.
type SyncLogEntry struct {
	ID          uuid.UUID
	StartedAt   time.Time
	CompletedAt *time.Time
	ItemsSynced int
	Status      string
	Error       string
}

// DefaultQueryLimit applies when a caller passes no limit, or an invalid one.
const DefaultQueryLimit = 200

// QueryFilter selects stored price rows. Zero values mean "no constraint".
// Only active, positively priced, USD-denominated rows are ever considered;
// the requested display currency is not a row filter.
type QueryFilter struct {
	ServiceName   string
	ArmRegionName string
	Type          string
	ProductName   string
	SkuName       string
	// Search matches case-insensitively against product name, SKU name, or
	// the meter name embedded in the raw payload.
	Search string
	Limit  int
	// Unlimited disables truncation entirely (the "all" sentinel).
	Unlimited bool
}

// EffectiveLimit coerces invalid limits to the default rather than rejecting.
func (f QueryFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultQueryLimit
	}
	return f.Limit
}

// BestVMPrice is the minimum Linux on-demand price for a (SKU, region) group.
type BestVMPrice struct {
	SkuName  string
	MinPrice float64
	Region   string
}
