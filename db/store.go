package db

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PriceStore is the write/read surface of the normalized price cache.
type PriceStore interface {
	// UpsertPrices inserts new natural keys and refreshes price fields,
	// last_seen_at and is_active for existing ones. The batch must already
	// be deduplicated by natural key. Returns the number of rows written.
	UpsertPrices(ctx context.Context, records []PriceRecord) (int, error)

	// QueryPrices returns active USD rows matching the filter, ordered by
	// ascending retail price, truncated after ordering.
	QueryPrices(ctx context.Context, filter QueryFilter) ([]PriceRecord, error)

	// BestVMPrices returns the minimum USD price per (SKU, region) over
	// active Linux, non-Spot, non-Low-Priority Consumption VM rows.
	BestVMPrices(ctx context.Context) ([]BestVMPrice, error)

	// PriceCount returns the total number of stored price rows.
	PriceCount(ctx context.Context) (int64, error)

	// DeactivateStale marks rows not seen since cutoff as inactive and
	// returns how many rows it touched. Rows are never deleted.
	DeactivateStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// RateStore reads and writes the currency rate table.
type RateStore interface {
	// GetRate returns (nil, nil) for an unknown currency; callers fall back
	// to rate 1.0.
	GetRate(ctx context.Context, currencyCode string) (*CurrencyRate, error)

	UpsertRate(ctx context.Context, currencyCode string, rateFromUSD float64) error

	ListRates(ctx context.Context) ([]CurrencyRate, error)
}

// HardwareStore reads the externally populated vm_types catalog.
type HardwareStore interface {
	ListHardware(ctx context.Context) ([]HardwareSpec, error)
}

// SyncLogStore records pipeline run outcomes.
type SyncLogStore interface {
	// CreateSyncLog opens a running entry and returns its id.
	CreateSyncLog(ctx context.Context) (uuid.UUID, error)

	// CompleteSyncLog transitions the entry to completed, or to failed when
	// runErr is non-nil.
	CompleteSyncLog(ctx context.Context, id uuid.UUID, itemsSynced int, runErr error) error

	// LastSync returns the most recent entry, or (nil, nil) when none exists.
	LastSync(ctx context.Context) (*SyncLogEntry, error)
}

// Store is the full storage handle, constructed once at process start and
// injected into every component.
type Store interface {
	PriceStore
	RateStore
	HardwareStore
	SyncLogStore

	Ping(ctx context.Context) error
	Close() error
}
