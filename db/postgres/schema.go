package postgres

import (
	"context"
	"fmt"
)

// schemaStatements create the tables the cache owns. vm_types is created too
// so a fresh database works before the external export job first runs, but
// this process never writes to it.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS azure_prices (
		id BIGSERIAL PRIMARY KEY,
		meter_id TEXT,
		sku_id TEXT,
		service_name TEXT,
		service_id TEXT,
		service_family TEXT,
		product_name TEXT,
		sku_name TEXT,
		arm_region_name TEXT,
		location TEXT,
		currency_code TEXT,
		retail_price DOUBLE PRECISION,
		unit_price DOUBLE PRECISION,
		effective_start_date TIMESTAMP,
		type TEXT,
		reservation_term TEXT NOT NULL DEFAULT '',
		raw_data JSONB,
		is_active BOOLEAN DEFAULT TRUE,
		last_seen_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,

	// The natural key. Concurrent writers race through ON CONFLICT on this
	// index; last write wins.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_prices_natural_key
		ON azure_prices(sku_id, meter_id, currency_code, type, arm_region_name, reservation_term)`,

	`CREATE INDEX IF NOT EXISTS idx_prices_service_region
		ON azure_prices(service_name, arm_region_name)`,

	`CREATE INDEX IF NOT EXISTS idx_prices_search
		ON azure_prices(product_name, sku_name)`,

	`CREATE INDEX IF NOT EXISTS idx_prices_active
		ON azure_prices(is_active)`,

	`CREATE TABLE IF NOT EXISTS currency_rates (
		currency_code TEXT PRIMARY KEY,
		rate_from_usd DOUBLE PRECISION,
		last_updated TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,

	`INSERT INTO currency_rates (currency_code, rate_from_usd, last_updated)
		VALUES ('USD', 1.0, NOW())
		ON CONFLICT (currency_code) DO NOTHING`,

	`CREATE TABLE IF NOT EXISTS sync_log (
		id UUID PRIMARY KEY,
		started_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		completed_at TIMESTAMP WITH TIME ZONE,
		items_synced INTEGER DEFAULT 0,
		status TEXT DEFAULT 'running',
		error TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS vm_types (
		name TEXT PRIMARY KEY,
		cpu_desc TEXT,
		cpu_architecture TEXT,
		perf_score NUMERIC,
		rdma_enabled BOOLEAN,
		accelerated_net BOOLEAN,
		combined_iops BIGINT,
		uncached_disk_iops BIGINT,
		acus INTEGER,
		gpus INTEGER,
		gpu_type TEXT,
		number_of_cores INTEGER,
		memory_mb INTEGER,
		max_data_disk_count INTEGER,
		support_premium_disk BOOLEAN,
		similar_azure_vms TEXT[],
		updated_at TIMESTAMPTZ DEFAULT NOW()
	)`,
}

// InitSchema creates tables and indexes if they do not exist. Safe to run on
// every startup.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}
