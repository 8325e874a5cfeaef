// Package postgres implements db.Store on PostgreSQL.
// The upsert on the natural key is the only write ordering arbiter; no
// explicit row locking anywhere.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"azure-cost/db"
)

// upsertBatchSize keeps each multi-row INSERT well under the Postgres
// placeholder limit (16 parameters per row).
const upsertBatchSize = 500

// Store implements db.Store using database/sql with the pq driver.
type Store struct {
	conn *sql.DB
}

// NewStore opens a connection pool against the given DSN.
func NewStore(dsn string) (*Store, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)
	return &Store{conn: conn}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

// =============================================================================
// PRICE OPERATIONS
// =============================================================================

const priceColumns = `id, meter_id, sku_id, service_name, service_id, service_family,
	product_name, sku_name, arm_region_name, location, currency_code,
	retail_price, unit_price, effective_start_date, type, reservation_term,
	raw_data, is_active, last_seen_at`

// UpsertPrices batch-inserts records, refreshing price fields, last_seen_at
// and is_active for natural keys that already exist.
func (s *Store) UpsertPrices(ctx context.Context, records []db.PriceRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	total := 0
	for start := 0; start < len(records); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(records) {
			end = len(records)
		}
		n, err := s.upsertBatch(ctx, records[start:end])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *Store) upsertBatch(ctx context.Context, records []db.PriceRecord) (int, error) {
	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO azure_prices (
			meter_id, sku_id, service_name, service_id, service_family,
			product_name, sku_name, arm_region_name, location, currency_code,
			retail_price, unit_price, effective_start_date, type,
			reservation_term, raw_data, is_active, last_seen_at
		) VALUES `)

	args := make([]interface{}, 0, len(records)*16)
	for i, r := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 16
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, TRUE, NOW())",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
			base+9, base+10, base+11, base+12, base+13, base+14, base+15, base+16)

		var startDate interface{}
		if !r.EffectiveStartDate.IsZero() {
			startDate = r.EffectiveStartDate
		}
		raw := r.RawData
		if raw == nil {
			raw = json.RawMessage("{}")
		}
		args = append(args,
			r.MeterID, r.SkuID, r.ServiceName, r.ServiceID, r.ServiceFamily,
			r.ProductName, r.SkuName, r.ArmRegionName, r.Location, r.CurrencyCode,
			r.RetailPrice, r.UnitPrice, startDate, r.Type,
			r.ReservationTerm, []byte(raw))
	}

	sb.WriteString(`
		ON CONFLICT (sku_id, meter_id, currency_code, type, arm_region_name, reservation_term)
		DO UPDATE SET
			retail_price         = EXCLUDED.retail_price,
			unit_price           = EXCLUDED.unit_price,
			product_name         = EXCLUDED.product_name,
			sku_name             = EXCLUDED.sku_name,
			service_family       = EXCLUDED.service_family,
			location             = EXCLUDED.location,
			effective_start_date = EXCLUDED.effective_start_date,
			raw_data             = EXCLUDED.raw_data,
			is_active            = TRUE,
			last_seen_at         = NOW()`)

	res, err := s.conn.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert price batch: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// QueryPrices returns active USD rows matching the filter, cheapest first.
// Every user-supplied value travels as a bind parameter.
func (s *Store) QueryPrices(ctx context.Context, filter db.QueryFilter) ([]db.PriceRecord, error) {
	conditions := []string{
		"is_active = TRUE",
		"retail_price > 0",
		"currency_code = 'USD'",
	}
	var args []interface{}
	param := 1

	addEq := func(column, value string) {
		if value == "" {
			return
		}
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, param))
		args = append(args, value)
		param++
	}
	addEq("service_name", filter.ServiceName)
	addEq("arm_region_name", filter.ArmRegionName)
	addEq("type", filter.Type)
	addEq("product_name", filter.ProductName)
	addEq("sku_name", filter.SkuName)

	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf(
			"(product_name ILIKE $%d OR sku_name ILIKE $%d OR raw_data->>'meterName' ILIKE $%d)",
			param, param, param))
		args = append(args, "%"+filter.Search+"%")
		param++
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM azure_prices
		WHERE %s
		ORDER BY retail_price ASC`, priceColumns, strings.Join(conditions, " AND "))

	if !filter.Unlimited {
		query += fmt.Sprintf(" LIMIT $%d", param)
		args = append(args, filter.EffectiveLimit())
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	var records []db.PriceRecord
	for rows.Next() {
		r, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func scanPrice(rows *sql.Rows) (*db.PriceRecord, error) {
	var r db.PriceRecord
	var startDate sql.NullTime
	var reservationTerm sql.NullString
	var raw []byte
	if err := rows.Scan(
		&r.ID, &r.MeterID, &r.SkuID, &r.ServiceName, &r.ServiceID, &r.ServiceFamily,
		&r.ProductName, &r.SkuName, &r.ArmRegionName, &r.Location, &r.CurrencyCode,
		&r.RetailPrice, &r.UnitPrice, &startDate, &r.Type, &reservationTerm,
		&raw, &r.IsActive, &r.LastSeenAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan price row: %w", err)
	}
	if startDate.Valid {
		r.EffectiveStartDate = startDate.Time
	}
	r.ReservationTerm = reservationTerm.String
	r.RawData = json.RawMessage(raw)
	return &r, nil
}

// BestVMPrices groups active Linux on-demand VM rows by (SKU, region) and
// returns the minimum USD price per group.
func (s *Store) BestVMPrices(ctx context.Context) ([]db.BestVMPrice, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT sku_name, MIN(retail_price) AS min_price, arm_region_name
		FROM azure_prices
		WHERE service_name = 'Virtual Machines'
		  AND type = $1
		  AND retail_price > 0
		  AND currency_code = 'USD'
		  AND product_name NOT ILIKE '%Windows%'
		  AND product_name NOT ILIKE '%Spot%'
		  AND product_name NOT ILIKE '%Low Priority%'
		  AND is_active = TRUE
		GROUP BY sku_name, arm_region_name
		ORDER BY sku_name, arm_region_name`, db.TypeConsumption)
	if err != nil {
		return nil, fmt.Errorf("failed to query best VM prices: %w", err)
	}
	defer rows.Close()

	var best []db.BestVMPrice
	for rows.Next() {
		var b db.BestVMPrice
		if err := rows.Scan(&b.SkuName, &b.MinPrice, &b.Region); err != nil {
			return nil, fmt.Errorf("failed to scan best VM price: %w", err)
		}
		best = append(best, b)
	}
	return best, rows.Err()
}

// PriceCount returns the total number of stored price rows.
func (s *Store) PriceCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM azure_prices`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count prices: %w", err)
	}
	return count, nil
}

// DeactivateStale marks rows last seen before cutoff as inactive.
func (s *Store) DeactivateStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE azure_prices SET is_active = FALSE WHERE is_active = TRUE AND last_seen_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate stale rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// =============================================================================
// CURRENCY RATE OPERATIONS
// =============================================================================

// GetRate returns (nil, nil) for unknown currencies; callers fall back to 1.0.
func (s *Store) GetRate(ctx context.Context, currencyCode string) (*db.CurrencyRate, error) {
	var rate db.CurrencyRate
	err := s.conn.QueryRowContext(ctx,
		`SELECT currency_code, rate_from_usd, last_updated FROM currency_rates WHERE currency_code = $1`,
		currencyCode,
	).Scan(&rate.CurrencyCode, &rate.RateFromUSD, &rate.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get currency rate: %w", err)
	}
	return &rate, nil
}

// UpsertRate writes a currency's multiplier against USD.
func (s *Store) UpsertRate(ctx context.Context, currencyCode string, rateFromUSD float64) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO currency_rates (currency_code, rate_from_usd, last_updated)
		VALUES ($1, $2, NOW())
		ON CONFLICT (currency_code) DO UPDATE SET
			rate_from_usd = EXCLUDED.rate_from_usd,
			last_updated  = NOW()`,
		currencyCode, rateFromUSD)
	if err != nil {
		return fmt.Errorf("failed to upsert currency rate: %w", err)
	}
	return nil
}

// ListRates returns all known currency rates.
func (s *Store) ListRates(ctx context.Context) ([]db.CurrencyRate, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT currency_code, rate_from_usd, last_updated FROM currency_rates ORDER BY currency_code`)
	if err != nil {
		return nil, fmt.Errorf("failed to list currency rates: %w", err)
	}
	defer rows.Close()

	var rates []db.CurrencyRate
	for rows.Next() {
		var r db.CurrencyRate
		if err := rows.Scan(&r.CurrencyCode, &r.RateFromUSD, &r.LastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan currency rate: %w", err)
		}
		rates = append(rates, r)
	}
	return rates, rows.Err()
}

// =============================================================================
// HARDWARE CATALOG OPERATIONS
// =============================================================================

// ListHardware reads the externally populated vm_types catalog.
func (s *Store) ListHardware(ctx context.Context) ([]db.HardwareSpec, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT name, COALESCE(cpu_architecture, ''), COALESCE(number_of_cores, 0),
			   COALESCE(memory_mb, 0), COALESCE(acus, 0), COALESCE(combined_iops, 0),
			   COALESCE(uncached_disk_iops, 0), COALESCE(gpus, 0), COALESCE(gpu_type, ''),
			   COALESCE(max_data_disk_count, 0), COALESCE(support_premium_disk, FALSE),
			   COALESCE(accelerated_net, FALSE), similar_azure_vms
		FROM vm_types`)
	if err != nil {
		return nil, fmt.Errorf("failed to list vm types: %w", err)
	}
	defer rows.Close()

	var specs []db.HardwareSpec
	for rows.Next() {
		var h db.HardwareSpec
		var memoryMB int64
		var similar pq.StringArray
		if err := rows.Scan(
			&h.Name, &h.CPUArchitecture, &h.VCPUs, &memoryMB, &h.ACUs,
			&h.CombinedIOPS, &h.UncachedDiskIOPS, &h.GPUs, &h.GPUType,
			&h.MaxDataDisks, &h.PremiumDiskSupport, &h.AcceleratedNet, &similar,
		); err != nil {
			return nil, fmt.Errorf("failed to scan vm type: %w", err)
		}
		h.MemoryGiB = float64(memoryMB) / 1024.0
		h.SimilarVMs = []string(similar)
		specs = append(specs, h)
	}
	return specs, rows.Err()
}

// =============================================================================
// SYNC LOG OPERATIONS
// =============================================================================

// CreateSyncLog opens a running sync_log entry.
func (s *Store) CreateSyncLog(ctx context.Context) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO sync_log (id, started_at, status) VALUES ($1, NOW(), $2)`,
		id, db.SyncStatusRunning)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create sync log entry: %w", err)
	}
	return id, nil
}

// CompleteSyncLog finalizes a sync_log entry.
func (s *Store) CompleteSyncLog(ctx context.Context, id uuid.UUID, itemsSynced int, runErr error) error {
	status := db.SyncStatusCompleted
	var errMsg sql.NullString
	if runErr != nil {
		status = db.SyncStatusFailed
		errMsg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := s.conn.ExecContext(ctx, `
		UPDATE sync_log
		SET completed_at = NOW(), items_synced = $1, status = $2, error = $3
		WHERE id = $4`,
		itemsSynced, status, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to complete sync log entry: %w", err)
	}
	return nil
}

// LastSync returns the most recent sync_log entry, or (nil, nil).
func (s *Store) LastSync(ctx context.Context) (*db.SyncLogEntry, error) {
	var entry db.SyncLogEntry
	var completedAt sql.NullTime
	var errMsg sql.NullString
	err := s.conn.QueryRowContext(ctx, `
		SELECT id, started_at, completed_at, items_synced, status, error
		FROM sync_log ORDER BY started_at DESC LIMIT 1`,
	).Scan(&entry.ID, &entry.StartedAt, &completedAt, &entry.ItemsSynced, &entry.Status, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last sync: %w", err)
	}
	if completedAt.Valid {
		entry.CompletedAt = &completedAt.Time
	}
	entry.Error = errMsg.String
	return &entry, nil
}
