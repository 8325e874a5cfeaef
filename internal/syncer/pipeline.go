// Package syncer walks the {service x region x currency} matrix against the
// upstream retail prices API and upserts the results into the price store.
// Per-combination failures are recovered locally; only bookkeeping and store
// failures abort a run.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"azure-cost/db"
	syncerrors "azure-cost/pkg/errors"
	"azure-cost/pkg/retail"
)

// Pipeline drives sync runs. Safe for concurrent use; all mutable state is
// per-run locals and the store arbitrates concurrent upserts.
type Pipeline struct {
	client *retail.Client
	store  db.Store
	logger zerolog.Logger
	cfg    *Config
}

// Result summarizes a completed run.
type Result struct {
	SyncID      uuid.UUID
	ItemsSynced int
	Duration    time.Duration
}

// New creates a pipeline over the given client and store handle.
func New(client *retail.Client, store db.Store, logger zerolog.Logger, cfg *Config) *Pipeline {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Pipeline{client: client, store: store, logger: logger, cfg: cfg}
}

// RunFullSync walks the whole matrix. The sync log entry is opened before any
// work and finalized on every exit path.
func (p *Pipeline) RunFullSync(ctx context.Context) (*Result, error) {
	p.logger.Info().
		Int("services", len(p.cfg.Services)).
		Int("regions", len(p.cfg.Regions)).
		Int("currencies", len(p.cfg.Currencies)).
		Msg("starting full pricing sync")

	logID, err := p.store.CreateSyncLog(ctx)
	if err != nil {
		return nil, syncerrors.NewBookkeepingError(err)
	}

	start := time.Now()
	total := 0
	var runErr error
	defer func() {
		// Finalize even when the run context is already cancelled.
		if err := p.store.CompleteSyncLog(context.WithoutCancel(ctx), logID, total, runErr); err != nil {
			// The log itself is unwritable; the failure is only observable here.
			p.logger.Error().Err(err).Str("sync_id", logID.String()).
				Msg("failed to finalize sync log entry")
		}
	}()

	attempted, failed := 0, 0
	var firstErr error
	for _, service := range p.cfg.Services {
		serviceTotal := 0
		for _, currency := range p.cfg.Currencies {
			for _, region := range p.cfg.Regions {
				attempted++
				count, err := p.SyncServiceRegionCurrency(ctx, service, region, currency)
				if err != nil {
					if !syncerrors.IsRecoverable(err) {
						runErr = err
						return nil, err
					}
					failed++
					if firstErr == nil {
						firstErr = err
					}
					p.logger.Warn().Err(err).
						Str("service", service).Str("region", region).Str("currency", currency).
						Msg("combination sync failed, continuing")
				}
				total += count
				serviceTotal += count

				select {
				case <-time.After(p.cfg.CombinationDelay):
				case <-ctx.Done():
					runErr = ctx.Err()
					return nil, runErr
				}
			}
		}
		p.logger.Info().Str("service", service).Int("items", serviceTotal).Msg("service synced")
	}

	if attempted > 0 && failed == attempted {
		runErr = fmt.Errorf("all %d combinations failed: %w", attempted, firstErr)
		return nil, runErr
	}

	if _, err := p.store.DeactivateStale(ctx, start.Add(-p.cfg.StaleAfter)); err != nil {
		runErr = syncerrors.NewPersistenceError(err)
		return nil, runErr
	}

	duration := time.Since(start)
	p.logger.Info().Int("items", total).Dur("duration", duration).Msg("full sync complete")
	return &Result{SyncID: logID, ItemsSynced: total, Duration: duration}, nil
}

// RunQuickSync syncs a small fixed subset for fast manual verification.
func (p *Pipeline) RunQuickSync(ctx context.Context) (*Result, error) {
	p.logger.Info().
		Str("region", p.cfg.QuickRegion).Str("currency", p.cfg.QuickCurrency).
		Msg("starting quick sync")

	logID, err := p.store.CreateSyncLog(ctx)
	if err != nil {
		return nil, syncerrors.NewBookkeepingError(err)
	}

	start := time.Now()
	total := 0
	var runErr error
	defer func() {
		if err := p.store.CompleteSyncLog(context.WithoutCancel(ctx), logID, total, runErr); err != nil {
			p.logger.Error().Err(err).Str("sync_id", logID.String()).
				Msg("failed to finalize sync log entry")
		}
	}()

	attempted, failed := 0, 0
	var firstErr error
	for _, service := range p.cfg.QuickServices {
		attempted++
		count, err := p.SyncServiceRegionCurrency(ctx, service, p.cfg.QuickRegion, p.cfg.QuickCurrency)
		if err != nil {
			if !syncerrors.IsRecoverable(err) {
				runErr = err
				return nil, err
			}
			failed++
			if firstErr == nil {
				firstErr = err
			}
			p.logger.Warn().Err(err).Str("service", service).Msg("combination sync failed, continuing")
		}
		total += count
	}

	if attempted > 0 && failed == attempted {
		runErr = fmt.Errorf("all %d combinations failed: %w", attempted, firstErr)
		return nil, runErr
	}

	p.logger.Info().Int("items", total).Msg("quick sync complete")
	return &Result{SyncID: logID, ItemsSynced: total, Duration: time.Since(start)}, nil
}

// SyncServiceRegionCurrency fetches every page for one combination and
// upserts the batch. Returns the number of rows written.
func (p *Pipeline) SyncServiceRegionCurrency(ctx context.Context, service, region, currency string) (int, error) {
	filter := fmt.Sprintf("serviceName eq '%s' and armRegionName eq '%s'", service, region)

	items, err := p.client.FetchAll(ctx, filter, currency)
	if err != nil {
		combo := fmt.Sprintf("%s/%s/%s", service, region, currency)
		return 0, syncerrors.NewUpstreamError(combo, err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	rate := p.usdRate(ctx, currency)
	records := dedupe(toRecords(items, rate))

	count, err := p.store.UpsertPrices(ctx, records)
	if err != nil {
		return 0, syncerrors.NewPersistenceError(err)
	}
	return count, nil
}

// usdRate returns the divisor that normalizes prices fetched under currency
// back to the USD base. Unknown currencies fall back to 1.0.
func (p *Pipeline) usdRate(ctx context.Context, currency string) float64 {
	if currency == db.USD {
		return 1.0
	}
	rate, err := p.store.GetRate(ctx, currency)
	if err != nil || rate == nil || rate.RateFromUSD <= 0 {
		p.logger.Warn().Str("currency", currency).
			Msg("no usable rate for currency, storing prices unadjusted")
		return 1.0
	}
	return rate.RateFromUSD
}

// toRecords converts upstream items into store rows, normalizing prices to
// the USD base and preserving the untouched payload.
func toRecords(items []retail.Item, usdDivisor float64) []db.PriceRecord {
	records := make([]db.PriceRecord, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			raw = json.RawMessage("{}")
		}
		startDate, _ := time.Parse(time.RFC3339, item.EffectiveStartDate)
		records = append(records, db.PriceRecord{
			MeterID:            item.MeterID,
			SkuID:              item.SkuID,
			ServiceName:        item.ServiceName,
			ServiceID:          item.ServiceID,
			ServiceFamily:      item.ServiceFamily,
			ProductName:        item.ProductName,
			SkuName:            item.SkuName,
			ArmRegionName:      item.ArmRegionName,
			Location:           item.Location,
			CurrencyCode:       item.CurrencyCode,
			RetailPrice:        item.RetailPrice / usdDivisor,
			UnitPrice:          item.UnitPrice / usdDivisor,
			EffectiveStartDate: startDate,
			Type:               item.Type,
			ReservationTerm:    item.ReservationTerm,
			RawData:            raw,
		})
	}
	return records
}

// dedupe keeps the last occurrence per natural key so a single upsert
// statement never touches the same row twice.
func dedupe(records []db.PriceRecord) []db.PriceRecord {
	seen := make(map[string]int, len(records))
	out := records[:0]
	for _, r := range records {
		key := r.NaturalKey()
		if idx, ok := seen[key]; ok {
			out[idx] = r
			continue
		}
		seen[key] = len(out)
		out = append(out, r)
	}
	return out
}
