// Package rates derives currency_rates rows from the upstream catalog itself:
// the same reference SKU is priced in USD and in each supported currency, and
// the ratio is the conversion rate. This keeps rates consistent with what the
// pricing feed actually bills, rather than spot FX rates.
package rates

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"azure-cost/db"
	"azure-cost/pkg/retail"
)

// The reference SKU must be stable and priced in every region and currency.
const (
	ReferenceSKU    = "Standard_D2s_v5"
	ReferenceRegion = "southcentralus"
)

// SupportedCurrencies is the set refreshed on every run. USD is implicit as
// the base.
var SupportedCurrencies = []string{
	"AUD", "BRL", "CAD", "DKK", "EUR", "INR", "JPY", "KRW",
	"NZD", "NOK", "SEK", "CHF", "TWD", "GBP",
}

// Refresher probes the reference SKU and upserts rate rows.
type Refresher struct {
	client     *retail.Client
	store      db.RateStore
	logger     zerolog.Logger
	currencies []string
}

// New creates a refresher for the default currency set.
func New(client *retail.Client, store db.RateStore, logger zerolog.Logger) *Refresher {
	return &Refresher{client: client, store: store, logger: logger, currencies: SupportedCurrencies}
}

// Refresh updates every supported currency's rate. It aborts when the USD
// base cannot be established; per-currency failures are logged and skipped.
// Returns the number of rates written.
func (r *Refresher) Refresh(ctx context.Context) (int, error) {
	usdPrice, err := r.referencePrice(ctx, db.USD)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch base USD reference price: %w", err)
	}
	if usdPrice <= 0 {
		return 0, fmt.Errorf("base USD reference price for %s is unavailable", ReferenceSKU)
	}

	updated := 0
	for _, currency := range r.currencies {
		localPrice, err := r.referencePrice(ctx, currency)
		if err != nil || localPrice <= 0 {
			r.logger.Warn().Err(err).Str("currency", currency).
				Msg("could not derive rate, keeping previous value")
			continue
		}

		rate := localPrice / usdPrice
		if err := r.store.UpsertRate(ctx, currency, rate); err != nil {
			return updated, fmt.Errorf("failed to store rate for %s: %w", currency, err)
		}
		r.logger.Info().Str("currency", currency).Float64("rate", rate).Msg("currency rate updated")
		updated++
	}
	return updated, nil
}

func (r *Refresher) referencePrice(ctx context.Context, currency string) (float64, error) {
	filter := fmt.Sprintf(
		"serviceName eq 'Virtual Machines' and armRegionName eq '%s' and skuName eq '%s' and priceType eq 'Consumption'",
		ReferenceRegion, ReferenceSKU)

	item, err := r.client.FetchOne(ctx, filter, currency)
	if err != nil {
		return 0, err
	}
	if item == nil {
		return 0, fmt.Errorf("no reference item for currency %s", currency)
	}
	return item.RetailPrice, nil
}
