// Package query is the read side of the price cache. It filters the stored
// USD rows, converts them to the requested display currency, and joins VM
// rows against the hardware catalog for comparisons.
package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"azure-cost/db"
	"azure-cost/pkg/vmspecs"
)

// Engine answers price queries against a store. It holds no mutable state of
// its own; every call hits the store.
type Engine struct {
	store   db.Store
	catalog *vmspecs.Catalog
	logger  zerolog.Logger
}

func New(store db.Store, catalog *vmspecs.Catalog, logger zerolog.Logger) *Engine {
	return &Engine{store: store, catalog: catalog, logger: logger}
}

// PriceView is a stored row converted for display. Prices are denominated in
// CurrencyCode, which is the requested display currency rather than the
// stored one.
type PriceView struct {
	MeterID            string  `json:"meterId"`
	SkuID              string  `json:"skuId"`
	ServiceName        string  `json:"serviceName"`
	ServiceFamily      string  `json:"serviceFamily"`
	ProductName        string  `json:"productName"`
	SkuName            string  `json:"skuName"`
	ArmRegionName      string  `json:"armRegionName"`
	Location           string  `json:"location"`
	CurrencyCode       string  `json:"currencyCode"`
	RetailPrice        float64 `json:"retailPrice"`
	UnitPrice          float64 `json:"unitPrice"`
	Type               string  `json:"type"`
	ReservationTerm    string  `json:"reservationTerm,omitempty"`
	EffectiveStartDate string  `json:"effectiveStartDate"`
}

// Prices runs the filter against the store and converts the results to the
// given display currency. An unknown currency falls back to rate 1.0.
func (e *Engine) Prices(ctx context.Context, filter db.QueryFilter, currency string) ([]PriceView, error) {
	rows, err := e.store.QueryPrices(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}

	rate, code := e.rate(ctx, currency)
	views := make([]PriceView, 0, len(rows))
	for _, row := range rows {
		views = append(views, PriceView{
			MeterID:            row.MeterID,
			SkuID:              row.SkuID,
			ServiceName:        row.ServiceName,
			ServiceFamily:      row.ServiceFamily,
			ProductName:        row.ProductName,
			SkuName:            row.SkuName,
			ArmRegionName:      row.ArmRegionName,
			Location:           row.Location,
			CurrencyCode:       code,
			RetailPrice:        convert(row.RetailPrice, rate),
			UnitPrice:          convert(row.UnitPrice, rate),
			Type:               row.Type,
			ReservationTerm:    row.ReservationTerm,
			EffectiveStartDate: row.EffectiveStartDate.Format("2006-01-02"),
		})
	}
	return views, nil
}

// BestVMView is the cheapest on-demand Linux price found for a SKU across
// all synced regions.
type BestVMView struct {
	SkuName      string  `json:"skuName"`
	Region       string  `json:"region"`
	Price        float64 `json:"price"`
	CurrencyCode string  `json:"currencyCode"`
}

// BestVMPrices reduces the per-region minimums to a single cheapest region
// per SKU and converts to the display currency. Output is sorted by SKU name.
func (e *Engine) BestVMPrices(ctx context.Context, currency string) ([]BestVMView, error) {
	groups, err := e.store.BestVMPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query best VM prices: %w", err)
	}

	best := make(map[string]db.BestVMPrice, len(groups))
	for _, g := range groups {
		cur, ok := best[g.SkuName]
		if !ok || g.MinPrice < cur.MinPrice {
			best[g.SkuName] = g
		}
	}

	rate, code := e.rate(ctx, currency)
	views := make([]BestVMView, 0, len(best))
	for _, g := range best {
		views = append(views, BestVMView{
			SkuName:      g.SkuName,
			Region:       g.Region,
			Price:        convert(g.MinPrice, rate),
			CurrencyCode: code,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].SkuName < views[j].SkuName })
	return views, nil
}

// VMListOptions selects and scopes the VM comparison listing. Region is the
// region prices are quoted for; zero range bounds mean unconstrained.
type VMListOptions struct {
	Region       string
	Currency     string
	MinVCPUs     int
	MaxVCPUs     int
	MinMemoryGiB float64
	MaxMemoryGiB float64
}

// VMOffer is one SKU available in the selected region, enriched with
// hardware details and the cheapest alternative region.
type VMOffer struct {
	SkuName        string   `json:"skuName"`
	Family         string   `json:"family,omitempty"`
	VCPUs          int      `json:"vCpus,omitempty"`
	MemoryGiB      float64  `json:"memoryGib,omitempty"`
	GPUs           int      `json:"gpus,omitempty"`
	GPUType        string   `json:"gpuType,omitempty"`
	CombinedIOPS   int64    `json:"combinedIops,omitempty"`
	MaxDataDisks   int      `json:"maxDataDisks,omitempty"`
	AcceleratedNet bool     `json:"acceleratedNetworking,omitempty"`
	SimilarVMs     []string `json:"similarVms,omitempty"`
	Region         string   `json:"region"`
	Price          float64  `json:"price"`
	CheapestRegion string   `json:"cheapestRegion"`
	CheapestPrice  float64  `json:"cheapestPrice"`
	SavingsPercent float64  `json:"savingsPercent"`
	CurrencyCode   string   `json:"currencyCode"`
	HardwareKnown  bool     `json:"hardwareKnown"`
}

// VMList returns every VM SKU priced in the selected region, joined with the
// hardware catalog and annotated with the cheapest region's price and the
// saving relative to the selected region. SKUs the normalizer cannot resolve
// are still listed, with HardwareKnown false, unless a hardware range filter
// is set.
func (e *Engine) VMList(ctx context.Context, opts VMListOptions) ([]VMOffer, error) {
	if opts.Region == "" {
		return nil, fmt.Errorf("region is required")
	}

	groups, err := e.store.BestVMPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query VM prices: %w", err)
	}

	// DB-provided hardware rows override the embedded catalog.
	if hw, err := e.store.ListHardware(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("hardware catalog unavailable, using embedded specs only")
	} else {
		e.catalog.MergeHardware(hw)
	}

	// Regroup per SKU: the selected region's price plus the global minimum.
	type skuPrices struct {
		selected float64
		hasLocal bool
		cheapest db.BestVMPrice
	}
	bySku := make(map[string]*skuPrices)
	for _, g := range groups {
		sp, ok := bySku[g.SkuName]
		if !ok {
			sp = &skuPrices{cheapest: g}
			bySku[g.SkuName] = sp
		} else if g.MinPrice < sp.cheapest.MinPrice {
			sp.cheapest = g
		}
		if g.Region == opts.Region {
			sp.selected = g.MinPrice
			sp.hasLocal = true
		}
	}

	rate, code := e.rate(ctx, opts.Currency)
	offers := make([]VMOffer, 0, len(bySku))
	for sku, sp := range bySku {
		if !sp.hasLocal {
			continue
		}

		spec := e.catalog.Lookup(sku)
		if !matchesHardware(spec, opts) {
			continue
		}

		offer := VMOffer{
			SkuName:        sku,
			Region:         opts.Region,
			Price:          convert(sp.selected, rate),
			CheapestRegion: sp.cheapest.Region,
			CheapestPrice:  convert(sp.cheapest.MinPrice, rate),
			SavingsPercent: savingsPercent(sp.selected, sp.cheapest.MinPrice),
			CurrencyCode:   code,
		}
		if spec != nil {
			offer.Family = spec.Family
			offer.VCPUs = spec.VCPUs
			offer.MemoryGiB = spec.MemoryGiB
			offer.GPUs = spec.GPUs
			offer.GPUType = spec.GPUType
			offer.CombinedIOPS = spec.CombinedIOPS
			offer.MaxDataDisks = spec.MaxDataDisks
			offer.AcceleratedNet = spec.AcceleratedNet
			offer.SimilarVMs = spec.SimilarVMs
			offer.HardwareKnown = true
		}
		offers = append(offers, offer)
	}

	sort.Slice(offers, func(i, j int) bool {
		if offers[i].Price != offers[j].Price {
			return offers[i].Price < offers[j].Price
		}
		return offers[i].SkuName < offers[j].SkuName
	})
	return offers, nil
}

// LastSync exposes the most recent pipeline run, or (nil, nil) when the
// cache has never been synced.
func (e *Engine) LastSync(ctx context.Context) (*db.SyncLogEntry, error) {
	return e.store.LastSync(ctx)
}

// PriceCount returns the total number of cached rows.
func (e *Engine) PriceCount(ctx context.Context) (int64, error) {
	return e.store.PriceCount(ctx)
}

// rate resolves the display-currency multiplier. USD, the empty string and
// unknown currencies all resolve to 1.0; unknown currencies additionally log.
func (e *Engine) rate(ctx context.Context, currency string) (decimal.Decimal, string) {
	if currency == "" {
		return decimal.NewFromInt(1), db.USD
	}
	if currency == db.USD {
		return decimal.NewFromInt(1), db.USD
	}

	row, err := e.store.GetRate(ctx, currency)
	if err != nil {
		e.logger.Warn().Err(err).Str("currency", currency).Msg("rate lookup failed, using 1.0")
		return decimal.NewFromInt(1), currency
	}
	if row == nil {
		e.logger.Warn().Str("currency", currency).Msg("unknown currency, using rate 1.0")
		return decimal.NewFromInt(1), currency
	}
	return decimal.NewFromFloat(row.RateFromUSD), currency
}

// matchesHardware applies the vCPU/memory range filters. A SKU without a
// resolved spec passes only when no range filter is set; there is nothing to
// test it against.
func matchesHardware(spec *db.HardwareSpec, opts VMListOptions) bool {
	filtered := opts.MinVCPUs > 0 || opts.MaxVCPUs > 0 ||
		opts.MinMemoryGiB > 0 || opts.MaxMemoryGiB > 0
	if spec == nil {
		return !filtered
	}
	if opts.MinVCPUs > 0 && spec.VCPUs < opts.MinVCPUs {
		return false
	}
	if opts.MaxVCPUs > 0 && spec.VCPUs > opts.MaxVCPUs {
		return false
	}
	if opts.MinMemoryGiB > 0 && spec.MemoryGiB < opts.MinMemoryGiB {
		return false
	}
	if opts.MaxMemoryGiB > 0 && spec.MemoryGiB > opts.MaxMemoryGiB {
		return false
	}
	return true
}

func convert(usd float64, rate decimal.Decimal) float64 {
	out, _ := decimal.NewFromFloat(usd).Mul(rate).Round(6).Float64()
	return out
}

// savingsPercent is how much cheaper the best region is than the selected
// one, as a percentage of the selected price, rounded to two places.
func savingsPercent(selected, cheapest float64) float64 {
	if selected <= 0 || cheapest >= selected {
		return 0
	}
	sel := decimal.NewFromFloat(selected)
	diff := sel.Sub(decimal.NewFromFloat(cheapest))
	out, _ := diff.Div(sel).Mul(decimal.NewFromInt(100)).Round(2).Float64()
	return out
}
