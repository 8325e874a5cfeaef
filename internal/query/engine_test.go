package query

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"azure-cost/db"
	"azure-cost/db/memory"
	"azure-cost/pkg/vmspecs"
)

func newTestEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	catalog, err := vmspecs.NewCatalog()
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return New(store, catalog, zerolog.Nop()), store
}

func vmRow(skuName, region string, price float64) db.PriceRecord {
	return db.PriceRecord{
		MeterID:       "meter-" + skuName + "-" + region,
		SkuID:         "sku-" + skuName,
		ServiceName:   "Virtual Machines",
		ProductName:   "Virtual Machines Dsv5 Series",
		SkuName:       skuName,
		ArmRegionName: region,
		CurrencyCode:  db.USD,
		RetailPrice:   price,
		UnitPrice:     price,
		Type:          db.TypeConsumption,
	}
}

func seed(t *testing.T, store *memory.Store, rows ...db.PriceRecord) {
	t.Helper()
	if _, err := store.UpsertPrices(context.Background(), rows); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func approx(t *testing.T, got, want float64, what string) {
	t.Helper()
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("%s = %v, want %v", what, got, want)
	}
}

func TestPricesConvertsCurrency(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	seed(t, store, vmRow("Standard_D2s_v5", "eastus", 0.096))
	if err := store.UpsertRate(ctx, "INR", 83.0); err != nil {
		t.Fatal(err)
	}

	views, err := engine.Prices(ctx, db.QueryFilter{}, "INR")
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d views, want 1", len(views))
	}
	approx(t, views[0].RetailPrice, 0.096*83.0, "converted retail price")
	if views[0].CurrencyCode != "INR" {
		t.Errorf("currencyCode = %q, want INR", views[0].CurrencyCode)
	}
}

func TestPricesUnknownCurrencyFallsBackToStoredValue(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seed(t, store, vmRow("Standard_D2s_v5", "eastus", 0.096))

	views, err := engine.Prices(ctx, db.QueryFilter{}, "XYZ")
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}
	approx(t, views[0].RetailPrice, 0.096, "price at fallback rate 1.0")
	if views[0].CurrencyCode != "XYZ" {
		t.Errorf("currencyCode = %q, want the requested XYZ", views[0].CurrencyCode)
	}
}

func TestPricesDefaultCurrencyIsUSD(t *testing.T) {
	engine, store := newTestEngine(t)
	seed(t, store, vmRow("Standard_D2s_v5", "eastus", 0.096))

	views, err := engine.Prices(context.Background(), db.QueryFilter{}, "")
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}
	if views[0].CurrencyCode != db.USD {
		t.Errorf("currencyCode = %q, want USD", views[0].CurrencyCode)
	}
}

func TestBestVMPricesPicksCheapestRegionPerSKU(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	seed(t, store,
		vmRow("Standard_D2s_v5", "eastus", 0.096),
		vmRow("Standard_D2s_v5", "centralindia", 0.079),
		vmRow("Standard_D2s_v5", "westeurope", 0.106),
		vmRow("Standard_B2s", "eastus", 0.046),
	)

	views, err := engine.BestVMPrices(ctx, "")
	if err != nil {
		t.Fatalf("BestVMPrices: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("got %d SKUs, want 2", len(views))
	}
	// Sorted by SKU name: B2s before D2s_v5.
	if views[0].SkuName != "Standard_B2s" || views[0].Region != "eastus" {
		t.Errorf("first view: %+v", views[0])
	}
	if views[1].SkuName != "Standard_D2s_v5" || views[1].Region != "centralindia" {
		t.Errorf("D2s_v5 best region: %+v", views[1])
	}
	approx(t, views[1].Price, 0.079, "D2s_v5 best price")
}

func TestBestVMPricesTieBreaksOnRegionName(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	// Equal prices in two regions: the store returns groups ordered by
	// (SKU, region), so the alphabetically first region wins.
	seed(t, store,
		vmRow("Standard_D2s_v5", "westus", 0.096),
		vmRow("Standard_D2s_v5", "eastus", 0.096),
	)

	views, err := engine.BestVMPrices(ctx, "")
	if err != nil {
		t.Fatalf("BestVMPrices: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d SKUs, want 1", len(views))
	}
	if views[0].Region != "eastus" {
		t.Errorf("tie broke to %q, want eastus", views[0].Region)
	}
}

// End to end: sync-shaped rows in the store, INR rate loaded, best price
// requested in INR.
func TestBestVMPricesInINR(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	seed(t, store,
		vmRow("Standard_D2s_v5", "eastus", 0.096),
		vmRow("Standard_D2s_v5", "centralindia", 0.079),
	)
	if err := store.UpsertRate(ctx, "INR", 83.0); err != nil {
		t.Fatal(err)
	}

	views, err := engine.BestVMPrices(ctx, "INR")
	if err != nil {
		t.Fatalf("BestVMPrices: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d views, want 1", len(views))
	}
	if views[0].Region != "centralindia" || views[0].CurrencyCode != "INR" {
		t.Errorf("view: %+v", views[0])
	}
	approx(t, views[0].Price, 0.079*83.0, "best price in INR")
}

func TestVMListComputesSavings(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	seed(t, store,
		vmRow("Standard_D2s_v5", "eastus", 0.10),
		vmRow("Standard_D2s_v5", "centralindia", 0.08),
		vmRow("Standard_B2s", "eastus", 0.046),
	)

	offers, err := engine.VMList(ctx, VMListOptions{Region: "eastus"})
	if err != nil {
		t.Fatalf("VMList: %v", err)
	}
	if len(offers) != 2 {
		t.Fatalf("got %d offers, want 2", len(offers))
	}

	var d2s *VMOffer
	for i := range offers {
		if offers[i].SkuName == "Standard_D2s_v5" {
			d2s = &offers[i]
		}
	}
	if d2s == nil {
		t.Fatal("D2s_v5 missing from listing")
	}
	approx(t, d2s.Price, 0.10, "selected region price")
	approx(t, d2s.CheapestPrice, 0.08, "cheapest region price")
	if d2s.CheapestRegion != "centralindia" {
		t.Errorf("cheapest region = %q", d2s.CheapestRegion)
	}
	approx(t, d2s.SavingsPercent, 20.0, "savings percent")

	// Hardware joined through the normalizer.
	if !d2s.HardwareKnown || d2s.VCPUs != 2 {
		t.Errorf("hardware not joined: %+v", d2s)
	}
}

func TestVMListSkipsSKUsNotInRegion(t *testing.T) {
	engine, store := newTestEngine(t)
	seed(t, store,
		vmRow("Standard_D2s_v5", "eastus", 0.10),
		vmRow("Standard_B2s", "westeurope", 0.046),
	)

	offers, err := engine.VMList(context.Background(), VMListOptions{Region: "eastus"})
	if err != nil {
		t.Fatalf("VMList: %v", err)
	}
	if len(offers) != 1 || offers[0].SkuName != "Standard_D2s_v5" {
		t.Fatalf("offers: %+v", offers)
	}
}

func TestVMListHardwareRangeFilters(t *testing.T) {
	engine, store := newTestEngine(t)
	seed(t, store,
		vmRow("Standard_D2s_v5", "eastus", 0.10), // 2 vCPU
		vmRow("Standard_D8s_v5", "eastus", 0.40), // 8 vCPU
		vmRow("Standard_Zz9_v1", "eastus", 0.01), // unknown hardware
	)

	offers, err := engine.VMList(context.Background(), VMListOptions{
		Region:   "eastus",
		MinVCPUs: 4,
	})
	if err != nil {
		t.Fatalf("VMList: %v", err)
	}
	if len(offers) != 1 || offers[0].SkuName != "Standard_D8s_v5" {
		t.Fatalf("vCPU filter: %+v", offers)
	}

	// Without range filters the unknown SKU is still listed, price-only.
	offers, err = engine.VMList(context.Background(), VMListOptions{Region: "eastus"})
	if err != nil {
		t.Fatalf("VMList: %v", err)
	}
	found := false
	for _, o := range offers {
		if o.SkuName == "Standard_Zz9_v1" {
			found = true
			if o.HardwareKnown {
				t.Error("unknown SKU claims known hardware")
			}
		}
	}
	if !found {
		t.Error("unknown-hardware SKU dropped from unfiltered listing")
	}
}

func TestVMListRequiresRegion(t *testing.T) {
	engine, _ := newTestEngine(t)
	if _, err := engine.VMList(context.Background(), VMListOptions{}); err == nil {
		t.Fatal("expected error for missing region")
	}
}

func TestVMListMergesScrapedHardware(t *testing.T) {
	engine, store := newTestEngine(t)
	seed(t, store, vmRow("Standard_M416ms_v2", "eastus", 12.0))
	store.SeedHardware([]db.HardwareSpec{
		{Name: "Standard_M416ms_v2", Family: "memory optimized", VCPUs: 416, MemoryGiB: 11400},
	})

	offers, err := engine.VMList(context.Background(), VMListOptions{Region: "eastus"})
	if err != nil {
		t.Fatalf("VMList: %v", err)
	}
	if len(offers) != 1 {
		t.Fatalf("offers: %+v", offers)
	}
	if !offers[0].HardwareKnown || offers[0].VCPUs != 416 {
		t.Errorf("scraped hardware not merged: %+v", offers[0])
	}
}

// Search scenario over the full read path: meter names live only in the raw
// payload, so the search filter must reach into it.
func TestPricesSearchMatchesMeterName(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	row := vmRow("Standard_D2s_v5", "eastus", 0.096)
	row.RawData = json.RawMessage(`{"meterName":"D2s v5"}`)
	other := vmRow("Standard_B2s", "eastus", 0.046)
	other.RawData = json.RawMessage(`{"meterName":"B2s"}`)
	seed(t, store, row, other)

	views, err := engine.Prices(ctx, db.QueryFilter{Search: "d2s"}, "")
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}
	if len(views) != 1 || views[0].SkuName != "Standard_D2s_v5" {
		t.Fatalf("search results: %+v", views)
	}
}

func TestSavingsPercent(t *testing.T) {
	tests := []struct {
		name               string
		selected, cheapest float64
		want               float64
	}{
		{"twenty percent", 0.10, 0.08, 20},
		{"no saving", 0.08, 0.08, 0},
		{"cheapest is selected region", 0.08, 0.10, 0},
		{"zero selected price", 0, 0.05, 0},
		{"fractional", 3, 2, 33.33},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			approx(t, savingsPercent(tt.selected, tt.cheapest), tt.want, "savingsPercent")
		})
	}
}
