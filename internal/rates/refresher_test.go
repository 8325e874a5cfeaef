package rates

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"azure-cost/db"
	"azure-cost/db/memory"
	"azure-cost/pkg/retail"
)

// referenceUpstream serves the reference SKU priced per currency. A zero or
// missing price yields an empty page for that currency.
func referenceUpstream(t *testing.T, prices map[string]float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("$filter")
		if !strings.Contains(filter, "'"+ReferenceSKU+"'") || !strings.Contains(filter, "'"+ReferenceRegion+"'") {
			t.Errorf("unexpected reference filter %q", filter)
		}
		currency := r.URL.Query().Get("currencyCode")
		price, ok := prices[currency]
		if !ok {
			json.NewEncoder(w).Encode(retail.Response{})
			return
		}
		json.NewEncoder(w).Encode(retail.Response{Items: []retail.Item{{
			SkuName:      "D2s v5",
			ArmSkuName:   ReferenceSKU,
			RetailPrice:  price,
			CurrencyCode: currency,
		}}, Count: 1})
	}))
}

func newTestRefresher(t *testing.T, server *httptest.Server, store db.RateStore, currencies []string) *Refresher {
	t.Helper()
	client := retail.NewClient(retail.WithBaseURL(server.URL), retail.WithRetries(0))
	r := New(client, store, zerolog.Nop())
	if currencies != nil {
		r.currencies = currencies
	}
	return r
}

func TestRefreshDerivesRatesFromReferencePrices(t *testing.T) {
	store := memory.NewStore()
	server := referenceUpstream(t, map[string]float64{
		"USD": 0.096,
		"INR": 7.968, // 83x
		"EUR": 0.0864,
	})
	defer server.Close()

	r := newTestRefresher(t, server, store, []string{"INR", "EUR"})
	updated, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if updated != 2 {
		t.Errorf("updated = %d, want 2", updated)
	}

	inr, _ := store.GetRate(context.Background(), "INR")
	if inr == nil || math.Abs(inr.RateFromUSD-83.0) > 1e-9 {
		t.Errorf("INR rate: %+v, want 83.0", inr)
	}
	eur, _ := store.GetRate(context.Background(), "EUR")
	if eur == nil || math.Abs(eur.RateFromUSD-0.9) > 1e-9 {
		t.Errorf("EUR rate: %+v, want 0.9", eur)
	}
}

func TestRefreshAbortsWithoutUSDBase(t *testing.T) {
	store := memory.NewStore()
	server := referenceUpstream(t, map[string]float64{"INR": 7.968})
	defer server.Close()

	r := newTestRefresher(t, server, store, []string{"INR"})
	if _, err := r.Refresh(context.Background()); err == nil {
		t.Fatal("expected error when the USD base price is unavailable")
	}

	// No rate may be written off a missing base.
	inr, _ := store.GetRate(context.Background(), "INR")
	if inr != nil {
		t.Errorf("rate written despite missing base: %+v", inr)
	}
}

func TestRefreshSkipsFailingCurrencies(t *testing.T) {
	store := memory.NewStore()
	server := referenceUpstream(t, map[string]float64{
		"USD": 0.096,
		"EUR": 0.0864,
		// INR missing: probe returns an empty page.
	})
	defer server.Close()

	r := newTestRefresher(t, server, store, []string{"INR", "EUR"})
	updated, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if updated != 1 {
		t.Errorf("updated = %d, want 1 (INR skipped)", updated)
	}
	if inr, _ := store.GetRate(context.Background(), "INR"); inr != nil {
		t.Errorf("missing currency still written: %+v", inr)
	}
	if eur, _ := store.GetRate(context.Background(), "EUR"); eur == nil {
		t.Error("EUR skipped although its probe succeeded")
	}
}

func TestRefreshKeepsPreviousRateOnProbeFailure(t *testing.T) {
	store := memory.NewStore()
	if err := store.UpsertRate(context.Background(), "INR", 82.0); err != nil {
		t.Fatal(err)
	}

	server := referenceUpstream(t, map[string]float64{"USD": 0.096})
	defer server.Close()

	r := newTestRefresher(t, server, store, []string{"INR"})
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	inr, _ := store.GetRate(context.Background(), "INR")
	if inr == nil || inr.RateFromUSD != 82.0 {
		t.Errorf("previous rate lost: %+v", inr)
	}
}
