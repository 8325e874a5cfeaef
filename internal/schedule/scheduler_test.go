package schedule

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"azure-cost/db"
	"azure-cost/db/memory"
	"azure-cost/internal/rates"
	"azure-cost/internal/syncer"
	"azure-cost/pkg/retail"
)

// newTestScheduler wires a scheduler against one fake upstream that serves
// both the reference-SKU probes and the sync matrix.
func newTestScheduler(t *testing.T, store db.Store, upstreamStatus int) *Scheduler {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if upstreamStatus != http.StatusOK {
			w.WriteHeader(upstreamStatus)
			return
		}
		filter := r.URL.Query().Get("$filter")
		currency := r.URL.Query().Get("currencyCode")
		switch {
		case strings.Contains(filter, "'"+rates.ReferenceSKU+"'"):
			price := 0.096
			if currency == "INR" {
				price = 7.968
			}
			json.NewEncoder(w).Encode(retail.Response{Items: []retail.Item{{
				RetailPrice: price, CurrencyCode: currency,
			}}, Count: 1})
		default:
			json.NewEncoder(w).Encode(retail.Response{Items: []retail.Item{{
				MeterID: "m1", SkuID: "s1", ServiceName: "Virtual Machines",
				SkuName: "D2s v5", ArmRegionName: "eastus",
				RetailPrice: 0.096, UnitPrice: 0.096, CurrencyCode: currency,
				Type: "Consumption", EffectiveStartDate: "2024-01-01T00:00:00Z",
			}}, Count: 1})
		}
	}))
	t.Cleanup(server.Close)

	client := retail.NewClient(retail.WithBaseURL(server.URL), retail.WithRetries(0))
	cfg := &syncer.Config{
		Services:   []string{"Virtual Machines"},
		Regions:    []string{"eastus"},
		Currencies: []string{db.USD},
		StaleAfter: 72 * time.Hour,
	}
	pipeline := syncer.New(client, store, zerolog.Nop(), cfg)

	refresher := rates.New(client, store, zerolog.Nop())
	sched, err := New(pipeline, refresher, DefaultCronExpr, DefaultTimezone, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sched
}

func TestNewRejectsBadInputs(t *testing.T) {
	if _, err := New(nil, nil, "not a cron expr", DefaultTimezone, zerolog.Nop()); err == nil {
		t.Error("expected error for invalid cron expression")
	}
	if _, err := New(nil, nil, DefaultCronExpr, "Not/AZone", zerolog.Nop()); err == nil {
		t.Error("expected error for invalid timezone")
	}
}

func TestNewDefaultsEmptySchedule(t *testing.T) {
	store := memory.NewStore()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(retail.Response{})
	}))
	defer server.Close()

	client := retail.NewClient(retail.WithBaseURL(server.URL))
	pipeline := syncer.New(client, store, zerolog.Nop(), nil)
	refresher := rates.New(client, store, zerolog.Nop())

	if _, err := New(pipeline, refresher, "", "", zerolog.Nop()); err != nil {
		t.Fatalf("New with empty expr/timezone: %v", err)
	}
}

func TestRunOnceRefreshesRatesThenSyncs(t *testing.T) {
	store := memory.NewStore()
	sched := newTestScheduler(t, store, http.StatusOK)

	sched.RunOnce(context.Background())

	// Rates were refreshed from the reference probes.
	inr, err := store.GetRate(context.Background(), "INR")
	if err != nil || inr == nil {
		t.Fatalf("INR rate after run: %v, %v", inr, err)
	}

	// A sync ran and completed.
	last, _ := store.LastSync(context.Background())
	if last == nil || last.Status != db.SyncStatusCompleted {
		t.Fatalf("sync log after run: %+v", last)
	}
	count, _ := store.PriceCount(context.Background())
	if count == 0 {
		t.Error("no prices stored by the scheduled run")
	}
}

// A completely dead upstream must not panic or leave the log open; the
// scheduler swallows the failure and stays armed.
func TestRunOnceSurvivesUpstreamOutage(t *testing.T) {
	store := memory.NewStore()
	sched := newTestScheduler(t, store, http.StatusInternalServerError)

	sched.RunOnce(context.Background())

	last, _ := store.LastSync(context.Background())
	if last == nil || last.Status != db.SyncStatusFailed || last.CompletedAt == nil {
		t.Fatalf("sync log after outage: %+v", last)
	}
}

func TestStartStop(t *testing.T) {
	store := memory.NewStore()
	sched := newTestScheduler(t, store, http.StatusOK)
	sched.Start()
	sched.Stop()
}
