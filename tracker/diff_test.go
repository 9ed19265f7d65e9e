package tracker

import (
	"path/filepath"
	"testing"
	"time"

	"landwatch/models"
	"landwatch/storage"
	"landwatch/utils"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	logger := utils.NewLogger(false)
	pool, err := storage.NewPool(filepath.Join(t.TempDir(), "test.db"), 2, time.Second, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.CloseAll)

	store, err := storage.NewStore(pool, logger)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func listing(listingID string, price int) models.ListingRecord {
	return models.ListingRecord{
		ComplexName: "ExampleComplex",
		ComplexID:   "12345",
		TradeType:   models.Sale,
		ListingID:   listingID,
		Price:       price,
		AreaM2:      84.0,
		AreaPyeong:  25.4,
	}
}

func TestEnrichFirstAndSecondSighting(t *testing.T) {
	store := newTestStore(t)
	trk := New(store, 0, utils.NewLogger(false))

	first, err := trk.Enrich("12345", models.Sale,
		[]models.ListingRecord{listing("L1", 102000)}, "2026-08-31")
	if err != nil {
		t.Fatal(err)
	}
	if !first[0].IsNew || first[0].PriceChange != 0 || first[0].PrevPrice != 0 {
		t.Errorf("first sighting: isNew=%v change=%d prev=%d, want true/0/0",
			first[0].IsNew, first[0].PriceChange, first[0].PrevPrice)
	}

	second, err := trk.Enrich("12345", models.Sale,
		[]models.ListingRecord{listing("L1", 95000)}, "2026-09-01")
	if err != nil {
		t.Fatal(err)
	}
	if second[0].IsNew {
		t.Error("second sighting must not be new")
	}
	if second[0].PriceChange != -7000 {
		t.Errorf("priceChange = %d, want -7000", second[0].PriceChange)
	}
	if second[0].PrevPrice != 102000 {
		t.Errorf("prevPrice = %d, want 102000", second[0].PrevPrice)
	}

	h, err := store.GetHistory("L1", "12345")
	if err != nil {
		t.Fatal(err)
	}
	if h == nil || h.Price != 95000 || h.LastPrice != 102000 || h.FirstSeen != "2026-08-31" {
		t.Errorf("history row wrong: %+v", h)
	}
}

func TestEnrichThresholdSuppressesDisplayOnly(t *testing.T) {
	store := newTestStore(t)
	trk := New(store, 100, utils.NewLogger(false))

	if _, err := trk.Enrich("12345", models.Sale,
		[]models.ListingRecord{listing("L1", 50000)}, "2026-08-31"); err != nil {
		t.Fatal(err)
	}

	out, err := trk.Enrich("12345", models.Sale,
		[]models.ListingRecord{listing("L1", 49950)}, "2026-09-01")
	if err != nil {
		t.Fatal(err)
	}
	if out[0].PriceChange != 0 {
		t.Errorf("sub-threshold change should be suppressed in the record, got %d", out[0].PriceChange)
	}

	// The stored row keeps the raw delta.
	h, err := store.GetHistory("L1", "12345")
	if err != nil {
		t.Fatal(err)
	}
	if h.PriceChange != -50 {
		t.Errorf("stored delta = %d, want -50", h.PriceChange)
	}
}

func TestReconcileFlipsOnlyUnconfirmed(t *testing.T) {
	store := newTestStore(t)
	trk := New(store, 0, utils.NewLogger(false))

	day1 := []models.ListingRecord{listing("L1", 100), listing("L2", 200)}
	if _, err := trk.Enrich("12345", models.Sale, day1, "2026-08-31"); err != nil {
		t.Fatal(err)
	}

	// Only L1 re-confirmed on day 2.
	day2 := []models.ListingRecord{listing("L1", 100)}
	if _, err := trk.Enrich("12345", models.Sale, day2, "2026-09-01"); err != nil {
		t.Fatal(err)
	}

	n, err := trk.Reconcile("12345", models.Sale, "2026-09-01")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("flipped %d rows, want 1", n)
	}

	h1, _ := store.GetHistory("L1", "12345")
	h2, _ := store.GetHistory("L2", "12345")
	if h1.Status != models.StatusActive {
		t.Errorf("L1 status = %s, want active", h1.Status)
	}
	if h2.Status != models.StatusDisappeared {
		t.Errorf("L2 status = %s, want disappeared", h2.Status)
	}
}

func TestMatchAlertsInclusiveBounds(t *testing.T) {
	store := newTestStore(t)
	trk := New(store, 0, utils.NewLogger(false))

	ruleID, err := store.SaveRule(models.AlertRule{
		ComplexID: "12345",
		TradeType: models.Sale,
		AreaMin:   80,
		AreaMax:   84,
		PriceMin:  90000,
		PriceMax:  102000,
		Enabled:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Disabled rules are never matched.
	if _, err := store.SaveRule(models.AlertRule{
		ComplexID: "12345", TradeType: models.Sale,
		AreaMin: 0, AreaMax: 999, PriceMin: 0, PriceMax: 999999,
	}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		area  float64
		price int
		want  int
	}{
		{84, 102000, 1}, // both at the inclusive upper bound
		{80, 90000, 1},  // both at the inclusive lower bound
		{84.1, 95000, 0},
		{82, 102001, 0},
	}
	for _, tt := range tests {
		l := listing("LX", tt.price)
		l.AreaM2 = tt.area
		matches, err := trk.MatchAlerts("12345", models.Sale, []models.ListingRecord{l})
		if err != nil {
			t.Fatal(err)
		}
		if len(matches) != tt.want {
			t.Errorf("area=%v price=%d: %d matches, want %d", tt.area, tt.price, len(matches), tt.want)
		}
		if tt.want == 1 && matches[0].Rule.ID != ruleID {
			t.Errorf("matched rule %d, want %d", matches[0].Rule.ID, ruleID)
		}
	}
}
