package models

import "testing"

func TestTradeTypeCodes(t *testing.T) {
	tests := []struct {
		tt   TradeType
		code string
		str  string
	}{
		{Sale, "A1", "매매"},
		{Jeonse, "B1", "전세"},
		{MonthlyRent, "B2", "월세"},
	}
	for _, tt := range tests {
		if got := tt.tt.Code(); got != tt.code {
			t.Errorf("Code(%v) = %q; want %q", tt.tt, got, tt.code)
		}
		if got := tt.tt.String(); got != tt.str {
			t.Errorf("String(%v) = %q; want %q", tt.tt, got, tt.str)
		}
	}
}

func TestAreaFilterAllows(t *testing.T) {
	tests := []struct {
		name   string
		filter AreaFilter
		area   float64
		want   bool
	}{
		{"unbounded passes everything", AreaFilter{}, 300, true},
		{"inside window", AreaFilter{MinM2: 60, MaxM2: 85}, 84, true},
		{"at lower bound", AreaFilter{MinM2: 60, MaxM2: 85}, 60, true},
		{"at upper bound", AreaFilter{MinM2: 60, MaxM2: 85}, 85, true},
		{"below min", AreaFilter{MinM2: 60, MaxM2: 85}, 59.9, false},
		{"above max", AreaFilter{MinM2: 60, MaxM2: 85}, 85.1, false},
		{"zero max means no upper bound", AreaFilter{MinM2: 60}, 200, true},
	}
	for _, tt := range tests {
		if got := tt.filter.Allows(tt.area); got != tt.want {
			t.Errorf("%s: Allows(%v) = %v; want %v", tt.name, tt.area, got, tt.want)
		}
	}
}

func TestPriceFilterAllows(t *testing.T) {
	tests := []struct {
		name   string
		filter PriceFilter
		price  int
		want   bool
	}{
		{"unbounded passes everything", PriceFilter{}, 999999, true},
		{"inside window", PriceFilter{Min: 50000, Max: 110000}, 102000, true},
		{"at bounds", PriceFilter{Min: 50000, Max: 110000}, 50000, true},
		{"below min", PriceFilter{Min: 50000, Max: 110000}, 49999, false},
		{"above max", PriceFilter{Min: 50000, Max: 110000}, 110001, false},
		{"zero max means no upper bound", PriceFilter{Min: 50000}, 500000, true},
	}
	for _, tt := range tests {
		if got := tt.filter.Allows(tt.price); got != tt.want {
			t.Errorf("%s: Allows(%d) = %v; want %v", tt.name, tt.price, got, tt.want)
		}
	}
}

func TestAlertRuleMatchesInclusive(t *testing.T) {
	rule := AlertRule{AreaMin: 80, AreaMax: 85, PriceMin: 90000, PriceMax: 102000}

	hit := &ListingRecord{AreaM2: 84, Price: 102000}
	if !rule.Matches(hit) {
		t.Error("listing at the inclusive upper bounds must match")
	}
	miss := &ListingRecord{AreaM2: 84, Price: 102001}
	if rule.Matches(miss) {
		t.Error("listing over the price bound must not match")
	}
}
