package models

import "time"

// TradeType is the lease/sale structure of a listing.
type TradeType int

const (
	Sale TradeType = iota // 매매
	Jeonse
	MonthlyRent
)

// Code returns the query-parameter code the source uses for this trade type.
func (t TradeType) Code() string {
	switch t {
	case Sale:
		return "A1"
	case Jeonse:
		return "B1"
	case MonthlyRent:
		return "B2"
	}
	return ""
}

func (t TradeType) String() string {
	switch t {
	case Sale:
		return "매매"
	case Jeonse:
		return "전세"
	case MonthlyRent:
		return "월세"
	}
	return "unknown"
}

// CrawlTarget is one tracked property complex. Immutable once a run starts.
type CrawlTarget struct {
	Name      string
	ComplexID string
}

// ListingRecord is one extracted and enriched listing. After enrichment it
// is not mutated again within a run.
type ListingRecord struct {
	ComplexName string    `json:"complex_name"`
	ComplexID   string    `json:"complex_id"`
	TradeType   TradeType `json:"trade_type"`

	// Price is the sale price or jeonse deposit in 만원. For monthly-rent
	// listings Price holds the deposit and MonthlyRent the recurring rent.
	Price       int `json:"price"`
	MonthlyRent int `json:"monthly_rent,omitempty"`

	AreaM2     float64 `json:"area_m2"`
	AreaPyeong float64 `json:"area_pyeong"`
	FloorInfo  string  `json:"floor_info"`
	Direction  string  `json:"direction"`
	Feature    string  `json:"feature"`
	ListingID  string  `json:"listing_id"`

	CapturedAt time.Time `json:"captured_at"`

	// Filled in by the history diff.
	IsNew          bool `json:"is_new"`
	PriceChange    int  `json:"price_change"`
	PrevPrice      int  `json:"prev_price"`
	PricePerPyeong int  `json:"price_per_pyeong"`
}

// CacheEntry is one cached crawl result, keyed by complexID_tradeType.
type CacheEntry struct {
	CachedAt time.Time       `json:"cachedAt"`
	RawItems []ListingRecord `json:"rawItems"`
}

// History statuses.
const (
	StatusActive      = "active"
	StatusDisappeared = "disappeared"
)

// HistoryRecord is the persisted last-known state of one listing.
type HistoryRecord struct {
	ListingID   string
	ComplexID   string
	TradeType   TradeType
	Price       int
	LastPrice   int
	PriceChange int
	FirstSeen   string // YYYY-MM-DD
	LastSeen    string
	Status      string
}

// AlertRule is a user-defined matching rule. Bounds are inclusive.
type AlertRule struct {
	ID        int64
	ComplexID string
	TradeType TradeType
	AreaMin   float64
	AreaMax   float64
	PriceMin  int
	PriceMax  int
	Enabled   bool
}

// Matches reports whether the listing falls inside the rule's bounds.
func (r AlertRule) Matches(l *ListingRecord) bool {
	return l.AreaM2 >= r.AreaMin && l.AreaM2 <= r.AreaMax &&
		l.Price >= r.PriceMin && l.Price <= r.PriceMax
}

// CrawlStats are running counters for one run; reset at run start.
type CrawlStats struct {
	TotalFound  int
	FilteredOut int
	CacheHits   int
	ByTradeType map[string]int
}

// NewCrawlStats returns zeroed counters.
func NewCrawlStats() *CrawlStats {
	return &CrawlStats{ByTradeType: make(map[string]int)}
}

// AreaFilter bounds exclusive area in ㎡. A zero MaxM2 means unbounded.
type AreaFilter struct {
	MinM2 float64
	MaxM2 float64
}

// Allows reports whether the area passes the filter.
func (f AreaFilter) Allows(areaM2 float64) bool {
	if f.MinM2 > 0 && areaM2 < f.MinM2 {
		return false
	}
	if f.MaxM2 > 0 && areaM2 > f.MaxM2 {
		return false
	}
	return true
}

// PriceFilter bounds price in 만원. A zero Max means unbounded.
type PriceFilter struct {
	Min int
	Max int
}

// Allows reports whether the price passes the filter.
func (f PriceFilter) Allows(price int) bool {
	if f.Min > 0 && price < f.Min {
		return false
	}
	if f.Max > 0 && price > f.Max {
		return false
	}
	return true
}

// SpeedPreset is the inter-request delay window for one crawl speed.
type SpeedPreset struct {
	Name     string
	MinDelay time.Duration
	MaxDelay time.Duration
}
