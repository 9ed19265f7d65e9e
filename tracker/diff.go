package tracker

import (
	"fmt"

	"landwatch/models"
	"landwatch/storage"
	"landwatch/utils"
)

// Tracker compares freshly extracted listings against persisted history,
// classifying new / price-changed / disappeared, and evaluates alert
// rules against the enriched records.
type Tracker struct {
	store  *storage.Store
	logger *utils.Logger

	// displayThreshold suppresses sub-threshold price changes in the
	// UI-facing field; the stored record keeps the raw delta. 0 = report all.
	displayThreshold int
}

// New creates a Tracker.
func New(store *storage.Store, displayThreshold int, logger *utils.Logger) *Tracker {
	return &Tracker{store: store, displayThreshold: displayThreshold, logger: logger}
}

// AlertMatch pairs a matched rule with the listing that triggered it.
type AlertMatch struct {
	Rule    models.AlertRule
	Listing models.ListingRecord
}

// Enrich diffs one cell's listings against history, fills the derived
// fields in place, and bulk-upserts the resulting history rows in a
// single transaction. Records are immutable after this call.
func (t *Tracker) Enrich(complexID string, tt models.TradeType, records []models.ListingRecord, today string) ([]models.ListingRecord, error) {
	if len(records) == 0 {
		return records, nil
	}

	history, err := t.store.HistoryForComplex(complexID, tt)
	if err != nil {
		return nil, fmt.Errorf("tracker: load history: %w", err)
	}

	upserts := make([]models.HistoryRecord, 0, len(records))
	for i := range records {
		rec := &records[i]

		prev, seen := history[rec.ListingID]
		if !seen {
			rec.IsNew = true
			rec.PriceChange = 0
			rec.PrevPrice = 0
			upserts = append(upserts, models.HistoryRecord{
				ListingID: rec.ListingID,
				ComplexID: rec.ComplexID,
				TradeType: tt,
				Price:     rec.Price,
				LastPrice: rec.Price,
				FirstSeen: today,
				LastSeen:  today,
				Status:    models.StatusActive,
			})
			continue
		}

		delta := rec.Price - prev.Price
		rec.IsNew = false
		rec.PrevPrice = prev.Price
		rec.PriceChange = delta
		if t.displayThreshold > 0 && abs(delta) < t.displayThreshold {
			rec.PriceChange = 0
		}

		upserts = append(upserts, models.HistoryRecord{
			ListingID:   rec.ListingID,
			ComplexID:   rec.ComplexID,
			TradeType:   tt,
			Price:       rec.Price,
			LastPrice:   prev.Price,
			PriceChange: delta,
			FirstSeen:   prev.FirstSeen,
			LastSeen:    today,
			Status:      models.StatusActive,
		})
	}

	if err := t.store.UpsertHistory(upserts); err != nil {
		return nil, fmt.Errorf("tracker: upsert history: %w", err)
	}
	return records, nil
}

// Reconcile flips to disappeared every active record of the cell that was
// not re-confirmed today. Callers must only invoke this after a
// successful fetch: a failed fetch yields zero results too, and sweeping
// then would falsely bury the whole cell.
func (t *Tracker) Reconcile(complexID string, tt models.TradeType, today string) (int64, error) {
	n, err := t.store.MarkDisappeared(complexID, tt, today)
	if err != nil {
		return 0, fmt.Errorf("tracker: reconcile: %w", err)
	}
	if n > 0 {
		t.logger.Info("[tracker] %s/%s: %d listings disappeared", complexID, tt, n)
	}
	return n, nil
}

// MatchAlerts evaluates the cell's enabled rules against every enriched
// listing. Rules are pre-filtered by (complex, tradeType, enabled) so
// disabled or irrelevant rules are never re-scanned per listing.
func (t *Tracker) MatchAlerts(complexID string, tt models.TradeType, records []models.ListingRecord) ([]AlertMatch, error) {
	rules, err := t.store.ActiveRules(complexID, tt)
	if err != nil {
		return nil, fmt.Errorf("tracker: load rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, nil
	}

	var matches []AlertMatch
	for i := range records {
		for _, rule := range rules {
			if rule.Matches(&records[i]) {
				matches = append(matches, AlertMatch{Rule: rule, Listing: records[i]})
			}
		}
	}
	return matches, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
