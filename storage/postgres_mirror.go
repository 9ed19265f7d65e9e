package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"landwatch/models"
)

// ListingSink receives enriched listings for downstream consumers.
type ListingSink interface {
	Write(listings []models.ListingRecord) error
	Close() error
}

// PostgresMirror batch-upserts enriched listings into an external
// PostgreSQL database for analytics. It is optional; the embedded store
// remains the source of truth.
type PostgresMirror struct {
	db *sql.DB
}

// NewPostgresMirror opens a connection to PostgreSQL, runs schema
// migrations, and returns a ready-to-use mirror sink.
func NewPostgresMirror(dsn string) (*PostgresMirror, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("mirror: open: %w", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.Ping(); err == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("mirror: ping failed after retries: %w", err)
	}

	m := &PostgresMirror{db: db}
	if err := m.migrate(); err != nil {
		return nil, fmt.Errorf("mirror: migrate: %w", err)
	}
	return m, nil
}

func (m *PostgresMirror) migrate() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS listings (
			listing_id       TEXT        NOT NULL,
			complex_id       TEXT        NOT NULL,
			complex_name     TEXT        NOT NULL DEFAULT '',
			trade_type       SMALLINT    NOT NULL,
			price            INTEGER     NOT NULL DEFAULT 0,
			monthly_rent     INTEGER     NOT NULL DEFAULT 0,
			area_m2          NUMERIC(8,2) NOT NULL DEFAULT 0,
			floor_info       TEXT        NOT NULL DEFAULT '',
			direction        TEXT        NOT NULL DEFAULT '',
			feature          TEXT        NOT NULL DEFAULT '',
			price_change     INTEGER     NOT NULL DEFAULT 0,
			captured_at      TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (listing_id, complex_id)
		);

		CREATE INDEX IF NOT EXISTS idx_listings_complex ON listings(complex_id);
		CREATE INDEX IF NOT EXISTS idx_listings_price   ON listings(price);
	`)
	return err
}

// Write upserts the listings in batches.
func (m *PostgresMirror) Write(listings []models.ListingRecord) error {
	if len(listings) == 0 {
		return nil
	}

	const batchSize = 50
	for i := 0; i < len(listings); i += batchSize {
		end := i + batchSize
		if end > len(listings) {
			end = len(listings)
		}
		if err := m.upsertBatch(listings[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (m *PostgresMirror) upsertBatch(batch []models.ListingRecord) error {
	valueStrings := make([]string, 0, len(batch))
	valueArgs := make([]interface{}, 0, len(batch)*12)

	for idx, l := range batch {
		base := idx * 12
		placeholders := make([]string, 12)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", base+j+1)
		}
		valueStrings = append(valueStrings, "("+strings.Join(placeholders, ",")+")")
		valueArgs = append(valueArgs,
			l.ListingID, l.ComplexID, l.ComplexName, int(l.TradeType), l.Price,
			l.MonthlyRent, l.AreaM2, l.FloorInfo, l.Direction, l.Feature,
			l.PriceChange, l.CapturedAt)
	}

	query := fmt.Sprintf(`
		INSERT INTO listings
			(listing_id, complex_id, complex_name, trade_type, price, monthly_rent,
			 area_m2, floor_info, direction, feature, price_change, captured_at)
		VALUES %s
		ON CONFLICT (listing_id, complex_id) DO UPDATE SET
			price        = EXCLUDED.price,
			monthly_rent = EXCLUDED.monthly_rent,
			price_change = EXCLUDED.price_change,
			feature      = EXCLUDED.feature,
			captured_at  = EXCLUDED.captured_at
	`, strings.Join(valueStrings, ","))

	_, err := m.db.Exec(query, valueArgs...)
	return err
}

func (m *PostgresMirror) Close() error {
	return m.db.Close()
}
