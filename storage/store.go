package storage

import (
	"database/sql"
	"fmt"
	"math"

	"landwatch/models"
	"landwatch/utils"
)

// Store exposes the persisted schema over the connection pool: tracked
// complexes and groups, crawl runs, price snapshots, article history,
// alert rules and per-article notes.
type Store struct {
	pool   *Pool
	logger *utils.Logger
}

// NewStore runs the schema migration and returns a ready Store.
func NewStore(pool *Pool, logger *utils.Logger) (*Store, error) {
	s := &Store{pool: pool, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	db, err := s.pool.Get()
	if err != nil {
		return err
	}
	defer s.pool.Put(db)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS complexes (
			complex_id TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			added_at   TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS complex_groups (
			id   INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		);

		CREATE TABLE IF NOT EXISTS group_members (
			group_id   INTEGER NOT NULL REFERENCES complex_groups(id),
			complex_id TEXT    NOT NULL REFERENCES complexes(complex_id),
			PRIMARY KEY (group_id, complex_id)
		);

		CREATE TABLE IF NOT EXISTS crawl_runs (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at    TEXT NOT NULL,
			finished_at   TEXT,
			status        TEXT NOT NULL DEFAULT 'running',
			total_found   INTEGER NOT NULL DEFAULT 0,
			error_message TEXT
		);

		CREATE TABLE IF NOT EXISTS price_snapshots (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			complex_id  TEXT    NOT NULL,
			trade_type  INTEGER NOT NULL,
			area_bucket INTEGER NOT NULL,
			date        TEXT    NOT NULL,
			min_price   INTEGER NOT NULL,
			avg_price   INTEGER NOT NULL,
			max_price   INTEGER NOT NULL,
			count       INTEGER NOT NULL,
			UNIQUE (complex_id, trade_type, area_bucket, date)
		);

		CREATE TABLE IF NOT EXISTS article_history (
			listing_id   TEXT    NOT NULL,
			complex_id   TEXT    NOT NULL,
			trade_type   INTEGER NOT NULL,
			price        INTEGER NOT NULL,
			last_price   INTEGER NOT NULL,
			price_change INTEGER NOT NULL DEFAULT 0,
			first_seen   TEXT    NOT NULL,
			last_seen    TEXT    NOT NULL,
			status       TEXT    NOT NULL DEFAULT 'active',
			PRIMARY KEY (listing_id, complex_id)
		);
		CREATE INDEX IF NOT EXISTS idx_history_complex ON article_history(complex_id);
		CREATE INDEX IF NOT EXISTS idx_history_listing ON article_history(listing_id);
		CREATE INDEX IF NOT EXISTS idx_history_status  ON article_history(status);

		CREATE TABLE IF NOT EXISTS alert_rules (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			complex_id TEXT    NOT NULL,
			trade_type INTEGER NOT NULL,
			area_min   REAL    NOT NULL DEFAULT 0,
			area_max   REAL    NOT NULL DEFAULT 0,
			price_min  INTEGER NOT NULL DEFAULT 0,
			price_max  INTEGER NOT NULL DEFAULT 0,
			enabled    INTEGER NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_rules_lookup ON alert_rules(complex_id, trade_type, enabled);

		CREATE TABLE IF NOT EXISTS article_notes (
			listing_id TEXT NOT NULL,
			complex_id TEXT NOT NULL,
			note       TEXT NOT NULL DEFAULT '',
			favorite   INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (listing_id, complex_id)
		);
	`)
	return err
}

// complexes and groups

func (s *Store) AddComplex(t models.CrawlTarget) error {
	db, err := s.pool.Get()
	if err != nil {
		return err
	}
	defer s.pool.Put(db)

	_, err = db.Exec(`
		INSERT INTO complexes (complex_id, name) VALUES (?, ?)
		ON CONFLICT (complex_id) DO UPDATE SET name = excluded.name`,
		t.ComplexID, t.Name)
	return err
}

func (s *Store) ListComplexes() ([]models.CrawlTarget, error) {
	db, err := s.pool.Get()
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(db)

	rows, err := db.Query(`SELECT complex_id, name FROM complexes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []models.CrawlTarget
	for rows.Next() {
		var t models.CrawlTarget
		if err := rows.Scan(&t.ComplexID, &t.Name); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (s *Store) CreateGroup(name string) (int64, error) {
	db, err := s.pool.Get()
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(db)

	res, err := db.Exec(`INSERT OR IGNORE INTO complex_groups (name) VALUES (?)`, name)
	if err != nil {
		return 0, err
	}
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		return id, nil
	}
	var id int64
	err = db.QueryRow(`SELECT id FROM complex_groups WHERE name = ?`, name).Scan(&id)
	return id, err
}

func (s *Store) AddToGroup(groupID int64, complexID string) error {
	db, err := s.pool.Get()
	if err != nil {
		return err
	}
	defer s.pool.Put(db)

	_, err = db.Exec(`INSERT OR IGNORE INTO group_members (group_id, complex_id) VALUES (?, ?)`,
		groupID, complexID)
	return err
}

// GroupTargets returns the tracked complexes belonging to a group.
func (s *Store) GroupTargets(groupID int64) ([]models.CrawlTarget, error) {
	db, err := s.pool.Get()
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(db)

	rows, err := db.Query(`
		SELECT c.complex_id, c.name
		FROM group_members g JOIN complexes c ON c.complex_id = g.complex_id
		WHERE g.group_id = ? ORDER BY c.name`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []models.CrawlTarget
	for rows.Next() {
		var t models.CrawlTarget
		if err := rows.Scan(&t.ComplexID, &t.Name); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// crawl runs

func (s *Store) RecordRun(startedAt string) (int64, error) {
	db, err := s.pool.Get()
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(db)

	res, err := db.Exec(`INSERT INTO crawl_runs (started_at) VALUES (?)`, startedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) FinishRun(id int64, finishedAt, status string, totalFound int, errMsg string) error {
	db, err := s.pool.Get()
	if err != nil {
		return err
	}
	defer s.pool.Put(db)

	_, err = db.Exec(`
		UPDATE crawl_runs
		SET finished_at = ?, status = ?, total_found = ?, error_message = NULLIF(?, '')
		WHERE id = ?`,
		finishedAt, status, totalFound, errMsg, id)
	return err
}

// article history

// HistoryForComplex loads every history row for one (complex, tradeType)
// cell keyed by listing ID, so the diff does one query per cell instead of
// one per listing.
func (s *Store) HistoryForComplex(complexID string, tt models.TradeType) (map[string]models.HistoryRecord, error) {
	db, err := s.pool.Get()
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(db)

	rows, err := db.Query(`
		SELECT listing_id, complex_id, trade_type, price, last_price, price_change,
		       first_seen, last_seen, status
		FROM article_history
		WHERE complex_id = ? AND trade_type = ?`, complexID, int(tt))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]models.HistoryRecord)
	for rows.Next() {
		var h models.HistoryRecord
		var ttInt int
		if err := rows.Scan(&h.ListingID, &h.ComplexID, &ttInt, &h.Price, &h.LastPrice,
			&h.PriceChange, &h.FirstSeen, &h.LastSeen, &h.Status); err != nil {
			return nil, err
		}
		h.TradeType = models.TradeType(ttInt)
		out[h.ListingID] = h
	}
	return out, rows.Err()
}

// GetHistory returns the history row for one listing, or nil when absent.
func (s *Store) GetHistory(listingID, complexID string) (*models.HistoryRecord, error) {
	db, err := s.pool.Get()
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(db)

	var h models.HistoryRecord
	var ttInt int
	err = db.QueryRow(`
		SELECT listing_id, complex_id, trade_type, price, last_price, price_change,
		       first_seen, last_seen, status
		FROM article_history
		WHERE listing_id = ? AND complex_id = ?`, listingID, complexID).
		Scan(&h.ListingID, &h.ComplexID, &ttInt, &h.Price, &h.LastPrice,
			&h.PriceChange, &h.FirstSeen, &h.LastSeen, &h.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h.TradeType = models.TradeType(ttInt)
	return &h, nil
}

// UpsertHistory writes every record in one transaction. A failed write is
// rolled back and surfaced, never swallowed.
func (s *Store) UpsertHistory(records []models.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}

	db, err := s.pool.Get()
	if err != nil {
		return err
	}
	defer s.pool.Put(db)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO article_history
			(listing_id, complex_id, trade_type, price, last_price, price_change,
			 first_seen, last_seen, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (listing_id, complex_id) DO UPDATE SET
			trade_type   = excluded.trade_type,
			price        = excluded.price,
			last_price   = excluded.last_price,
			price_change = excluded.price_change,
			last_seen    = excluded.last_seen,
			status       = excluded.status`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("store: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, h := range records {
		if _, err := stmt.Exec(h.ListingID, h.ComplexID, int(h.TradeType), h.Price,
			h.LastPrice, h.PriceChange, h.FirstSeen, h.LastSeen, h.Status); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: upsert %s/%s: %w", h.ListingID, h.ComplexID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// MarkDisappeared flips to 'disappeared' every active history row for the
// cell that was not re-confirmed today. One set-based UPDATE, so it stays
// correct for arbitrarily large cells; callers must only invoke it after
// a successful fetch.
func (s *Store) MarkDisappeared(complexID string, tt models.TradeType, today string) (int64, error) {
	db, err := s.pool.Get()
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(db)

	res, err := db.Exec(`
		UPDATE article_history
		SET status = ?
		WHERE complex_id = ? AND trade_type = ? AND status = ? AND last_seen < ?`,
		models.StatusDisappeared, complexID, int(tt), models.StatusActive, today)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// alert rules

// ActiveRules returns the enabled rules for one (complex, tradeType) cell.
func (s *Store) ActiveRules(complexID string, tt models.TradeType) ([]models.AlertRule, error) {
	db, err := s.pool.Get()
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(db)

	rows, err := db.Query(`
		SELECT id, complex_id, trade_type, area_min, area_max, price_min, price_max, enabled
		FROM alert_rules
		WHERE complex_id = ? AND trade_type = ? AND enabled = 1`, complexID, int(tt))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.AlertRule
	for rows.Next() {
		var r models.AlertRule
		var ttInt int
		if err := rows.Scan(&r.ID, &r.ComplexID, &ttInt, &r.AreaMin, &r.AreaMax,
			&r.PriceMin, &r.PriceMax, &r.Enabled); err != nil {
			return nil, err
		}
		r.TradeType = models.TradeType(ttInt)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *Store) SaveRule(r models.AlertRule) (int64, error) {
	db, err := s.pool.Get()
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(db)

	res, err := db.Exec(`
		INSERT INTO alert_rules (complex_id, trade_type, area_min, area_max, price_min, price_max, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ComplexID, int(r.TradeType), r.AreaMin, r.AreaMax, r.PriceMin, r.PriceMax, r.Enabled)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// snapshots

// SaveSnapshots aggregates listings into per-area-bucket price rows for
// the given date and upserts them in one transaction. The bucket is the
// listing's pyeong area rounded down.
func (s *Store) SaveSnapshots(date string, listings []models.ListingRecord) error {
	if len(listings) == 0 {
		return nil
	}

	type agg struct {
		complexID string
		tt        models.TradeType
		bucket    int
		min, max  int
		sum       int
		count     int
	}
	buckets := make(map[string]*agg)
	for i := range listings {
		l := &listings[i]
		bucket := int(math.Floor(l.AreaPyeong))
		key := fmt.Sprintf("%s|%d|%d", l.ComplexID, l.TradeType, bucket)
		a, ok := buckets[key]
		if !ok {
			a = &agg{complexID: l.ComplexID, tt: l.TradeType, bucket: bucket, min: l.Price, max: l.Price}
			buckets[key] = a
		}
		if l.Price < a.min {
			a.min = l.Price
		}
		if l.Price > a.max {
			a.max = l.Price
		}
		a.sum += l.Price
		a.count++
	}

	db, err := s.pool.Get()
	if err != nil {
		return err
	}
	defer s.pool.Put(db)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin snapshots: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO price_snapshots
			(complex_id, trade_type, area_bucket, date, min_price, avg_price, max_price, count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (complex_id, trade_type, area_bucket, date) DO UPDATE SET
			min_price = excluded.min_price,
			avg_price = excluded.avg_price,
			max_price = excluded.max_price,
			count     = excluded.count`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("store: prepare snapshots: %w", err)
	}
	defer stmt.Close()

	for _, a := range buckets {
		if _, err := stmt.Exec(a.complexID, int(a.tt), a.bucket, date,
			a.min, a.sum/a.count, a.max, a.count); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: snapshot %s: %w", a.complexID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit snapshots: %w", err)
	}
	return nil
}

// notes

func (s *Store) SaveNote(listingID, complexID, note string, favorite bool) error {
	db, err := s.pool.Get()
	if err != nil {
		return err
	}
	defer s.pool.Put(db)

	_, err = db.Exec(`
		INSERT INTO article_notes (listing_id, complex_id, note, favorite, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT (listing_id, complex_id) DO UPDATE SET
			note = excluded.note, favorite = excluded.favorite, updated_at = excluded.updated_at`,
		listingID, complexID, note, favorite)
	return err
}

func (s *Store) GetNote(listingID, complexID string) (note string, favorite bool, err error) {
	db, err := s.pool.Get()
	if err != nil {
		return "", false, err
	}
	defer s.pool.Put(db)

	err = db.QueryRow(`
		SELECT note, favorite FROM article_notes
		WHERE listing_id = ? AND complex_id = ?`, listingID, complexID).Scan(&note, &favorite)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return note, favorite, err
}
