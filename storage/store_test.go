package storage

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"landwatch/models"
	"landwatch/utils"
)

func newTestPool(t *testing.T, size int, timeout time.Duration) *Pool {
	t.Helper()
	pool, err := NewPool(filepath.Join(t.TempDir(), "test.db"), size, timeout, utils.NewLogger(false))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.CloseAll)
	return pool
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(newTestPool(t, 2, time.Second), utils.NewLogger(false))
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestPoolCheckoutAndReturn(t *testing.T) {
	pool := newTestPool(t, 2, 100*time.Millisecond)

	a, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	b, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}

	// Pool exhausted: the next checkout degrades to an ad hoc connection
	// instead of failing.
	start := time.Now()
	c, err := pool.Get()
	if err != nil {
		t.Fatalf("exhausted pool should fall back, got %v", err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Error("fallback should only happen after the checkout timeout")
	}

	pool.Put(a)
	pool.Put(b)
	pool.Put(c) // pool full — must be closed, not leaked
}

func TestRestoreFromBackupSerializesWithCheckouts(t *testing.T) {
	dir := t.TempDir()
	logger := utils.NewLogger(false)

	// Build the backup database with its own marker row and close it, so
	// its WAL is checkpointed into the main file.
	backupPath := filepath.Join(dir, "backup.db")
	bpool, err := NewPool(backupPath, 1, time.Second, logger)
	if err != nil {
		t.Fatal(err)
	}
	bstore, err := NewStore(bpool, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := bstore.AddComplex(models.CrawlTarget{Name: "RestoredComplex", ComplexID: "999"}); err != nil {
		t.Fatal(err)
	}
	bpool.CloseAll()

	livePath := filepath.Join(dir, "live.db")
	pool, err := NewPool(livePath, 2, 100*time.Millisecond, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.CloseAll)
	store, err := NewStore(pool, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AddComplex(models.CrawlTarget{Name: "LiveComplex", ComplexID: "111"}); err != nil {
		t.Fatal(err)
	}

	// Hammer checkouts while the restore swaps the file underneath.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			db, err := pool.Get()
			if err != nil {
				continue
			}
			db.Ping()
			pool.Put(db)
		}
	}()

	if err := pool.RestoreFromBackup(backupPath); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	close(stop)
	wg.Wait()

	targets, err := store.ListComplexes()
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 || targets[0].Name != "RestoredComplex" {
		t.Errorf("restored content wrong: %+v", targets)
	}
}

func TestUpsertHistoryBulk(t *testing.T) {
	store := newTestStore(t)

	records := []models.HistoryRecord{
		{ListingID: "L1", ComplexID: "12345", TradeType: models.Sale, Price: 100, LastPrice: 100,
			FirstSeen: "2026-08-31", LastSeen: "2026-08-31", Status: models.StatusActive},
		{ListingID: "L2", ComplexID: "12345", TradeType: models.Sale, Price: 200, LastPrice: 200,
			FirstSeen: "2026-08-31", LastSeen: "2026-08-31", Status: models.StatusActive},
	}
	if err := store.UpsertHistory(records); err != nil {
		t.Fatal(err)
	}

	// Re-upsert updates in place rather than duplicating.
	records[0].Price = 90
	records[0].PriceChange = -10
	records[0].LastSeen = "2026-09-01"
	if err := store.UpsertHistory(records[:1]); err != nil {
		t.Fatal(err)
	}

	all, err := store.HistoryForComplex("12345", models.Sale)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d rows, want 2", len(all))
	}
	if all["L1"].Price != 90 || all["L1"].PriceChange != -10 {
		t.Errorf("L1 not updated: %+v", all["L1"])
	}
	if all["L1"].FirstSeen != "2026-08-31" {
		t.Errorf("firstSeen must survive the upsert, got %s", all["L1"].FirstSeen)
	}
}

func TestMarkDisappearedIsSetBased(t *testing.T) {
	store := newTestStore(t)

	rows := []models.HistoryRecord{
		{ListingID: "A", ComplexID: "1", TradeType: models.Sale, FirstSeen: "2026-08-30", LastSeen: "2026-09-01", Status: models.StatusActive},
		{ListingID: "B", ComplexID: "1", TradeType: models.Sale, FirstSeen: "2026-08-30", LastSeen: "2026-08-31", Status: models.StatusActive},
		{ListingID: "C", ComplexID: "1", TradeType: models.Sale, FirstSeen: "2026-08-30", LastSeen: "2026-08-30", Status: models.StatusDisappeared},
		// Other trade type and other complex must be untouched.
		{ListingID: "D", ComplexID: "1", TradeType: models.Jeonse, FirstSeen: "2026-08-30", LastSeen: "2026-08-30", Status: models.StatusActive},
		{ListingID: "E", ComplexID: "2", TradeType: models.Sale, FirstSeen: "2026-08-30", LastSeen: "2026-08-30", Status: models.StatusActive},
	}
	if err := store.UpsertHistory(rows); err != nil {
		t.Fatal(err)
	}

	n, err := store.MarkDisappeared("1", models.Sale, "2026-09-01")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("flipped %d rows, want 1 (only B)", n)
	}

	d, _ := store.GetHistory("D", "1")
	e, _ := store.GetHistory("E", "2")
	if d.Status != models.StatusActive || e.Status != models.StatusActive {
		t.Error("sweep leaked outside its (complex, tradeType) cell")
	}
}

func TestSaveSnapshotsAggregates(t *testing.T) {
	store := newTestStore(t)

	listings := []models.ListingRecord{
		{ComplexID: "1", TradeType: models.Sale, AreaPyeong: 25.4, Price: 100000},
		{ComplexID: "1", TradeType: models.Sale, AreaPyeong: 25.9, Price: 110000},
		{ComplexID: "1", TradeType: models.Sale, AreaPyeong: 33.1, Price: 150000},
	}
	if err := store.SaveSnapshots("2026-09-01", listings); err != nil {
		t.Fatal(err)
	}
	// Same date again must upsert, not violate the unique constraint.
	if err := store.SaveSnapshots("2026-09-01", listings); err != nil {
		t.Fatalf("snapshot upsert failed: %v", err)
	}
}

func TestComplexesAndGroups(t *testing.T) {
	store := newTestStore(t)

	if err := store.AddComplex(models.CrawlTarget{Name: "ExampleComplex", ComplexID: "12345"}); err != nil {
		t.Fatal(err)
	}
	gid, err := store.CreateGroup("watchlist")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AddToGroup(gid, "12345"); err != nil {
		t.Fatal(err)
	}

	targets, err := store.GroupTargets(gid)
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 || targets[0].Name != "ExampleComplex" {
		t.Errorf("group targets = %+v", targets)
	}
}

func TestRunRecords(t *testing.T) {
	store := newTestStore(t)

	id, err := store.RecordRun("2026-09-01T10:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("run id should be assigned")
	}
	if err := store.FinishRun(id, "2026-09-01T10:05:00Z", "completed", 42, ""); err != nil {
		t.Fatal(err)
	}
}

func TestNotesRoundTrip(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveNote("L1", "12345", "worth a viewing", true); err != nil {
		t.Fatal(err)
	}
	note, fav, err := store.GetNote("L1", "12345")
	if err != nil {
		t.Fatal(err)
	}
	if note != "worth a viewing" || !fav {
		t.Errorf("note round trip: %q %v", note, fav)
	}

	// Absent note is not an error.
	note, fav, err = store.GetNote("nope", "nope")
	if err != nil || note != "" || fav {
		t.Errorf("absent note should be empty, got %q %v %v", note, fav, err)
	}
}
