package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"landwatch/utils"
)

// Pool is a fixed-size set of pre-opened connections to the embedded
// sqlite store. Checkout blocks up to a timeout and then degrades to an
// ad hoc connection rather than failing, so a busy pool slows callers
// down but never stops them.
type Pool struct {
	path    string
	size    int
	timeout time.Duration
	conns   chan *sql.DB
	logger  *utils.Logger

	// restoreMu serializes restore-from-backup against normal pool use:
	// every checkout path holds it shared, a restore holds it exclusively.
	restoreMu sync.RWMutex
	closed    bool
	mu        sync.Mutex
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
}

// NewPool opens size connections to the database at path, applying WAL
// journaling and a bounded busy-timeout to each.
func NewPool(path string, size int, timeout time.Duration, logger *utils.Logger) (*Pool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("pool: create dir: %w", err)
	}

	p := &Pool{
		path:    path,
		size:    size,
		timeout: timeout,
		conns:   make(chan *sql.DB, size),
		logger:  logger,
	}

	for i := 0; i < size; i++ {
		db, err := p.open()
		if err != nil {
			p.CloseAll()
			return nil, fmt.Errorf("pool: open conn %d: %w", i, err)
		}
		p.conns <- db
	}
	return p, nil
}

func (p *Pool) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn(p.path))
	if err != nil {
		return nil, err
	}
	// Each handle is one embedded connection; sql.DB's own pooling is off.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Get checks out a connection, waiting up to the pool timeout. If the pool
// is exhausted it opens an ad hoc connection — degraded but non-fatal.
// Checkouts hold the restore lock shared, so a running restore finishes
// (or a pending one starts) before any new connection is handed out.
func (p *Pool) Get() (*sql.DB, error) {
	p.restoreMu.RLock()
	defer p.restoreMu.RUnlock()

	select {
	case db := <-p.conns:
		return db, nil
	case <-time.After(p.timeout):
	}

	p.logger.Warn("[pool] exhausted after %v — opening ad hoc connection", p.timeout)
	return p.open()
}

// Put returns a connection to the pool, closing it if the pool is full
// (the ad hoc overflow case).
func (p *Pool) Put(db *sql.DB) {
	if db == nil {
		return
	}
	p.restoreMu.RLock()
	defer p.restoreMu.RUnlock()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		db.Close()
		return
	}

	select {
	case p.conns <- db:
	default:
		db.Close()
	}
}

// CloseAll drains and closes every pooled connection. The drain is bounded
// by a maximum attempt count so a connection never returned by a buggy
// caller cannot hang shutdown.
func (p *Pool) CloseAll() {
	p.restoreMu.RLock()
	defer p.restoreMu.RUnlock()
	p.closeAll()
}

func (p *Pool) closeAll() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for attempts := 0; attempts < p.size*2; attempts++ {
		select {
		case db := <-p.conns:
			if err := db.Close(); err != nil {
				p.logger.Warn("[pool] close: %v", err)
			}
		case <-time.After(200 * time.Millisecond):
			return
		}
	}
}

// RestoreFromBackup replaces the live database file with backupPath. It
// holds the restore lock exclusively so checkouts wait it out, backs up
// the live file first, and rolls back to that backup if the restore fails.
func (p *Pool) RestoreFromBackup(backupPath string) error {
	p.restoreMu.Lock()
	defer p.restoreMu.Unlock()

	backup, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("pool: read backup: %w", err)
	}

	p.closeAll()

	// A leftover WAL would replay pre-restore pages over the restored
	// file on the next open.
	os.Remove(p.path + "-wal")
	os.Remove(p.path + "-shm")

	safety := p.path + ".pre-restore"
	if live, err := os.ReadFile(p.path); err == nil {
		if err := os.WriteFile(safety, live, 0644); err != nil {
			return fmt.Errorf("pool: safety copy: %w", err)
		}
	}

	if err := os.WriteFile(p.path, backup, 0644); err != nil {
		if prev, rerr := os.ReadFile(safety); rerr == nil {
			os.WriteFile(p.path, prev, 0644)
		}
		return fmt.Errorf("pool: restore write: %w", err)
	}

	// Reopen the pool over the restored file.
	p.mu.Lock()
	p.closed = false
	p.mu.Unlock()
	p.conns = make(chan *sql.DB, p.size)
	for i := 0; i < p.size; i++ {
		db, err := p.open()
		if err != nil {
			return fmt.Errorf("pool: reopen after restore: %w", err)
		}
		p.conns <- db
	}

	p.logger.Info("[pool] restored database from %s", backupPath)
	return nil
}
