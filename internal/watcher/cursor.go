package watcher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const maxBusyTimeoutMs = 5000

// CursorStore persists the last processed height per chain.
type CursorStore interface {
	// Load returns the stored height for chain; ok is false if none exists.
	Load(ctx context.Context, chain string) (height uint64, ok bool, err error)
	Save(ctx context.Context, chain string, height uint64) error
}

// MemoryCursorStore is an in-memory CursorStore for tests and dev mode.
type MemoryCursorStore struct {
	mu      sync.RWMutex
	heights map[string]uint64
}

// NewMemoryCursorStore creates an empty MemoryCursorStore.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{heights: make(map[string]uint64)}
}

// Load implements CursorStore.
func (m *MemoryCursorStore) Load(_ context.Context, chain string) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.heights[chain]
	return h, ok, nil
}

// Save implements CursorStore.
func (m *MemoryCursorStore) Save(_ context.Context, chain string, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heights[chain] = height
	return nil
}

// SQLiteCursorStore persists cursors to a SQLite file so a restarted
// validator resumes where it stopped.
type SQLiteCursorStore struct {
	db *sql.DB
}

// OpenSQLiteCursorStore opens (creating if needed) the cursor database at path.
func OpenSQLiteCursorStore(path string) (*SQLiteCursorStore, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve cursor db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create cursor db directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", filepath.Clean(absPath)))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; avoids SQLITE_BUSY between the two watchers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", maxBusyTimeoutMs)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cursors (
			chain      TEXT PRIMARY KEY,
			height     INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cursors table: %w", err)
	}
	return &SQLiteCursorStore{db: db}, nil
}

// Load implements CursorStore.
func (s *SQLiteCursorStore) Load(ctx context.Context, chain string) (uint64, bool, error) {
	var h int64
	err := s.db.QueryRowContext(ctx, `SELECT height FROM cursors WHERE chain = ?`, chain).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cursor %s: %w", chain, err)
	}
	return uint64(h), true, nil
}

// Save implements CursorStore.
func (s *SQLiteCursorStore) Save(ctx context.Context, chain string, height uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (chain, height, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(chain) DO UPDATE SET height = excluded.height, updated_at = excluded.updated_at`,
		chain, int64(height), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", chain, err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteCursorStore) Close() error {
	return s.db.Close()
}
