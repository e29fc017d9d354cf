package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists the engine/param blob pair in one keyed table
// (type TEXT PRIMARY KEY, data BLOB) with WAL pragma tuning. Two rows are
// kept under fixed keys ("engine", "param") and written inside one
// transaction so WritePair is atomic.
type SQLiteBackend struct {
	mu sync.Mutex
	db *sql.DB
}

var _ Backend = (*SQLiteBackend)(nil)

// OpenSQLiteBackend opens (creating if necessary) a SQLite-backed store at
// path, with the same WAL/busy-timeout tuning used elsewhere in this
// package.
func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createSnapshotsTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: create snapshots table: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

const createSnapshotsTableSQL = `
CREATE TABLE IF NOT EXISTS index_snapshots (
	type TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);`

func (s *SQLiteBackend) ReadPair() ([]byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var engine, param []byte
	row := s.db.QueryRowContext(ctx, `SELECT data FROM index_snapshots WHERE type = 'engine'`)
	if err := row.Scan(&engine); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, ErrNoSnapshot
		}
		return nil, nil, fmt.Errorf("persistence: read engine blob: %w", err)
	}
	row = s.db.QueryRowContext(ctx, `SELECT data FROM index_snapshots WHERE type = 'param'`)
	if err := row.Scan(&param); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, ErrNoSnapshot
		}
		return nil, nil, fmt.Errorf("persistence: read param blob: %w", err)
	}
	return engine, param, nil
}

func (s *SQLiteBackend) WritePair(engineBlob, paramBlob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin write: %w", err)
	}
	defer tx.Rollback()

	upsert := `INSERT INTO index_snapshots (type, data) VALUES (?, ?)
		ON CONFLICT(type) DO UPDATE SET data = excluded.data, created_at = CURRENT_TIMESTAMP`
	if _, err := tx.ExecContext(ctx, upsert, "engine", engineBlob); err != nil {
		return fmt.Errorf("persistence: write engine blob: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsert, "param", paramBlob); err != nil {
		return fmt.Errorf("persistence: write param blob: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
