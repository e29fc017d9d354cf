package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"
	"regexp"
	"sync"
	"time"
)

// KVStore is a generic keyed backing store modeling the pluggable
// descriptor_set/idx2uid_kvs/uid2idx_kvs elements: each of those is,
// underneath, just a get/put/delete/keys facade over an arbitrary
// storage medium. K and V are gob-encodable when a durable implementation
// (SQLiteKVStore) is used; MemoryKVStore has no such restriction.
type KVStore[K comparable, V any] interface {
	Get(key K) (V, bool, error)
	Put(key K, value V) error
	Delete(key K) error
	Keys() ([]K, error)
}

// MemoryKVStore is the always-available, non-durable KVStore: a mutex
// guarded map, matching the Descriptor Store's own default in-process
// backing.
type MemoryKVStore[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// NewMemoryKVStore returns an empty MemoryKVStore.
func NewMemoryKVStore[K comparable, V any]() *MemoryKVStore[K, V] {
	return &MemoryKVStore[K, V]{m: make(map[K]V)}
}

func (s *MemoryKVStore[K, V]) Get(key K) (V, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *MemoryKVStore[K, V]) Put(key K, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *MemoryKVStore[K, V]) Delete(key K) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func (s *MemoryKVStore[K, V]) Keys() ([]K, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]K, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	return out, nil
}

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SQLiteKVStore is a durable KVStore: keys and values are gob-encoded into
// a two-column (key BLOB, value BLOB) table, using the same WAL pragma
// tuning as the rest of the package. table must be a plain identifier; it
// is validated (never
// interpolated from untrusted input) before being spliced into DDL, since
// database/sql has no placeholder syntax for table names.
type SQLiteKVStore[K comparable, V any] struct {
	mu    sync.Mutex
	db    *sql.DB
	table string
}

// OpenSQLiteKVStore opens (creating if necessary) a SQLite-backed KVStore
// at path, storing rows in the named table.
func OpenSQLiteKVStore[K comparable, V any](path, table string) (*SQLiteKVStore[K, V], error) {
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("persistence: invalid table name %q", table)
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: open sqlite kvstore: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (key BLOB PRIMARY KEY, value BLOB NOT NULL)`, table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: create kvstore table: %w", err)
	}
	return &SQLiteKVStore[K, V]{db: db, table: table}, nil
}

func (s *SQLiteKVStore[K, V]) encodeKey(key K) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(key); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *SQLiteKVStore[K, V]) Get(key K) (V, bool, error) {
	var zero V
	kb, err := s.encodeKey(key)
	if err != nil {
		return zero, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, s.table), kb)
	var vb []byte
	if err := row.Scan(&vb); err != nil {
		if err == sql.ErrNoRows {
			return zero, false, nil
		}
		return zero, false, err
	}
	var v V
	if err := gob.NewDecoder(bytes.NewReader(vb)).Decode(&v); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

func (s *SQLiteKVStore[K, V]) Put(key K, value V) error {
	kb, err := s.encodeKey(key)
	if err != nil {
		return err
	}
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	upsert := fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, s.table)
	_, err = s.db.Exec(upsert, kb, buf.Bytes())
	return err
}

func (s *SQLiteKVStore[K, V]) Delete(key K) error {
	kb, err := s.encodeKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.table), kb)
	return err
}

func (s *SQLiteKVStore[K, V]) Keys() ([]K, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(fmt.Sprintf(`SELECT key FROM %s`, s.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []K
	for rows.Next() {
		var kb []byte
		if err := rows.Scan(&kb); err != nil {
			return nil, err
		}
		var k K
		if err := gob.NewDecoder(bytes.NewReader(kb)).Decode(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLiteKVStore[K, V]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
