package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	seq        *uint64
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	inMemory := filename == ""
	if inMemory {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	// every connection to :memory: is a separate database
	if inMemory {
		db.SetMaxOpenConns(1)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS entries (
			cache_name TEXT NOT NULL,
			key TEXT NOT NULL,
			seq INTEGER NOT NULL,
			inserted_at INTEGER NOT NULL,
			size INTEGER NOT NULL,
			bytes BLOB,
			PRIMARY KEY (cache_name, key)
		)`,
		"CREATE INDEX IF NOT EXISTS insertion_idx ON entries (cache_name, inserted_at, seq)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("initializing sqlite cache: %w", err)
		}
	}
	var seq uint64
	if err := db.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM entries").Scan(&seq); err != nil {
		db.Close()
		return SQLiteCache{}, fmt.Errorf("reading sequence: %w", err)
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
		seq:        &seq,
	}, nil
}

func (s SQLiteCache) Get(ctx context.Context, name, key string) (CacheEntry, bool, error) {
	entry := CacheEntry{Name: name, Key: key}
	var insertedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT seq, inserted_at, size, bytes FROM entries WHERE cache_name = ? AND key = ?",
		name, key,
	).Scan(&entry.Seq, &insertedAt, &entry.Size, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	entry.InsertedAt = time.Unix(0, insertedAt)
	return entry, true, nil
}

func (s SQLiteCache) Put(ctx context.Context, ce CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	seq := *s.seq + 1
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(cache_name, key, seq, inserted_at, size, bytes) VALUES (?, ?, ?, ?, ?, ?)`,
		ce.Name, ce.Key, seq, ce.InsertedAt.UnixNano(), len(ce.Bytes), ce.Bytes)
	if err != nil {
		return err
	}
	*s.seq = seq
	return nil
}

func (s SQLiteCache) Delete(ctx context.Context, name, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE cache_name = ? AND key = ?", name, key)
	return err
}

func (s SQLiteCache) Evict(ctx context.Context, name, key string, seq uint64) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM entries WHERE cache_name = ? AND key = ? AND seq = ?", name, key, seq)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s SQLiteCache) Entries(ctx context.Context, name string) ([]CacheEntry, error) {
	entries := make([]CacheEntry, 0)
	rows, err := s.db.QueryContext(ctx, `SELECT key, seq, inserted_at, size
		FROM entries WHERE cache_name = ? ORDER BY inserted_at ASC, seq ASC`, name)
	if err != nil {
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		entry := CacheEntry{Name: name}
		var insertedAt int64
		if err := rows.Scan(&entry.Key, &entry.Seq, &insertedAt, &entry.Size); err != nil {
			return entries, err
		}
		entry.InsertedAt = time.Unix(0, insertedAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s SQLiteCache) Names(ctx context.Context) ([]string, error) {
	names := make([]string, 0)
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT cache_name FROM entries ORDER BY cache_name")
	if err != nil {
		return names, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) Clear(ctx context.Context, name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE cache_name = ?", name)
	return err
}

// Close closes the underlying database.
func (s SQLiteCache) Close() error {
	return s.db.Close()
}
