package cache

import (
	"context"
	"errors"
	"sort"
	"time"
)

var ErrUnknownDriver = errors.New("unknown cache driver")

// CacheProvider is an interface for a cache provider.
// It stores and retrieves []byte values, which represent HTTP responses,
// partitioned into named caches.
// Within a named cache, entries are identified by their request key and
// ordered by insertion.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Get returns the entry stored under the given key in the named cache.
	// It also returns a boolean indicating whether the entry exists.
	Get(ctx context.Context, name, key string) (CacheEntry, bool, error)
	// Put stores the entry, replacing any entry with the same name and key.
	// The provider assigns the insertion sequence number, so a replaced entry
	// becomes the most recently inserted one.
	Put(ctx context.Context, ce CacheEntry) error
	// Delete removes the entry for the given key from the named cache.
	Delete(ctx context.Context, name, key string) error
	// Evict removes the entry for the given key only if it still has sequence number seq,
	// that is, if it was not replaced since it was listed.
	// It reports whether an entry was removed.
	Evict(ctx context.Context, name, key string, seq uint64) (bool, error)
	// Entries returns the entries of the named cache, oldest first.
	// Bytes are not loaded.
	Entries(ctx context.Context, name string) ([]CacheEntry, error)
	// Names returns the names of all caches that have entries.
	Names(ctx context.Context) ([]string, error)
	// Clear removes the named cache and all of its entries.
	Clear(ctx context.Context, name string) error
}

type CacheEntry struct {
	// Name of the cache the entry belongs to.
	Name string
	// Request key, see cachekey.
	Key string
	// Insertion sequence number, strictly increasing across writes.
	Seq uint64
	InsertedAt time.Time
	// Length of Bytes.
	Size int
	// Serialized response.
	Bytes []byte
}

// SortEntries orders entries oldest first.
// Entries inserted at the same instant are ordered by sequence number.
func SortEntries(entries []CacheEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].InsertedAt.Equal(entries[j].InsertedAt) {
			return entries[i].InsertedAt.Before(entries[j].InsertedAt)
		}
		return entries[i].Seq < entries[j].Seq
	})
}
