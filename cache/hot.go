package cache

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
)

// entryOverhead is added to the body size when computing the cost of a hot entry.
const entryOverhead = 256

const lockStripes = 64

// HotCache keeps recently read entries of another provider in memory.
// Reads are served from ristretto when possible; writes go through to the
// underlying provider and invalidate the in-memory copy.
//
// Filling the memory layer after a miss and writing the same key hold the same
// stripe lock, so a fill never puts back an entry that a write already replaced.
type HotCache struct {
	CacheProvider
	hot   *ristretto.Cache
	locks [lockStripes]sync.Mutex
}

// NewHotCache wraps the provider with an in-memory layer bounded by maxCost bytes.
func NewHotCache(provider CacheProvider, maxCost int64) (*HotCache, error) {
	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &HotCache{CacheProvider: provider, hot: hot}, nil
}

func hotKey(name, key string) string {
	return name + "\x00" + key
}

func (h *HotCache) lock(hk string) *sync.Mutex {
	return &h.locks[xxhash.Sum64String(hk)%lockStripes]
}

func (h *HotCache) Get(ctx context.Context, name, key string) (CacheEntry, bool, error) {
	hk := hotKey(name, key)
	if v, ok := h.hot.Get(hk); ok {
		if entry, ok := v.(CacheEntry); ok {
			return entry, true, nil
		}
	}
	mu := h.lock(hk)
	mu.Lock()
	defer mu.Unlock()
	entry, ok, err := h.CacheProvider.Get(ctx, name, key)
	if err != nil || !ok {
		return entry, ok, err
	}
	h.hot.Set(hk, entry, int64(entry.Size+entryOverhead))
	h.hot.Wait()
	return entry, true, nil
}

func (h *HotCache) Put(ctx context.Context, ce CacheEntry) error {
	hk := hotKey(ce.Name, ce.Key)
	mu := h.lock(hk)
	mu.Lock()
	defer mu.Unlock()
	h.hot.Del(hk)
	err := h.CacheProvider.Put(ctx, ce)
	h.hot.Del(hk)
	return err
}

func (h *HotCache) Delete(ctx context.Context, name, key string) error {
	hk := hotKey(name, key)
	mu := h.lock(hk)
	mu.Lock()
	defer mu.Unlock()
	err := h.CacheProvider.Delete(ctx, name, key)
	h.hot.Del(hk)
	return err
}

func (h *HotCache) Evict(ctx context.Context, name, key string, seq uint64) (bool, error) {
	hk := hotKey(name, key)
	mu := h.lock(hk)
	mu.Lock()
	defer mu.Unlock()
	removed, err := h.CacheProvider.Evict(ctx, name, key, seq)
	if removed {
		h.hot.Del(hk)
	}
	return removed, err
}

func (h *HotCache) Clear(ctx context.Context, name string) error {
	for i := range h.locks {
		h.locks[i].Lock()
		defer h.locks[i].Unlock()
	}
	err := h.CacheProvider.Clear(ctx, name)
	// ristretto cannot enumerate keys, drop everything
	h.hot.Clear()
	return err
}

// Close releases the in-memory layer. The wrapped provider is left open.
func (h *HotCache) Close() {
	h.hot.Close()
}
