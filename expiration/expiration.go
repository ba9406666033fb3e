// Package expiration bounds the size and age of named caches.
package expiration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/always-cache/strategy-cache/cache"
	"github.com/always-cache/strategy-cache/metrics"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// passes on the same cache name are serialized across all plugins
var locks sync.Map

func lockFor(name string) *sync.Mutex {
	mu, _ := locks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Plugin removes entries beyond MaxEntries and entries older than MaxAge
// after every write to a cache. A zero limit is not enforced.
type Plugin struct {
	MaxEntries int
	MaxAge     time.Duration
	// Clock, defaults to time.Now.
	Now func() time.Time
	// Optional.
	Metrics *metrics.Metrics
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

func (p *Plugin) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Plugin) logger() *zerolog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return &log.Logger
}

func (p *Plugin) expired(ce cache.CacheEntry, now time.Time) bool {
	return p.MaxAge > 0 && now.Sub(ce.InsertedAt) > p.MaxAge
}

func (p *Plugin) AfterStore(ctx context.Context, c cache.CacheProvider, cacheName string) error {
	_, err := p.Enforce(ctx, c, cacheName)
	return err
}

// CachedResponseWillBeUsed rejects entries that have outlived MaxAge
// but were not pruned yet.
func (p *Plugin) CachedResponseWillBeUsed(ce cache.CacheEntry) bool {
	return !p.expired(ce, p.now())
}

// Enforce runs one expiration pass over the named cache and returns the number of removed entries.
// Expired entries are removed first, then the oldest entries until at most MaxEntries remain.
func (p *Plugin) Enforce(ctx context.Context, c cache.CacheProvider, cacheName string) (int, error) {
	if p.MaxAge <= 0 && p.MaxEntries <= 0 {
		return 0, nil
	}
	mu := lockFor(cacheName)
	mu.Lock()
	defer mu.Unlock()

	entries, err := c.Entries(ctx, cacheName)
	if err != nil {
		return 0, fmt.Errorf("listing entries of %s: %w", cacheName, err)
	}

	now := p.now()
	var expired, kept []cache.CacheEntry
	for _, ce := range entries {
		if p.expired(ce, now) {
			expired = append(expired, ce)
		} else {
			kept = append(kept, ce)
		}
	}
	var overflow []cache.CacheEntry
	if p.MaxEntries > 0 && len(kept) > p.MaxEntries {
		// entries are ordered oldest first
		overflow = kept[:len(kept)-p.MaxEntries]
	}

	removed, err := p.remove(ctx, c, cacheName, "age", expired)
	if err != nil {
		return removed, err
	}
	n, err := p.remove(ctx, c, cacheName, "count", overflow)
	removed += n
	if removed > 0 {
		p.logger().Debug().
			Str("cache", cacheName).
			Int("expired", len(expired)).
			Int("overflow", len(overflow)).
			Msg("Expired cache entries")
	}
	return removed, err
}

func (p *Plugin) remove(ctx context.Context, c cache.CacheProvider, cacheName, reason string, entries []cache.CacheEntry) (int, error) {
	removed := 0
	defer func() {
		p.Metrics.Evict(cacheName, reason, removed)
	}()
	for _, ce := range entries {
		// an entry written again since it was listed is the newest one now
		ok, err := c.Evict(ctx, cacheName, ce.Key, ce.Seq)
		if err != nil {
			return removed, fmt.Errorf("deleting %s from %s: %w", ce.Key, cacheName, err)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
