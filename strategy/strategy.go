// Package strategy implements the caching strategies a route can be bound to.
//
// CacheFirst serves a stored response when there is one and only goes to the
// network on a miss. StaleWhileRevalidate serves a stored response immediately
// and refreshes it from the network in the background.
//
// Both strategies consult per-binding plugins: BeforeStorer decides whether a
// fetched response may be stored, AfterStorer runs after every write (used for
// expiration), and CachedResponseFilter may reject a stored entry on read.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/always-cache/strategy-cache/cache"
)

var ErrUnknownStrategy = errors.New("unknown strategy")

type Kind int

const (
	CacheFirst Kind = iota + 1
	StaleWhileRevalidate
)

func (k Kind) String() string {
	switch k {
	case CacheFirst:
		return "cache-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	default:
		return fmt.Sprintf("strategy(%d)", int(k))
	}
}

// ParseKind parses the configuration name of a strategy.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "cache-first", "CacheFirst":
		return CacheFirst, nil
	case "stale-while-revalidate", "StaleWhileRevalidate":
		return StaleWhileRevalidate, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Options describe how requests of one route binding are served.
type Options struct {
	Kind Kind
	// Name of the cache responses are stored in.
	CacheName string
	// Plugins, see BeforeStorer, AfterStorer and CachedResponseFilter.
	Plugins []Plugin
	// Request headers that select separate variants of the same URL.
	VaryHeaders []string
}

// Plugin is a per-binding hook object.
// It implements any combination of BeforeStorer, AfterStorer and CachedResponseFilter.
type Plugin interface{}

// BeforeStorer decides whether a fetched response may be stored.
// If no plugin of a binding implements BeforeStorer, only status 200 is stored.
type BeforeStorer interface {
	BeforeStore(res *http.Response) bool
}

// AfterStorer is called after every successful write to the named cache.
type AfterStorer interface {
	AfterStore(ctx context.Context, c cache.CacheProvider, cacheName string) error
}

// CachedResponseFilter may reject a stored entry, which is then treated as a miss.
type CachedResponseFilter interface {
	CachedResponseWillBeUsed(ce cache.CacheEntry) bool
}
