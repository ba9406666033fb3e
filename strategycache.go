// Package strategycache serves HTTP requests through per-route caching strategies.
//
// Requests are matched against an ordered list of route bindings. A matching
// binding names the strategy (cache-first or stale-while-revalidate), the named
// cache and the plugins used for the request. Unmatched requests go straight
// to the network.
package strategycache

import (
	"context"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/always-cache/strategy-cache/cache"
	"github.com/always-cache/strategy-cache/metrics"
	cachekey "github.com/always-cache/strategy-cache/pkg/cache-key"
	"github.com/always-cache/strategy-cache/rfc9211"
	"github.com/always-cache/strategy-cache/route"
	"github.com/always-cache/strategy-cache/strategy"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	// Storage for cache entries.
	Cache cache.CacheProvider
	// Route bindings. Nothing is cached if nil.
	Routes *route.Router
	// Network access. Defaults to an HTTP client that does not follow redirects.
	Fetcher strategy.Fetcher
	// URL of the origin server, used to resolve relative request URLs.
	// The request Host is used if nil.
	OriginURL *url.URL
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Optional metrics.
	Metrics *metrics.Metrics
	// Optional tracer.
	Tracer trace.Tracer
	// Clock, defaults to time.Now.
	Now func() time.Time
}

type StrategyCache struct {
	cache    cache.CacheProvider
	routes   atomic.Pointer[route.Router]
	fetcher  strategy.Fetcher
	keyer    cachekey.CacheKeyer
	executor *strategy.Executor
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// New initializes the strategy cache.
func New(config Config) *StrategyCache {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	if config.OriginURL != nil {
		logger = logger.With().
			Str("origin", config.OriginURL.String()).
			Logger()
	}
	if config.Fetcher == nil {
		config.Fetcher = strategy.NewHTTPFetcher(nil)
	}

	s := &StrategyCache{
		cache:   config.Cache,
		fetcher: config.Fetcher,
		keyer:   cachekey.NewCacheKeyer(config.OriginURL),
		log:     logger,
		metrics: config.Metrics,
	}
	s.executor = strategy.NewExecutor(strategy.Config{
		Cache:   config.Cache,
		Fetcher: config.Fetcher,
		Keyer:   s.keyer,
		Logger:  &s.log,
		Metrics: config.Metrics,
		Tracer:  config.Tracer,
		Now:     config.Now,
	})
	s.routes.Store(config.Routes)
	return s
}

// Routes returns the current router.
func (s *StrategyCache) Routes() *route.Router {
	return s.routes.Load()
}

// SetRoutes replaces the router. Requests in flight keep the router they started with.
func (s *StrategyCache) SetRoutes(rt *route.Router) {
	s.routes.Store(rt)
}

// Handle produces the response for r.
// An error is returned only if there was neither a usable stored response
// nor a network response.
func (s *StrategyCache) Handle(ctx context.Context, r *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	r = r.Clone(ctx)
	r.URL = s.keyer.AbsoluteURL(r)
	r.RequestURI = ""

	b, ok := s.Routes().Match(r)
	if !ok {
		return s.bypass(ctx, r)
	}
	return s.executor.Serve(ctx, r, b.Options)
}

func (s *StrategyCache) bypass(ctx context.Context, r *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	cs := rfc9211.CacheStatus{}
	cs.Forward(rfc9211.FwdReasonBypass)
	s.log.Trace().Str("url", r.URL.String()).Msg("No route, bypassing cache")
	s.metrics.Request("", "none", "bypass")

	res, err := s.fetcher.Fetch(ctx, r)
	if err != nil {
		s.metrics.Fetch("", "failure")
		return nil, cs, &strategy.FetchError{URL: r.URL.String(), Err: err}
	}
	s.metrics.Fetch("", "success")
	return res, cs, nil
}

// Wait blocks until all background revalidations have finished.
func (s *StrategyCache) Wait() {
	s.executor.Wait()
}

type enforcer interface {
	Enforce(ctx context.Context, c cache.CacheProvider, cacheName string) (int, error)
}

// Expire runs the expiration plugins of all routes once, without a write,
// and returns the number of removed entries.
func (s *StrategyCache) Expire(ctx context.Context) (int, error) {
	removed := 0
	for _, b := range s.Routes().Bindings() {
		for _, p := range b.Plugins {
			if e, ok := p.(enforcer); ok {
				n, err := e.Enforce(ctx, s.cache, b.CacheName)
				removed += n
				if err != nil {
					return removed, err
				}
			}
		}
	}
	return removed, nil
}
