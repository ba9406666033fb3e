package strategy

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/always-cache/strategy-cache/cache"
	"github.com/always-cache/strategy-cache/metrics"
	cachekey "github.com/always-cache/strategy-cache/pkg/cache-key"
	serializer "github.com/always-cache/strategy-cache/pkg/response-serializer"
	"github.com/always-cache/strategy-cache/rfc9211"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/always-cache/strategy-cache/strategy"

type Config struct {
	// Storage for cache entries.
	Cache cache.CacheProvider
	// Network access.
	Fetcher Fetcher
	// Derives cache keys from requests.
	Keyer cachekey.CacheKeyer
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Optional metrics.
	Metrics *metrics.Metrics
	// Optional tracer. The global otel tracer provider is used if nil.
	Tracer trace.Tracer
	// Clock used for insertion times. Defaults to time.Now.
	Now func() time.Time
}

// Executor runs requests through a caching strategy.
// It is safe for concurrent use.
type Executor struct {
	cache   cache.CacheProvider
	fetcher Fetcher
	keyer   cachekey.CacheKeyer
	log     zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
	// background revalidations
	wg sync.WaitGroup
}

func NewExecutor(config Config) *Executor {
	e := &Executor{
		cache:   config.Cache,
		fetcher: config.Fetcher,
		keyer:   config.Keyer,
		log:     log.Logger,
		metrics: config.Metrics,
		tracer:  config.Tracer,
		now:     config.Now,
	}
	if config.Logger != nil {
		e.log = *config.Logger
	}
	if e.fetcher == nil {
		e.fetcher = NewHTTPFetcher(nil)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Serve answers r according to opts.
// The returned error is non-nil only if no response could be produced,
// which is always a *FetchError or ErrUnknownStrategy.
func (e *Executor) Serve(ctx context.Context, r *http.Request, opts Options) (*http.Response, rfc9211.CacheStatus, error) {
	ctx, span := e.tracer.Start(ctx, "strategy.Serve", trace.WithAttributes(
		attribute.String("strategy_cache.cache", opts.CacheName),
		attribute.String("strategy_cache.strategy", opts.Kind.String()),
	))
	defer span.End()

	key := e.keyer.GetKey(r, opts.VaryHeaders)
	log := e.log.With().
		Str("cache", opts.CacheName).
		Str("key", key).
		Logger()

	var (
		res *http.Response
		cs  rfc9211.CacheStatus
		err error
	)
	switch opts.Kind {
	case CacheFirst:
		res, cs, err = e.cacheFirst(ctx, r, opts, key, log)
	case StaleWhileRevalidate:
		res, cs, err = e.staleWhileRevalidate(ctx, r, opts, key, log)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownStrategy, opts.Kind)
	}
	cs.Detail = opts.CacheName

	result := "miss"
	if cs.IsHit() {
		result = "hit"
	}
	span.SetAttributes(
		attribute.String("strategy_cache.result", result),
		attribute.Bool("strategy_cache.stored", cs.Stored),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.metrics.Request(opts.CacheName, opts.Kind.String(), result)
	return res, cs, err
}

// Wait blocks until all background revalidations have finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) cacheFirst(ctx context.Context, r *http.Request, opts Options, key string, log zerolog.Logger) (*http.Response, rfc9211.CacheStatus, error) {
	cs := rfc9211.CacheStatus{}
	res, fwdReason := e.lookup(ctx, r, opts, key, log)
	if res != nil {
		cs.Hit()
		return res, cs, nil
	}
	cs.Forward(fwdReason)

	res, err := e.fetch(ctx, r, opts)
	if err != nil {
		return nil, cs, err
	}
	cs.Stored = e.store(ctx, res, opts, key, log)
	return res, cs, nil
}

type fetchResult struct {
	res    *http.Response
	stored bool
	err    error
}

// staleWhileRevalidate starts the network request before looking at the cache,
// so that every request causes exactly one fetch whether or not it is a hit.
func (e *Executor) staleWhileRevalidate(ctx context.Context, r *http.Request, opts Options, key string, log zerolog.Logger) (*http.Response, rfc9211.CacheStatus, error) {
	// the fetch must survive the client going away
	bgCtx := context.WithoutCancel(ctx)
	bgReq := r.Clone(bgCtx)
	wanted := make(chan bool, 1)
	done := make(chan fetchResult, 1)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res, err := e.fetch(bgCtx, bgReq, opts)
		// write only after the lookup, so a hit serves the previous entry
		wait := <-wanted
		stored := false
		if err == nil {
			stored = e.store(bgCtx, res, opts, key, log)
		}
		if wait {
			done <- fetchResult{res: res, stored: stored, err: err}
			return
		}
		// caller was served from cache
		if err != nil {
			log.Warn().Err(err).Msg("Background revalidation failed")
			e.metrics.Revalidation(opts.CacheName, "failure")
			return
		}
		if res.Body != nil {
			res.Body.Close()
		}
		log.Trace().Bool("stored", stored).Msg("Revalidated in background")
		e.metrics.Revalidation(opts.CacheName, "success")
	}()

	cs := rfc9211.CacheStatus{}
	res, fwdReason := e.lookup(ctx, r, opts, key, log)
	if res != nil {
		wanted <- false
		cs.Hit()
		return res, cs, nil
	}
	wanted <- true
	cs.Forward(fwdReason)

	result := <-done
	if result.err != nil {
		return nil, cs, result.err
	}
	cs.Stored = result.stored
	return result.res, cs, nil
}

// lookup returns the usable stored response for key, or the reason why there is none.
func (e *Executor) lookup(ctx context.Context, r *http.Request, opts Options, key string, log zerolog.Logger) (*http.Response, rfc9211.FwdReason) {
	ce, ok, err := e.cache.Get(ctx, opts.CacheName, key)
	if err != nil {
		log.Error().Err(err).Msg("Could not read from cache")
		return nil, rfc9211.FwdReasonMiss
	}
	if !ok {
		log.Trace().Msg("Not in cache")
		return nil, rfc9211.FwdReasonUriMiss
	}
	for _, p := range opts.Plugins {
		if f, ok := p.(CachedResponseFilter); ok && !f.CachedResponseWillBeUsed(ce) {
			log.Trace().Time("inserted", ce.InsertedAt).Msg("Cached response rejected")
			return nil, rfc9211.FwdReasonStale
		}
	}
	sRes, err := serializer.BytesToStoredResponse(ce.Bytes)
	if err != nil {
		// corrupted entry, remove it and go to the network
		log.Error().Err(err).Msg("Could not read cached response")
		if err := e.cache.Delete(ctx, opts.CacheName, key); err != nil {
			log.Error().Err(err).Msg("Could not delete corrupted entry")
		}
		return nil, rfc9211.FwdReasonMiss
	}
	log.Trace().Msg("Cache hit")
	return sRes.Response(r), ""
}

func (e *Executor) fetch(ctx context.Context, r *http.Request, opts Options) (*http.Response, error) {
	res, err := e.fetcher.Fetch(ctx, r)
	if err != nil {
		e.metrics.Fetch(opts.CacheName, "failure")
		return nil, &FetchError{URL: r.URL.String(), Err: err}
	}
	e.metrics.Fetch(opts.CacheName, "success")
	return res, nil
}

// store writes res to the cache if the plugins allow it.
// Failures are logged, the response stays usable either way.
func (e *Executor) store(ctx context.Context, res *http.Response, opts Options, key string, log zerolog.Logger) bool {
	if !Cacheable(res, opts.Plugins) {
		log.Trace().Int("status", res.StatusCode).Msg("Response not cacheable")
		e.metrics.Store(opts.CacheName, "rejected")
		return false
	}
	sRes, err := serializer.FromResponse(res)
	if err != nil {
		log.Warn().Err(err).Msg("Could not read response")
		e.metrics.Store(opts.CacheName, "failed")
		return false
	}
	bytes, err := serializer.StoredResponseToBytes(sRes)
	if err != nil {
		log.Warn().Err(err).Msg("Could not serialize response")
		e.metrics.Store(opts.CacheName, "failed")
		return false
	}
	ce := cache.CacheEntry{
		Name:       opts.CacheName,
		Key:        key,
		InsertedAt: e.now(),
		Bytes:      bytes,
	}
	if err := e.cache.Put(ctx, ce); err != nil {
		log.Warn().Err(err).Msg("Could not write to cache")
		e.metrics.Store(opts.CacheName, "failed")
		return false
	}
	log.Trace().Int("bytes", len(bytes)).Msg("Cache write")
	e.metrics.Store(opts.CacheName, "stored")

	for _, p := range opts.Plugins {
		if as, ok := p.(AfterStorer); ok {
			if err := as.AfterStore(ctx, e.cache, opts.CacheName); err != nil {
				log.Warn().Err(err).Msg("After store hook failed")
			}
		}
	}
	return true
}

// Cacheable reports whether res passes the BeforeStorer plugins.
// Without any, only status 200 is cacheable.
func Cacheable(res *http.Response, plugins []Plugin) bool {
	filtered := false
	for _, p := range plugins {
		if bs, ok := p.(BeforeStorer); ok {
			filtered = true
			if !bs.BeforeStore(res) {
				return false
			}
		}
	}
	if !filtered {
		return res.StatusCode == http.StatusOK
	}
	return true
}
