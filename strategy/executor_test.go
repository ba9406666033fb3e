package strategy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/always-cache/strategy-cache/cache"
	"github.com/always-cache/strategy-cache/metrics"
	cachekey "github.com/always-cache/strategy-cache/pkg/cache-key"
	serializer "github.com/always-cache/strategy-cache/pkg/response-serializer"
	"github.com/always-cache/strategy-cache/rfc9211"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type countingFetcher struct {
	calls  atomic.Int32
	status int
	body   atomic.Value
	err    error
}

func newCountingFetcher(status int, body string) *countingFetcher {
	f := &countingFetcher{status: status}
	f.body.Store(body)
	return f
}

func (f *countingFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return newResponse(f.status, f.body.Load().(string)), nil
}

func newResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/css"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestExecutor(c cache.CacheProvider, f Fetcher) *Executor {
	return NewExecutor(Config{
		Cache:   c,
		Fetcher: f,
		Now:     func() time.Time { return t0 },
	})
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("could not read body: %v", err)
	}
	return string(b)
}

func putResponse(t *testing.T, c cache.CacheProvider, name, key string, status int, body string) {
	t.Helper()
	bytes, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/css"}},
		Body:       []byte(body),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Put(context.Background(), cache.CacheEntry{Name: name, Key: key, InsertedAt: t0, Bytes: bytes}); err != nil {
		t.Fatal(err)
	}
}

func cachedBody(t *testing.T, c cache.CacheProvider, name, key string) (string, bool) {
	t.Helper()
	ce, ok, err := c.Get(context.Background(), name, key)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		return "", false
	}
	sRes, err := serializer.BytesToStoredResponse(ce.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	return string(sRes.Body), true
}

const testURL = "https://example.com/style.css"

func TestCacheFirstMissThenHit(t *testing.T) {
	c := cache.NewMemCache()
	f := newCountingFetcher(http.StatusOK, "body { color: red }")
	e := newTestExecutor(c, f)
	opts := Options{Kind: CacheFirst, CacheName: "image-cache"}

	res, cs, err := e.Serve(context.Background(), httptest.NewRequest("GET", testURL, nil), opts)
	if err != nil {
		t.Fatal(err)
	}
	if cs.IsHit() || cs.FwdReason != rfc9211.FwdReasonUriMiss || !cs.Stored {
		t.Fatalf("unexpected cache status on miss: %s", cs)
	}
	if body := readBody(t, res); body != "body { color: red }" {
		t.Fatalf("body on miss is %q", body)
	}

	for i := 0; i < 3; i++ {
		res, cs, err = e.Serve(context.Background(), httptest.NewRequest("GET", testURL, nil), opts)
		if err != nil {
			t.Fatal(err)
		}
		if !cs.IsHit() {
			t.Fatalf("expected hit, got %s", cs)
		}
		if body := readBody(t, res); body != "body { color: red }" {
			t.Fatalf("body on hit is %q", body)
		}
	}
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("expected 1 fetch, got %d", n)
	}
	if cs.Detail != "image-cache" {
		t.Fatalf("detail is %q", cs.Detail)
	}
}

func TestCacheFirstNetworkFailure(t *testing.T) {
	c := cache.NewMemCache()
	f := newCountingFetcher(0, "")
	f.err = errors.New("connection refused")
	e := newTestExecutor(c, f)

	res, _, err := e.Serve(context.Background(), httptest.NewRequest("GET", testURL, nil), Options{Kind: CacheFirst, CacheName: "image-cache"})
	if res != nil {
		t.Fatal("expected no response")
	}
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fetchErr.URL != testURL {
		t.Fatalf("fetch error URL is %q", fetchErr.URL)
	}
	if names, _ := c.Names(context.Background()); len(names) != 0 {
		t.Fatalf("nothing should be stored, got %v", names)
	}
}

func TestCacheFirstDoesNotStoreNon200ByDefault(t *testing.T) {
	c := cache.NewMemCache()
	f := newCountingFetcher(http.StatusNotFound, "not found")
	e := newTestExecutor(c, f)
	opts := Options{Kind: CacheFirst, CacheName: "image-cache"}

	for i := 0; i < 2; i++ {
		res, cs, err := e.Serve(context.Background(), httptest.NewRequest("GET", testURL, nil), opts)
		if err != nil {
			t.Fatal(err)
		}
		if res.StatusCode != http.StatusNotFound || cs.Stored {
			t.Fatalf("expected unstored 404, got %d %s", res.StatusCode, cs)
		}
		res.Body.Close()
	}
	if n := f.calls.Load(); n != 2 {
		t.Fatalf("expected 2 fetches, got %d", n)
	}
}

func TestStaleWhileRevalidateServesCachedImmediately(t *testing.T) {
	c := cache.NewMemCache()
	putResponse(t, c, "css-cache", testURL, http.StatusOK, "v1")

	release := make(chan struct{})
	var calls atomic.Int32
	f := FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		calls.Add(1)
		<-release
		return newResponse(http.StatusOK, "v2"), nil
	})
	e := newTestExecutor(c, f)

	res, cs, err := e.Serve(context.Background(), httptest.NewRequest("GET", testURL, nil), Options{Kind: StaleWhileRevalidate, CacheName: "css-cache"})
	if err != nil {
		t.Fatal(err)
	}
	if !cs.IsHit() {
		t.Fatalf("expected hit, got %s", cs)
	}
	if body := readBody(t, res); body != "v1" {
		t.Fatalf("expected cached body, got %q", body)
	}

	close(release)
	e.Wait()
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected 1 background fetch, got %d", n)
	}
	if body, _ := cachedBody(t, c, "css-cache", testURL); body != "v2" {
		t.Fatalf("expected revalidated body, got %q", body)
	}
}

func TestStaleWhileRevalidateOneFetchPerRequest(t *testing.T) {
	c := cache.NewMemCache()
	f := newCountingFetcher(http.StatusOK, "v1")
	e := newTestExecutor(c, f)
	opts := Options{Kind: StaleWhileRevalidate, CacheName: "css-cache"}

	for i := 0; i < 5; i++ {
		res, _, err := e.Serve(context.Background(), httptest.NewRequest("GET", testURL, nil), opts)
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
	}
	e.Wait()
	if n := f.calls.Load(); n != 5 {
		t.Fatalf("expected 5 fetches, got %d", n)
	}
}

func TestStaleWhileRevalidateMissWaitsForNetwork(t *testing.T) {
	c := cache.NewMemCache()
	f := newCountingFetcher(http.StatusOK, "fresh")
	e := newTestExecutor(c, f)

	res, cs, err := e.Serve(context.Background(), httptest.NewRequest("GET", testURL, nil), Options{Kind: StaleWhileRevalidate, CacheName: "css-cache"})
	if err != nil {
		t.Fatal(err)
	}
	if cs.IsHit() || !cs.Stored {
		t.Fatalf("unexpected cache status %s", cs)
	}
	if body := readBody(t, res); body != "fresh" {
		t.Fatalf("body is %q", body)
	}
	if body, ok := cachedBody(t, c, "css-cache", testURL); !ok || body != "fresh" {
		t.Fatalf("expected stored body, got %q", body)
	}
}

func TestStaleWhileRevalidateBackgroundFailureIsSwallowed(t *testing.T) {
	c := cache.NewMemCache()
	putResponse(t, c, "css-cache", testURL, http.StatusOK, "v1")
	f := newCountingFetcher(0, "")
	f.err = errors.New("offline")
	m := metrics.New(prometheus.NewRegistry())
	e := NewExecutor(Config{Cache: c, Fetcher: f, Metrics: m})

	res, cs, err := e.Serve(context.Background(), httptest.NewRequest("GET", testURL, nil), Options{Kind: StaleWhileRevalidate, CacheName: "css-cache"})
	if err != nil {
		t.Fatalf("background failure must not surface: %v", err)
	}
	if !cs.IsHit() || readBody(t, res) != "v1" {
		t.Fatalf("expected cached response, got %s", cs)
	}
	e.Wait()
	if v := testutil.ToFloat64(m.Revalidations.WithLabelValues("css-cache", "failure")); v != 1 {
		t.Fatalf("failed revalidations is %v", v)
	}
	if body, _ := cachedBody(t, c, "css-cache", testURL); body != "v1" {
		t.Fatalf("cached entry must be kept, got %q", body)
	}
}

func TestStaleWhileRevalidateMissAndFailure(t *testing.T) {
	f := newCountingFetcher(0, "")
	f.err = errors.New("offline")
	e := newTestExecutor(cache.NewMemCache(), f)

	_, _, err := e.Serve(context.Background(), httptest.NewRequest("GET", testURL, nil), Options{Kind: StaleWhileRevalidate, CacheName: "css-cache"})
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
}

func TestBackgroundFetchOutlivesRequestContext(t *testing.T) {
	c := cache.NewMemCache()
	putResponse(t, c, "css-cache", testURL, http.StatusOK, "v1")
	release := make(chan struct{})
	f := FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return newResponse(http.StatusOK, "v2"), nil
	})
	e := newTestExecutor(c, f)

	ctx, cancel := context.WithCancel(context.Background())
	res, _, err := e.Serve(ctx, httptest.NewRequest("GET", testURL, nil).WithContext(ctx), Options{Kind: StaleWhileRevalidate, CacheName: "css-cache"})
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	cancel()
	close(release)
	e.Wait()
	if body, _ := cachedBody(t, c, "css-cache", testURL); body != "v2" {
		t.Fatalf("expected revalidated body, got %q", body)
	}
}

type failingPut struct {
	cache.MemCache
}

func (failingPut) Put(ctx context.Context, ce cache.CacheEntry) error {
	return errors.New("disk full")
}

func TestStoreFailureStillReturnsResponse(t *testing.T) {
	f := newCountingFetcher(http.StatusOK, "body")
	e := newTestExecutor(failingPut{cache.NewMemCache()}, f)

	res, cs, err := e.Serve(context.Background(), httptest.NewRequest("GET", testURL, nil), Options{Kind: CacheFirst, CacheName: "image-cache"})
	if err != nil {
		t.Fatal(err)
	}
	if cs.Stored {
		t.Fatal("stored must be false when the write fails")
	}
	if body := readBody(t, res); body != "body" {
		t.Fatalf("body is %q", body)
	}
}

func TestBodyReadFailureIsPassedOn(t *testing.T) {
	errReset := errors.New("connection reset")
	f := FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(errReset))),
		}, nil
	})
	c := cache.NewMemCache()
	e := newTestExecutor(c, f)

	res, cs, err := e.Serve(context.Background(), httptest.NewRequest("GET", testURL, nil), Options{Kind: CacheFirst, CacheName: "image-cache"})
	if err != nil {
		t.Fatal(err)
	}
	if cs.Stored {
		t.Fatal("incomplete response must not be stored")
	}
	body, err := io.ReadAll(res.Body)
	if string(body) != "partial" || !errors.Is(err, errReset) {
		t.Fatalf("body is %q, error %v", body, err)
	}
	if names, _ := c.Names(context.Background()); len(names) != 0 {
		t.Fatalf("cache names are %v", names)
	}
}

type statusPlugin struct{ allowed int }

func (p statusPlugin) BeforeStore(res *http.Response) bool {
	return res.StatusCode == p.allowed
}

type afterStoreCounter struct{ calls atomic.Int32 }

func (p *afterStoreCounter) AfterStore(ctx context.Context, c cache.CacheProvider, cacheName string) error {
	p.calls.Add(1)
	return errors.New("ignored")
}

type rejectAll struct{}

func (rejectAll) CachedResponseWillBeUsed(ce cache.CacheEntry) bool { return false }

func TestPluginsAreConsulted(t *testing.T) {
	c := cache.NewMemCache()
	f := newCountingFetcher(http.StatusNotFound, "missing")
	after := &afterStoreCounter{}
	e := newTestExecutor(c, f)
	opts := Options{Kind: CacheFirst, CacheName: "image-cache", Plugins: []Plugin{statusPlugin{http.StatusNotFound}, after}}

	res, cs, err := e.Serve(context.Background(), httptest.NewRequest("GET", testURL, nil), opts)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if !cs.Stored {
		t.Fatal("404 should be stored when the plugin allows it")
	}
	if n := after.calls.Load(); n != 1 {
		t.Fatalf("after store called %d times", n)
	}

	opts.Plugins = append(opts.Plugins, rejectAll{})
	_, cs, err = e.Serve(context.Background(), httptest.NewRequest("GET", testURL, nil), opts)
	if err != nil {
		t.Fatal(err)
	}
	if cs.IsHit() || cs.FwdReason != rfc9211.FwdReasonStale {
		t.Fatalf("expected stale forward, got %s", cs)
	}
}

func TestCorruptedEntryIsDeleted(t *testing.T) {
	c := cache.NewMemCache()
	c.Put(context.Background(), cache.CacheEntry{Name: "css-cache", Key: testURL, InsertedAt: t0, Bytes: []byte("garbage")})
	f := newCountingFetcher(http.StatusOK, "fresh")
	e := newTestExecutor(c, f)

	res, cs, err := e.Serve(context.Background(), httptest.NewRequest("GET", testURL, nil), Options{Kind: CacheFirst, CacheName: "css-cache"})
	if err != nil {
		t.Fatal(err)
	}
	if cs.FwdReason != rfc9211.FwdReasonMiss {
		t.Fatalf("expected miss, got %s", cs)
	}
	if body := readBody(t, res); body != "fresh" {
		t.Fatalf("body is %q", body)
	}
	if body, _ := cachedBody(t, c, "css-cache", testURL); body != "fresh" {
		t.Fatalf("corrupted entry should be replaced, got %q", body)
	}
}

func TestVaryHeadersSeparateEntries(t *testing.T) {
	c := cache.NewMemCache()
	f := newCountingFetcher(http.StatusOK, "x")
	e := newTestExecutor(c, f)
	opts := Options{Kind: CacheFirst, CacheName: "google-fonts-stylesheets", VaryHeaders: []string{"User-Agent"}}

	for _, ua := range []string{"a", "b", "a"} {
		r := httptest.NewRequest("GET", testURL, nil)
		r.Header.Set("User-Agent", ua)
		res, _, err := e.Serve(context.Background(), r, opts)
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
	}
	if n := f.calls.Load(); n != 2 {
		t.Fatalf("expected one fetch per variant, got %d", n)
	}
}

func TestUnknownStrategy(t *testing.T) {
	e := newTestExecutor(cache.NewMemCache(), newCountingFetcher(http.StatusOK, ""))
	_, _, err := e.Serve(context.Background(), httptest.NewRequest("GET", testURL, nil), Options{CacheName: "x"})
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestServeRecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	c := cache.NewMemCache()
	putResponse(t, c, "image-cache", testURL, http.StatusOK, "img")
	e := NewExecutor(Config{
		Cache:   c,
		Fetcher: newCountingFetcher(http.StatusOK, "img"),
		Keyer:   cachekey.NewCacheKeyer(nil),
		Tracer:  tp.Tracer("test"),
	})

	res, _, err := e.Serve(context.Background(), httptest.NewRequest("GET", testURL, nil), Options{Kind: CacheFirst, CacheName: "image-cache"})
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()

	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "strategy.Serve" {
		t.Fatalf("unexpected spans %v", spans)
	}
	want := attribute.String("strategy_cache.result", "hit")
	found := false
	for _, kv := range spans[0].Attributes() {
		if kv == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("result attribute missing in %v", spans[0].Attributes())
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"cache-first":            CacheFirst,
		"CacheFirst":             CacheFirst,
		"stale-while-revalidate": StaleWhileRevalidate,
		"StaleWhileRevalidate":   StaleWhileRevalidate,
	} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseKind("network-first"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
}
