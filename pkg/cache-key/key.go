package cachekey

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const varySeparator = "\t"

type CacheKeyer struct {
	// Origin used to resolve relative request URLs.
	// May be nil, in which case the request Host is used.
	Origin *url.URL
}

func NewCacheKeyer(origin *url.URL) CacheKeyer {
	return CacheKeyer{Origin: origin}
}

// AbsoluteURL returns the absolute URL of the request.
// Incoming server requests usually only carry the request URI,
// in which case the origin (or the request Host) is prepended.
func (c CacheKeyer) AbsoluteURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		return r.URL
	}
	if c.Origin != nil {
		return c.Origin.ResolveReference(&url.URL{
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		})
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	u := *r.URL
	u.Scheme = scheme
	u.Host = r.Host
	return &u
}

// GetKey returns the request key within a named cache.
// The key is the absolute URL without fragment.
// If vary headers are given, a digest of their request values is appended,
// so that each variant is stored separately.
func (c CacheKeyer) GetKey(r *http.Request, varyHeaders []string) string {
	u := *c.AbsoluteURL(r)
	u.Fragment = ""
	u.RawFragment = ""
	key := u.String()
	if len(varyHeaders) == 0 {
		return key
	}
	return key + varySeparator + varyDigest(r.Header, varyHeaders)
}

// URLFromKey strips the vary digest from a key.
func URLFromKey(key string) string {
	u, _, _ := strings.Cut(key, varySeparator)
	return u
}

func varyDigest(header http.Header, names []string) string {
	h := xxhash.New()
	for _, name := range names {
		h.WriteString(strings.ToLower(name))
		h.WriteString(": ")
		h.WriteString(strings.Join(header.Values(name), ", "))
		h.WriteString("\n")
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
