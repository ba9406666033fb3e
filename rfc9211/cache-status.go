package rfc9211

import (
	"fmt"
	"strings"
)

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates caches'
// §     handling of the request corresponding to the response it occurs
// §     within.

// CacheName is the cache identifier used in the header value.
const CacheName = "strategy-cache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

// §  2.2.  The fwd Parameter
// §
// §     "fwd" indicates that the request went forward towards the origin and
// §     why.

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"
	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"
	// The cache was able to select a response for the request, but
	// it was stale.
	FwdReasonStale FwdReason = "stale"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// §  2.5.  The stored Parameter
	// §
	// §     "stored" indicates whether the cache stored the response (see
	// §     Section 3 of [HTTP-CACHING]); a true value indicates that it did.
	Stored bool
	// §  2.8.  The detail Parameter
	// §
	// §     "detail" allows implementations to convey additional information not
	// §     captured in other parameters
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// IsHit reports whether the response was served from a named cache.
func (cs CacheStatus) IsHit() bool {
	return cs.Status == StatusHit
}

func (cs CacheStatus) String() string {
	parts := []string{CacheName}
	switch {
	case cs.Status == StatusFwd && cs.FwdReason != "":
		parts = append(parts, fmt.Sprintf("fwd=%s", cs.FwdReason))
	case cs.Status != "":
		parts = append(parts, string(cs.Status))
	}
	if cs.Stored {
		parts = append(parts, "stored")
	}
	if cs.Detail != "" {
		parts = append(parts, fmt.Sprintf("detail=%q", cs.Detail))
	}
	return strings.Join(parts, "; ")
}
