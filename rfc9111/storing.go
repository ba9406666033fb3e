// Package rfc9111 holds the parts of HTTP Caching (RFC 9111) that apply to
// responses kept in named caches.
package rfc9111

import (
	"net/http"
	"strings"
)

// §  3.1.  Storing Header and Trailer Fields
//
// StorableHeader returns a copy of the header without the fields that must not be stored.
func StorableHeader(header http.Header) http.Header {
	if header == nil {
		return make(http.Header)
	}
	// §     Caches MUST include all received response header fields -- including
	// §     unrecognized ones -- when storing a response; this assures that new
	// §     HTTP header fields can be successfully deployed.  However, the
	// §     following exceptions are made:
	h := header.Clone()
	// §
	// §     *  The Connection header field and fields whose names are listed in
	// §        it are required by Section 7.6.1 of [HTTP] to be removed before
	// §        forwarding the message.  This MAY be implemented by doing so
	// §        before storage.
	// §
	// §     *  Likewise, some fields' semantics require them to be removed before
	// §        forwarding the message, and this MAY be implemented by doing so
	// §        before storage; see Section 7.6.1 of [HTTP] for some examples.
	RemoveHopByHop(h)
	// §
	// §     *  Header fields that are specific to the proxy that a cache uses
	// §        when forwarding a request MUST NOT be stored, unless the cache
	// §        incorporates the identity of the proxy into the cache key.
	// §        Effectively, this is limited to Proxy-Authenticate (Section 11.7.1
	// §        of [HTTP]), Proxy-Authentication-Info (Section 11.7.3 of [HTTP]),
	// §        and Proxy-Authorization (Section 11.7.2 of [HTTP]).
	h.Del("Proxy-Authenticate")
	h.Del("Proxy-Authentication-Info")
	h.Del("Proxy-Authorization")
	return h
}

// RemoveHopByHop deletes the connection-specific fields from header, in place.
// Use it for requests forwarded to the network as well.
func RemoveHopByHop(header http.Header) {
	for _, name := range GetListHeader(header, "Connection") {
		header.Del(name)
	}
	header.Del("Connection")
	header.Del("Proxy-Connection")
	header.Del("Keep-Alive")
	header.Del("TE")
	header.Del("Transfer-Encoding")
	header.Del("Upgrade")
}

// GetListHeader returns the comma-separated items of all values of field.
func GetListHeader(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}
