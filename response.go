package strategycache

import (
	"io"
	"net/http"
	"strings"

	"github.com/always-cache/strategy-cache/rfc9211"

	"github.com/rs/zerolog"
)

// ServeHTTP implements the http.Handler interface.
func (s *StrategyCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer s.recover(w, r)

	res, cs, err := s.Handle(r.Context(), r)
	if err != nil {
		s.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not get response")
		w.Header().Set("Cache-Status", cs.String())
		http.Error(w, "Could not get response", http.StatusBadGateway)
		s.logRequest(r, http.StatusBadGateway, cs)
		return
	}
	s.send(w, r, res, cs)
}

// recover recovers from panics and answers with a bad gateway.
func (s *StrategyCache) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		s.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Str("url", r.URL.String()).Msg("Panic in cache handler")
		http.Error(w, "Could not get response", http.StatusBadGateway)
	}
}

func (s *StrategyCache) send(w http.ResponseWriter, r *http.Request, res *http.Response, cs rfc9211.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	status := res.StatusCode
	// opaque responses carry no status to forward
	if status < 100 {
		status = http.StatusBadGateway
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Set("Cache-Status", cs.String())
	w.WriteHeader(status)
	s.logRequest(r, status, cs)
	if res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		s.log.Error().Err(err).Msg("Could not write response body to client")
	}
	s.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (s *StrategyCache) logRequest(r *http.Request, status int, cs rfc9211.CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	s.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("code", status).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Str("cache", cs.Detail).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
