// Package route decides which caching strategy, if any, handles a request.
package route

import (
	"net/http"

	"github.com/always-cache/strategy-cache/strategy"

	"github.com/rs/zerolog/log"
)

// Binding ties a request predicate to the strategy serving matching requests.
type Binding struct {
	Name string
	// Request method, GET if empty.
	Method string
	// Matches every request if nil.
	Match Predicate
	strategy.Options
}

func (b Binding) matches(r *http.Request) bool {
	method := b.Method
	if method == "" {
		method = http.MethodGet
	}
	if r.Method != method {
		return false
	}
	return b.Match == nil || b.Match(r)
}

// Router holds an ordered list of bindings. It is immutable and safe for concurrent use.
type Router struct {
	bindings []Binding
}

func NewRouter(bindings ...Binding) *Router {
	return &Router{bindings: append([]Binding(nil), bindings...)}
}

// Match returns the first binding matching r.
func (rt *Router) Match(r *http.Request) (Binding, bool) {
	if rt == nil {
		return Binding{}, false
	}
	for _, b := range rt.bindings {
		if b.matches(r) {
			log.Trace().Str("route", b.Name).Str("url", r.URL.String()).Msg("Route matched")
			return b, true
		}
	}
	return Binding{}, false
}

// Bindings returns a copy of the bindings in evaluation order.
func (rt *Router) Bindings() []Binding {
	if rt == nil {
		return nil
	}
	return append([]Binding(nil), rt.bindings...)
}
