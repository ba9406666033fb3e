package route

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	cachekey "github.com/always-cache/strategy-cache/pkg/cache-key"
)

type Predicate func(r *http.Request) bool

// RegExp matches the absolute request URL against re.
// For requests to another origin than origin, the match has to start at the
// beginning of the URL, so that e.g. `\.css$` only captures own stylesheets.
func RegExp(re *regexp.Regexp, origin *url.URL) Predicate {
	keyer := cachekey.NewCacheKeyer(origin)
	return func(r *http.Request) bool {
		u := keyer.AbsoluteURL(r)
		loc := re.FindStringIndex(u.String())
		if loc == nil {
			return false
		}
		return loc[0] == 0 || sameOrigin(u, origin)
	}
}

func sameOrigin(u, origin *url.URL) bool {
	if origin == nil {
		return true
	}
	return strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)
}

func Prefix(prefix string) Predicate {
	return func(r *http.Request) bool {
		return strings.HasPrefix(r.URL.Path, prefix)
	}
}

func Path(path string) Predicate {
	return func(r *http.Request) bool {
		return r.URL.Path == path
	}
}

func Method(method string) Predicate {
	return func(r *http.Request) bool {
		return r.Method == method
	}
}

// Query matches if every parameter has the given value.
// An empty value only requires the parameter to be present.
func Query(params map[string]string) Predicate {
	return func(r *http.Request) bool {
		qry := r.URL.Query()
		for name, value := range params {
			if value == "" && !qry.Has(name) {
				return false
			} else if value != "" && qry.Get(name) != value {
				return false
			}
		}
		return true
	}
}

// All matches if every predicate matches.
func All(predicates ...Predicate) Predicate {
	return func(r *http.Request) bool {
		for _, p := range predicates {
			if !p(r) {
				return false
			}
		}
		return true
	}
}
