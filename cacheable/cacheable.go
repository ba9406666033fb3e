// Package cacheable restricts which fetched responses may be stored.
package cacheable

import (
	"errors"
	"net/http"
	"strings"
)

var ErrNoCriteria = errors.New("cacheable response plugin needs statuses or headers")

// Plugin allows storing a response only if its status is one of Statuses
// and all of Headers match. Unset criteria are not checked.
// Status 0 stands for an opaque cross-origin response.
type Plugin struct {
	Statuses []int
	// Header names to required values, compared case-insensitively.
	Headers map[string]string
}

func New(statuses []int, headers map[string]string) (*Plugin, error) {
	if len(statuses) == 0 && len(headers) == 0 {
		return nil, ErrNoCriteria
	}
	return &Plugin{Statuses: statuses, Headers: headers}, nil
}

func (p *Plugin) BeforeStore(res *http.Response) bool {
	if len(p.Statuses) > 0 && !p.statusAllowed(res.StatusCode) {
		return false
	}
	for name, value := range p.Headers {
		if !strings.EqualFold(res.Header.Get(name), value) {
			return false
		}
	}
	return true
}

func (p *Plugin) statusAllowed(status int) bool {
	for _, s := range p.Statuses {
		if s == status {
			return true
		}
	}
	return false
}
