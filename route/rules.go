package route

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/always-cache/strategy-cache/cacheable"
	"github.com/always-cache/strategy-cache/expiration"
	"github.com/always-cache/strategy-cache/metrics"
	"github.com/always-cache/strategy-cache/strategy"
)

var ErrInvalidRule = errors.New("invalid route rule")

type Rules []Rule

// Rule is the configuration form of a Binding.
type Rule struct {
	Name string `yaml:"name"`
	// Regular expression matched against the absolute URL, see RegExp.
	Pattern           string             `yaml:"pattern"`
	Prefix            string             `yaml:"prefix"`
	Path              string             `yaml:"path"`
	Method            string             `yaml:"method"`
	Query             map[string]string  `yaml:"query"`
	Strategy          string             `yaml:"strategy"`
	CacheName         string             `yaml:"cacheName"`
	Expiration        *Expiration        `yaml:"expiration"`
	CacheableResponse *CacheableResponse `yaml:"cacheableResponse"`
	VaryHeaders       []string           `yaml:"varyHeaders"`
}

type Expiration struct {
	MaxEntries    int `yaml:"maxEntries"`
	MaxAgeSeconds int `yaml:"maxAgeSeconds"`
}

type CacheableResponse struct {
	Statuses []int             `yaml:"statuses"`
	Headers  map[string]string `yaml:"headers"`
}

// Bindings validates the rules and compiles them into bindings, in order.
// origin is the own origin of pattern rules, see RegExp.
func (r Rules) Bindings(origin *url.URL, m *metrics.Metrics) ([]Binding, error) {
	bindings := make([]Binding, 0, len(r))
	for i, rule := range r {
		b, err := rule.binding(origin, m)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.Name, err)
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

// Router compiles the rules into a router.
func (r Rules) Router(origin *url.URL, m *metrics.Metrics) (*Router, error) {
	bindings, err := r.Bindings(origin, m)
	if err != nil {
		return nil, err
	}
	return NewRouter(bindings...), nil
}

func (rule Rule) binding(origin *url.URL, m *metrics.Metrics) (Binding, error) {
	kind, err := strategy.ParseKind(rule.Strategy)
	if err != nil {
		return Binding{}, fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	if rule.CacheName == "" {
		return Binding{}, fmt.Errorf("%w: missing cache name", ErrInvalidRule)
	}
	b := Binding{
		Name:   rule.Name,
		Method: rule.Method,
		Options: strategy.Options{
			Kind:        kind,
			CacheName:   rule.CacheName,
			VaryHeaders: rule.VaryHeaders,
		},
	}
	if b.Name == "" {
		b.Name = rule.CacheName
	}

	var predicates []Predicate
	if rule.Pattern != "" {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return Binding{}, fmt.Errorf("%w: %w", ErrInvalidRule, err)
		}
		predicates = append(predicates, RegExp(re, origin))
	}
	if rule.Prefix != "" {
		predicates = append(predicates, Prefix(rule.Prefix))
	}
	if rule.Path != "" {
		predicates = append(predicates, Path(rule.Path))
	}
	if len(rule.Query) > 0 {
		predicates = append(predicates, Query(rule.Query))
	}
	if len(predicates) > 0 {
		b.Match = All(predicates...)
	}

	if cr := rule.CacheableResponse; cr != nil {
		p, err := cacheable.New(cr.Statuses, cr.Headers)
		if err != nil {
			return Binding{}, fmt.Errorf("%w: %w", ErrInvalidRule, err)
		}
		b.Plugins = append(b.Plugins, p)
	}
	if exp := rule.Expiration; exp != nil {
		if exp.MaxEntries < 0 || exp.MaxAgeSeconds < 0 {
			return Binding{}, fmt.Errorf("%w: negative expiration limit", ErrInvalidRule)
		}
		if exp.MaxEntries > 0 || exp.MaxAgeSeconds > 0 {
			b.Plugins = append(b.Plugins, &expiration.Plugin{
				MaxEntries: exp.MaxEntries,
				MaxAge:     time.Duration(exp.MaxAgeSeconds) * time.Second,
				Metrics:    m,
			})
		}
	}
	return b, nil
}
