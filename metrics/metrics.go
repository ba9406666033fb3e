package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the collectors of a strategy cache.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Requests by cache, strategy and result (hit, miss, bypass).
	Requests *prometheus.CounterVec
	// Network fetches by cache and outcome (success, failure).
	Fetches *prometheus.CounterVec
	// Store attempts by cache and outcome (stored, rejected, failed).
	Stores *prometheus.CounterVec
	// Evicted entries by cache and reason (age, count).
	Evictions *prometheus.CounterVec
	// Background revalidations by cache and outcome (success, failure).
	Revalidations *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strategy_cache_requests_total",
			Help: "Total number of handled requests",
		}, []string{"cache", "strategy", "result"}),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strategy_cache_fetches_total",
			Help: "Total number of network fetches",
		}, []string{"cache", "outcome"}),
		Stores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strategy_cache_stores_total",
			Help: "Total number of attempts to store a fetched response",
		}, []string{"cache", "outcome"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strategy_cache_evictions_total",
			Help: "Total number of entries removed by expiration",
		}, []string{"cache", "reason"}),
		Revalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strategy_cache_revalidations_total",
			Help: "Total number of background revalidations",
		}, []string{"cache", "outcome"}),
	}
	reg.MustRegister(m.Requests, m.Fetches, m.Stores, m.Evictions, m.Revalidations)
	return m
}

func (m *Metrics) Request(cache, strategy, result string) {
	if m != nil {
		m.Requests.WithLabelValues(cache, strategy, result).Inc()
	}
}

func (m *Metrics) Fetch(cache, outcome string) {
	if m != nil {
		m.Fetches.WithLabelValues(cache, outcome).Inc()
	}
}

func (m *Metrics) Store(cache, outcome string) {
	if m != nil {
		m.Stores.WithLabelValues(cache, outcome).Inc()
	}
}

func (m *Metrics) Evict(cache, reason string, n int) {
	if m != nil && n > 0 {
		m.Evictions.WithLabelValues(cache, reason).Add(float64(n))
	}
}

func (m *Metrics) Revalidation(cache, outcome string) {
	if m != nil {
		m.Revalidations.WithLabelValues(cache, outcome).Inc()
	}
}
