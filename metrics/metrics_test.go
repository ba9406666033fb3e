package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Request("css-cache", "stale-while-revalidate", "hit")
	m.Fetch("css-cache", "success")
	m.Store("css-cache", "stored")
	m.Evict("css-cache", "count", 2)
	m.Revalidation("css-cache", "success")
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) != 5 {
		t.Fatalf("expected 5 metric families, got %d", len(mfs))
	}
	if v := testutil.ToFloat64(m.Evictions.WithLabelValues("css-cache", "count")); v != 2 {
		t.Fatalf("evictions is %v", v)
	}
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.Request("a", "b", "c")
	m.Fetch("a", "b")
	m.Store("a", "b")
	m.Evict("a", "b", 1)
	m.Revalidation("a", "b")
}

func TestNewDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	New(reg)
}
