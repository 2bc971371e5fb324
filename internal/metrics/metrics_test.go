package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/any-hub/weight-hub/internal/loader"
)

var _ loader.Metrics = (*Recorder)(nil)

func TestRecorderCountsLoads(t *testing.T) {
	r := New(false)
	r.ObserveLoad("network", "ok", 20*time.Millisecond)
	r.ObserveLoad("cache", "ok", time.Millisecond)
	r.ObserveLoad("none", "not_found", 0)

	if got := testutil.ToFloat64(r.LoadsTotal.WithLabelValues("network", "ok")); got != 1 {
		t.Fatalf("network ok loads = %v", got)
	}
	if got := testutil.ToFloat64(r.LoadsTotal.WithLabelValues("none", "not_found")); got != 1 {
		t.Fatalf("not_found loads = %v", got)
	}
	if got := testutil.CollectAndCount(r.LoadDuration); got != 2 {
		t.Fatalf("failed loads must not be timed, series = %d", got)
	}
}

func TestRecorderCacheWritesAndSessions(t *testing.T) {
	r := New(false)
	r.ObserveCacheWrite("committed", 512)
	r.ObserveCacheWrite("skipped", 0)
	r.ObserveEvictions(3)
	r.ObserveEvictions(0)
	r.AddBytes("cache", 100)
	r.AddBytes("cache", 28)
	r.SessionStarted()
	r.SessionStarted()
	r.SessionEnded()

	if got := testutil.ToFloat64(r.CacheWriteBytes); got != 512 {
		t.Fatalf("written bytes = %v", got)
	}
	if got := testutil.ToFloat64(r.Evictions); got != 3 {
		t.Fatalf("evictions = %v", got)
	}
	if got := testutil.ToFloat64(r.BytesServed.WithLabelValues("cache")); got != 128 {
		t.Fatalf("bytes served = %v", got)
	}
	if got := testutil.ToFloat64(r.ActiveSessions); got != 1 {
		t.Fatalf("active sessions = %v", got)
	}
}

func TestRegistryExposition(t *testing.T) {
	r := New(false)
	r.ObserveNetworkFetch()
	r.ObserveFallback()

	expected := `
# HELP weight_hub_loader_network_fallbacks_total Network failures answered from the cache
# TYPE weight_hub_loader_network_fallbacks_total counter
weight_hub_loader_network_fallbacks_total 1
`
	if err := testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected), "weight_hub_loader_network_fallbacks_total"); err != nil {
		t.Fatal(err)
	}
}
