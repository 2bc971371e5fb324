// Package metrics 提供 loader.Metrics 的 prometheus 实现，并暴露 /-/metrics 使用的 Registry。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "weight_hub"

// Recorder 汇总加载、缓存写入与会话相关的指标。
type Recorder struct {
	registry *prometheus.Registry

	LoadsTotal      *prometheus.CounterVec
	LoadDuration    *prometheus.HistogramVec
	NetworkFetches  prometheus.Counter
	Fallbacks       prometheus.Counter
	BytesServed     *prometheus.CounterVec
	CacheWrites     *prometheus.CounterVec
	CacheWriteBytes prometheus.Counter
	Evictions       prometheus.Counter
	ActiveSessions  prometheus.Gauge
}

// New 在独立 Registry 上注册全部指标。withRuntime 为 true 时附带 Go 运行时与进程指标。
func New(withRuntime bool) *Recorder {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		LoadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "loads_total",
			Help:      "Load calls by data source and outcome",
		}, []string{"source", "outcome"}),
		LoadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "time_to_stream_seconds",
			Help:      "Time from Load to the first available chunk",
			Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),
		NetworkFetches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "network_fetches_total",
			Help:      "Upstream transfers actually started",
		}),
		Fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "network_fallbacks_total",
			Help:      "Network failures answered from the cache",
		}),
		BytesServed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "bytes_served_total",
			Help:      "Bytes delivered to consumers by data source",
		}, []string{"source"}),
		CacheWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "writes_total",
			Help:      "Cache population attempts by result",
		}, []string{"result"}),
		CacheWriteBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "written_bytes_total",
			Help:      "Bytes committed to the cache",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries removed to make room under the quota",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "active_sessions",
			Help:      "Transfer sessions currently in flight",
		}),
	}
}

// Registry 返回指标所在的 Registry，供 promhttp 暴露。
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) ObserveLoad(source, outcome string, duration time.Duration) {
	r.LoadsTotal.WithLabelValues(source, outcome).Inc()
	if outcome == "ok" {
		r.LoadDuration.WithLabelValues(source).Observe(duration.Seconds())
	}
}

func (r *Recorder) ObserveNetworkFetch() {
	r.NetworkFetches.Inc()
}

func (r *Recorder) ObserveFallback() {
	r.Fallbacks.Inc()
}

func (r *Recorder) AddBytes(source string, n int) {
	r.BytesServed.WithLabelValues(source).Add(float64(n))
}

func (r *Recorder) ObserveCacheWrite(result string, bytes int64) {
	r.CacheWrites.WithLabelValues(result).Inc()
	if bytes > 0 {
		r.CacheWriteBytes.Add(float64(bytes))
	}
}

func (r *Recorder) ObserveEvictions(n int) {
	if n > 0 {
		r.Evictions.Add(float64(n))
	}
}

func (r *Recorder) SessionStarted() {
	r.ActiveSessions.Inc()
}

func (r *Recorder) SessionEnded() {
	r.ActiveSessions.Dec()
}
