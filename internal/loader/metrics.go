package loader

import "time"

// Metrics 由 internal/metrics 提供 prometheus 实现；为 nil 时使用 no-op。
type Metrics interface {
	// ObserveLoad 记录一次 Load 的结果，source 为 cache / network，outcome 为 ok 或错误分类。
	ObserveLoad(source, outcome string, duration time.Duration)
	// ObserveNetworkFetch 记录一次真实的网络拉取。
	ObserveNetworkFetch()
	// ObserveFallback 记录网络失败后回退到缓存。
	ObserveFallback()
	// AddBytes 记录交付给用户消费者的字节数。
	AddBytes(source string, n int)
	// ObserveCacheWrite 记录缓存写入结果：committed / skipped / failed。
	ObserveCacheWrite(result string, bytes int64)
	// ObserveEvictions 记录因配额淘汰的条目数。
	ObserveEvictions(n int)
	// SessionStarted / SessionEnded 维护活跃会话数。
	SessionStarted()
	SessionEnded()
}

type noopMetrics struct{}

func (noopMetrics) ObserveLoad(string, string, time.Duration) {}
func (noopMetrics) ObserveNetworkFetch()                      {}
func (noopMetrics) ObserveFallback()                          {}
func (noopMetrics) AddBytes(string, int)                      {}
func (noopMetrics) ObserveCacheWrite(string, int64)           {}
func (noopMetrics) ObserveEvictions(int)                      {}
func (noopMetrics) SessionStarted()                           {}
func (noopMetrics) SessionEnded()                             {}

func sourceLabel(fromCache bool) string {
	if fromCache {
		return "cache"
	}
	return "network"
}
