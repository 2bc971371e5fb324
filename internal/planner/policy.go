package planner

import (
	"fmt"
	"strings"

	"github.com/any-hub/weight-hub/internal/cache"
)

// Policy 决定一次加载如何在缓存与网络之间取舍。
type Policy int

const (
	CacheFirst Policy = iota
	NetworkFirst
	CacheOnly
	NetworkOnly
	Bypass
)

var policyNames = map[Policy]string{
	CacheFirst:   "cache-first",
	NetworkFirst: "network-first",
	CacheOnly:    "cache-only",
	NetworkOnly:  "network-only",
	Bypass:       "bypass",
}

func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy 解析 "cache-first" 形式的策略名，大小写与下划线不敏感。
func ParsePolicy(raw string) (Policy, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", "-")
	for policy, name := range policyNames {
		if name == normalized {
			return policy, nil
		}
	}
	return 0, fmt.Errorf("unknown policy %q", raw)
}

func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Valid 报告是否为已知策略。
func (p Policy) Valid() bool {
	_, ok := policyNames[p]
	return ok
}

// ReadsCache 报告该策略是否允许读取缓存（包括网络失败后的回退）。
func (p Policy) ReadsCache() bool {
	return p == CacheFirst || p == NetworkFirst || p == CacheOnly
}

// WritesCache 报告该策略是否会把网络结果写入缓存。
func (p Policy) WritesCache() bool {
	return p == CacheFirst || p == NetworkFirst
}

// Decision 是策略表的输出。
type Decision int

const (
	ReadCache Decision = iota
	FetchNetworkThenCache
	FetchNetwork
)

func (d Decision) String() string {
	switch d {
	case ReadCache:
		return "read_cache"
	case FetchNetworkThenCache:
		return "fetch_network_then_cache"
	case FetchNetwork:
		return "fetch_network"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Plan 是纯函数策略表：
//
//	policy        hit                    miss
//	CacheFirst    ReadCache              FetchNetworkThenCache
//	NetworkFirst  FetchNetworkThenCache  FetchNetworkThenCache
//	CacheOnly     ReadCache              cache.ErrNotFound
//	NetworkOnly   FetchNetwork           FetchNetwork
//	Bypass        FetchNetwork           FetchNetwork
func Plan(policy Policy, hit bool) (Decision, error) {
	switch policy {
	case CacheFirst:
		if hit {
			return ReadCache, nil
		}
		return FetchNetworkThenCache, nil
	case NetworkFirst:
		return FetchNetworkThenCache, nil
	case CacheOnly:
		if hit {
			return ReadCache, nil
		}
		return 0, cache.ErrNotFound
	case NetworkOnly, Bypass:
		return FetchNetwork, nil
	}
	return 0, fmt.Errorf("unknown policy %d", int(policy))
}
