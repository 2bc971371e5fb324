package quota

import (
	"context"
	"errors"

	"github.com/any-hub/weight-hub/internal/cache"
)

// DefaultSafetyFactor 预留 10% 余量给宿主存储的簿记开销。
const DefaultSafetyFactor = 0.9

// Kind 表示预留结果。
type Kind int

const (
	Granted Kind = iota
	GrantedAfterEviction
	Denied
)

func (k Kind) String() string {
	switch k {
	case Granted:
		return "granted"
	case GrantedAfterEviction:
		return "granted_after_eviction"
	case Denied:
		return "denied"
	}
	return "unknown"
}

// Decision 是 Reserve 的结果。Evict 按从旧到新的顺序列出需要调用方删除的 Key，
// 仅在 GrantedAfterEviction 时非空。
type Decision struct {
	Kind   Kind
	Evict  []cache.Key
	Budget Budget
}

// Guard 在每次缓存写入前决定是否放行。
type Guard struct {
	store        cache.Store
	estimator    Estimator
	safetyFactor float64
}

// NewGuard 构造 Guard；factor 不在 (0, 1] 内时使用 DefaultSafetyFactor。
func NewGuard(store cache.Store, estimator Estimator, factor float64) *Guard {
	if factor <= 0 || factor > 1 {
		factor = DefaultSafetyFactor
	}
	return &Guard{store: store, estimator: estimator, safetyFactor: factor}
}

// Budget 返回当前容量快照。
func (g *Guard) Budget(ctx context.Context) (Budget, error) {
	return g.estimator.Estimate(ctx)
}

// Reserve 判断写入 size 字节是否可行：
// used+size <= quota*factor 直接放行；否则按最旧优先试算淘汰，
// 能腾出足够空间则返回 GrantedAfterEviction，否则 Denied 且不建议任何淘汰。
func (g *Guard) Reserve(ctx context.Context, size int64) (Decision, error) {
	if size < 0 {
		return Decision{}, errors.New("quota: negative reservation size")
	}
	budget, err := g.estimator.Estimate(ctx)
	if err != nil {
		return Decision{}, err
	}

	limit := int64(float64(budget.QuotaBytes) * g.safetyFactor)
	if budget.UsedBytes+size <= limit {
		return Decision{Kind: Granted, Budget: budget}, nil
	}
	if size > limit {
		return Decision{Kind: Denied, Budget: budget}, nil
	}

	entries, err := g.store.List(ctx)
	if err != nil {
		return Decision{}, err
	}
	projected := budget.UsedBytes
	var evict []cache.Key
	for _, entry := range entries {
		evict = append(evict, entry.Key)
		projected -= entry.SizeBytes
		if projected+size <= limit {
			return Decision{Kind: GrantedAfterEviction, Evict: evict, Budget: budget}, nil
		}
	}
	return Decision{Kind: Denied, Budget: budget}, nil
}
