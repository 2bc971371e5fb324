package quota

import (
	"context"
	"errors"

	"github.com/any-hub/weight-hub/internal/cache"
)

// Budget 是某一时刻的容量快照，仅供参考，不做强一致保证。
type Budget struct {
	UsedBytes  int64 `json:"used_bytes"`
	QuotaBytes int64 `json:"quota_bytes"`
}

// Free 返回剩余容量，不会小于 0。
func (b Budget) Free() int64 {
	if b.QuotaBytes <= b.UsedBytes {
		return 0
	}
	return b.QuotaBytes - b.UsedBytes
}

// Estimator 提供当前 Budget。
type Estimator interface {
	Estimate(ctx context.Context) (Budget, error)
}

// StaticEstimator 返回固定值，测试中使用。
type StaticEstimator struct {
	Budget Budget
	Err    error
}

func (s StaticEstimator) Estimate(context.Context) (Budget, error) {
	return s.Budget, s.Err
}

// StoreEstimator 以 Store 中条目大小之和作为已用容量。配额取 MaxBytes，
// 若 Root 非空，还会被文件系统剩余空间收紧到 used + free。
type StoreEstimator struct {
	Store    cache.Store
	MaxBytes int64
	Root     string
}

func (s StoreEstimator) Estimate(ctx context.Context) (Budget, error) {
	entries, err := s.Store.List(ctx)
	if err != nil {
		return Budget{}, err
	}
	var used int64
	for _, entry := range entries {
		used += entry.SizeBytes
	}

	quota := s.MaxBytes
	if s.Root != "" {
		free, err := freeBytes(s.Root)
		switch {
		case err == nil:
			if quota <= 0 || used+free < quota {
				quota = used + free
			}
		case !errors.Is(err, errStatfsUnsupported):
			return Budget{}, err
		}
	}
	if quota < 0 {
		quota = 0
	}
	return Budget{UsedBytes: used, QuotaBytes: quota}, nil
}
