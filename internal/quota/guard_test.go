package quota

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/weight-hub/internal/cache"
)

func seedStore(t *testing.T, sizes map[string]int) (cache.Store, []cache.Key) {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	names := make([]string, 0, len(sizes))
	for name := range sizes {
		names = append(names, name)
	}
	// 名字即顺序，便于断言
	sort.Strings(names)
	keys := make([]cache.Key, 0, len(names))
	for i, name := range names {
		key := cache.MustKey("https://example.com/" + name)
		_, err := store.Put(context.Background(), cache.Entry{
			Key:      key,
			StoredAt: base.Add(time.Duration(i) * time.Minute),
		}, strings.NewReader(strings.Repeat("x", sizes[name])))
		require.NoError(t, err)
		keys = append(keys, key)
	}
	return store, keys
}

func TestReserveGrantsWithinBudget(t *testing.T) {
	store, _ := seedStore(t, map[string]int{"a": 100})
	guard := NewGuard(store, StaticEstimator{Budget: Budget{UsedBytes: 100, QuotaBytes: 1000}}, 1.0)

	decision, err := guard.Reserve(context.Background(), 500)
	require.NoError(t, err)
	assert.Equal(t, Granted, decision.Kind)
	assert.Empty(t, decision.Evict)
}

func TestReserveEvictsOldestFirst(t *testing.T) {
	store, keys := seedStore(t, map[string]int{"a-old": 400, "b-new": 500})
	guard := NewGuard(store, StoreEstimator{Store: store, MaxBytes: 1000}, 1.0)

	decision, err := guard.Reserve(context.Background(), 500)
	require.NoError(t, err)
	assert.Equal(t, GrantedAfterEviction, decision.Kind)
	assert.Equal(t, []cache.Key{keys[0]}, decision.Evict)
	assert.Equal(t, int64(900), decision.Budget.UsedBytes)
	assert.Equal(t, int64(1000), decision.Budget.QuotaBytes)

	// guard 本身不删除任何条目
	listed, err := cache.ListKeys(context.Background(), store)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestReserveDeniedWhenEvictionInsufficient(t *testing.T) {
	store, _ := seedStore(t, map[string]int{"a": 100, "b": 100})
	guard := NewGuard(store, StaticEstimator{Budget: Budget{UsedBytes: 900, QuotaBytes: 1000}}, 1.0)

	decision, err := guard.Reserve(context.Background(), 500)
	require.NoError(t, err)
	assert.Equal(t, Denied, decision.Kind)
	assert.Empty(t, decision.Evict, "denied reservations must not suggest evictions")
}

func TestReserveDeniedWhenLargerThanQuota(t *testing.T) {
	store, _ := seedStore(t, map[string]int{"a": 100})
	guard := NewGuard(store, StaticEstimator{Budget: Budget{UsedBytes: 100, QuotaBytes: 1000}}, 0)

	decision, err := guard.Reserve(context.Background(), 950)
	require.NoError(t, err)
	assert.Equal(t, Denied, decision.Kind)
}

func TestReserveAppliesSafetyFactor(t *testing.T) {
	store, keys := seedStore(t, map[string]int{"a": 50})
	guard := NewGuard(store, StaticEstimator{Budget: Budget{UsedBytes: 50, QuotaBytes: 1000}}, 0.9)

	decision, err := guard.Reserve(context.Background(), 860)
	require.NoError(t, err)
	assert.Equal(t, GrantedAfterEviction, decision.Kind)
	assert.Equal(t, keys, decision.Evict)
}

func TestReservePropagatesEstimatorError(t *testing.T) {
	store, _ := seedStore(t, nil)
	guard := NewGuard(store, StaticEstimator{Err: cache.ErrStorageUnavailable}, 1.0)

	_, err := guard.Reserve(context.Background(), 1)
	assert.True(t, errors.Is(err, cache.ErrStorageUnavailable))
}

func TestStoreEstimatorClampsToFilesystem(t *testing.T) {
	store, _ := seedStore(t, map[string]int{"a": 10})
	root := t.TempDir()
	budget, err := StoreEstimator{Store: store, MaxBytes: 1 << 62, Root: root}.Estimate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), budget.UsedBytes)
	assert.Less(t, budget.QuotaBytes, int64(1<<62))
}

func TestBudgetFree(t *testing.T) {
	assert.Equal(t, int64(100), Budget{UsedBytes: 900, QuotaBytes: 1000}.Free())
	assert.Equal(t, int64(0), Budget{UsedBytes: 1200, QuotaBytes: 1000}.Free())
}
