package main

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/weight-hub/internal/cache"
	"github.com/any-hub/weight-hub/internal/config"
	"github.com/any-hub/weight-hub/internal/loader"
	"github.com/any-hub/weight-hub/internal/metrics"
	"github.com/any-hub/weight-hub/internal/quota"
	"github.com/any-hub/weight-hub/internal/transport"
)

// runtimeDeps 是 serve 与 fetch 共享的组件集合，启动时按
// “配置 → 缓存存储 → 配额 → Loader” 的顺序构建。
type runtimeDeps struct {
	store   cache.Store
	guard   *quota.Guard
	loader  *loader.Loader
	metrics *metrics.Recorder
	close   func() error
}

func openStore(cfg *config.Config, logger *logrus.Logger) (cache.Store, func() error, error) {
	if cfg.Global.CacheBackend == "badger" {
		store, err := cache.OpenBadger(cache.BadgerOptions{
			Path:   cfg.Global.StoragePath,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return nil, nil, err
	}
	return store, func() error { return nil }, nil
}

func buildRuntime(cfg *config.Config, logger *logrus.Logger, withRuntimeMetrics bool) (*runtimeDeps, error) {
	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	guard := quota.NewGuard(store, quota.StoreEstimator{
		Store:    store,
		MaxBytes: cfg.Global.MaxCacheSize.Bytes(),
		Root:     cfg.Global.StoragePath,
	}, cfg.Global.QuotaSafetyFactor)

	recorder := metrics.New(withRuntimeMetrics)
	l := loader.New(loader.Options{
		Store:          store,
		Guard:          guard,
		Fetcher:        transport.NewFetcher(transport.NewClient(cfg)),
		Logger:         logger,
		Metrics:        recorder,
		ChunkSize:      cfg.Global.ChunkSize,
		DefaultTimeout: cfg.Global.FetchTimeout.DurationValue(),
	})

	return &runtimeDeps{
		store:   store,
		guard:   guard,
		loader:  l,
		metrics: recorder,
		close: func() error {
			l.Wait()
			return closeStore()
		},
	}, nil
}
