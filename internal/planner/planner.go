// Package planner turns a load request into a concrete data source: a cached
// entry or a live network response, following the policy table in Plan and
// falling back to the cache when the network fails before any byte arrives.
package planner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/weight-hub/internal/cache"
	"github.com/any-hub/weight-hub/internal/logging"
	"github.com/any-hub/weight-hub/internal/pump"
	"github.com/any-hub/weight-hub/internal/telemetry"
	"github.com/any-hub/weight-hub/internal/transport"
)

// ErrTimeout 表示网络拉取超过了请求的超时时间。
var ErrTimeout = errors.New("fetch timed out")

// Request 描述一次待执行的加载。
type Request struct {
	Key       cache.Key
	URL       string
	Integrity string
	Policy    Policy
	Header    http.Header
	Timeout   time.Duration
	// SkipCache 表示存储已不可用，本次只允许走网络。
	SkipCache bool
}

// Source 是执行计划得到的数据源，调用方负责关闭 Body。
type Source struct {
	Decision  Decision
	Header    http.Header
	Size      int64
	Body      io.ReadCloser
	FromCache bool
	Entry     *cache.Entry
	// Suppressed 记录回退到缓存前被吞掉的网络错误。
	Suppressed error
	// Degraded 记录本次执行中发现的存储不可用错误。
	Degraded error
}

// Planner 组合缓存与网络拉取。
type Planner struct {
	store   cache.Store
	fetcher transport.Fetcher
	logger  *logrus.Logger
}

// New 构造 Planner；store 可为 nil，表示只走网络。
func New(store cache.Store, fetcher transport.Fetcher, logger *logrus.Logger) *Planner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Planner{store: store, fetcher: fetcher, logger: logger}
}

// Execute 查找缓存、按策略表决策并打开对应的数据源。
func (p *Planner) Execute(ctx context.Context, req Request) (*Source, error) {
	ctx, span := telemetry.StartSpan(ctx, "planner.execute",
		telemetry.Key(req.Key.String()), telemetry.Policy(req.Policy.String()))
	defer span.End()

	src, err := p.execute(ctx, req)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(telemetry.Decision(src.Decision.String()), telemetry.CacheHit(src.FromCache))
	return src, nil
}

func (p *Planner) execute(ctx context.Context, req Request) (*Source, error) {
	cacheUsable := p.store != nil && !req.SkipCache
	var (
		hit      *cache.ReadResult
		degraded error
	)

	if cacheUsable && (req.Policy == CacheFirst || req.Policy == CacheOnly) {
		result, err := p.lookup(ctx, req)
		switch {
		case errors.Is(err, cache.ErrStorageUnavailable):
			degraded = err
			cacheUsable = false
		case err != nil:
			return nil, err
		}
		hit = result
	}

	if req.Policy == CacheOnly && !cacheUsable {
		cause := degraded
		if cause == nil {
			cause = cache.ErrStorageUnavailable
		}
		return nil, fmt.Errorf("%w: %w", cache.ErrNotFound, cause)
	}

	decision, err := Plan(req.Policy, hit != nil)
	if err != nil {
		return nil, err
	}
	if decision == ReadCache {
		return fromCache(hit, nil, degraded), nil
	}
	if !cacheUsable {
		decision = FetchNetwork
	}

	src, fetchErr := p.fetch(ctx, req)
	if fetchErr == nil {
		src.Decision = decision
		src.Degraded = degraded
		return src, nil
	}

	// 尚未交付任何字节，允许读缓存的策略回退到已有条目
	if cacheUsable && req.Policy.ReadsCache() {
		result, err := p.lookup(ctx, req)
		if err == nil && result != nil {
			p.logger.WithFields(logrus.Fields{
				"action": "network_fallback",
				"key":    req.Key.String(),
				"policy": req.Policy.String(),
			}).WithError(fetchErr).Warn("network_fallback")
			return fromCache(result, fetchErr, degraded), nil
		}
	}
	return nil, fetchErr
}

// lookup 返回可用的缓存条目；未命中或完整性声明不一致时返回 nil。
func (p *Planner) lookup(ctx context.Context, req Request) (*cache.ReadResult, error) {
	result, err := p.store.Get(ctx, req.Key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if req.Integrity != "" && result.Entry.Integrity != "" && !pump.SameIntegrity(req.Integrity, result.Entry.Integrity) {
		result.Reader.Close()
		p.logger.WithFields(logrus.Fields{
			"action": "cache_integrity_differs",
			"key":    req.Key.String(),
		}).Debug("cache_integrity_differs")
		return nil, nil
	}
	return result, nil
}

func (p *Planner) fetch(ctx context.Context, req Request) (*Source, error) {
	var (
		fetchCtx context.Context
		cancel   context.CancelFunc
	)
	if req.Timeout > 0 {
		fetchCtx, cancel = context.WithTimeoutCause(ctx, req.Timeout, ErrTimeout)
	} else {
		fetchCtx, cancel = context.WithCancel(ctx)
	}

	resp, err := p.fetcher.Fetch(fetchCtx, req.URL, req.Header)
	if err != nil {
		err = timeoutCause(fetchCtx, err)
		cancel()
		return nil, err
	}
	return &Source{
		Header: resp.Header,
		Size:   resp.Size,
		Body:   &fetchBody{ctx: fetchCtx, body: resp.Body, cancel: cancel},
	}, nil
}

func fromCache(hit *cache.ReadResult, suppressed, degraded error) *Source {
	entry := hit.Entry
	return &Source{
		Decision:   ReadCache,
		Header:     entry.Header,
		Size:       entry.SizeBytes,
		Body:       hit.Reader,
		FromCache:  true,
		Entry:      &entry,
		Suppressed: suppressed,
		Degraded:   degraded,
	}
}

// timeoutCause 在请求级超时触发时把错误包装为 ErrTimeout。
func timeoutCause(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrTimeout) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// fetchBody 在关闭时释放请求级 context，读取错误同样带上超时语义。
type fetchBody struct {
	ctx    context.Context
	body   io.ReadCloser
	cancel context.CancelFunc
}

func (b *fetchBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = timeoutCause(b.ctx, err)
	}
	return n, err
}

func (b *fetchBody) Close() error {
	err := b.body.Close()
	b.cancel()
	return err
}
