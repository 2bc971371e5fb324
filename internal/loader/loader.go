package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/weight-hub/internal/cache"
	"github.com/any-hub/weight-hub/internal/logging"
	"github.com/any-hub/weight-hub/internal/planner"
	"github.com/any-hub/weight-hub/internal/pump"
	"github.com/any-hub/weight-hub/internal/quota"
	"github.com/any-hub/weight-hub/internal/telemetry"
	"github.com/any-hub/weight-hub/internal/transport"
)

// Options 组装 Loader 的依赖。Store 为 nil 时 Loader 只走网络；Guard 为 nil 时不做配额检查。
type Options struct {
	Store          cache.Store
	Guard          *quota.Guard
	Fetcher        transport.Fetcher
	Logger         *logrus.Logger
	Metrics        Metrics
	ChunkSize      int
	DefaultTimeout time.Duration
}

// Loader 是对外的加载入口，整站复用一份实例。
type Loader struct {
	store          cache.Store
	guard          *quota.Guard
	planner        *planner.Planner
	logger         *logrus.Logger
	metrics        Metrics
	chunkSize      int
	defaultTimeout time.Duration

	mu       sync.Mutex
	sessions map[cache.Key]*session

	degraded     atomic.Bool
	degradedOnce sync.Once
	deletes      singleflight.Group
	wg           sync.WaitGroup
}

// SessionInfo 是活跃会话的诊断快照。
type SessionInfo struct {
	ID        string    `json:"id"`
	Key       cache.Key `json:"key"`
	State     string    `json:"state"`
	Policy    string    `json:"policy"`
	Consumers int       `json:"consumers"`
	Bytes     int64     `json:"bytes"`
	Size      int64     `json:"size"`
	FromCache bool      `json:"from_cache"`
	StartedAt time.Time `json:"started_at"`
}

// New 构造 Loader。
func New(opts Options) *Loader {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = transport.NewFetcher(nil)
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = pump.DefaultChunkSize
	}
	return &Loader{
		store:          opts.Store,
		guard:          opts.Guard,
		planner:        planner.New(opts.Store, fetcher, logger),
		logger:         logger,
		metrics:        metrics,
		chunkSize:      chunkSize,
		defaultTimeout: opts.DefaultTimeout,
		sessions:       make(map[cache.Key]*session),
	}
}

// Load 返回制品的字节流。同一 Key 上的并发请求共享一次传输；
// 在数据开始流动或会话失败之前阻塞。
func (l *Loader) Load(ctx context.Context, req Request) (*Stream, error) {
	start := time.Now()
	key, integrity, err := prepare(req)
	if err != nil {
		l.metrics.ObserveLoad("none", string(KindInvalidRequest), time.Since(start))
		return nil, wrapError("load", key, err)
	}
	if req.Timeout == 0 {
		req.Timeout = l.defaultTimeout
	}

	ctx, span := telemetry.StartSpan(ctx, "loader.load", telemetry.Key(key.String()), telemetry.Policy(req.Policy.String()))
	defer span.End()

	for {
		s, c, err := l.acquire(ctx, key, req, integrity)
		if err != nil {
			err = wrapError("load", key, callerAbort(ctx, err))
			telemetry.RecordError(span, err)
			l.metrics.ObserveLoad("none", string(KindOf(err)), time.Since(start))
			return nil, err
		}
		if s == nil {
			continue
		}

		if err := s.waitReady(ctx); err != nil {
			s.detach(c)
			if ctx.Err() != nil && errors.Is(err, context.Cause(ctx)) {
				err = callerAbort(ctx, err)
			}
			err = wrapError("load", key, err)
			telemetry.RecordError(span, err)
			l.metrics.ObserveLoad("none", string(KindOf(err)), time.Since(start))
			return nil, err
		}

		stream := newStream(ctx, s, c)
		span.SetAttributes(telemetry.CacheHit(stream.Cached()), telemetry.Size(stream.Size()))
		l.metrics.ObserveLoad(sourceLabel(stream.Cached()), "ok", time.Since(start))
		return stream, nil
	}
}

// callerAbort 把调用方 context 结束的原因归类：截止时间到达视为超时，其余视为取消。
func callerAbort(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// acquire 加入已有会话或注册新会话。返回 (nil, nil, nil) 表示需要重试。
func (l *Loader) acquire(ctx context.Context, key cache.Key, req Request, integrity digest.Digest) (*session, *cursor, error) {
	l.mu.Lock()
	if s := l.sessions[key]; s != nil {
		c := s.attach(req)
		l.mu.Unlock()
		if c != nil {
			return s, c, nil
		}
		// 会话已丢弃部分分块或正在结束，等它完成后重新规划（通常会命中缓存）
		select {
		case <-s.done:
			return nil, nil, nil
		case <-ctx.Done():
			return nil, nil, context.Cause(ctx)
		}
	}

	s := newSession(l, key, req, integrity)
	c := s.attach(req)
	l.sessions[key] = s
	l.wg.Add(1)
	l.mu.Unlock()

	l.metrics.SessionStarted()
	go s.run()
	return s, c, nil
}

// Wait 阻塞到所有会话（包括后台缓存写入）结束。
func (l *Loader) Wait() {
	l.wg.Wait()
}

// Active 返回活跃会话快照，按开始时间排序。
func (l *Loader) Active() []SessionInfo {
	l.mu.Lock()
	result := make([]SessionInfo, 0, len(l.sessions))
	for _, s := range l.sessions {
		result = append(result, s.info())
	}
	l.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// Degraded 报告 Loader 是否因存储不可用而退化为只走网络。
func (l *Loader) Degraded() bool {
	return l.degraded.Load()
}

// Evict 删除 URL 对应的缓存条目，条目不存在时返回 nil。
func (l *Loader) Evict(ctx context.Context, rawURL string) error {
	key, err := cache.NewKey(rawURL)
	if err != nil {
		return wrapError("evict", "", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	if l.store == nil {
		return wrapError("evict", key, cache.ErrStorageUnavailable)
	}
	if err := l.deleteEntry(ctx, key); err != nil {
		return wrapError("evict", key, err)
	}
	return nil
}

// deleteEntry 删除单个条目。同一 Key 的并发删除（多个写入同时淘汰同一个最旧条目、
// 或与诊断接口的 Evict 重叠）合并为一次 Store.Delete。
func (l *Loader) deleteEntry(ctx context.Context, key cache.Key) error {
	_, err, _ := l.deletes.Do(key.String(), func() (interface{}, error) {
		return nil, l.store.Delete(context.WithoutCancel(ctx), key)
	})
	return err
}

// Entries 列出缓存中的条目，最旧在前。
func (l *Loader) Entries(ctx context.Context) ([]cache.Entry, error) {
	if l.store == nil {
		return nil, wrapError("entries", "", cache.ErrStorageUnavailable)
	}
	entries, err := l.store.List(ctx)
	if err != nil {
		return nil, wrapError("entries", "", err)
	}
	return entries, nil
}

// Budget 返回当前配额快照。
func (l *Loader) Budget(ctx context.Context) (quota.Budget, error) {
	if l.guard == nil {
		return quota.Budget{}, wrapError("budget", "", errors.New("quota guard not configured"))
	}
	return l.guard.Budget(ctx)
}

func (l *Loader) markDegraded(err error) {
	l.degraded.Store(true)
	l.degradedOnce.Do(func() {
		l.logger.WithFields(logrus.Fields{"action": "storage_degraded"}).
			WithError(err).Warn("storage_degraded")
	})
}

// run 驱动会话：规划、拉取、写入日志，结束后等待缓存写入并注销。
func (s *session) run() {
	l := s.loader
	defer l.wg.Done()
	defer s.finish()

	s.setState(StatePlanning)
	preq := planner.Request{
		Key:       s.key,
		URL:       s.req.URL,
		Integrity: s.req.Integrity,
		Policy:    s.req.Policy,
		Header:    s.req.Header,
		Timeout:   s.req.Timeout,
		SkipCache: l.degraded.Load(),
	}
	src, err := l.planner.Execute(s.ctx, preq)
	if err != nil {
		if errors.Is(err, cache.ErrStorageUnavailable) {
			l.markDegraded(err)
		}
		s.fail(s.classify(err))
		return
	}
	l.noteSource(s, src)

	err = s.stream(src)
	if err != nil && !src.FromCache && preq.Policy.ReadsCache() && !preq.SkipCache && s.ctx.Err() == nil && !s.delivered() {
		// 网络在第一块数据之前失败，尝试回退到已有缓存
		preq.Policy = planner.CacheOnly
		if fallback, ferr := l.planner.Execute(s.ctx, preq); ferr == nil {
			fallback.Suppressed = err
			l.noteSource(s, fallback)
			err = s.stream(fallback)
		}
	}
	if err != nil {
		s.fail(s.classify(err))
		return
	}
	s.complete()
}

func (l *Loader) noteSource(s *session, src *planner.Source) {
	if src.Degraded != nil {
		l.markDegraded(src.Degraded)
	}
	if !src.FromCache {
		l.metrics.ObserveNetworkFetch()
	}
	if src.Suppressed != nil {
		l.metrics.ObserveFallback()
		s.logger.WithFields(logrus.Fields{"action": "network_fallback"}).
			WithError(src.Suppressed).Warn("network_fallback")
	}
}

// stream 把数据源经 pump 写入分块日志。
func (s *session) stream(src *planner.Source) error {
	l := s.loader
	defer src.Body.Close()
	s.open(src)

	p := pump.New(src.Body, pump.Options{
		ChunkSize:    l.chunkSize,
		ExpectedSize: src.Size,
		Integrity:    s.integrity,
	})
	populating := false
	startPopulate := func() {
		if populating || src.Decision != planner.FetchNetworkThenCache || l.store == nil || l.degraded.Load() {
			return
		}
		populating = true
		if c := s.attachInternal(); c != nil {
			s.populate.Add(1)
			go l.populate(s, c, src.Size)
		}
	}

	for {
		chunk, err := p.Next(s.ctx)
		if errors.Is(err, io.EOF) {
			startPopulate()
			return nil
		}
		if err != nil {
			if src.FromCache && errors.Is(err, pump.ErrIntegrityMismatch) {
				s.dropCorruptEntry(err)
			}
			return err
		}
		startPopulate()
		s.append(chunk)
	}
}

// dropCorruptEntry 删除摘要校验失败的缓存条目，下一次加载会重新拉取。
func (s *session) dropCorruptEntry(cause error) {
	l := s.loader
	if err := l.deleteEntry(s.ctx, s.key); err != nil {
		s.logger.WithFields(logrus.Fields{"action": "cache_delete_failed"}).WithError(err).Warn("cache_delete_failed")
		return
	}
	s.logger.WithFields(logrus.Fields{"action": "cache_entry_corrupt"}).WithError(cause).Warn("cache_entry_corrupt")
}

// finish 等待缓存写入结束后注销会话并记录结果。
func (s *session) finish() {
	l := s.loader
	s.populate.Wait()

	l.mu.Lock()
	if l.sessions[s.key] == s {
		delete(l.sessions, s.key)
	}
	l.mu.Unlock()

	s.mu.Lock()
	state, err, total, fromCache := s.state, s.err, s.total, s.fromCache
	s.mu.Unlock()

	close(s.done)
	s.cancel(context.Canceled)
	l.metrics.SessionEnded()

	entry := s.logger.WithFields(logrus.Fields{
		"cache_hit":   fromCache,
		"bytes":       total,
		"duration_ms": time.Since(s.started).Milliseconds(),
	})
	if state == StateFailed {
		entry.WithFields(logrus.Fields{"action": "load_failed", "kind": string(KindOf(err))}).
			WithError(err).Warn("load_failed")
		return
	}
	entry.WithField("action", "load_complete").Info("load_complete")
}
