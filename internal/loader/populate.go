package loader

import (
	"context"
	"errors"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/weight-hub/internal/cache"
	"github.com/any-hub/weight-hub/internal/quota"
	"github.com/any-hub/weight-hub/internal/telemetry"
)

// populate 作为内部消费者把分块日志写入缓存。失败只记录日志，不影响用户消费者。
//
// 长度已知时先向配额申请再流式写入；长度未知时保留整段日志直到传输结束，
// 拿到真实大小后再申请。写入使用脱离用户取消的 context，已经开始的提交会完成。
func (l *Loader) populate(s *session, c *cursor, size int64) {
	defer s.populate.Done()
	defer s.detach(c)

	ctx := context.WithoutCancel(s.ctx)
	logger := s.logger.WithField("action", "cache_populate")

	if size < 0 {
		if err := s.waitTerminal(ctx); err != nil {
			return
		}
		s.mu.Lock()
		size = s.total
		s.mu.Unlock()
	}

	if !l.reserve(ctx, s, size, logger) {
		return
	}

	s.mu.Lock()
	entry := cache.Entry{
		Key:       s.key,
		Header:    s.header.Clone(),
		SizeBytes: size,
		Integrity: s.req.Integrity,
	}
	s.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "cache.put", telemetry.Key(s.key.String()), telemetry.Size(size))
	defer span.End()

	body := &logReader{ctx: ctx, s: s, c: c}
	stored, err := l.store.Put(ctx, entry, body)
	if err != nil {
		telemetry.RecordError(span, err)
		if s.failed() {
			// 传输本身失败，写入随之放弃，原因已由 load_failed 记录
			l.metrics.ObserveCacheWrite("aborted", 0)
			return
		}
		if errors.Is(err, cache.ErrStorageUnavailable) {
			l.markDegraded(err)
		}
		l.metrics.ObserveCacheWrite("failed", 0)
		logger.WithError(err).Warn("cache_populate_failed")
		return
	}

	l.metrics.ObserveCacheWrite("committed", stored.SizeBytes)
	logger.WithFields(logrus.Fields{
		"size":      humanize.IBytes(uint64(stored.SizeBytes)),
		"stored_at": stored.StoredAt,
	}).Debug("cache_populated")
}

// reserve 向配额申请空间并执行淘汰，返回是否允许写入。
func (l *Loader) reserve(ctx context.Context, s *session, size int64, logger *logrus.Entry) bool {
	if l.guard == nil {
		return true
	}
	decision, err := l.guard.Reserve(ctx, size)
	if err != nil {
		if errors.Is(err, cache.ErrStorageUnavailable) {
			l.markDegraded(err)
		}
		l.metrics.ObserveCacheWrite("failed", 0)
		logger.WithError(err).Warn("cache_quota_check_failed")
		return false
	}

	switch decision.Kind {
	case quota.Denied:
		l.metrics.ObserveCacheWrite("skipped", 0)
		logger.WithFields(logrus.Fields{
			"size":  humanize.IBytes(uint64(size)),
			"used":  humanize.IBytes(uint64(decision.Budget.UsedBytes)),
			"quota": humanize.IBytes(uint64(decision.Budget.QuotaBytes)),
		}).Info("cache_write_skipped")
		return false
	case quota.GrantedAfterEviction:
		evicted := 0
		for _, key := range decision.Evict {
			if key == s.key {
				continue
			}
			if err := l.deleteEntry(ctx, key); err != nil {
				logger.WithError(err).WithField("evict_key", key.String()).Warn("cache_evict_failed")
				continue
			}
			evicted++
		}
		l.metrics.ObserveEvictions(evicted)
		logger.WithFields(logrus.Fields{"evicted": evicted}).Info("cache_evicted")
	}
	return true
}

func (s *session) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateFailed
}

// logReader 把分块日志适配为 io.Reader，供 Store.Put 消费。
type logReader struct {
	ctx context.Context
	s   *session
	c   *cursor
	buf []byte
}

func (r *logReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		chunk, err := r.s.next(r.ctx, r.c)
		if err != nil {
			return 0, err
		}
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
