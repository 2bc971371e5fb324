package loader

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/weight-hub/internal/cache"
	"github.com/any-hub/weight-hub/internal/logging"
	"github.com/any-hub/weight-hub/internal/planner"
	"github.com/any-hub/weight-hub/internal/pump"
)

// State 是会话状态机：Init -> Planning -> {CacheHit | Fetching} -> Streaming -> {Completed | Failed}。
type State int

const (
	StateInit State = iota
	StatePlanning
	StateCacheHit
	StateFetching
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePlanning:
		return "planning"
	case StateCacheHit:
		return "cache_hit"
	case StateFetching:
		return "fetching"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// cursor 是单个消费者在分块日志中的绝对位置。internal 表示缓存写入消费者，
// 它不计入用户消费者，也不阻止会话被取消。
type cursor struct {
	pos      int
	internal bool
	detached bool
}

// session 对应一个 Key 上正在进行的一次传输。
//
// 锁顺序：Loader.mu 在前，session.mu 在后。
type session struct {
	id        string
	key       cache.Key
	req       Request
	integrity digest.Digest
	loader    *Loader
	logger    *logrus.Entry
	started   time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu         sync.Mutex
	state      State
	err        error
	chunks     [][]byte
	base       int
	total      int64
	header     http.Header
	size       int64
	fromCache  bool
	decision   planner.Decision
	notify     chan struct{}
	cursors    map[*cursor]struct{}
	users      int
	cancelling bool

	populate sync.WaitGroup
	done     chan struct{}
}

func newSession(l *Loader, key cache.Key, req Request, integrity digest.Digest) *session {
	ctx, cancel := context.WithCancelCause(context.Background())
	id := uuid.NewString()
	return &session{
		id:        id,
		key:       key,
		req:       req,
		integrity: integrity,
		loader:    l,
		logger:    l.logger.WithFields(logging.LoadFields(key.String(), req.Policy.String(), id, false)),
		started:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		size:      -1,
		notify:    make(chan struct{}),
		cursors:   make(map[*cursor]struct{}),
		done:      make(chan struct{}),
	}
}

// attach 为用户消费者分配游标。已失败、正在取消、已丢弃过分块或策略冲突的会话拒绝加入，
// 调用方需等待会话结束后重试。
func (s *session) attach(req Request) *cursor {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateFailed || s.cancelling || s.base > 0 {
		return nil
	}
	if !joinable(s.req.Policy, req.Policy) {
		return nil
	}
	if req.Integrity != "" && !pump.SameIntegrity(req.Integrity, s.req.Integrity) {
		return nil
	}
	c := &cursor{pos: s.base}
	s.cursors[c] = struct{}{}
	s.users++
	return c
}

// joinable 判断 joiner 能否直接复用按 running 策略运行的会话结果。
// 读缓存的策略之间命中与回退规则不同，只有同一策略才共享；
// 两个都不读缓存的策略（NetworkOnly、Bypass）结果等价，可以共享。
func joinable(running, joiner Policy) bool {
	if running == joiner {
		return true
	}
	return !running.ReadsCache() && !joiner.ReadsCache()
}

// attachInternal 在第一块数据写入日志之前挂上缓存写入消费者。
func (s *session) attachInternal() *cursor {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.base > 0 || s.state.terminal() {
		return nil
	}
	c := &cursor{pos: s.base, internal: true}
	s.cursors[c] = struct{}{}
	return c
}

// detach 移除游标；最后一个用户消费者离开且传输未结束时取消会话。
func (s *session) detach(c *cursor) {
	s.mu.Lock()
	if c.detached {
		s.mu.Unlock()
		return
	}
	c.detached = true
	delete(s.cursors, c)
	cancel := false
	if !c.internal {
		s.users--
		// 声明长度的数据已全部进入日志时不再取消，让传输自然收尾并完成缓存写入
		allIn := s.size >= 0 && s.total >= s.size && s.state == StateStreaming
		if s.users == 0 && !s.state.terminal() && !allIn {
			s.cancelling = true
			cancel = true
		}
	}
	s.trimLocked()
	s.mu.Unlock()

	if cancel {
		s.cancel(ErrCancelled)
	}
}

// next 返回游标的下一块数据。返回的切片在会话内共享，调用方只读。
func (s *session) next(ctx context.Context, c *cursor) ([]byte, error) {
	for {
		s.mu.Lock()
		if c.detached {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if c.pos < s.base+len(s.chunks) {
			chunk := s.chunks[c.pos-s.base]
			c.pos++
			s.trimLocked()
			s.mu.Unlock()
			return chunk, nil
		}
		switch s.state {
		case StateCompleted:
			s.mu.Unlock()
			return nil, io.EOF
		case StateFailed:
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

// waitReady 阻塞到会话进入 Streaming 或终态。
func (s *session) waitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		switch s.state {
		case StateStreaming, StateCompleted:
			s.mu.Unlock()
			return nil
		case StateFailed:
			err := s.err
			s.mu.Unlock()
			return err
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// waitTerminal 阻塞到会话结束，返回失败原因（成功时为 nil）。
func (s *session) waitTerminal(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.state.terminal() {
			err := s.err
			s.mu.Unlock()
			return err
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

func (s *session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.broadcastLocked()
	s.mu.Unlock()
}

// open 记录数据源的元信息并进入 CacheHit / Fetching。
func (s *session) open(src *planner.Source) {
	s.mu.Lock()
	s.header = src.Header.Clone()
	s.size = src.Size
	s.fromCache = src.FromCache
	s.decision = src.Decision
	if src.FromCache {
		s.state = StateCacheHit
	} else {
		s.state = StateFetching
	}
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *session) append(chunk []byte) {
	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	s.total += int64(len(chunk))
	s.state = StateStreaming
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *session) complete() {
	s.mu.Lock()
	s.state = StateCompleted
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *session) fail(err error) {
	s.mu.Lock()
	if !s.state.terminal() {
		s.state = StateFailed
		s.err = err
		s.broadcastLocked()
	}
	s.mu.Unlock()
}

// delivered 报告是否已有数据写入日志。
func (s *session) delivered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total > 0 || s.base > 0 || len(s.chunks) > 0
}

// trimLocked 丢弃所有游标都已越过的分块。
func (s *session) trimLocked() {
	low := s.base + len(s.chunks)
	for c := range s.cursors {
		if c.pos < low {
			low = c.pos
		}
	}
	drop := low - s.base
	if drop <= 0 {
		return
	}
	for i := 0; i < drop; i++ {
		s.chunks[i] = nil
	}
	s.chunks = s.chunks[drop:]
	s.base = low
}

func (s *session) broadcastLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// info 返回诊断快照。
func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:        s.id,
		Key:       s.key,
		State:     s.state.String(),
		Policy:    s.req.Policy.String(),
		Consumers: s.users,
		Bytes:     s.total,
		Size:      s.size,
		FromCache: s.fromCache,
		StartedAt: s.started,
	}
}

// classify 把运行期错误转换为 LoadError；会话被取消时统一报告 ErrCancelled。
func (s *session) classify(err error) error {
	if errors.Is(context.Cause(s.ctx), ErrCancelled) && !errors.Is(err, ErrCancelled) {
		err = ErrCancelled
	}
	return wrapError("load", s.key, err)
}
