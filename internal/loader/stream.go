package loader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/any-hub/weight-hub/internal/cache"
)

// Stream 是单个消费者持有的句柄。Next 返回的切片在同一会话的所有消费者之间共享，
// 调用方只读。Close 只影响当前句柄；最后一个句柄关闭时未完成的传输被取消。
type Stream struct {
	ctx context.Context
	s   *session
	c   *cursor

	header    http.Header
	size      int64
	fromCache bool

	mu      sync.Mutex
	pending []byte
	once    sync.Once
}

var _ io.ReadCloser = (*Stream)(nil)

func newStream(ctx context.Context, s *session, c *cursor) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Stream{
		ctx:       ctx,
		s:         s,
		c:         c,
		header:    s.header.Clone(),
		size:      s.size,
		fromCache: s.fromCache,
	}
}

// Next 返回下一块数据，正常结束时返回 io.EOF。
func (st *Stream) Next(ctx context.Context) ([]byte, error) {
	chunk, err := st.s.next(ctx, st.c)
	if err != nil {
		return nil, err
	}
	st.s.loader.metrics.AddBytes(sourceLabel(st.fromCache), len(chunk))
	return chunk, nil
}

// Read 实现 io.Reader，阻塞等待使用 Load 时传入的 context。
func (st *Stream) Read(p []byte) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for len(st.pending) == 0 {
		chunk, err := st.Next(st.ctx)
		if err != nil {
			return 0, err
		}
		st.pending = chunk
	}
	n := copy(p, st.pending)
	st.pending = st.pending[n:]
	return n, nil
}

// Bytes 读取剩余全部数据并关闭句柄。
func (st *Stream) Bytes(ctx context.Context) ([]byte, error) {
	defer st.Close()

	var buf bytes.Buffer
	if st.size > 0 {
		buf.Grow(int(st.size))
	}
	st.mu.Lock()
	buf.Write(st.pending)
	st.pending = nil
	st.mu.Unlock()

	for {
		chunk, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
		buf.Write(chunk)
	}
}

// Close 释放句柄，可重复调用。
func (st *Stream) Close() error {
	st.once.Do(func() {
		st.s.detach(st.c)
	})
	return nil
}

// Header 返回制品的响应头（已剔除 hop-by-hop 字段）。
func (st *Stream) Header() http.Header {
	return st.header
}

// Size 返回声明长度，未知时为 -1。
func (st *Stream) Size() int64 {
	return st.size
}

// Cached 报告数据是否来自缓存。
func (st *Stream) Cached() bool {
	return st.fromCache
}

// Key 返回制品的缓存键。
func (st *Stream) Key() cache.Key {
	return st.s.key
}

// SessionID 返回所属会话的 ID，便于日志关联。
func (st *Stream) SessionID() string {
	return st.s.id
}
