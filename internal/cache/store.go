package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Store 负责管理持久化缓存的读写。实现需保证：
//
//   - Put 原子可见：要么完整条目可被 Get 读到，要么什么都没有；
//   - Delete 对不存在的 Key 是 no-op；
//   - List 按 StoredAt 升序返回（最旧在前），供配额淘汰使用。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, key Key) (*ReadResult, error)

	// Put 将完整正文写入缓存并返回最终 Entry。若 entry.Integrity 非空，
	// 实现必须在提交前校验摘要，不一致时丢弃写入。
	Put(ctx context.Context, entry Entry, body io.Reader) (*Entry, error)

	// Delete 删除条目，Key 不存在时直接返回 nil。
	Delete(ctx context.Context, key Key) error

	// List 返回所有条目的元信息，按 StoredAt 升序排列。
	List(ctx context.Context) ([]Entry, error)
}

// Entry 描述一个已提交的缓存条目。条目不可变，替换通过先删后插完成。
type Entry struct {
	Key       Key         `json:"key"`
	Header    http.Header `json:"header,omitempty"`
	SizeBytes int64       `json:"size_bytes"`
	StoredAt  time.Time   `json:"stored_at"`
	Integrity string      `json:"integrity,omitempty"`
}

// ReadResult 组合 Entry 与正文 Reader，调用方负责关闭 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadCloser
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStorageUnavailable 表示底层存储不可访问（目录不可写、数据库已关闭等）。
	ErrStorageUnavailable = errors.New("cache storage unavailable")
	// ErrQuotaExceeded 表示存储拒绝写入（磁盘满、配额不足、事务过大）。
	ErrQuotaExceeded = errors.New("cache quota exceeded")
)

// ListKeys 返回按 StoredAt 升序排列的 Key 列表。
func ListKeys(ctx context.Context, store Store) ([]Key, error) {
	entries, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]Key, len(entries))
	for i, entry := range entries {
		keys[i] = entry.Key
	}
	return keys, nil
}
