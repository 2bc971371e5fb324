package loader

import (
	"errors"
	"fmt"

	"github.com/any-hub/weight-hub/internal/cache"
	"github.com/any-hub/weight-hub/internal/planner"
	"github.com/any-hub/weight-hub/internal/pump"
	"github.com/any-hub/weight-hub/internal/transport"
)

var (
	// ErrCancelled 表示最后一个消费者放弃了会话，或调用方 context 被取消。
	ErrCancelled = errors.New("load cancelled")
	// ErrTimeout 表示网络拉取超过请求超时。
	ErrTimeout = planner.ErrTimeout
	// ErrInvalidRequest 表示请求参数不合法。
	ErrInvalidRequest = errors.New("invalid load request")
	// ErrClosed 表示在已关闭的 Stream 上继续读取。
	ErrClosed = errors.New("stream closed")
)

// Kind 是面向调用方的错误分类。
type Kind string

const (
	KindNetwork            Kind = "network"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindIntegrityMismatch  Kind = "integrity_mismatch"
	KindNotFound           Kind = "not_found"
	KindCancelled          Kind = "cancelled"
	KindTimeout            Kind = "timeout"
	KindInvalidRequest     Kind = "invalid_request"
	KindInternal           Kind = "internal"
)

// LoadError 包装加载失败的原因，支持 errors.Is / errors.As 穿透。
type LoadError struct {
	Op   string
	Key  cache.Key
	Kind Kind
	Err  error
}

func (e *LoadError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// KindOf 对任意错误做分类，nil 返回空字符串。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var loadErr *LoadError
	if errors.As(err, &loadErr) && loadErr.Kind != "" {
		return loadErr.Kind
	}
	var netErr *transport.NetworkError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, pump.ErrIntegrityMismatch):
		return KindIntegrityMismatch
	case errors.Is(err, cache.ErrNotFound):
		return KindNotFound
	case errors.Is(err, cache.ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, cache.ErrStorageUnavailable):
		return KindStorageUnavailable
	case errors.As(err, &netErr), errors.Is(err, pump.ErrTruncated), errors.Is(err, pump.ErrOverrun):
		return KindNetwork
	}
	return KindInternal
}

func wrapError(op string, key cache.Key, err error) error {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return err
	}
	return &LoadError{Op: op, Key: key, Kind: KindOf(err), Err: err}
}
