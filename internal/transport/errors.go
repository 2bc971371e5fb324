package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Kind 对网络错误做粗粒度分类，便于日志与回退决策。
type Kind string

const (
	KindDNS               Kind = "dns"
	KindConnectionReset   Kind = "connection_reset"
	KindConnectionRefused Kind = "connection_refused"
	KindTimeout           Kind = "timeout"
	KindHTTPStatus        Kind = "http_status"
	KindCanceled          Kind = "canceled"
	KindOther             Kind = "other"
)

// NetworkError 描述一次失败的上游请求。
type NetworkError struct {
	Kind       Kind
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("network %s: %s returned %d %s", e.Kind, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Err == nil {
		return fmt.Sprintf("network %s: %s", e.Kind, e.URL)
	}
	return fmt.Sprintf("network %s: %s: %v", e.Kind, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Classify 将底层错误包装为 *NetworkError；已经是 NetworkError 时原样返回。
func Classify(url string, err error) error {
	if err == nil {
		return nil
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return err
	}
	return &NetworkError{Kind: kindOf(err), URL: url, Err: err}
}

func kindOf(err error) Kind {
	var dnsErr *net.DNSError
	var timeoutErr interface{ Timeout() bool }
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &dnsErr):
		return KindDNS
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return KindConnectionReset
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindConnectionRefused
	case errors.As(err, &timeoutErr) && timeoutErr.Timeout():
		return KindTimeout
	}
	return KindOther
}
