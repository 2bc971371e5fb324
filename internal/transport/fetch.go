package transport

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/any-hub/weight-hub/internal/version"
)

// Response 是上游成功响应（状态码 < 400）。Size 为 -1 表示长度未知。
type Response struct {
	StatusCode int
	Header     http.Header
	Size       int64
	Body       io.ReadCloser
}

// Fetcher 抽象一次 GET 请求，方便在测试中替换。
type Fetcher interface {
	Fetch(ctx context.Context, url string, header http.Header) (*Response, error)
}

// HTTPFetcher 基于共享 http.Client 实现 Fetcher。
type HTTPFetcher struct {
	Client *http.Client
}

// NewFetcher 使用给定 client 构造 Fetcher，client 为空时使用 NewClient(nil)。
func NewFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = NewClient(nil)
	}
	return &HTTPFetcher{Client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NetworkError{Kind: KindOther, URL: url, Err: err}
	}
	CopyHeaders(req.Header, header)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, Classify(url, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, &NetworkError{Kind: KindHTTPStatus, URL: url, StatusCode: resp.StatusCode}
	}

	stored := make(http.Header, len(resp.Header))
	CopyHeaders(stored, resp.Header)
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     stored,
		Size:       resp.ContentLength,
		Body:       &classifyingBody{url: url, body: resp.Body},
	}, nil
}

// classifyingBody 让正文读取阶段的失败（例如连接被重置）同样以 NetworkError 暴露。
type classifyingBody struct {
	url  string
	body io.ReadCloser
}

func (b *classifyingBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		err = Classify(b.url, err)
	}
	return n, err
}

func (b *classifyingBody) Close() error {
	return b.body.Close()
}
