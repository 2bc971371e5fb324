package cache

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Key 是由制品 URL 规范化得到的缓存键，同一制品的不同写法总是得到同一个 Key。
type Key string

// ErrInvalidKey 表示 URL 无法规范化为缓存键。
var ErrInvalidKey = errors.New("invalid cache key")

// NewKey 规范化 URL：scheme/host 小写、去掉默认端口与 fragment、清理路径、
// 查询参数按键排序。
func NewKey(raw string) (Key, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidKey, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidKey)
	}

	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !isDefaultPort(scheme, port) {
		host = net.JoinHostPort(host, port)
	}

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	p = path.Clean(p)
	decoded, err := url.PathUnescape(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	canonical := &url.URL{
		Scheme:  scheme,
		Host:    host,
		Path:    decoded,
		RawPath: p,
	}
	if u.RawQuery != "" {
		canonical.RawQuery = u.Query().Encode()
	}
	return Key(canonical.String()), nil
}

// MustKey 在测试与常量场景中使用，解析失败时 panic。
func MustKey(raw string) Key {
	key, err := NewKey(raw)
	if err != nil {
		panic(err)
	}
	return key
}

func (k Key) String() string {
	return string(k)
}

// Digest 返回 Key 的 sha256 摘要，用作磁盘文件名。
func (k Key) Digest() digest.Digest {
	return digest.FromString(string(k))
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}
