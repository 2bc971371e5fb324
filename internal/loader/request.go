package loader

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/opencontainers/go-digest"

	"github.com/any-hub/weight-hub/internal/cache"
	"github.com/any-hub/weight-hub/internal/planner"
	"github.com/any-hub/weight-hub/internal/pump"
)

// Policy 决定缓存与网络的取舍，取值见 planner.Plan。
type Policy = planner.Policy

const (
	CacheFirst   = planner.CacheFirst
	NetworkFirst = planner.NetworkFirst
	CacheOnly    = planner.CacheOnly
	NetworkOnly  = planner.NetworkOnly
	Bypass       = planner.Bypass
)

// ParsePolicy 解析 "cache-first" 形式的策略名。
func ParsePolicy(raw string) (Policy, error) {
	return planner.ParsePolicy(raw)
}

// Request 是一次加载请求，发出后不可修改。
type Request struct {
	URL string `validate:"required,url"`
	// Integrity 可选，支持 sha256:<hex>、sha512:<hex> 与 SRI sha256-<base64>。
	Integrity string
	Policy    Policy
	// Timeout 作用于整个网络拉取，0 表示使用 Loader 默认值。
	Timeout time.Duration `validate:"gte=0"`
	// Header 原样透传给上游，例如 Authorization。
	Header http.Header
}

var validate = validator.New()

// prepare 校验请求并计算缓存 Key 与解析后的摘要。
func prepare(req Request) (cache.Key, digest.Digest, error) {
	if err := validate.Struct(req); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !req.Policy.Valid() {
		return "", "", fmt.Errorf("%w: unknown policy %d", ErrInvalidRequest, int(req.Policy))
	}
	key, err := cache.NewKey(req.URL)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	integrity, err := pump.ParseIntegrity(req.Integrity)
	if err != nil {
		return key, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return key, integrity, nil
}
