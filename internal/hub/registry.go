package hub

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var globalRegistry = newRegistry()

// EndpointFunc 根据仓库 ID、版本与自定义地址生成仓库根 URL。
type EndpointFunc func(repoID, revision, custom string) (string, error)

// TypeMetadata 记录一种仓库类型的静态信息，供配置校验和诊断端使用。
type TypeMetadata struct {
	Key             string
	Description     string
	RequiresRepoID  bool
	RequiresCustom  bool
	ResolveEndpoint EndpointFunc
}

type registry struct {
	mu    sync.RWMutex
	types map[string]TypeMetadata
}

func newRegistry() *registry {
	return &registry{types: make(map[string]TypeMetadata)}
}

// Register 将仓库类型加入全局注册表，重复键会返回错误。
func Register(meta TypeMetadata) error {
	return globalRegistry.register(meta)
}

// MustRegister 在注册失败时 panic，适合 init() 中调用。
func MustRegister(meta TypeMetadata) {
	if err := Register(meta); err != nil {
		panic(err)
	}
}

// Resolve 返回指定键的类型元数据，大小写不敏感。
func Resolve(key string) (TypeMetadata, bool) {
	return globalRegistry.resolve(key)
}

// List 返回按键排序的类型列表。
func List() []TypeMetadata {
	return globalRegistry.list()
}

// Keys 返回所有已注册类型的键值。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, meta := range items {
		result[i] = meta.Key
	}
	return result
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(meta TypeMetadata) error {
	key := normalizeKey(meta.Key)
	if key == "" {
		return fmt.Errorf("repo type key is required")
	}
	if meta.ResolveEndpoint == nil {
		return fmt.Errorf("repo type %s: endpoint resolver is required", key)
	}
	meta.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[key]; exists {
		return fmt.Errorf("repo type %s already registered", key)
	}
	r.types[key] = meta
	return nil
}

func (r *registry) resolve(key string) (TypeMetadata, bool) {
	normalized := normalizeKey(key)
	if normalized == "" {
		return TypeMetadata{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.types[normalized]
	return meta, ok
}

func (r *registry) list() []TypeMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.types) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.types))
	for key := range r.types {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]TypeMetadata, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.types[key])
	}
	return result
}
