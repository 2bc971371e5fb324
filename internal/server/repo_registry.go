package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/any-hub/weight-hub/internal/config"
	"github.com/any-hub/weight-hub/internal/hub"
	"github.com/any-hub/weight-hub/internal/planner"
)

// RepoRoute 聚合仓库配置与派生属性（根地址、生效策略），供 handler 直接复用，避免重复解析配置。
type RepoRoute struct {
	// Config 是 config.toml 中声明的仓库字段副本。
	Config config.RepoConfig
	// Repo 是合并全局默认值后的运行时描述。
	Repo hub.Repo
	// BaseURL 在构造 Registry 时提前解析完成。
	BaseURL string
	// Policy 为仓库默认策略，请求可通过 ?policy= 覆盖。
	Policy planner.Policy
	// Type 记录仓库类型元数据，便于日志与诊断输出。
	Type hub.TypeMetadata
}

// RepoRegistry 按名称索引仓库路由，启动阶段创建一次并复用。
type RepoRegistry struct {
	routes  map[string]*RepoRoute
	ordered []*RepoRoute
}

// NewRepoRegistry 根据配置构建仓库映射。
func NewRepoRegistry(cfg *config.Config) (*RepoRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &RepoRegistry{
		routes: make(map[string]*RepoRoute, len(cfg.Repos)),
	}
	for _, repo := range cfg.Repos {
		name := normalizeName(repo.Name)
		if name == "" {
			return nil, errors.New("repo name is required")
		}
		if _, exists := registry.routes[name]; exists {
			return nil, fmt.Errorf("duplicate repo name detected for %s", name)
		}

		route, err := buildRepoRoute(cfg, repo)
		if err != nil {
			return nil, err
		}
		registry.routes[name] = route
		registry.ordered = append(registry.ordered, route)
	}
	return registry, nil
}

// Lookup 根据仓库名查找路由，名称大小写不敏感。
func (r *RepoRegistry) Lookup(name string) (*RepoRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.routes[normalizeName(name)]
	return route, ok
}

// List 按配置顺序返回路由副本，用于 /-/repos 输出。
func (r *RepoRegistry) List() []RepoRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	result := make([]RepoRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func buildRepoRoute(cfg *config.Config, repo config.RepoConfig) (*RepoRoute, error) {
	meta, ok := hub.Resolve(repo.Type)
	if !ok {
		return nil, fmt.Errorf("repo %s: type %s is not registered", repo.Name, repo.Type)
	}

	runtime := cfg.BuildRepo(repo)
	base, err := runtime.BaseURL()
	if err != nil {
		return nil, err
	}
	policy, err := planner.ParsePolicy(runtime.Policy)
	if err != nil {
		return nil, fmt.Errorf("repo %s: %w", repo.Name, err)
	}

	return &RepoRoute{
		Config:  repo,
		Repo:    runtime,
		BaseURL: base,
		Policy:  policy,
		Type:    meta,
	}, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
