package config

import "github.com/any-hub/weight-hub/internal/hub"

// BuildRepo 将仓库配置与全局默认值合并为运行时描述。
func (c *Config) BuildRepo(r RepoConfig) hub.Repo {
	return hub.Repo{
		Name:     r.Name,
		Type:     r.Type,
		RepoID:   r.RepoID,
		Revision: r.Revision,
		Endpoint: r.Endpoint,
		Cached:   r.IsCached(),
		Policy:   c.EffectivePolicy(r),
		Token:    r.Token,
	}
}

// BuildRepos 按配置顺序返回所有仓库。
func (c *Config) BuildRepos() []hub.Repo {
	repos := make([]hub.Repo, len(c.Repos))
	for i, r := range c.Repos {
		repos[i] = c.BuildRepo(r)
	}
	return repos
}
