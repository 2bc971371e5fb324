package hub

import (
	"fmt"
	"net/http"
	"path"
	"strings"
)

// DefaultRevision 在仓库未指定版本时使用。
const DefaultRevision = "main"

// Repo 是一个已配置的制品仓库。
type Repo struct {
	Name     string
	Type     string
	RepoID   string
	Revision string
	Endpoint string
	// Cached 为 false 时请求一律绕过缓存。
	Cached bool
	// Policy 覆盖全局默认策略，空值表示沿用全局设置。
	Policy string
	Token  string
}

// BaseURL 返回仓库根地址，文件路径直接拼接在其后。
func (r Repo) BaseURL() (string, error) {
	meta, ok := Resolve(r.Type)
	if !ok {
		return "", fmt.Errorf("repo %s: unknown type %q", r.Name, r.Type)
	}
	base, err := meta.ResolveEndpoint(r.RepoID, r.Revision, r.Endpoint)
	if err != nil {
		return "", fmt.Errorf("repo %s: %w", r.Name, err)
	}
	return base, nil
}

// FileURL 返回 {endpoint}/{file}。file 会被清理，禁止通过 .. 逃出仓库根路径。
func (r Repo) FileURL(file string) (string, error) {
	base, err := r.BaseURL()
	if err != nil {
		return "", err
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(file)), "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("repo %s: file path required", r.Name)
	}
	return base + "/" + cleaned, nil
}

// AuthHeader 返回上游请求需要附带的头部，未配置 Token 时返回 nil。
func (r Repo) AuthHeader() http.Header {
	if r.Token == "" {
		return nil
	}
	return http.Header{"Authorization": []string{"Bearer " + r.Token}}
}
