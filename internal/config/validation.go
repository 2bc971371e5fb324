package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/any-hub/weight-hub/internal/hub"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate 先执行结构体标签校验，再针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if err := validate.Struct(c.Global); err != nil {
		return translateValidation(func(field string) string { return "Global." + field }, err)
	}

	if len(c.Repos) == 0 {
		return errors.New("至少需要配置一个 Repo")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Repos {
		repo := &c.Repos[i]
		repo.Type = strings.ToLower(strings.TrimSpace(repo.Type))
		repo.Policy = strings.ToLower(strings.TrimSpace(repo.Policy))

		if err := validate.Struct(repo); err != nil {
			name := repo.Name
			return translateValidation(func(field string) string { return repoField(name, field) }, err)
		}
		if _, exists := seenNames[repo.Name]; exists {
			return newFieldError(repoField(repo.Name, "Name"), "重复")
		}
		seenNames[repo.Name] = struct{}{}

		meta, ok := hub.Resolve(repo.Type)
		if !ok {
			return newFieldError(repoField(repo.Name, "Type"), "仅支持 "+strings.Join(hub.Keys(), "|"))
		}
		if meta.RequiresRepoID && strings.TrimSpace(repo.RepoID) == "" {
			return newFieldError(repoField(repo.Name, "RepoID"), "不能为空")
		}
		if meta.RequiresCustom && strings.TrimSpace(repo.Endpoint) == "" {
			return newFieldError(repoField(repo.Name, "Endpoint"), "custom 类型必须提供 Endpoint")
		}
		if _, err := c.BuildRepo(*repo).BaseURL(); err != nil {
			return fmt.Errorf("%s: %w", repoField(repo.Name, "Endpoint"), err)
		}
	}

	return nil
}

// translateValidation 把 validator 的第一条错误转换为 FieldError。
func translateValidation(path func(string) string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	reason := "不满足约束 " + fe.Tag()
	if fe.Param() != "" {
		reason += "=" + fe.Param()
	}
	return newFieldError(path(fe.Field()), reason)
}
