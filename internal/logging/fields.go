package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// LoadFields 提供 key/策略/会话/命中状态字段，供加载日志复用。
func LoadFields(key, policy, sessionID string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"key":        key,
		"policy":     policy,
		"session_id": sessionID,
		"cache_hit":  cacheHit,
	}
}

// RepoFields 提供仓库名/类型/鉴权模式字段，供 HTTP 请求日志复用。
func RepoFields(repo, repoType, authMode string) logrus.Fields {
	return logrus.Fields{
		"repo":      repo,
		"repo_type": repoType,
		"auth_mode": authMode,
	}
}
