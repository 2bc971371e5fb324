package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 接受纯数字字节数，或 "10GiB"、"500 MB" 这类可读写法。
type ByteSize int64

// UnmarshalText 通过 humanize 解析可读容量。
func (b *ByteSize) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*b = 0
		return nil
	}
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid byte size value: %s", raw)
	}
	*b = ByteSize(parsed)
	return nil
}

// Bytes 返回字节数。
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有仓库共享同一份参数。
type GlobalConfig struct {
	ListenPort            int      `mapstructure:"ListenPort" validate:"min=1,max=65535"`
	LogLevel              string   `mapstructure:"LogLevel" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	LogFilePath           string   `mapstructure:"LogFilePath"`
	LogMaxSize            int      `mapstructure:"LogMaxSize" validate:"gte=0"`
	LogMaxBackups         int      `mapstructure:"LogMaxBackups" validate:"gte=0"`
	LogCompress           bool     `mapstructure:"LogCompress"`
	StoragePath           string   `mapstructure:"StoragePath" validate:"required"`
	CacheBackend          string   `mapstructure:"CacheBackend" validate:"oneof=fs badger"`
	MaxCacheSize          ByteSize `mapstructure:"MaxCacheSize" validate:"gte=0"`
	QuotaSafetyFactor     float64  `mapstructure:"QuotaSafetyFactor" validate:"gt=0,lte=1"`
	DefaultPolicy         string   `mapstructure:"DefaultPolicy" validate:"oneof=cache-first network-first cache-only network-only bypass"`
	FetchTimeout          Duration `mapstructure:"FetchTimeout" validate:"gte=0"`
	ResponseHeaderTimeout Duration `mapstructure:"ResponseHeaderTimeout" validate:"gte=0"`
	ChunkSize             int      `mapstructure:"ChunkSize" validate:"min=4096,max=16777216"`
}

// RepoConfig 决定单个仓库如何映射到上游地址以及使用哪种缓存策略。
type RepoConfig struct {
	Name     string `mapstructure:"Name" validate:"required,excludesall=/"`
	Type     string `mapstructure:"Type" validate:"required"`
	RepoID   string `mapstructure:"RepoID"`
	Revision string `mapstructure:"Revision"`
	Endpoint string `mapstructure:"Endpoint" validate:"omitempty,url"`
	// Cached 为空时视为 true；显式 false 表示该仓库所有请求绕过缓存。
	Cached *bool  `mapstructure:"Cached"`
	Policy string `mapstructure:"Policy" validate:"omitempty,oneof=cache-first network-first cache-only network-only bypass"`
	Token  string `mapstructure:"Token"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Repos  []RepoConfig `mapstructure:"Repo"`
}

// IsCached 返回仓库是否启用缓存。
func (r RepoConfig) IsCached() bool {
	return r.Cached == nil || *r.Cached
}

// AuthMode 输出 `token` 或 `anonymous`，供日志字段使用。
func (r RepoConfig) AuthMode() string {
	if r.Token != "" {
		return "token"
	}
	return "anonymous"
}

// CredentialModes 返回所有仓库的鉴权模式摘要，例如 whisper:token。
func CredentialModes(repos []RepoConfig) []string {
	if len(repos) == 0 {
		return nil
	}
	result := make([]string, len(repos))
	for i, repo := range repos {
		result[i] = fmt.Sprintf("%s:%s", repo.Name, repo.AuthMode())
	}
	return result
}

// EffectivePolicy 返回仓库生效的策略：未缓存仓库固定为 bypass，其次是仓库覆盖值，最后是全局默认。
func (c *Config) EffectivePolicy(r RepoConfig) string {
	if !r.IsCached() {
		return "bypass"
	}
	if r.Policy != "" {
		return r.Policy
	}
	return c.Global.DefaultPolicy
}
