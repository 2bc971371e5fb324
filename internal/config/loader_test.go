package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(fixturePath("missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
FetchTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsInvalidByteSize(t *testing.T) {
	cfg := `
StoragePath = "./data"
MaxCacheSize = "lots"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效容量应失败")
	}
}

func TestLoadAcceptsIntegerDurationsAndSizes(t *testing.T) {
	cfg := `
StoragePath = "./data"
MaxCacheSize = 1048576
FetchTimeout = 90
CacheBackend = "badger"
`
	path := writeTempConfig(t, cfg, `Policy = "cache-only"`)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.MaxCacheSize.Bytes() != 1048576 {
		t.Fatalf("unexpected MaxCacheSize %d", loaded.Global.MaxCacheSize)
	}
	if loaded.Global.FetchTimeout.DurationValue().Seconds() != 90 {
		t.Fatalf("unexpected FetchTimeout %s", loaded.Global.FetchTimeout.DurationValue())
	}
	if loaded.Global.CacheBackend != "badger" {
		t.Fatalf("unexpected backend %q", loaded.Global.CacheBackend)
	}
}

func TestLoadRejectsRepoLevelPort(t *testing.T) {
	cfg := `
StoragePath = "./data"
`
	path := writeTempConfig(t, cfg, "Port = 6000")
	if _, err := Load(path); err == nil {
		t.Fatalf("仓库级端口应被拒绝")
	}
}
