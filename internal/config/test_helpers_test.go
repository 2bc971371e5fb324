package config

import (
	"os"
	"path/filepath"
	"testing"
)

// whisperRepo 是测试中最常用的单仓库片段。
const whisperRepo = `
[[Repo]]
Name = "whisper"
Type = "model"
RepoID = "openai/whisper-tiny"
`

func fixturePath(name string) string {
	return filepath.Join("testdata", name)
}

// writeTempConfig 把全局段与仓库段拼接后写入临时目录，返回文件路径。
func writeTempConfig(t *testing.T, global string, repoLines ...string) string {
	t.Helper()
	content := global + "\n" + whisperRepo
	for _, line := range repoLines {
		content += line + "\n"
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
