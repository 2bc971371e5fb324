package main

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
)

func TestResolveConfigPathPriority(t *testing.T) {
	t.Setenv(configEnv, "/tmp/env.toml")

	if got := resolveConfigPath(""); got != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", got)
	}
	if got := resolveConfigPath("/tmp/flag.toml"); got != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", got)
	}

	t.Setenv(configEnv, "")
	if got := resolveConfigPath(""); got != "config.toml" {
		t.Fatalf("默认应为 config.toml，得到 %s", got)
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	captureOutput(t)
	code := run([]string{"check-config", "--config", configFixture(t, "valid.toml")})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	_, errBuf := captureOutput(t)
	code := run([]string{"check-config", "--config", configFixture(t, "missing.toml")})
	if code != 1 {
		t.Fatalf("无效配置应返回退出码 1，得到 %d", code)
	}
	if !strings.Contains(errBuf.String(), "加载配置失败") {
		t.Fatalf("stderr 应包含失败原因: %s", errBuf.String())
	}
}

func TestRunCheckConfigUsesEnv(t *testing.T) {
	captureOutput(t)
	t.Setenv(configEnv, configFixture(t, "valid.toml"))
	if code := run([]string{"check-config"}); code != 0 {
		t.Fatalf("应读取环境变量中的配置，得到退出码 %d", code)
	}
}

func TestRunVersionOutput(t *testing.T) {
	outBuf, _ := captureOutput(t)
	code := run([]string{"version"})
	if code != 0 {
		t.Fatalf("version 应成功退出，得到 %d", code)
	}
	if !strings.Contains(outBuf.String(), "weight-hub") {
		t.Fatalf("version 输出应包含 weight-hub 标识")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	captureOutput(t)
	if code := run([]string{"explode"}); code != 2 {
		t.Fatalf("未知命令应返回 2，得到 %d", code)
	}
	if code := run([]string{"fetch", "only-one-arg"}); code != 2 {
		t.Fatalf("参数个数错误应返回 2，得到 %d", code)
	}
}

func TestLoggingFallbackToStdout(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	configPath := writeConfigFile(t, fmt.Sprintf(`
LogLevel = "info"
LogFilePath = "%s"
StoragePath = "%s"

[[Repo]]
Name = "whisper"
Type = "model"
RepoID = "openai/whisper-tiny"
`, filepath.Join(blocked, "sub", "weight-hub.log"), filepath.Join(dir, "storage")))

	captureOutput(t)
	if code := run([]string{"check-config", "--config", configPath}); code != 0 {
		t.Fatalf("日志 fallback 不应导致失败，得到 %d", code)
	}
}

// fetchFixture 启动一个带计数器的上游，并写出指向它的 custom 仓库配置。
func fetchFixture(t *testing.T, body string) (string, *atomic.Int32) {
	t.Helper()
	hits := &atomic.Int32{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/model.bin") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		io.WriteString(w, body)
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	configPath := writeConfigFile(t, fmt.Sprintf(`
LogLevel = "error"
StoragePath = "%s"
MaxCacheSize = "1MiB"

[[Repo]]
Name = "mirror"
Type = "custom"
Endpoint = "%s/files"
`, filepath.Join(dir, "storage"), upstream.URL))
	return configPath, hits
}

func TestRunFetchWritesFileAndCaches(t *testing.T) {
	configPath, hits := fetchFixture(t, "weights-v1")
	output := filepath.Join(t.TempDir(), "model.bin")

	_, errBuf := captureOutput(t)
	if code := run([]string{"fetch", "--config", configPath, "mirror", "model.bin", "-o", output}); code != 0 {
		t.Fatalf("fetch 失败，退出码 %d: %s", code, errBuf.String())
	}
	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("读取输出失败: %v", err)
	}
	if string(data) != "weights-v1" {
		t.Fatalf("输出内容不符: %s", data)
	}
	if !strings.Contains(errBuf.String(), "cache_hit=false") {
		t.Fatalf("首次下载不应命中缓存: %s", errBuf.String())
	}

	outBuf, errBuf := captureOutput(t)
	if code := run([]string{"fetch", "--config", configPath, "mirror", "model.bin"}); code != 0 {
		t.Fatalf("第二次 fetch 失败: %s", errBuf.String())
	}
	if outBuf.String() != "weights-v1" {
		t.Fatalf("标准输出内容不符: %s", outBuf.String())
	}
	if !strings.Contains(errBuf.String(), "cache_hit=true") {
		t.Fatalf("第二次下载应命中缓存: %s", errBuf.String())
	}
	if hits.Load() != 1 {
		t.Fatalf("上游只应被请求一次，实际 %d", hits.Load())
	}
}

func TestRunFetchFailures(t *testing.T) {
	configPath, _ := fetchFixture(t, "weights")

	captureOutput(t)
	if code := run([]string{"fetch", "--config", configPath, "unknown", "model.bin"}); code != 1 {
		t.Fatalf("未知仓库应返回 1，得到 %d", code)
	}
	if code := run([]string{"fetch", "--config", configPath, "mirror", "absent.bin"}); code != 1 {
		t.Fatalf("上游 404 应返回 1，得到 %d", code)
	}
	if code := run([]string{"fetch", "--config", configPath, "--policy", "sometimes", "mirror", "model.bin"}); code != 2 {
		t.Fatalf("非法策略应返回 2，得到 %d", code)
	}
}

func TestRunCacheCommands(t *testing.T) {
	configPath, _ := fetchFixture(t, "weights-v1")

	captureOutput(t)
	if code := run([]string{"fetch", "--config", configPath, "mirror", "model.bin"}); code != 0 {
		t.Fatalf("fetch 失败，退出码 %d", code)
	}

	outBuf, _ := captureOutput(t)
	if code := run([]string{"cache", "ls", "--config", configPath}); code != 0 {
		t.Fatalf("cache ls 失败，退出码 %d", code)
	}
	if !strings.Contains(outBuf.String(), "/files/model.bin") || !strings.Contains(outBuf.String(), "1 entries") {
		t.Fatalf("cache ls 输出缺少条目: %s", outBuf.String())
	}

	outBuf, _ = captureOutput(t)
	if code := run([]string{"cache", "quota", "--config", configPath}); code != 0 {
		t.Fatalf("cache quota 失败，退出码 %d", code)
	}
	if !strings.Contains(outBuf.String(), "10 B") {
		t.Fatalf("cache quota 应报告已用容量: %s", outBuf.String())
	}

	url := strings.Fields(lineContaining(t, outBufAfterLs(t, configPath), "/files/model.bin"))[0]
	captureOutput(t)
	if code := run([]string{"cache", "rm", "--config", configPath, url}); code != 0 {
		t.Fatalf("cache rm 失败，退出码 %d", code)
	}
	if strings.Contains(outBufAfterLs(t, configPath), "/files/model.bin") {
		t.Fatalf("条目删除后不应出现在列表中")
	}
}

func outBufAfterLs(t *testing.T, configPath string) string {
	t.Helper()
	outBuf, _ := captureOutput(t)
	if code := run([]string{"cache", "ls", "--config", configPath}); code != 0 {
		t.Fatalf("cache ls 失败，退出码 %d", code)
	}
	return outBuf.String()
}

func lineContaining(t *testing.T, text, needle string) string {
	t.Helper()
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, needle) {
			return strings.TrimSpace(line)
		}
	}
	t.Fatalf("未找到包含 %s 的行: %s", needle, text)
	return ""
}
