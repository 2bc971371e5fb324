package main

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// configEnv 覆盖默认配置路径，--config 优先级更高。
const configEnv = "WEIGHT_HUB_CONFIG"

func main() {
	os.Exit(run(os.Args[1:]))
}

// exitError 携带子命令希望返回的退出码。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func fail(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

// run 执行 CLI 并返回退出码，方便测试。参数错误返回 2，运行期错误返回 1。
func run(args []string) int {
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)

	err := root.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintln(stdErr, err.Error())

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return 2
}

// resolveConfigPath 结合 --config 与环境变量计算最终的配置路径。
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(configEnv); env != "" {
		return env
	}
	return "config.toml"
}
