package main

import (
	"fmt"
	"runtime"

	"github.com/any-hub/weight-hub/internal/version"
)

// printVersion 输出版本、提交与 Go 运行时信息。
func printVersion() {
	fmt.Fprintf(stdOut, "%s %s/%s %s\n", version.Full(), runtime.GOOS, runtime.GOARCH, runtime.Version())
}
