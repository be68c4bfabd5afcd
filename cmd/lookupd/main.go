// Command lookupd 运行 lookup 服务，并提供离线检查与发现探测子命令。
package main

import (
	"os"
)

// 构建信息，通过 ldflags 注入
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
