// Package clog 为 lookupd 提供基于 slog 的结构化日志组件。
//
// 特性：
//   - 抽象 Logger 接口，不暴露底层实现（slog）
//   - 层级命名空间：registry、registry.delivery、discovery ...
//   - 从 Context 提取字段，可选提取 OpenTelemetry TraceID/SpanID
//   - 函数式选项，与其他组件的 WithLogger 约定保持一致
//
// 基本使用：
//
//	logger, _ := clog.New(&clog.Config{
//	    Level:  "info",
//	    Format: "console",
//	    Output: "stdout",
//	})
//	logger.Info("registry started", clog.String("dir", dir))
//
// 组件内部通常这样派生子 Logger：
//
//	r.logger = logger.WithNamespace("registry")
package clog

import "fmt"

// New 创建一个新的 Logger 实例
//
// config 为 nil 时使用开发环境默认配置。
func New(config *Config, opts ...Option) (Logger, error) {
	if config == nil {
		config = NewDevDefaultConfig("lookupd")
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return newLogger(config, applyOptions(opts...))
}
