package clog

import "context"

// Logger 日志接口
//
// 五个级别：Debug、Info、Warn、Error、Fatal，每个级别都有带 Context 的版本，
// 带 Context 的版本会按配置提取 Context 字段。
//
//	child := logger.With(clog.String("service_id", id))
//	ns := logger.WithNamespace("registry", "expiry")
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	DebugContext(ctx context.Context, msg string, fields ...Field)
	InfoContext(ctx context.Context, msg string, fields ...Field)
	WarnContext(ctx context.Context, msg string, fields ...Field)
	ErrorContext(ctx context.Context, msg string, fields ...Field)
	FatalContext(ctx context.Context, msg string, fields ...Field)

	// With 创建带预设字段的子 Logger
	With(fields ...Field) Logger

	// WithNamespace 追加命名空间，"registry" + "expiry" -> "registry.expiry"
	WithNamespace(parts ...string) Logger

	// SetLevel 运行时调整级别
	SetLevel(level Level) error

	// Flush 同步缓冲区
	Flush()
}
