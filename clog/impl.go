package clog

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// loggerImpl 是 Logger 接口的具体实现
type loggerImpl struct {
	handler   *clogHandler
	options   *options
	baseAttrs []slog.Attr
}

func newLogger(config *Config, o *options) (Logger, error) {
	h, err := newHandler(config, o)
	if err != nil {
		return nil, err
	}
	return &loggerImpl{handler: h, options: o}, nil
}

func (l *loggerImpl) Debug(msg string, fields ...Field) {
	l.log(context.Background(), DebugLevel, msg, fields...)
}

func (l *loggerImpl) Info(msg string, fields ...Field) {
	l.log(context.Background(), InfoLevel, msg, fields...)
}

func (l *loggerImpl) Warn(msg string, fields ...Field) {
	l.log(context.Background(), WarnLevel, msg, fields...)
}

func (l *loggerImpl) Error(msg string, fields ...Field) {
	l.log(context.Background(), ErrorLevel, msg, fields...)
}

func (l *loggerImpl) Fatal(msg string, fields ...Field) {
	l.log(context.Background(), FatalLevel, msg, fields...)
}

func (l *loggerImpl) DebugContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, DebugLevel, msg, fields...)
}

func (l *loggerImpl) InfoContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, InfoLevel, msg, fields...)
}

func (l *loggerImpl) WarnContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, WarnLevel, msg, fields...)
}

func (l *loggerImpl) ErrorContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, ErrorLevel, msg, fields...)
}

func (l *loggerImpl) FatalContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, FatalLevel, msg, fields...)
}

func (l *loggerImpl) WithNamespace(parts ...string) Logger {
	o := *l.options
	// 复制切片，避免兄弟 Logger 共享底层数组
	o.namespaceParts = append(slices.Clone(l.options.namespaceParts), parts...)
	return &loggerImpl{
		handler:   l.handler,
		options:   &o,
		baseAttrs: l.baseAttrs,
	}
}

func (l *loggerImpl) With(fields ...Field) Logger {
	return &loggerImpl{
		handler:   l.handler,
		options:   l.options,
		baseAttrs: append(slices.Clone(l.baseAttrs), fields...),
	}
}

func (l *loggerImpl) log(ctx context.Context, level Level, msg string, fields ...Field) {
	slogLevel := level.slogLevel()
	if !l.handler.Enabled(ctx, slogLevel) {
		if level == FatalLevel {
			os.Exit(1)
		}
		return
	}

	attrs := make([]slog.Attr, 0, len(l.baseAttrs)+len(fields)+4)
	if ns := l.namespace(); ns != "" {
		attrs = append(attrs, slog.String("namespace", ns))
	}
	attrs = append(attrs, l.baseAttrs...)
	for _, f := range fields {
		// 空 key：分组就地展开，其余丢弃
		if f.Key == "" {
			if f.Value.Kind() == slog.KindGroup {
				attrs = append(attrs, f.Value.Group()...)
			}
			continue
		}
		attrs = append(attrs, f)
	}
	extractContextFields(ctx, l.options, &attrs)

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // runtime.Callers, log, Info/Error...
	record := slog.NewRecord(time.Now(), slogLevel, msg, pcs[0])
	record.AddAttrs(attrs...)

	_ = l.handler.Handle(ctx, record)

	if level == FatalLevel {
		l.handler.Flush()
		os.Exit(1)
	}
}

func (l *loggerImpl) namespace() string {
	return strings.Join(l.options.namespaceParts, ".")
}

// SetLevel 动态调整日志级别，对共享同一 handler 的所有子 Logger 生效
func (l *loggerImpl) SetLevel(level Level) error {
	return l.handler.SetLevel(level)
}

// Flush 强制同步缓冲区
func (l *loggerImpl) Flush() {
	l.handler.Flush()
}

// extractContextFields 按规则从 Context 中提取字段
func extractContextFields(ctx context.Context, o *options, attrs *[]slog.Attr) {
	if ctx == nil {
		return
	}
	for _, cf := range o.contextFields {
		if v := ctx.Value(cf.Key); v != nil {
			*attrs = append(*attrs, slog.Any(cf.FieldName, v))
		}
	}
	if !o.enableTraceExtraction {
		return
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		*attrs = append(*attrs, slog.String("trace_id", sc.TraceID().String()))
	}
	if sc.HasSpanID() {
		*attrs = append(*attrs, slog.String("span_id", sc.SpanID().String()))
	}
}
