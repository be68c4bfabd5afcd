// Package trace 配置 OpenTelemetry 链路追踪，并为事件投递提供 Producer Span。
//
// 未启用导出时仍安装本地 Provider：日志里的 trace_id 与投递 headers
// 中的 traceparent 照常生成，只是不会离开进程。
package trace

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ceyewan/lookupd/xerrors"
)

// ShutdownFunc 刷新并关闭 Provider
type ShutdownFunc func(context.Context) error

const exportTimeout = 5 * time.Second

// Init 按配置安装全局 TracerProvider；cfg 为 nil 或未启用时等同 Discard
func Init(cfg *Config) (ShutdownFunc, error) {
	if cfg == nil || !cfg.Enabled {
		name := ""
		if cfg != nil {
			name = cfg.ServiceName
		}
		return Discard(name)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithTimeout(exportTimeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, xerrors.Wrap(err, "create otlp trace exporter")
	}

	export := sdktrace.WithBatcher(exporter)
	if cfg.Batcher == "simple" {
		export = sdktrace.WithSyncer(exporter)
	}
	return newProvider(cfg.ServiceName, cfg.Sampler, export)
}

// Discard 安装只在进程内生成 Span 的 Provider
func Discard(serviceName string) (ShutdownFunc, error) {
	return newProvider(serviceName, 1.0)
}

func newProvider(serviceName string, ratio float64, extra ...sdktrace.TracerProviderOption) (ShutdownFunc, error) {
	var attrs []attribute.KeyValue
	if serviceName != "" {
		attrs = append(attrs, attribute.String("service.name", serviceName))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, xerrors.Wrap(err, "create trace resource")
	}

	opts := append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}, extra...)
	tp := sdktrace.NewTracerProvider(opts...)
	install(tp)
	return tp.Shutdown, nil
}

func validateConfig(cfg *Config) error {
	switch {
	case cfg == nil:
		return xerrors.Wrap(xerrors.ErrInvalidInput, "trace config is required")
	case cfg.ServiceName == "":
		return xerrors.Wrap(xerrors.ErrInvalidInput, "trace.service_name is required")
	case cfg.Endpoint == "":
		return xerrors.Wrap(xerrors.ErrInvalidInput, "trace.endpoint is required")
	case cfg.Sampler < 0 || cfg.Sampler > 1:
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "trace.sampler %v out of [0, 1]", cfg.Sampler)
	case cfg.Batcher != "" && cfg.Batcher != "batch" && cfg.Batcher != "simple":
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "trace.batcher %q, want batch or simple", cfg.Batcher)
	}
	return nil
}
