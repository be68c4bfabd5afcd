// Package metrics 为 lookupd 提供指标收集能力。
//
// 基于 OpenTelemetry 构建，使用 Prometheus exporter 暴露，提供 Counter、Gauge、Histogram 三种指标。
// 未启用时返回 noop 实现，调用方无需判空。
//
//	meter, _ := metrics.New(&metrics.Config{Enabled: true, ServiceName: "lookupd"})
//	defer meter.Shutdown(ctx)
//
//	ops, _ := meter.Counter("lookupd_registry_operations_total", "registry 操作次数")
//	ops.Inc(ctx, metrics.L(metrics.LabelOperation, "register"), metrics.L(metrics.LabelOutcome, "success"))
package metrics

import (
	"context"
	"net/http"
)

// Counter 只增不减的累计值
type Counter interface {
	Inc(ctx context.Context, labels ...Label)
	Add(ctx context.Context, val float64, labels ...Label)
}

// Gauge 可任意增减的瞬时值
type Gauge interface {
	Set(ctx context.Context, val float64, labels ...Label)
	Inc(ctx context.Context, labels ...Label)
	Dec(ctx context.Context, labels ...Label)
}

// Histogram 记录值的分布
type Histogram interface {
	Record(ctx context.Context, val float64, labels ...Label)
}

// Meter 指标创建工厂
//
// 通过同一个 Meter 创建的指标线程安全，可以在多个 goroutine 中并发使用。
type Meter interface {
	Counter(name string, desc string, opts ...MetricOption) (Counter, error)
	Gauge(name string, desc string, opts ...MetricOption) (Gauge, error)
	Histogram(name string, desc string, opts ...MetricOption) (Histogram, error)

	// Handler 返回 Prometheus 格式的采集端点，noop 实现返回 404
	Handler() http.Handler

	// Shutdown 刷新并关闭，通常在进程退出时调用
	Shutdown(ctx context.Context) error
}

// MetricOption 指标配置选项
type MetricOption func(*MetricOptions)

// MetricOptions 指标选项
type MetricOptions struct {
	Unit    string
	Buckets []float64 // 仅对 Histogram 生效
}

// WithUnit 设置指标单位，建议使用 UCUM 代码（s、By、{request}）
func WithUnit(unit string) MetricOption {
	return func(o *MetricOptions) {
		o.Unit = unit
	}
}

// WithBuckets 设置直方图的显式桶边界
func WithBuckets(buckets []float64) MetricOption {
	return func(o *MetricOptions) {
		o.Buckets = append([]float64(nil), buckets...)
	}
}

func applyMetricOptions(opts []MetricOption) *MetricOptions {
	o := &MetricOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
