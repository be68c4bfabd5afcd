package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/xerrors"
)

const instrumentationName = "github.com/ceyewan/lookupd"

// Option Meter 选项
type Option func(*meterImpl)

// WithLogger 注入日志记录器，追加 "metrics" namespace
func WithLogger(l clog.Logger) Option {
	return func(m *meterImpl) {
		if l != nil {
			m.logger = l.WithNamespace("metrics")
		}
	}
}

// New 创建 Meter；cfg 为 nil 或未启用时返回 Discard()。
// 每个 Meter 持有独立的 Prometheus Registry，测试中可以反复创建。
func New(cfg *Config, opts ...Option) (Meter, error) {
	if cfg == nil || !cfg.Enabled {
		return Discard(), nil
	}
	cfg.validate()

	m := &meterImpl{logger: clog.Discard()}
	for _, opt := range opts {
		opt(m)
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.Version),
	))
	if err != nil {
		return nil, xerrors.Wrap(err, "create metrics resource")
	}

	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, xerrors.Wrap(err, "create prometheus exporter")
	}
	m.provider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter), sdkmetric.WithResource(res))
	m.meter = m.provider.Meter(instrumentationName)
	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{ErrorLog: promLogger{m.logger}})
	otel.SetMeterProvider(m.provider)

	if cfg.Runtime {
		if err := runtime.Start(runtime.WithMeterProvider(m.provider)); err != nil {
			_ = m.provider.Shutdown(context.Background())
			return nil, xerrors.Wrap(err, "start runtime metrics")
		}
	}
	if cfg.Port > 0 {
		m.listen(cfg.Port, cfg.Path)
	}
	return m, nil
}

type meterImpl struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	handler  http.Handler
	logger   clog.Logger
	server   *http.Server
}

// listen 在独立端口暴露采集端点，供不启用 httpapi 的部署使用
func (m *meterImpl) listen(port int, path string) {
	mux := http.NewServeMux()
	mux.Handle(path, m.handler)
	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		m.logger.Info("prometheus endpoint listening", clog.String("addr", m.server.Addr), clog.String("path", path))
		if err := m.server.ListenAndServe(); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
			m.logger.Error("prometheus endpoint stopped", clog.Error(err))
		}
	}()
}

func (m *meterImpl) Counter(name, desc string, opts ...MetricOption) (Counter, error) {
	o := applyMetricOptions(opts)
	c, err := m.meter.Float64Counter(name, metric.WithDescription(desc), metric.WithUnit(o.Unit))
	if err != nil {
		return nil, xerrors.Wrapf(err, "counter %s", name)
	}
	return counterImpl{c}, nil
}

func (m *meterImpl) Gauge(name, desc string, opts ...MetricOption) (Gauge, error) {
	o := applyMetricOptions(opts)
	g, err := m.meter.Float64Gauge(name, metric.WithDescription(desc), metric.WithUnit(o.Unit))
	if err != nil {
		return nil, xerrors.Wrapf(err, "gauge %s", name)
	}
	return &gaugeImpl{g: g, current: make(map[attribute.Distinct]float64)}, nil
}

func (m *meterImpl) Histogram(name, desc string, opts ...MetricOption) (Histogram, error) {
	o := applyMetricOptions(opts)
	hopts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit(o.Unit)}
	if len(o.Buckets) > 0 {
		hopts = append(hopts, metric.WithExplicitBucketBoundaries(o.Buckets...))
	}
	h, err := m.meter.Float64Histogram(name, hopts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "histogram %s", name)
	}
	return histogramImpl{h}, nil
}

func (m *meterImpl) Handler() http.Handler { return m.handler }

// Shutdown 先停采集端口再关闭 Provider，两步的错误合并返回
func (m *meterImpl) Shutdown(ctx context.Context) error {
	var serverErr error
	if m.server != nil {
		serverErr = m.server.Shutdown(ctx)
	}
	return xerrors.Combine(serverErr, m.provider.Shutdown(ctx))
}

type counterImpl struct{ c metric.Float64Counter }

func (c counterImpl) Inc(ctx context.Context, labels ...Label) { c.Add(ctx, 1, labels...) }

func (c counterImpl) Add(ctx context.Context, val float64, labels ...Label) {
	if val < 0 {
		return
	}
	c.c.Add(ctx, val, metric.WithAttributeSet(attributeSet(labels)))
}

// gaugeImpl 按标签集合记住当前值，使 Inc/Dec 成为可能
type gaugeImpl struct {
	g       metric.Float64Gauge
	mu      sync.Mutex
	current map[attribute.Distinct]float64
}

func (g *gaugeImpl) Set(ctx context.Context, val float64, labels ...Label) {
	g.record(ctx, labels, func(float64) float64 { return val })
}

func (g *gaugeImpl) Inc(ctx context.Context, labels ...Label) {
	g.record(ctx, labels, func(v float64) float64 { return v + 1 })
}

func (g *gaugeImpl) Dec(ctx context.Context, labels ...Label) {
	g.record(ctx, labels, func(v float64) float64 { return v - 1 })
}

func (g *gaugeImpl) record(ctx context.Context, labels []Label, next func(float64) float64) {
	set := attributeSet(labels)
	g.mu.Lock()
	v := next(g.current[set.Equivalent()])
	g.current[set.Equivalent()] = v
	g.mu.Unlock()
	g.g.Record(ctx, v, metric.WithAttributeSet(set))
}

type histogramImpl struct{ h metric.Float64Histogram }

func (h histogramImpl) Record(ctx context.Context, val float64, labels ...Label) {
	h.h.Record(ctx, val, metric.WithAttributeSet(attributeSet(labels)))
}

func attributeSet(labels []Label) attribute.Set {
	kvs := make([]attribute.KeyValue, len(labels))
	for i, l := range labels {
		kvs[i] = attribute.String(l.Key, l.Value)
	}
	return attribute.NewSet(kvs...)
}

// promLogger 把采集端点的编码错误转给 clog
type promLogger struct{ l clog.Logger }

func (p promLogger) Println(v ...any) {
	p.l.Warn("prometheus handler", clog.String("detail", fmt.Sprint(v...)))
}
