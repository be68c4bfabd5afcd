package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/lookupd/xerrors"
)

// HTTP RED 指标名
const (
	MetricHTTPServerRequestTotal    = "http_server_requests_total"
	MetricHTTPServerDurationSeconds = "http_server_request_duration_seconds"
)

// ErrorCodeKey 处理函数失败时把错误码写入 gin.Context 的键，中间件据此打 code 标签
const ErrorCodeKey = "metrics.error_code"

var defaultHTTPDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// HTTPServerMetricsConfig HTTP 指标配置
type HTTPServerMetricsConfig struct {
	Service string
	Buckets []float64
}

// DefaultHTTPServerMetricsConfig 默认桶适合内存中的 lookup 请求，大多在毫秒级
func DefaultHTTPServerMetricsConfig(service string) *HTTPServerMetricsConfig {
	return &HTTPServerMetricsConfig{Service: service, Buckets: defaultHTTPDurationBuckets}
}

// HTTPServerMetrics 请求数与延迟
type HTTPServerMetrics struct {
	service      string
	requestTotal Counter
	duration     Histogram
}

func NewHTTPServerMetrics(m Meter, cfg *HTTPServerMetricsConfig) (*HTTPServerMetrics, error) {
	if m == nil || cfg == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "meter and config are required")
	}
	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		service = "unknown"
	}

	counter, err := m.Counter(MetricHTTPServerRequestTotal, "HTTP requests by route, status class and error code.")
	if err != nil {
		return nil, xerrors.Wrap(err, "create http request counter")
	}
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = defaultHTTPDurationBuckets
	}
	duration, err := m.Histogram(MetricHTTPServerDurationSeconds, "HTTP request latency.",
		WithUnit("s"), WithBuckets(buckets))
	if err != nil {
		return nil, xerrors.Wrap(err, "create http request duration histogram")
	}
	return &HTTPServerMetrics{service: service, requestTotal: counter, duration: duration}, nil
}

// Observe 记录一次请求；route 为路由模板，code 为错误码，成功时为空
func (m *HTTPServerMetrics) Observe(ctx context.Context, method, route string, status int, code string, d time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = http.MethodGet
	}
	if route == "" {
		route = UnknownRoute
	}
	labels := []Label{
		L(LabelService, m.service),
		L(LabelOperation, OperationHTTPServer),
		L(LabelMethod, method),
		L(LabelRoute, route),
		L(LabelStatusClass, HTTPStatusClass(status)),
		L(LabelOutcome, HTTPOutcome(status)),
	}
	m.duration.Record(ctx, d.Seconds(), labels...)
	m.requestTotal.Inc(ctx, append(labels, L(LabelCode, code))...)
}

// GinHTTPMiddleware 以路由模板为标签记录请求，未命中路由的请求统一记为 UnknownRoute
func GinHTTPMiddleware(m *HTTPServerMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		m.Observe(c.Request.Context(), c.Request.Method, c.FullPath(), c.Writer.Status(),
			c.GetString(ErrorCodeKey), time.Since(start))
	}
}
