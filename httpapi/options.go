package httpapi

import (
	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/metrics"
	"github.com/ceyewan/lookupd/ratelimit"
)

// Option 服务选项
type Option func(*options)

type options struct {
	logger  clog.Logger
	meter   metrics.Meter
	limiter ratelimit.Limiter
}

// WithLogger 注入日志记录器，追加 "httpapi" namespace
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("httpapi")
		}
	}
}

// WithMeter 注入指标，同时用于 /metrics 端点
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithLimiter 使用外部限流器，服务不负责关闭它
func WithLimiter(l ratelimit.Limiter) Option {
	return func(o *options) {
		o.limiter = l
	}
}
