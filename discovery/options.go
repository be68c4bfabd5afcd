package discovery

import (
	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/metrics"
	"github.com/ceyewan/lookupd/ratelimit"
)

// Option 引擎选项
type Option func(*options)

type options struct {
	logger  clog.Logger
	meter   metrics.Meter
	limiter ratelimit.Limiter
}

// WithLogger 注入日志记录器，追加 "discovery" namespace
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("discovery")
		}
	}
}

// WithMeter 注入指标
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithLimiter 使用外部的回拨限流器，引擎不负责关闭它
func WithLimiter(l ratelimit.Limiter) Option {
	return func(o *options) {
		o.limiter = l
	}
}
