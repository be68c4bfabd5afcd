package ratelimit

import (
	"time"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/metrics"
)

// Option 限流器选项
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	scope  string
	now    func() time.Time
}

func defaultOptions() options {
	return options{
		logger: clog.Discard(),
		meter:  metrics.Discard(),
		scope:  "default",
		now:    time.Now,
	}
}

// WithLogger 注入日志记录器，追加 "ratelimit" namespace
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("ratelimit")
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

// WithScope 设置指标中的 scope 标签，区分不同入口
func WithScope(scope string) Option {
	return func(o *options) {
		if scope != "" {
			o.scope = scope
		}
	}
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
