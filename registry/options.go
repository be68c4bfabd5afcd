package registry

import (
	"time"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/metrics"
)

// Option 组件初始化选项函数
type Option func(*options)

type options struct {
	logger   clog.Logger
	meter    metrics.Meter
	resolver ListenerResolver
	observer func(Identity)
	now      func() time.Time
}

// WithLogger 注入日志记录器
// 组件内部会自动追加 "registry" namespace
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("registry")
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

// WithResolver 设置监听者解析器，未设置时 Notify 拒绝所有监听者
func WithResolver(r ListenerResolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithIdentityObserver 在服务 ID、成员组或单播端口变化后回调，用于驱动发现协议
func WithIdentityObserver(fn func(Identity)) Option {
	return func(o *options) {
		o.observer = fn
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
