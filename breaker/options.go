package breaker

import (
	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/metrics"
)

// Option 组件初始化选项函数
type Option func(*options)

type options struct {
	logger       clog.Logger
	meter        metrics.Meter
	isSuccessful func(err error) bool
}

// WithLogger 设置 Logger，传入 nil 时使用 clog.Discard()
// 内部会自动添加 namespace: "breaker"
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = clog.Discard()
		} else {
			o.logger = logger.WithNamespace("breaker")
		}
	}
}

// WithMeter 记录状态变更与拒绝次数
func WithMeter(meter metrics.Meter) Option {
	return func(o *options) {
		o.meter = meter
	}
}

// WithSuccessPredicate 决定哪些错误不计入失败。
// 例如监听者明确表示已不存在时，没有必要让熔断器为它计数。
func WithSuccessPredicate(fn func(err error) bool) Option {
	return func(o *options) {
		o.isSuccessful = fn
	}
}
