// Package breaker 提供按键隔离的熔断器，用于保护事件投递等对外调用。
//
// 每个键（例如一个监听者引用）拥有独立的 gobreaker 实例：
// 某个监听者持续失败只会熔断它自己，不影响其他监听者。
//
// ## 基本使用
//
//	brk, _ := breaker.New(&breaker.Config{
//		Timeout:         30 * time.Second,
//		FailureRatio:    0.6,
//		MinimumRequests: 5,
//	}, breaker.WithLogger(logger))
//
//	err := brk.Execute(ctx, "https://example.com/hook", func() error {
//		return deliver(ctx)
//	})
//	if xerrors.Is(err, breaker.ErrOpenState) {
//		// 熔断中，稍后重试
//	}
package breaker

import (
	"context"
	"time"

	"github.com/ceyewan/lookupd/clog"
)

// Breaker 按键熔断
type Breaker interface {
	// Execute 在 key 对应的熔断器保护下执行 fn。
	// 熔断器打开时不调用 fn，直接返回 ErrOpenState。
	Execute(ctx context.Context, key string, fn func() error) error

	// State 返回 key 当前的状态，未出现过的 key 视为闭合
	State(key string) State

	// Forget 丢弃 key 的熔断器及其统计
	Forget(key string)
}

// State 熔断器状态
type State int

const (
	// StateClosed 闭合状态（正常）
	StateClosed State = iota
	// StateHalfOpen 半开状态（探测恢复）
	StateHalfOpen
	// StateOpen 打开状态（熔断中）
	StateOpen
)

// String 返回状态的字符串表示
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// MaxRequests 半开状态下允许通过的最大请求数（默认：1）
	MaxRequests uint32 `json:"max_requests" yaml:"max_requests" mapstructure:"max_requests"`

	// Interval 闭合状态下的统计周期（默认：0，不清空统计）
	Interval time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`

	// Timeout 打开状态持续时间（默认：30s），超时后进入半开状态
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`

	// FailureRatio 失败率阈值（默认：0.6）
	FailureRatio float64 `json:"failure_ratio" yaml:"failure_ratio" mapstructure:"failure_ratio"`

	// MinimumRequests 触发熔断的最小请求数（默认：5）
	MinimumRequests uint32 `json:"minimum_requests" yaml:"minimum_requests" mapstructure:"minimum_requests"`
}

func (c *Config) validate() error {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.FailureRatio == 0 {
		c.FailureRatio = 0.6
	}
	if c.FailureRatio < 0 || c.FailureRatio > 1 {
		return ErrInvalidConfig
	}
	if c.MinimumRequests == 0 {
		c.MinimumRequests = 5
	}
	if c.Interval < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// New 创建熔断器，cfg 为 nil 时使用默认配置
func New(cfg *Config, opts ...Option) (Breaker, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	if err := c.validate(); err != nil {
		return nil, err
	}

	opt := options{logger: clog.Discard()}
	for _, o := range opts {
		o(&opt)
	}

	opt.logger.Debug("circuit breaker created",
		clog.Int("max_requests", int(c.MaxRequests)),
		clog.Duration("timeout", c.Timeout),
		clog.Float64("failure_ratio", c.FailureRatio),
		clog.Int("minimum_requests", int(c.MinimumRequests)))

	return newBreaker(&c, &opt), nil
}
