// Package ratelimit 提供按键隔离的单机令牌桶限流器。
//
// 每个键一个 golang.org/x/time/rate 令牌桶，空闲超过 IdleTimeout 的桶由后台协程回收。
// lookupd 用它约束两处入口：
// - 发现协议对同一请求方的单播回拨
// - HTTP API 对同一客户端 IP 的请求
//
// ## 基本使用
//
//	limiter, _ := ratelimit.New(&ratelimit.Config{
//	    CleanupInterval: time.Minute,
//	    IdleTimeout:     5 * time.Minute,
//	}, ratelimit.WithLogger(logger), ratelimit.WithScope("discovery"))
//	defer limiter.Close()
//
//	allowed, _ := limiter.Allow(ctx, "10.0.0.7:4160", ratelimit.Limit{Rate: 1, Burst: 3})
//	if !allowed {
//	    return
//	}
//
// ## Gin 中间件
//
//	r := gin.New()
//	r.Use(ratelimit.GinMiddleware(limiter, &ratelimit.GinMiddlewareOptions{
//	    LimitFunc: func(*gin.Context) ratelimit.Limit { return ratelimit.Limit{Rate: 100, Burst: 200} },
//	}))
package ratelimit

import (
	"context"
	"time"
)

// Limit 令牌桶规则
type Limit struct {
	Rate  float64 `json:"rate" yaml:"rate" mapstructure:"rate"`    // 每秒生成的令牌数
	Burst int     `json:"burst" yaml:"burst" mapstructure:"burst"` // 桶容量
}

// Enabled 规则是否有效，无效规则表示不限流
func (l Limit) Enabled() bool {
	return l.Rate > 0 && l.Burst > 0
}

// Limiter 限流器
type Limiter interface {
	// Allow 尝试获取 1 个令牌，不阻塞
	Allow(ctx context.Context, key string, limit Limit) (bool, error)

	// AllowN 尝试获取 n 个令牌，不阻塞
	AllowN(ctx context.Context, key string, limit Limit, n int) (bool, error)

	// Close 停止回收协程，可重复调用
	Close() error
}

// Config 限流器配置
type Config struct {
	// CleanupInterval 回收空闲令牌桶的间隔（默认：1 分钟）
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval" mapstructure:"cleanup_interval"`

	// IdleTimeout 令牌桶空闲多久后被回收（默认：5 分钟）
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

func (c *Config) validate() error {
	if c.CleanupInterval < 0 || c.IdleTimeout < 0 {
		return ErrInvalidConfig
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = time.Minute
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	return nil
}

// New 创建限流器
func New(cfg *Config, opts ...Option) (Limiter, error) {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newStandalone(&c, &o)
}
