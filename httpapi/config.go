package httpapi

import (
	"time"

	"github.com/ceyewan/lookupd/ratelimit"
	"github.com/ceyewan/lookupd/xerrors"
)

// Config HTTP API 配置
type Config struct {
	// Addr 监听地址（默认：":4180"）
	Addr string `json:"addr" yaml:"addr" mapstructure:"addr"`

	// ServiceName 用于 trace 与 HTTP 指标（默认："lookupd"）
	ServiceName string `json:"service_name" yaml:"service_name" mapstructure:"service_name"`

	// ReadHeaderTimeout 读取请求头的期限（默认：5s）
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout" mapstructure:"read_header_timeout"`

	// ShutdownTimeout 优雅关闭等待时间（默认：10s）
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`

	// RateLimit 按客户端 IP 限流，零值表示不限流
	RateLimit ratelimit.Limit `json:"rate_limit" yaml:"rate_limit" mapstructure:"rate_limit"`

	// MetricsPath Prometheus 抓取路径，为空时不注册（默认："/metrics"）
	MetricsPath string `json:"metrics_path" yaml:"metrics_path" mapstructure:"metrics_path"`
}

func (c *Config) validate() error {
	if c.Addr == "" {
		c.Addr = ":4180"
	}
	if c.ServiceName == "" {
		c.ServiceName = "lookupd"
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.ReadHeaderTimeout < 0 || c.ShutdownTimeout < 0 {
		return xerrors.Wrap(ErrInvalidConfig, "timeouts must be positive")
	}
	if c.RateLimit != (ratelimit.Limit{}) && !c.RateLimit.Enabled() {
		return xerrors.Wrap(ErrInvalidConfig, "rate limit needs positive rate and burst")
	}
	return nil
}
