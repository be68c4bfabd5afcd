package listener

import (
	"net/http"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/metrics"
)

// Option 解析器选项
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	client *http.Client
}

// WithLogger 注入日志记录器，追加 "listener" namespace
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("listener")
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

// WithHTTPClient 替换 webhook 使用的 HTTP 客户端
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.client = c
		}
	}
}
