package config

import (
	"strings"

	"github.com/ceyewan/lookupd/clog"
)

// Config 配置加载器参数
type Config struct {
	Name      string         // 配置文件名称（不含扩展名），默认 "lookupd"
	Paths     []string       // 配置文件搜索路径，默认 [".", "./config", "/etc/lookupd"]
	FileType  string         // 配置文件类型，默认 yaml
	EnvPrefix string         // 环境变量前缀，默认 "LOOKUPD"
	Defaults  map[string]any // 默认值，同时让 AutomaticEnv 能覆盖未出现在文件中的 key

	// AllowEmpty 为 true 时允许既无配置文件也无环境变量
	AllowEmpty bool
}

func (c *Config) validate() error {
	if c.Name == "" {
		c.Name = "lookupd"
	}
	if c.Paths == nil {
		c.Paths = []string{".", "./config", "/etc/lookupd"}
	}
	if c.FileType == "" {
		c.FileType = "yaml"
	}
	if c.EnvPrefix == "" {
		c.EnvPrefix = "LOOKUPD"
	}
	c.EnvPrefix = strings.ToUpper(c.EnvPrefix)
	return nil
}

// Option 配置加载器选项
type Option func(*options)

type options struct {
	logger clog.Logger
}

// WithLogger 注入日志记录器，组件内部追加 "config" 命名空间
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New 创建配置加载器，cfg 为 nil 时使用默认配置
func New(cfg *Config, opts ...Option) (Loader, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := &options{logger: clog.Discard()}
	for _, opt := range opts {
		opt(o)
	}
	return newLoader(cfg, o.logger.WithNamespace("config")), nil
}
