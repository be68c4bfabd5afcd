package listener

import (
	"time"

	"github.com/ceyewan/lookupd/xerrors"
)

// Config 监听者解析配置
type Config struct {
	// HTTPTimeout 单次 webhook 请求超时（默认：5s）。registry 的投递超时更短时以其为准。
	HTTPTimeout time.Duration `json:"http_timeout" yaml:"http_timeout" mapstructure:"http_timeout"`

	// NATS 为空时拒绝 nats:// 引用
	NATS *NATSConfig `json:"nats" yaml:"nats" mapstructure:"nats"`
}

// NATSConfig NATS 连接配置
type NATSConfig struct {
	URL      string `json:"url" yaml:"url" mapstructure:"url"` // [必填] 如 "nats://127.0.0.1:4222"
	Name     string `json:"name" yaml:"name" mapstructure:"name"`
	Username string `json:"username" yaml:"username" mapstructure:"username"`
	Password string `json:"password" yaml:"password" mapstructure:"password"`
	Token    string `json:"token" yaml:"token" mapstructure:"token"`

	Timeout       time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`                      // 连接超时 (默认: 5s)
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects" mapstructure:"max_reconnects"` // 最大重连次数 (默认: 60)
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait" mapstructure:"reconnect_wait"` // 重连等待时间 (默认: 2s)
	PingInterval  time.Duration `json:"ping_interval" yaml:"ping_interval" mapstructure:"ping_interval"`    // ping 间隔 (默认: 2m)
}

func (c *Config) validate() error {
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 5 * time.Second
	}
	if c.HTTPTimeout < 0 {
		return xerrors.Wrapf(ErrInvalidConfig, "negative http timeout %s", c.HTTPTimeout)
	}
	if c.NATS != nil {
		return c.NATS.validate()
	}
	return nil
}

func (c *NATSConfig) validate() error {
	if c.URL == "" {
		return xerrors.Wrap(ErrInvalidConfig, "nats url is empty")
	}
	if c.Name == "" {
		c.Name = "lookupd"
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 2 * time.Minute
	}
	return nil
}
