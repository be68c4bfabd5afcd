package discovery

import (
	"net"
	"os"
	"time"

	"github.com/ceyewan/lookupd/ratelimit"
	"github.com/ceyewan/lookupd/xerrors"
)

// 默认多播组
const (
	DefaultRequestGroup      = "224.0.1.85:4160"
	DefaultAnnouncementGroup = "224.0.1.84:4160"
)

// Config 发现协议配置
type Config struct {
	// Host 写入定位符的主机名，默认取 os.Hostname()
	Host string `json:"host" yaml:"host" mapstructure:"host"`

	// BindHost 单播监听地址，默认监听所有地址
	BindHost string `json:"bind_host" yaml:"bind_host" mapstructure:"bind_host"`

	// RequestGroup / AnnouncementGroup 多播请求组与通告组，格式 ip:port
	RequestGroup      string `json:"request_group" yaml:"request_group" mapstructure:"request_group"`
	AnnouncementGroup string `json:"announcement_group" yaml:"announcement_group" mapstructure:"announcement_group"`

	// Interface 多播使用的网卡名，为空时由系统选择
	Interface string `json:"interface" yaml:"interface" mapstructure:"interface"`

	// TTL 多播 TTL（默认：15）
	TTL int `json:"ttl" yaml:"ttl" mapstructure:"ttl"`

	// DisableMulticast 只提供单播发现
	DisableMulticast bool `json:"disable_multicast" yaml:"disable_multicast" mapstructure:"disable_multicast"`

	// AnnounceInterval 周期通告间隔（默认：2 分钟）
	AnnounceInterval time.Duration `json:"announce_interval" yaml:"announce_interval" mapstructure:"announce_interval"`

	// UnicastTimeout 单播连接的读写期限（默认：5s）
	UnicastTimeout time.Duration `json:"unicast_timeout" yaml:"unicast_timeout" mapstructure:"unicast_timeout"`

	// CallbackLimit 对同一请求方 host:port 的回拨频率（默认：1/s，突发 3）
	CallbackLimit ratelimit.Limit `json:"callback_limit" yaml:"callback_limit" mapstructure:"callback_limit"`

	// RequestInterval 客户端重发多播请求的间隔（默认：1s）
	RequestInterval time.Duration `json:"request_interval" yaml:"request_interval" mapstructure:"request_interval"`
}

func (c *Config) validate() error {
	if c.Host == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			c.Host = h
		} else {
			c.Host = "localhost"
		}
	}
	if c.RequestGroup == "" {
		c.RequestGroup = DefaultRequestGroup
	}
	if c.AnnouncementGroup == "" {
		c.AnnouncementGroup = DefaultAnnouncementGroup
	}
	for _, g := range []string{c.RequestGroup, c.AnnouncementGroup} {
		addr, err := net.ResolveUDPAddr("udp4", g)
		if err != nil {
			return xerrors.Wrapf(ErrInvalidConfig, "group %q: %v", g, err)
		}
		if !addr.IP.IsMulticast() {
			return xerrors.Wrapf(ErrInvalidConfig, "group %q is not a multicast address", g)
		}
	}
	if c.TTL == 0 {
		c.TTL = 15
	}
	if c.TTL < 0 || c.TTL > 255 {
		return xerrors.Wrapf(ErrInvalidConfig, "ttl %d out of range", c.TTL)
	}
	if c.AnnounceInterval == 0 {
		c.AnnounceInterval = 2 * time.Minute
	}
	if c.UnicastTimeout == 0 {
		c.UnicastTimeout = 5 * time.Second
	}
	if c.RequestInterval == 0 {
		c.RequestInterval = time.Second
	}
	if c.AnnounceInterval < 0 || c.UnicastTimeout < 0 || c.RequestInterval < 0 {
		return xerrors.Wrap(ErrInvalidConfig, "intervals must be positive")
	}
	if c.CallbackLimit == (ratelimit.Limit{}) {
		c.CallbackLimit = ratelimit.Limit{Rate: 1, Burst: 3}
	}
	if !c.CallbackLimit.Enabled() {
		return xerrors.Wrap(ErrInvalidConfig, "callback limit must be positive")
	}
	return nil
}

func (c *Config) iface() (*net.Interface, error) {
	if c.Interface == "" {
		return nil, nil
	}
	ifi, err := net.InterfaceByName(c.Interface)
	if err != nil {
		return nil, xerrors.Wrapf(ErrInvalidConfig, "interface %q: %v", c.Interface, err)
	}
	return ifi, nil
}
