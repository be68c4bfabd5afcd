package registry

import (
	"time"

	"github.com/ceyewan/lookupd/breaker"
)

// 默认值
const (
	DefaultUnicastPort        = 4160
	DefaultMinMaxServiceLease = 5 * time.Minute
	DefaultMinMaxEventLease   = 30 * time.Minute
	DefaultMinRenewalInterval = 100 * time.Millisecond
	DefaultSnapshotWeight     = 10.0
	DefaultSnapshotThreshold  = 200
)

// Config registry 配置
//
// 除 StorageDir 与投递相关字段外，其余字段只在首次启动时生效；
// 之后以持久化状态为准，运行期通过管理接口修改。
type Config struct {
	// StorageDir 持久化目录，为空时不持久化
	StorageDir string `json:"storage_dir" yaml:"storage_dir" mapstructure:"storage_dir"`

	// NoFsync 追加日志后不 fsync，仅用于测试和开发环境
	NoFsync bool `json:"no_fsync" yaml:"no_fsync" mapstructure:"no_fsync"`

	// MemberGroups 本 registry 所属的发现组，默认为公共组 ""
	MemberGroups []string `json:"member_groups" yaml:"member_groups" mapstructure:"member_groups"`

	// LookupGroups / LookupLocators registry 自身加入其他 lookup 服务时使用
	LookupGroups   []string `json:"lookup_groups" yaml:"lookup_groups" mapstructure:"lookup_groups"`
	LookupLocators []string `json:"lookup_locators" yaml:"lookup_locators" mapstructure:"lookup_locators"`

	// UnicastPort 单播发现端口（默认：4160）
	UnicastPort int `json:"unicast_port" yaml:"unicast_port" mapstructure:"unicast_port"`

	// 租约参数
	MinMaxServiceLease time.Duration `json:"min_max_service_lease" yaml:"min_max_service_lease" mapstructure:"min_max_service_lease"`
	MinMaxEventLease   time.Duration `json:"min_max_event_lease" yaml:"min_max_event_lease" mapstructure:"min_max_event_lease"`
	MinRenewalInterval time.Duration `json:"min_renewal_interval" yaml:"min_renewal_interval" mapstructure:"min_renewal_interval"`

	// 快照触发参数：日志条数 >= SnapshotThreshold 且 >= SnapshotWeight*(服务数+事件数)
	SnapshotWeight    float64 `json:"snapshot_weight" yaml:"snapshot_weight" mapstructure:"snapshot_weight"`
	SnapshotThreshold int     `json:"snapshot_threshold" yaml:"snapshot_threshold" mapstructure:"snapshot_threshold"`

	// DeliveryWorkers 同时进行的投递数上限（默认：8）
	DeliveryWorkers int `json:"delivery_workers" yaml:"delivery_workers" mapstructure:"delivery_workers"`

	// DeliveryQueueSize 单个监听者的待投递上限，超出后丢弃新事件（默认：1024）
	DeliveryQueueSize int `json:"delivery_queue_size" yaml:"delivery_queue_size" mapstructure:"delivery_queue_size"`

	// DeliveryTimeout 单次投递超时（默认：10s）
	DeliveryTimeout time.Duration `json:"delivery_timeout" yaml:"delivery_timeout" mapstructure:"delivery_timeout"`

	// ListenerCacheSize / ListenerCacheTTL 已解析监听者缓存
	ListenerCacheSize int           `json:"listener_cache_size" yaml:"listener_cache_size" mapstructure:"listener_cache_size"`
	ListenerCacheTTL  time.Duration `json:"listener_cache_ttl" yaml:"listener_cache_ttl" mapstructure:"listener_cache_ttl"`

	// Breaker 每个监听者一个熔断器
	Breaker *breaker.Config `json:"breaker" yaml:"breaker" mapstructure:"breaker"`
}

// DefaultConfig 返回填好默认值的配置
func DefaultConfig() *Config {
	cfg := &Config{}
	_ = cfg.validate()
	return cfg
}

func (c *Config) validate() error {
	if c.MemberGroups == nil {
		c.MemberGroups = []string{""}
	}
	if c.UnicastPort == 0 {
		c.UnicastPort = DefaultUnicastPort
	}
	if c.UnicastPort < 0 || c.UnicastPort > 65535 {
		return illegal("unicast port %d out of range", c.UnicastPort)
	}
	if c.MinMaxServiceLease == 0 {
		c.MinMaxServiceLease = DefaultMinMaxServiceLease
	}
	if c.MinMaxEventLease == 0 {
		c.MinMaxEventLease = DefaultMinMaxEventLease
	}
	if c.MinRenewalInterval == 0 {
		c.MinRenewalInterval = DefaultMinRenewalInterval
	}
	if c.MinMaxServiceLease < 0 || c.MinMaxEventLease < 0 || c.MinRenewalInterval < 0 {
		return illegal("lease parameters must be positive")
	}
	if c.SnapshotWeight == 0 {
		c.SnapshotWeight = DefaultSnapshotWeight
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = DefaultSnapshotThreshold
	}
	if c.SnapshotWeight < 0 || c.SnapshotThreshold < 0 {
		return illegal("snapshot parameters must not be negative")
	}
	if c.DeliveryWorkers <= 0 {
		c.DeliveryWorkers = 8
	}
	if c.DeliveryQueueSize <= 0 {
		c.DeliveryQueueSize = 1024
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.ListenerCacheSize <= 0 {
		c.ListenerCacheSize = 1024
	}
	if c.ListenerCacheTTL <= 0 {
		c.ListenerCacheTTL = 10 * time.Minute
	}
	return nil
}
