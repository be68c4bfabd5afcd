package metrics

// Config 指标配置
//
//	metrics:
//	  enabled: true
//	  service_name: "lookupd"
//	  version: "v0.3.0"
//	  port: 9090        # >0 时单独启动 Prometheus 端口，否则由 httpapi 挂载 Handler()
//	  path: "/metrics"
//	  runtime: true
type Config struct {
	// Enabled 为 false 时 New 返回 noop Meter
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	Version     string `mapstructure:"version" yaml:"version"`
	Port        int    `mapstructure:"port" yaml:"port"`
	Path        string `mapstructure:"path" yaml:"path"`

	// Runtime 开启 Go runtime 指标（GC、goroutine、内存）
	Runtime bool `mapstructure:"runtime" yaml:"runtime"`
}

// NewDevDefaultConfig 开发环境默认配置：启用、不单独开端口
func NewDevDefaultConfig(serviceName string) *Config {
	return &Config{
		Enabled:     true,
		ServiceName: serviceName,
		Version:     "dev",
		Path:        "/metrics",
	}
}

func (c *Config) validate() {
	if c.ServiceName == "" {
		c.ServiceName = "lookupd"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}
