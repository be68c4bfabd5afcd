package trace

// Config 链路追踪配置
//
//	trace:
//	  enabled: true
//	  service_name: lookupd
//	  endpoint: localhost:4317
//	  sampler: 0.1
type Config struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	Sampler     float64 `mapstructure:"sampler" yaml:"sampler"`
	Batcher     string  `mapstructure:"batcher" yaml:"batcher"` // batch | simple
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
}

// DefaultConfig 返回默认配置（未启用）
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName: serviceName,
		Endpoint:    "localhost:4317",
		Sampler:     1.0,
		Batcher:     "batch",
		Insecure:    true,
	}
}
