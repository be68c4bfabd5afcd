// Package config 为 lookupd 提供统一的配置加载能力，基于 Viper 实现。
//
// 特性：
//   - 多源配置：YAML 文件、环境变量、.env 文件
//   - 优先级：环境变量 > .env > 环境特定配置（lookupd.<env>.yaml）> 基础配置
//   - 热更新：监听配置文件变化，按 key 通知订阅者
//
// 基本使用：
//
//	loader, _ := config.New(&config.Config{AllowEmpty: true})
//	if err := loader.Load(ctx); err != nil {
//		return err
//	}
//	var cfg AppConfig
//	_ = loader.Unmarshal(&cfg)
//
//	ch, _ := loader.Watch(ctx, "registry.min_renewal_interval")
//	for ev := range ch {
//		...
//	}
package config

import (
	"context"
	"time"
)

// Loader 配置加载器
type Loader interface {
	// Load 加载配置并启动文件监听
	Load(ctx context.Context) error

	// Get 获取原始配置值
	Get(key string) any

	// Unmarshal 将整个配置反序列化到结构体，结构体中已有的值作为默认值保留
	Unmarshal(v any) error

	// UnmarshalKey 将指定 Key 的配置反序列化到结构体
	UnmarshalKey(key string, v any) error

	// Watch 监听某个 key 的变化，ctx 取消后通道关闭
	Watch(ctx context.Context, key string) (<-chan Event, error)

	// Validate 验证当前配置
	Validate() error

	// ConfigFileUsed 返回实际加载的配置文件路径，未找到时为空
	ConfigFileUsed() string
}

// Event 配置变更事件
type Event struct {
	Key       string
	Value     any
	OldValue  any
	Source    string // "file"
	Timestamp time.Time
}
