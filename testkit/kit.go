// Package testkit 测试辅助：日志、指标、临时存储、registry 实例与事件接收方。
package testkit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/metrics"
	"github.com/ceyewan/lookupd/registry"
)

// Kit 包含通用的测试依赖
type Kit struct {
	Ctx    context.Context
	Logger clog.Logger
	Meter  metrics.Meter
}

// NewKit 返回一个包含默认依赖的测试工具包
func NewKit(t testing.TB) *Kit {
	return &Kit{
		Ctx:    t.Context(),
		Logger: NewLogger(),
		Meter:  NewMeter(t),
	}
}

// NewLogger 返回开发格式的 logger，失败时退化为 Discard
func NewLogger() clog.Logger {
	logger, err := clog.New(clog.NewDevDefaultConfig("lookupd"))
	if err != nil {
		return clog.Discard()
	}
	_ = logger.SetLevel(clog.WarnLevel)
	return logger
}

// NewMeter 返回带 Prometheus Handler 的 meter，不单独监听端口
func NewMeter(t testing.TB) metrics.Meter {
	meter, err := metrics.New(metrics.NewDevDefaultConfig("lookupd-test"))
	if err != nil {
		return metrics.Discard()
	}
	t.Cleanup(func() { _ = meter.Shutdown(context.Background()) })
	return meter
}

// NewContext 返回一个带有超时的测试上下文
func NewContext(t testing.TB, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(t.Context(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// NewID 返回一个唯一的短 ID，用于 subject、分组名等
func NewID() string {
	return uuid.New().String()[0:8]
}

// TempStorage 返回测试结束后自动删除的持久化目录（目录本身尚不存在）
func TempStorage(t testing.TB) string {
	return filepath.Join(t.TempDir(), "registry")
}

// NewRegistry 创建 registry，测试结束时关闭。cfg 为 nil 时使用内存模式。
func NewRegistry(t testing.TB, cfg *registry.Config, opts ...registry.Option) registry.Registry {
	t.Helper()
	if cfg == nil {
		cfg = &registry.Config{}
	}
	if cfg.StorageDir != "" {
		cfg.NoFsync = true
	}
	reg, err := registry.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}
