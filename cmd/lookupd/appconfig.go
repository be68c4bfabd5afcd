package main

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/config"
	"github.com/ceyewan/lookupd/discovery"
	"github.com/ceyewan/lookupd/httpapi"
	"github.com/ceyewan/lookupd/listener"
	"github.com/ceyewan/lookupd/metrics"
	"github.com/ceyewan/lookupd/registry"
	"github.com/ceyewan/lookupd/trace"
	"github.com/ceyewan/lookupd/xerrors"
)

// appConfig lookupd.yaml 的完整结构
//
//	log:
//	  level: info
//	http:
//	  addr: ":4180"
//	registry:
//	  storage_dir: /var/lib/lookupd
//	  member_groups: [""]
//	discovery:
//	  disable_multicast: false
//	listener:
//	  nats:
//	    url: nats://127.0.0.1:4222
type appConfig struct {
	Log       clog.Config      `mapstructure:"log"`
	Metrics   metrics.Config   `mapstructure:"metrics"`
	Trace     trace.Config     `mapstructure:"trace"`
	Registry  registry.Config  `mapstructure:"registry"`
	Listener  listener.Config  `mapstructure:"listener"`
	Discovery discovery.Config `mapstructure:"discovery"`
	HTTP      httpapi.Config   `mapstructure:"http"`
}

func defaultAppConfig() *appConfig {
	return &appConfig{
		Log:     *clog.NewProdDefaultConfig(),
		Metrics: *metrics.NewDevDefaultConfig("lookupd"),
		Trace:   *trace.DefaultConfig("lookupd"),
	}
}

// envDefaults 让未出现在配置文件中的常用 key 也能被环境变量覆盖
var envDefaults = map[string]any{
	"log.level":                   "info",
	"http.addr":                   ":4180",
	"registry.storage_dir":        "",
	"registry.unicast_port":       registry.DefaultUnicastPort,
	"discovery.host":              "",
	"discovery.disable_multicast": false,
	"trace.enabled":               false,
	"trace.endpoint":              "localhost:4317",
	"listener.nats.url":           "",
}

// loadConfig 加载配置；path 非空时只从该文件所在目录按文件名查找
func loadConfig(ctx context.Context, path string, logger clog.Logger) (config.Loader, *appConfig, error) {
	lc := &config.Config{AllowEmpty: true, Defaults: envDefaults}
	if path != "" {
		ext := filepath.Ext(path)
		lc.Name = strings.TrimSuffix(filepath.Base(path), ext)
		lc.Paths = []string{filepath.Dir(path)}
		lc.FileType = strings.TrimPrefix(ext, ".")
	}
	loader, err := config.New(lc, config.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	if err := loader.Load(ctx); err != nil {
		return nil, nil, err
	}
	if path != "" && loader.ConfigFileUsed() == "" {
		return nil, nil, xerrors.Wrapf(xerrors.ErrNotFound, "config file %s", path)
	}

	cfg := defaultAppConfig()
	if err := loader.Unmarshal(cfg); err != nil {
		return nil, nil, xerrors.Wrap(err, "decode config")
	}
	// 空的 nats 段在解码后是非 nil 的零值
	if cfg.Listener.NATS != nil && cfg.Listener.NATS.URL == "" {
		cfg.Listener.NATS = nil
	}
	return loader, cfg, nil
}
