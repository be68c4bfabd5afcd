package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/config"
	"github.com/ceyewan/lookupd/discovery"
	"github.com/ceyewan/lookupd/httpapi"
	"github.com/ceyewan/lookupd/listener"
	"github.com/ceyewan/lookupd/registry"
)

func runServe(ctx context.Context, cfgFile string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader, cfg, err := loadConfig(ctx, cfgFile, clog.Discard())
	if err != nil {
		return err
	}
	obs, err := initObservability(cfg)
	if err != nil {
		return err
	}
	logger := obs.Logger
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown failed", clog.Error(err))
		}
	}()
	logger.Info("starting lookupd",
		clog.String("version", version),
		clog.String("config", loader.ConfigFileUsed()))

	resolver, err := listener.New(&cfg.Listener, listener.WithLogger(logger), listener.WithMeter(obs.Meter))
	if err != nil {
		return err
	}
	defer resolver.Close()

	// registry 在 New 中就会发布身份，此时发现引擎尚未创建
	var (
		mu     sync.Mutex
		engine discovery.Engine
	)
	observer := func(id registry.Identity) {
		mu.Lock()
		defer mu.Unlock()
		if engine != nil {
			engine.Update(id)
		}
	}

	reg, err := registry.New(&cfg.Registry,
		registry.WithLogger(logger),
		registry.WithMeter(obs.Meter),
		registry.WithResolver(resolver),
		registry.WithIdentityObserver(observer))
	if err != nil {
		return err
	}
	defer reg.Close()

	mu.Lock()
	engine, err = discovery.New(&cfg.Discovery, reg.Identity(),
		discovery.WithLogger(logger), discovery.WithMeter(obs.Meter))
	mu.Unlock()
	if err != nil {
		return err
	}
	defer engine.Close()

	srv, err := httpapi.New(reg, &cfg.HTTP, httpapi.WithLogger(logger), httpapi.WithMeter(obs.Meter))
	if err != nil {
		return err
	}
	defer srv.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return watchTunables(gctx, loader, reg, logger) })

	err = g.Wait()
	if err != nil {
		logger.Error("lookupd stopped with error", clog.Error(err))
		return err
	}
	logger.Info("lookupd stopped")
	return nil
}

// tunable 可在运行期从配置文件重新加载的参数
type tunable struct {
	key   string
	apply func(ctx context.Context, loader config.Loader, reg registry.Registry, logger clog.Logger) error
}

func durationTunable(key string, set func(registry.Registry) func(context.Context, time.Duration) error) tunable {
	return tunable{key: key, apply: func(ctx context.Context, loader config.Loader, reg registry.Registry, _ clog.Logger) error {
		var d time.Duration
		if err := loader.UnmarshalKey(key, &d); err != nil {
			return err
		}
		return set(reg)(ctx, d)
	}}
}

var tunables = []tunable{
	durationTunable("registry.min_max_service_lease", func(r registry.Registry) func(context.Context, time.Duration) error {
		return r.SetMinMaxServiceLease
	}),
	durationTunable("registry.min_max_event_lease", func(r registry.Registry) func(context.Context, time.Duration) error {
		return r.SetMinMaxEventLease
	}),
	durationTunable("registry.min_renewal_interval", func(r registry.Registry) func(context.Context, time.Duration) error {
		return r.SetMinRenewalInterval
	}),
	{key: "registry.snapshot_weight", apply: func(ctx context.Context, loader config.Loader, reg registry.Registry, _ clog.Logger) error {
		var w float64
		if err := loader.UnmarshalKey("registry.snapshot_weight", &w); err != nil {
			return err
		}
		return reg.SetSnapshotWeight(ctx, w)
	}},
	{key: "registry.snapshot_threshold", apply: func(ctx context.Context, loader config.Loader, reg registry.Registry, _ clog.Logger) error {
		var n int
		if err := loader.UnmarshalKey("registry.snapshot_threshold", &n); err != nil {
			return err
		}
		return reg.SetSnapshotThreshold(ctx, n)
	}},
	{key: "log.level", apply: func(_ context.Context, loader config.Loader, _ registry.Registry, logger clog.Logger) error {
		var s string
		if err := loader.UnmarshalKey("log.level", &s); err != nil {
			return err
		}
		level, err := clog.ParseLevel(s)
		if err != nil {
			return err
		}
		return logger.SetLevel(level)
	}},
}

// watchTunables 配置文件变化时重新应用 tunables，直到 ctx 取消
func watchTunables(ctx context.Context, loader config.Loader, reg registry.Registry, logger clog.Logger) error {
	var wg sync.WaitGroup
	for _, t := range tunables {
		ch, err := loader.Watch(ctx, t.key)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range ch {
				if err := t.apply(ctx, loader, reg, logger); err != nil {
					logger.Warn("config reload rejected", clog.String("key", ev.Key), clog.Error(err))
					continue
				}
				logger.Info("config reloaded", clog.String("key", ev.Key), clog.Any("value", ev.Value))
			}
		}()
	}
	wg.Wait()
	return nil
}
