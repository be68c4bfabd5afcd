package main

import (
	"context"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/metrics"
	"github.com/ceyewan/lookupd/trace"
	"github.com/ceyewan/lookupd/xerrors"
)

type shutdownFunc func(context.Context) error

// observability 进程级的日志、指标与追踪
type observability struct {
	Logger    clog.Logger
	Meter     metrics.Meter
	shutdowns []shutdownFunc
}

func initObservability(cfg *appConfig) (*observability, error) {
	traceShutdown, err := trace.Init(&cfg.Trace)
	if err != nil {
		return nil, xerrors.Wrap(err, "init trace")
	}

	logger, err := clog.New(&cfg.Log, clog.WithNamespace("lookupd"), clog.WithTraceContext())
	if err != nil {
		_ = traceShutdown(context.Background())
		return nil, xerrors.Wrap(err, "init logger")
	}

	meter, err := metrics.New(&cfg.Metrics, metrics.WithLogger(logger))
	if err != nil {
		_ = traceShutdown(context.Background())
		return nil, xerrors.Wrap(err, "init metrics")
	}

	return &observability{
		Logger: logger,
		Meter:  meter,
		shutdowns: []shutdownFunc{
			meter.Shutdown,
			shutdownFunc(traceShutdown),
		},
	}, nil
}

// Shutdown 依次关闭指标与追踪，最后刷新日志
func (o *observability) Shutdown(ctx context.Context) error {
	errs := make([]error, 0, len(o.shutdowns))
	for _, fn := range o.shutdowns {
		errs = append(errs, fn(ctx))
	}
	o.Logger.Flush()
	return xerrors.Combine(errs...)
}
