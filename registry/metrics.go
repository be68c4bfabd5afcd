package registry

import (
	"context"
	"time"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/metrics"
)

// 指标名称
const (
	MetricServices          = "lookupd_services"
	MetricEvents            = "lookupd_event_registrations"
	MetricOperationsTotal   = "lookupd_operations_total"
	MetricOperationDuration = "lookupd_operation_duration_seconds"
	MetricExpirationsTotal  = "lookupd_lease_expirations_total"
	MetricDeliveriesTotal   = "lookupd_event_deliveries_total"
	MetricLogAppendsTotal   = "lookupd_log_appends_total"
	MetricSnapshotsTotal    = "lookupd_snapshots_total"
)

type registryMetrics struct {
	services    metrics.Gauge
	events      metrics.Gauge
	operations  metrics.Counter
	latency     metrics.Histogram
	expirations metrics.Counter
	deliveries  metrics.Counter
	appends     metrics.Counter
	snapshots   metrics.Counter
}

func newRegistryMetrics(meter metrics.Meter, logger clog.Logger) *registryMetrics {
	m := &registryMetrics{}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	m.services, err = meter.Gauge(MetricServices, "Live service registrations")
	collect(err)
	m.events, err = meter.Gauge(MetricEvents, "Live event registrations")
	collect(err)
	m.operations, err = meter.Counter(MetricOperationsTotal, "Registry operations by outcome")
	collect(err)
	m.latency, err = meter.Histogram(MetricOperationDuration, "Registry operation latency",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}))
	collect(err)
	m.expirations, err = meter.Counter(MetricExpirationsTotal, "Leases removed by the expiry loops")
	collect(err)
	m.deliveries, err = meter.Counter(MetricDeliveriesTotal, "Remote event deliveries by outcome")
	collect(err)
	m.appends, err = meter.Counter(MetricLogAppendsTotal, "Log record appends by outcome")
	collect(err)
	m.snapshots, err = meter.Counter(MetricSnapshotsTotal, "Snapshots by outcome")
	collect(err)

	if len(errs) > 0 {
		logger.Warn("registry metrics unavailable, falling back to noop", clog.Int("errors", len(errs)))
		return newRegistryMetrics(metrics.Discard(), logger)
	}
	return m
}

func (m *registryMetrics) observe(ctx context.Context, op string, start time.Time, err error) {
	outcome := metrics.Outcome(err)
	m.operations.Inc(ctx, metrics.L(metrics.LabelOperation, op), metrics.L(metrics.LabelOutcome, outcome))
	m.latency.Record(ctx, time.Since(start).Seconds(), metrics.L(metrics.LabelOperation, op))
}

func (m *registryMetrics) setCounts(ctx context.Context, services, events int) {
	m.services.Set(ctx, float64(services))
	m.events.Set(ctx, float64(events))
}
