package discovery

import (
	"context"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/metrics"
)

// 指标名称
const (
	MetricRequestsTotal      = "lookupd_discovery_requests_total"
	MetricAnnouncementsTotal = "lookupd_discovery_announcements_total"
	MetricUnicastTotal       = "lookupd_discovery_unicast_total"
)

// 多播请求的处理结果
const (
	resultAnswered  = "answered"
	resultFiltered  = "filtered"
	resultDuplicate = "duplicate"
	resultLimited   = "limited"
	resultMalformed = "malformed"
)

type discoveryMetrics struct {
	requests      metrics.Counter
	announcements metrics.Counter
	unicast       metrics.Counter
}

func newDiscoveryMetrics(meter metrics.Meter, logger clog.Logger) *discoveryMetrics {
	m := &discoveryMetrics{}
	var errs []error
	counter := func(name, desc string) metrics.Counter {
		c, err := meter.Counter(name, desc)
		if err != nil {
			errs = append(errs, err)
		}
		return c
	}

	m.requests = counter(MetricRequestsTotal, "Multicast requests by result")
	m.announcements = counter(MetricAnnouncementsTotal, "Multicast announcements by outcome")
	m.unicast = counter(MetricUnicastTotal, "Unicast responses and callbacks by outcome")

	if len(errs) > 0 {
		logger.Warn("discovery metrics unavailable, falling back to noop", clog.Int("errors", len(errs)))
		return newDiscoveryMetrics(metrics.Discard(), logger)
	}
	return m
}

func (m *discoveryMetrics) request(ctx context.Context, result string) {
	m.requests.Inc(ctx, metrics.L(metrics.LabelOutcome, result))
}

func (m *discoveryMetrics) announced(ctx context.Context, err error) {
	m.announcements.Inc(ctx, metrics.L(metrics.LabelOutcome, metrics.Outcome(err)))
}

func (m *discoveryMetrics) unicastDone(ctx context.Context, kind string, err error) {
	m.unicast.Inc(ctx, metrics.L(metrics.LabelKind, kind), metrics.L(metrics.LabelOutcome, metrics.Outcome(err)))
}
