package breaker

import (
	"context"
	"sync"

	"github.com/sony/gobreaker/v2"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/metrics"
	"github.com/ceyewan/lookupd/xerrors"
)

type circuitBreaker struct {
	cfg    *Config
	logger clog.Logger
	opts   *options

	rejects metrics.Counter
	changes metrics.Counter

	breakers sync.Map // map[string]*gobreaker.CircuitBreaker[struct{}]
}

func newBreaker(cfg *Config, opts *options) *circuitBreaker {
	cb := &circuitBreaker{cfg: cfg, logger: opts.logger, opts: opts}
	meter := opts.meter
	if meter == nil {
		meter = metrics.Discard()
	}
	cb.rejects, _ = meter.Counter(MetricRejectsTotal, "Calls rejected by an open circuit")
	cb.changes, _ = meter.Counter(MetricStateChanges, "Circuit breaker state transitions")
	if cb.rejects == nil || cb.changes == nil {
		noop := metrics.Discard()
		cb.rejects, _ = noop.Counter(MetricRejectsTotal, "")
		cb.changes, _ = noop.Counter(MetricStateChanges, "")
	}
	return cb
}

func (cb *circuitBreaker) Execute(ctx context.Context, key string, fn func() error) error {
	if key == "" {
		return ErrKeyEmpty
	}

	b := cb.getOrCreate(key)
	_, err := b.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if xerrors.Is(err, gobreaker.ErrOpenState) || xerrors.Is(err, gobreaker.ErrTooManyRequests) {
		cb.rejects.Inc(ctx)
		return xerrors.Wrapf(ErrOpenState, "key %s", key)
	}
	return err
}

func (cb *circuitBreaker) State(key string) State {
	val, ok := cb.breakers.Load(key)
	if !ok {
		return StateClosed
	}
	return fromGobreaker(val.(*gobreaker.CircuitBreaker[struct{}]).State())
}

func (cb *circuitBreaker) Forget(key string) {
	cb.breakers.Delete(key)
}

func (cb *circuitBreaker) getOrCreate(key string) *gobreaker.CircuitBreaker[struct{}] {
	if val, ok := cb.breakers.Load(key); ok {
		return val.(*gobreaker.CircuitBreaker[struct{}])
	}

	settings := gobreaker.Settings{
		Name:          key,
		MaxRequests:   cb.cfg.MaxRequests,
		Interval:      cb.cfg.Interval,
		Timeout:       cb.cfg.Timeout,
		ReadyToTrip:   cb.readyToTrip,
		OnStateChange: cb.onStateChange,
		IsSuccessful:  cb.opts.isSuccessful,
	}
	b := gobreaker.NewCircuitBreaker[struct{}](settings)

	actual, _ := cb.breakers.LoadOrStore(key, b)
	return actual.(*gobreaker.CircuitBreaker[struct{}])
}

func (cb *circuitBreaker) readyToTrip(counts gobreaker.Counts) bool {
	if counts.Requests < cb.cfg.MinimumRequests {
		return false
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= cb.cfg.FailureRatio
}

func (cb *circuitBreaker) onStateChange(name string, from gobreaker.State, to gobreaker.State) {
	cb.changes.Inc(context.Background(),
		metrics.L(LabelFromState, fromGobreaker(from).String()),
		metrics.L(LabelToState, fromGobreaker(to).String()))
	cb.logger.Info("circuit breaker state changed",
		clog.String("key", name),
		clog.String("from", fromGobreaker(from).String()),
		clog.String("to", fromGobreaker(to).String()))
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}
