package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/metrics"
	"github.com/ceyewan/lookupd/xerrors"
)

// bucket 包装 rate.Limiter 并记录最后访问时间
type bucket struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	lastSeen time.Time
}

type standaloneLimiter struct {
	cfg       *Config
	logger    clog.Logger
	decisions metrics.Counter
	scope     string
	now       func() time.Time

	buckets sync.Map // map[string]*bucket
	stopCh  chan struct{}
	closed  atomic.Bool
	done    sync.WaitGroup
}

func newStandalone(cfg *Config, o *options) (*standaloneLimiter, error) {
	decisions, err := o.meter.Counter(MetricDecisionsTotal, "Rate limit decisions by result")
	if err != nil {
		return nil, xerrors.Wrap(err, "create decisions counter")
	}

	l := &standaloneLimiter{
		cfg:       cfg,
		logger:    o.logger,
		decisions: decisions,
		scope:     o.scope,
		now:       o.now,
		stopCh:    make(chan struct{}),
	}

	l.done.Add(1)
	go l.cleanup()

	l.logger.Debug("rate limiter created",
		clog.String("scope", l.scope),
		clog.Duration("cleanup_interval", cfg.CleanupInterval),
		clog.Duration("idle_timeout", cfg.IdleTimeout))
	return l, nil
}

func (l *standaloneLimiter) Allow(ctx context.Context, key string, limit Limit) (bool, error) {
	return l.AllowN(ctx, key, limit, 1)
}

func (l *standaloneLimiter) AllowN(ctx context.Context, key string, limit Limit, n int) (bool, error) {
	if l.closed.Load() {
		return false, ErrClosed
	}
	if key == "" {
		return false, ErrKeyEmpty
	}
	if !limit.Enabled() {
		return false, ErrInvalidLimit
	}
	if n <= 0 {
		return false, xerrors.Wrapf(ErrInvalidLimit, "n must be positive, got %d", n)
	}

	b := l.bucketFor(key, limit)
	now := l.now()
	b.mu.Lock()
	allowed := b.limiter.AllowN(now, n)
	b.lastSeen = now
	b.mu.Unlock()

	result := ResultAllowed
	if !allowed {
		result = ResultDenied
		l.logger.Debug("rate limited",
			clog.String("key", key),
			clog.Float64("rate", limit.Rate),
			clog.Int("burst", limit.Burst))
	}
	l.decisions.Inc(ctx, metrics.L(LabelScope, l.scope), metrics.L(LabelResult, result))
	return allowed, nil
}

// bucketFor 规则不同的同名键使用各自的令牌桶
func (l *standaloneLimiter) bucketFor(key string, limit Limit) *bucket {
	cacheKey := key + "|" + strconv.FormatFloat(limit.Rate, 'g', -1, 64) + "|" + strconv.Itoa(limit.Burst)
	if v, ok := l.buckets.Load(cacheKey); ok {
		return v.(*bucket)
	}
	b := &bucket{
		limiter:  rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst),
		lastSeen: l.now(),
	}
	actual, _ := l.buckets.LoadOrStore(cacheKey, b)
	return actual.(*bucket)
}

func (l *standaloneLimiter) cleanup() {
	defer l.done.Done()
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := l.sweep(); n > 0 {
				l.logger.Debug("idle buckets removed", clog.Int("count", n))
			}
		case <-l.stopCh:
			return
		}
	}
}

// sweep 回收空闲超时的令牌桶，返回回收数量
func (l *standaloneLimiter) sweep() int {
	now := l.now()
	count := 0
	l.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		idle := now.Sub(b.lastSeen)
		b.mu.Unlock()
		if idle > l.cfg.IdleTimeout {
			l.buckets.Delete(key)
			count++
		}
		return true
	})
	return count
}

func (l *standaloneLimiter) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.stopCh)
	l.done.Wait()
	return nil
}
