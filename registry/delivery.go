package registry

import (
	"context"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/ceyewan/lookupd/breaker"
	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/metrics"
	"github.com/ceyewan/lookupd/xerrors"
)

// 投递结果标签值
const (
	deliveryOK      = "success"
	deliveryError   = "error"
	deliveryDropped = "dropped"
	deliveryGone    = "gone"
)

type deliveryTask struct {
	listener string
	eventID  EventID
	leaseID  LeaseID
	event    *RemoteEvent
}

// listenerQueue 单个监听者的待投递事件，同一时刻至多一个 goroutine 在排空它
type listenerQueue struct {
	tasks   []*deliveryTask
	running bool
}

// dispatcher 事件投递：每个监听者一个 FIFO 队列，同一监听者按入队顺序投递，
// 不同监听者并发投递，总并发受 DeliveryWorkers 限制。
type dispatcher struct {
	r        *registry
	resolver ListenerResolver
	cache    *otter.Cache[string, Listener]
	brk      breaker.Breaker
	logger   clog.Logger
	m        *registryMetrics

	queueSize int
	timeout   time.Duration
	sem       chan struct{}

	mu     sync.Mutex
	queues map[string]*listenerQueue
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDispatcher(r *registry, brk breaker.Breaker) (*dispatcher, error) {
	cache, err := otter.New(&otter.Options[string, Listener]{
		MaximumSize:      r.cfg.ListenerCacheSize,
		ExpiryCalculator: otter.ExpiryWriting[string, Listener](r.cfg.ListenerCacheTTL),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "build listener cache")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatcher{
		r:         r,
		resolver:  r.resolver,
		cache:     cache,
		brk:       brk,
		logger:    r.logger.WithNamespace("delivery"),
		m:         r.m,
		queueSize: r.cfg.DeliveryQueueSize,
		timeout:   r.cfg.DeliveryTimeout,
		sem:       make(chan struct{}, r.cfg.DeliveryWorkers),
		queues:    make(map[string]*listenerQueue),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// remember 缓存 Notify 时已解析的监听者
func (d *dispatcher) remember(ref string, l Listener) {
	d.cache.Set(ref, l)
}

// forget 监听者不再被任何事件注册引用
func (d *dispatcher) forget(ref string) {
	d.cache.Invalidate(ref)
	d.brk.Forget(ref)
}

func (d *dispatcher) enqueue(t *deliveryTask) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	q := d.queues[t.listener]
	if q == nil {
		q = &listenerQueue{}
		d.queues[t.listener] = q
	}
	if len(q.tasks) >= d.queueSize {
		d.count(deliveryDropped)
		d.logger.Warn("delivery queue full, event dropped",
			clog.String("listener", t.listener),
			clog.Int64("event_id", t.eventID),
			clog.Int64("seq_no", t.event.SeqNo))
		return
	}
	q.tasks = append(q.tasks, t)
	if !q.running {
		q.running = true
		d.wg.Add(1)
		go d.drain(t.listener, q)
	}
}

func (d *dispatcher) drain(ref string, q *listenerQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.tasks) == 0 || d.closed {
			q.running = false
			if d.queues[ref] == q {
				delete(d.queues, ref)
			}
			d.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		d.mu.Unlock()

		select {
		case d.sem <- struct{}{}:
		case <-d.ctx.Done():
			continue
		}
		d.deliver(t)
		<-d.sem
	}
}

func (d *dispatcher) deliver(t *deliveryTask) {
	l, err := d.listener(t.listener)
	if err != nil {
		d.count(deliveryGone)
		d.logger.Warn("listener can no longer be resolved",
			clog.String("listener", t.listener), clog.Error(err))
		d.r.cancelGoneListener(t.eventID, t.leaseID)
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	err = d.brk.Execute(ctx, t.listener, func() error {
		return l.Deliver(ctx, t.event)
	})

	switch {
	case err == nil:
		d.count(deliveryOK)
	case xerrors.Is(err, ErrListenerGone):
		d.count(deliveryGone)
		d.r.cancelGoneListener(t.eventID, t.leaseID)
	case xerrors.Is(err, breaker.ErrOpenState):
		d.count(deliveryDropped)
		d.logger.Debug("listener circuit open, event dropped",
			clog.String("listener", t.listener),
			clog.Int64("event_id", t.eventID),
			clog.Int64("seq_no", t.event.SeqNo))
	default:
		d.count(deliveryError)
		d.logger.Warn("event delivery failed",
			clog.String("listener", t.listener),
			clog.Int64("event_id", t.eventID),
			clog.Int64("seq_no", t.event.SeqNo),
			clog.Error(err))
	}
}

func (d *dispatcher) listener(ref string) (Listener, error) {
	if l, ok := d.cache.GetIfPresent(ref); ok {
		return l, nil
	}
	if d.resolver == nil {
		return nil, xerrors.New("no listener resolver configured")
	}
	l, err := d.resolver.Resolve(ref)
	if err != nil {
		return nil, err
	}
	d.cache.Set(ref, l)
	return l, nil
}

func (d *dispatcher) count(outcome string) {
	d.m.deliveries.Inc(context.Background(), metrics.L(metrics.LabelOutcome, outcome))
}

// close 丢弃未投递的事件并等待进行中的投递结束
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
	d.cache.StopAllGoroutines()
}
