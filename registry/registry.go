package registry

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/lookupd/breaker"
	"github.com/ceyewan/lookupd/catalog"
	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/internal/gate"
	"github.com/ceyewan/lookupd/internal/wal"
	"github.com/ceyewan/lookupd/metrics"
	"github.com/ceyewan/lookupd/xerrors"
)

// formatVersion 日志与快照的格式版本，不兼容的修改需要递增
const formatVersion = 1

// scalars 需要持久化的标量状态，也是快照的头部
type scalars struct {
	RegistryID         ServiceID     `msgpack:"id"`
	NextEventID        EventID       `msgpack:"next_event"`
	MemberGroups       []string      `msgpack:"member_groups"`
	LookupGroups       []string      `msgpack:"lookup_groups"`
	LookupLocators     []string      `msgpack:"lookup_locators"`
	UnicastPort        int           `msgpack:"unicast_port"`
	MinMaxServiceLease time.Duration `msgpack:"min_max_service_lease"`
	MinMaxEventLease   time.Duration `msgpack:"min_max_event_lease"`
	MinRenewalInterval time.Duration `msgpack:"min_renewal_interval"`
	SnapshotWeight     float64       `msgpack:"snapshot_weight"`
	SnapshotThreshold  int           `msgpack:"snapshot_threshold"`
}

type registry struct {
	cfg      *Config
	logger   clog.Logger
	m        *registryMetrics
	now      func() time.Time
	resolver ListenerResolver
	observer func(Identity)

	gate *gate.Gate
	store
	storage    *wal.Store
	recovering bool

	state           scalars
	maxServiceLease time.Duration
	maxEventLease   time.Duration

	delivery *dispatcher

	svcWake  *gate.Signal
	evWake   *gate.Signal
	snapWake *gate.Signal

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// New 创建 registry。StorageDir 非空时从该目录恢复状态；目录中的格式标记或版本
// 与当前实现不一致时返回错误。
func New(cfg *Config, opts ...Option) (Registry, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	c.MemberGroups = slices.Clone(cfg.MemberGroups)
	if err := c.validate(); err != nil {
		return nil, err
	}

	opt := options{
		logger: clog.Discard(),
		meter:  metrics.Discard(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(&opt)
	}

	r := &registry{
		cfg:      &c,
		logger:   opt.logger,
		m:        newRegistryMetrics(opt.meter, opt.logger),
		now:      opt.now,
		resolver: opt.resolver,
		observer: opt.observer,
		gate:     gate.New(),
		store:    newStore(catalog.New()),
		svcWake:  gate.NewSignal(),
		evWake:   gate.NewSignal(),
		snapWake: gate.NewSignal(),
		state: scalars{
			MemberGroups:       dedupeStrings(c.MemberGroups),
			LookupGroups:       dedupeStrings(c.LookupGroups),
			LookupLocators:     dedupeStrings(c.LookupLocators),
			UnicastPort:        c.UnicastPort,
			MinMaxServiceLease: c.MinMaxServiceLease,
			MinMaxEventLease:   c.MinMaxEventLease,
			MinRenewalInterval: c.MinRenewalInterval,
			SnapshotWeight:     c.SnapshotWeight,
			SnapshotThreshold:  c.SnapshotThreshold,
		},
	}

	brk, err := breaker.New(c.Breaker,
		breaker.WithLogger(opt.logger),
		breaker.WithMeter(opt.meter),
		breaker.WithSuccessPredicate(func(err error) bool {
			return err == nil || xerrors.Is(err, ErrListenerGone)
		}))
	if err != nil {
		return nil, err
	}
	r.delivery, err = newDispatcher(r, brk)
	if err != nil {
		return nil, err
	}

	if c.StorageDir != "" {
		walOpts := []wal.Option{wal.WithLogger(opt.logger)}
		if c.NoFsync {
			walOpts = append(walOpts, wal.WithoutFsync())
		}
		st, err := wal.Open(c.StorageDir, formatVersion, walOpts...)
		if err != nil {
			r.delivery.close()
			return nil, err
		}
		r.storage = st
		if err := r.recover(); err != nil {
			st.Close()
			r.delivery.close()
			return nil, err
		}
	}

	if r.state.RegistryID == uuid.Nil {
		r.state.RegistryID = uuid.New()
	}
	r.recomputeMaxLeases()

	if r.storage != nil {
		if err := r.storage.Snapshot(r.writeSnapshot); err != nil {
			r.storage.Close()
			r.delivery.close()
			return nil, xerrors.Wrap(err, "initial snapshot")
		}
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(2)
	go r.serviceExpiryLoop()
	go r.eventExpiryLoop()
	if r.storage != nil {
		r.wg.Add(1)
		go r.snapshotLoop()
	}
	r.m.setCounts(r.ctx, len(r.services), len(r.events))

	r.logger.Info("registry started",
		clog.String("registry_id", r.state.RegistryID.String()),
		clog.String("storage_dir", c.StorageDir),
		clog.Int("services", len(r.services)),
		clog.Int("events", len(r.events)))
	r.publishIdentity()
	return r, nil
}

var _ Registry = (*registry)(nil)

// enter 所有公开操作的入口检查
func (r *registry) enter(ctx context.Context) error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}
	return ctx.Err()
}

// read 在读许可下执行 fn
func (r *registry) read(ctx context.Context, op string, fn func(now time.Time) error) error {
	if err := r.enter(ctx); err != nil {
		return err
	}
	start := time.Now()
	r.gate.RLock()
	err := fn(r.now())
	r.gate.RUnlock()
	r.m.observe(ctx, op, start, err)
	return err
}

// write 在写许可下执行 fn，priority 为 true 时使用优先写许可
func (r *registry) write(ctx context.Context, op string, priority bool, fn func(now time.Time) error) error {
	if err := r.enter(ctx); err != nil {
		return err
	}
	start := time.Now()
	if priority {
		r.gate.PriorityLock()
		defer r.gate.PriorityUnlock()
	} else {
		r.gate.Lock()
		defer r.gate.Unlock()
	}
	if r.closed.Load() {
		return ErrRegistryClosed
	}

	svcHead, svcExp := r.serviceHead()
	evHead, evExp := r.eventHead()
	err := fn(r.now())

	// 最早到期时间提前或堆顶换人时唤醒清理循环
	if head, exp := r.serviceHead(); head != nil && (head != svcHead || exp.Before(svcExp)) {
		r.svcWake.Notify()
	}
	if head, exp := r.eventHead(); head != nil && (head != evHead || exp.Before(evExp)) {
		r.evWake.Notify()
	}
	r.m.setCounts(ctx, len(r.services), len(r.events))
	r.m.observe(ctx, op, start, err)
	return err
}

func (r *registry) serviceHead() (*svcReg, time.Time) {
	if head, ok := r.svcHeap.peek(); ok {
		return head, head.expiration
	}
	return nil, time.Time{}
}

func (r *registry) eventHead() (*eventReg, time.Time) {
	if head, ok := r.evHeap.peek(); ok {
		return head, head.expiration
	}
	return nil, time.Time{}
}

// publishIdentity 在不持有许可时调用
func (r *registry) publishIdentity() {
	if r.observer == nil {
		return
	}
	r.observer(r.Identity())
}

// Close 停止后台任务并关闭存储，可重复调用
func (r *registry) Close() error {
	var err error
	r.closeOnce.Do(func() {
		// 在写许可下置位：之后的写操作都会看到 closed，
		// 之前的写操作（例如启动快照循环的 wg.Add）已在 Wait 之前完成
		r.gate.Lock()
		r.closed.Store(true)
		r.gate.Unlock()
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
		r.delivery.close()

		r.gate.Lock()
		defer r.gate.Unlock()
		if r.storage != nil {
			err = r.storage.Close()
		}
		r.logger.Info("registry closed")
	})
	return err
}

// Destroy 关闭并删除持久化目录
func (r *registry) Destroy(ctx context.Context) error {
	if err := r.Close(); err != nil {
		r.logger.Warn("close before destroy failed", clog.Error(err))
	}
	if r.storage == nil {
		return nil
	}
	if err := r.storage.Destroy(); err != nil {
		return xerrors.Wrap(err, "destroy storage")
	}
	r.logger.Info("registry destroyed", clog.String("storage_dir", r.storage.Dir()))
	return nil
}

func dedupeStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
