package registry

import (
	"context"
	"time"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/internal/gate"
	"github.com/ceyewan/lookupd/metrics"
)

// serviceExpiryLoop 删除到期的服务注册，然后睡到新的堆顶到期或被唤醒
func (r *registry) serviceExpiryLoop() {
	defer r.wg.Done()
	for {
		wait := r.expireServices()
		if !r.sleep(r.svcWake, wait) {
			return
		}
	}
}

// eventExpiryLoop 删除到期的事件注册
func (r *registry) eventExpiryLoop() {
	defer r.wg.Done()
	for {
		wait := r.expireEvents()
		if !r.sleep(r.evWake, wait) {
			return
		}
	}
}

// sleep 返回 false 表示 registry 正在关闭
func (r *registry) sleep(sig *gate.Signal, d time.Duration) bool {
	sig.Wait(r.ctx, d)
	return r.ctx.Err() == nil
}

// expireServices 删除所有已到期的服务注册，返回距离下一次到期的时长，0 表示没有注册
func (r *registry) expireServices() time.Duration {
	r.gate.Lock()
	defer r.gate.Unlock()

	now := r.now()
	n := 0
	defer func() {
		if n > 0 {
			r.recomputeMaxLeases()
			r.afterExpiry("service", n)
		}
	}()
	for {
		head, ok := r.svcHeap.peek()
		if !ok {
			return 0
		}
		if head.live(now) {
			return head.expiration.Sub(now)
		}
		pre := *head
		r.deleteService(head)
		r.generateEvents(&pre, nil)
		n++
	}
}

func (r *registry) expireEvents() time.Duration {
	r.gate.Lock()
	defer r.gate.Unlock()

	now := r.now()
	n := 0
	defer func() {
		if n > 0 {
			r.recomputeMaxLeases()
			r.afterExpiry("event", n)
		}
	}()
	for {
		head, ok := r.evHeap.peek()
		if !ok {
			return 0
		}
		if head.live(now) {
			return head.expiration.Sub(now)
		}
		r.dropEvent(head)
		n++
	}
}

func (r *registry) afterExpiry(kind string, n int) {
	ctx := context.Background()
	r.m.expirations.Add(ctx, float64(n), metrics.L(metrics.LabelKind, kind))
	r.m.setCounts(ctx, len(r.services), len(r.events))
	r.logger.Debug("leases expired", clog.String("kind", kind), clog.Int("count", n))
}
