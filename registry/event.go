package registry

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/lookupd/xerrors"
)

func (r *registry) Notify(ctx context.Context, tmpl *Template, transitions Transition, listener string, handback []byte, dur time.Duration) (*EventRegistration, error) {
	if transitions == 0 || transitions&^transitionAll != 0 {
		return nil, illegal("bad transition mask %d", transitions)
	}
	if listener == "" {
		return nil, illegal("empty listener reference")
	}
	if r.resolver == nil {
		return nil, illegal("no listener resolver configured")
	}
	l, err := r.resolver.Resolve(listener)
	if err != nil {
		return nil, xerrors.Wrapf(ErrIllegalArgument, "resolve listener %s: %v", listener, err)
	}
	t, err := normalizeTemplate(tmpl)
	if err != nil {
		return nil, err
	}

	var out *EventRegistration
	err = r.write(ctx, "notify", false, func(now time.Time) error {
		d, err := grantDuration(dur, r.maxEventLease)
		if err != nil {
			return err
		}
		b := &notifyRecord{
			EventID:    r.state.NextEventID,
			LeaseID:    uuid.New(),
			Template:   t,
			Mask:       transitions,
			Listener:   listener,
			Handback:   bytes.Clone(handback),
			Expiration: now.Add(d).UnixNano(),
		}
		if err := r.applyNotify(b); err != nil {
			return err
		}
		r.logRecord(recNotify, b)
		r.delivery.remember(listener, l)
		out = &EventRegistration{
			EventID:    b.EventID,
			LeaseID:    b.LeaseID,
			Expiration: fromUnixNano(b.Expiration),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// generateEvents 对一次变更做事件判定：pre 为变更前状态（新建时为 nil），
// post 为变更后状态（删除时为 nil）。每个事件注册至多触发一次迁移。
func (r *registry) generateEvents(pre, post *svcReg) {
	if r.recovering {
		return
	}
	id := post.idOr(pre)
	now := r.now()
	for _, ev := range r.subEvents[id] {
		r.evaluate(ev, id, pre, post, now)
	}
	for _, ev := range r.genEvents {
		r.evaluate(ev, id, pre, post, now)
	}
}

func (s *svcReg) idOr(other *svcReg) ServiceID {
	if s != nil {
		return s.id
	}
	return other.id
}

func (r *registry) evaluate(ev *eventReg, id ServiceID, pre, post *svcReg, now time.Time) {
	if !ev.live(now) {
		return
	}
	was := pre != nil && ev.tmpl.matchItem(pre.id, pre.typ, pre.attrs)
	is := post != nil && ev.tmpl.matchItem(post.id, post.typ, post.attrs)

	var tr Transition
	switch {
	case was && is:
		tr = TransitionMatchMatch
	case was:
		tr = TransitionMatchNoMatch
	case is:
		tr = TransitionNoMatchMatch
	default:
		return
	}
	if ev.mask&tr == 0 {
		return
	}

	ev.seqNo++
	re := &RemoteEvent{
		RegistryID: r.state.RegistryID,
		EventID:    ev.id,
		SeqNo:      ev.seqNo,
		ServiceID:  id,
		Transition: tr,
		Handback:   bytes.Clone(ev.handback),
	}
	if post != nil {
		re.Item = post.item()
	}
	r.delivery.enqueue(&deliveryTask{
		listener: ev.listener,
		eventID:  ev.id,
		leaseID:  ev.leaseID,
		event:    re,
	})
}

// dropEvent 删除事件注册；监听者不再被引用时清理其缓存和熔断器
func (r *registry) dropEvent(ev *eventReg) {
	if r.deleteEvent(ev) {
		r.delivery.forget(ev.listener)
	}
}
