package registry

import (
	"context"
	"math"
	"time"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/xerrors"
)

// recomputeMaxLeases 按注册数重新计算最长租约，整数毫秒运算：
//
//	maxServiceLease = max(minMaxServiceLease,
//	                      minRenewalInterval * (services + events*minMaxServiceLease/minMaxEventLease))
//	maxEventLease   = max(minMaxEventLease, maxServiceLease*minMaxEventLease/minMaxServiceLease)
func (r *registry) recomputeMaxLeases() {
	if r.recovering {
		return
	}
	minSvc := r.state.MinMaxServiceLease.Milliseconds()
	minEv := r.state.MinMaxEventLease.Milliseconds()
	minRenew := r.state.MinRenewalInterval.Milliseconds()
	services, events := int64(len(r.services)), int64(len(r.events))

	svc := minSvc
	if minEv > 0 {
		svc = max(minSvc, minRenew*(services+events*minSvc/minEv))
	}
	ev := minEv
	if minSvc > 0 {
		ev = max(minEv, svc*minEv/minSvc)
	}
	r.maxServiceLease = time.Duration(svc) * time.Millisecond
	r.maxEventLease = time.Duration(ev) * time.Millisecond
}

// grantDuration 新租约的时长：LeaseAny 与 0 取最大值，超过最大值时截断
func grantDuration(req, limit time.Duration) (time.Duration, error) {
	switch {
	case req == LeaseAny || req == 0:
		return limit, nil
	case req < 0:
		return 0, illegal("negative lease duration %s", req)
	case req > limit:
		return limit, nil
	}
	return req, nil
}

// renewDuration 续约时长。请求超过最大值且超过剩余时长时，授予 max(剩余, 最大值)。
func renewDuration(req, limit, remaining time.Duration) (time.Duration, error) {
	switch {
	case req == LeaseAny || req == 0:
		req = math.MaxInt64
	case req < 0:
		return 0, illegal("negative lease duration %s", req)
	}
	if req > limit && req > remaining {
		return max(remaining, limit), nil
	}
	return req, nil
}

// serviceByLease 按 (服务 ID, 租约 ID) 查找存活注册
func (r *registry) serviceByLease(id ServiceID, lease LeaseID, now time.Time) (*svcReg, error) {
	reg, ok := r.services[id]
	if !ok || reg.leaseID != lease || !reg.live(now) {
		return nil, xerrors.Wrapf(ErrUnknownLease, "service %s", id)
	}
	return reg, nil
}

// eventByLease 按 (事件 ID, 租约 ID) 查找存活事件注册
func (r *registry) eventByLease(id EventID, lease LeaseID, now time.Time) (*eventReg, error) {
	ev, ok := r.events[id]
	if !ok || ev.leaseID != lease || !ev.live(now) {
		return nil, xerrors.Wrapf(ErrUnknownLease, "event %d", id)
	}
	return ev, nil
}

func (r *registry) RenewServiceLease(ctx context.Context, id ServiceID, lease LeaseID, dur time.Duration) (time.Duration, error) {
	var granted time.Duration
	err := r.write(ctx, "renew_service_lease", true, func(now time.Time) error {
		d, b, err := r.prepareServiceRenewal(id, lease, dur, now)
		if err != nil {
			return err
		}
		r.applyRenewService(b)
		r.logRecord(recRenewService, b)
		granted = d
		return nil
	})
	return granted, err
}

func (r *registry) prepareServiceRenewal(id ServiceID, lease LeaseID, dur time.Duration, now time.Time) (time.Duration, *serviceLeaseRecord, error) {
	reg, err := r.serviceByLease(id, lease, now)
	if err != nil {
		return 0, nil, err
	}
	d, err := renewDuration(dur, r.maxServiceLease, reg.expiration.Sub(now))
	if err != nil {
		return 0, nil, err
	}
	return d, &serviceLeaseRecord{ServiceID: id, LeaseID: lease, Expiration: now.Add(d).UnixNano()}, nil
}

func (r *registry) CancelServiceLease(ctx context.Context, id ServiceID, lease LeaseID) error {
	return r.write(ctx, "cancel_service_lease", false, func(now time.Time) error {
		if _, err := r.serviceByLease(id, lease, now); err != nil {
			return err
		}
		b := &serviceLeaseRecord{ServiceID: id, LeaseID: lease}
		r.applyCancelService(b)
		r.logRecord(recCancelService, b)
		return nil
	})
}

func (r *registry) RenewEventLease(ctx context.Context, id EventID, lease LeaseID, dur time.Duration) (time.Duration, error) {
	var granted time.Duration
	err := r.write(ctx, "renew_event_lease", true, func(now time.Time) error {
		d, b, err := r.prepareEventRenewal(id, lease, dur, now)
		if err != nil {
			return err
		}
		r.applyRenewEvent(b)
		r.logRecord(recRenewEvent, b)
		granted = d
		return nil
	})
	return granted, err
}

func (r *registry) prepareEventRenewal(id EventID, lease LeaseID, dur time.Duration, now time.Time) (time.Duration, *eventLeaseRecord, error) {
	ev, err := r.eventByLease(id, lease, now)
	if err != nil {
		return 0, nil, err
	}
	d, err := renewDuration(dur, r.maxEventLease, ev.expiration.Sub(now))
	if err != nil {
		return 0, nil, err
	}
	return d, &eventLeaseRecord{EventID: id, LeaseID: lease, Expiration: now.Add(d).UnixNano()}, nil
}

func (r *registry) CancelEventLease(ctx context.Context, id EventID, lease LeaseID) error {
	return r.write(ctx, "cancel_event_lease", false, func(now time.Time) error {
		if _, err := r.eventByLease(id, lease, now); err != nil {
			return err
		}
		b := &eventLeaseRecord{EventID: id, LeaseID: lease}
		r.applyCancelEvent(b)
		r.logRecord(recCancelEvent, b)
		return nil
	})
}

func (r *registry) RenewLeases(ctx context.Context, keys []LeaseKey, durs []time.Duration) ([]RenewResult, error) {
	if len(keys) != len(durs) {
		return nil, illegal("%d lease keys but %d durations", len(keys), len(durs))
	}
	results := make([]RenewResult, len(keys))
	err := r.write(ctx, "renew_leases", true, func(now time.Time) error {
		b := &renewLeasesRecord{}
		for i, k := range keys {
			var exp int64
			switch k.Kind {
			case LeaseService:
				d, sb, err := r.prepareServiceRenewal(k.ServiceID, k.LeaseID, durs[i], now)
				if err != nil {
					results[i].Err = err
					continue
				}
				r.applyRenewService(sb)
				results[i].Granted, exp = d, sb.Expiration
			case LeaseEvent:
				d, eb, err := r.prepareEventRenewal(k.EventID, k.LeaseID, durs[i], now)
				if err != nil {
					results[i].Err = err
					continue
				}
				r.applyRenewEvent(eb)
				results[i].Granted, exp = d, eb.Expiration
			default:
				results[i].Err = illegal("unknown lease kind %d", k.Kind)
				continue
			}
			b.Keys = append(b.Keys, k)
			b.Expirations = append(b.Expirations, exp)
		}
		if len(b.Keys) > 0 {
			r.logRecord(recRenewLeases, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *registry) CancelLeases(ctx context.Context, keys []LeaseKey) ([]error, error) {
	errs := make([]error, len(keys))
	err := r.write(ctx, "cancel_leases", false, func(now time.Time) error {
		b := &cancelLeasesRecord{}
		for i, k := range keys {
			if err := r.cancelOne(k, now); err != nil {
				errs[i] = err
				continue
			}
			b.Keys = append(b.Keys, k)
		}
		if len(b.Keys) > 0 {
			r.logRecord(recCancelLeases, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return errs, nil
}

func (r *registry) cancelOne(k LeaseKey, now time.Time) error {
	switch k.Kind {
	case LeaseService:
		if _, err := r.serviceByLease(k.ServiceID, k.LeaseID, now); err != nil {
			return err
		}
		r.applyCancelService(&serviceLeaseRecord{ServiceID: k.ServiceID, LeaseID: k.LeaseID})
	case LeaseEvent:
		if _, err := r.eventByLease(k.EventID, k.LeaseID, now); err != nil {
			return err
		}
		r.applyCancelEvent(&eventLeaseRecord{EventID: k.EventID, LeaseID: k.LeaseID})
	default:
		return illegal("unknown lease kind %d", k.Kind)
	}
	return nil
}

// cancelGoneListener 监听者已不存在时取消其事件租约，与普通取消一样写日志
func (r *registry) cancelGoneListener(id EventID, lease LeaseID) {
	err := r.write(context.Background(), "cancel_gone_listener", false, func(now time.Time) error {
		ev, ok := r.events[id]
		if !ok || ev.leaseID != lease {
			return nil
		}
		b := &eventLeaseRecord{EventID: id, LeaseID: lease}
		r.applyCancelEvent(b)
		r.logRecord(recCancelEvent, b)
		return nil
	})
	if err != nil {
		if !xerrors.Is(err, ErrRegistryClosed) {
			r.logger.Warn("cancel event lease of gone listener failed", clog.Int64("event_id", id), clog.Error(err))
		}
		return
	}
	r.logger.Info("event lease cancelled, listener gone", clog.Int64("event_id", id))
}
