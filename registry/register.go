package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/lookupd/catalog"
)

func (r *registry) Register(ctx context.Context, item *ServiceItem, dur time.Duration) (*Registration, error) {
	it, err := normalizeItem(item)
	if err != nil {
		return nil, err
	}

	var out *Registration
	err = r.write(ctx, "register", false, func(now time.Time) error {
		d, err := grantDuration(dur, r.maxServiceLease)
		if err != nil {
			return err
		}
		if it.ServiceID == uuid.Nil {
			it.ServiceID = r.newServiceID()
		}
		b := &registerRecord{Item: it, LeaseID: uuid.New(), Expiration: now.Add(d).UnixNano()}
		if err := r.applyRegister(b); err != nil {
			return err
		}
		r.logRecord(recRegister, b)
		out = &Registration{ServiceID: it.ServiceID, LeaseID: b.LeaseID, Expiration: fromUnixNano(b.Expiration)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// newServiceID 分配一个未被占用的服务 ID
func (r *registry) newServiceID() ServiceID {
	for {
		id := uuid.New()
		if _, taken := r.services[id]; !taken && id != r.state.RegistryID {
			return id
		}
	}
}

func (r *registry) AddAttributes(ctx context.Context, id ServiceID, lease LeaseID, attrs []*Entry) error {
	es, err := normalizeEntries(attrs, false)
	if err != nil {
		return err
	}
	return r.write(ctx, "add_attributes", false, func(now time.Time) error {
		if _, err := r.serviceByLease(id, lease, now); err != nil {
			return err
		}
		b := &attrsRecord{ServiceID: id, LeaseID: lease, Attrs: es}
		if err := r.applyAddAttrs(b); err != nil {
			return err
		}
		r.logRecord(recAddAttrs, b)
		return nil
	})
}

func (r *registry) SetAttributes(ctx context.Context, id ServiceID, lease LeaseID, attrs []*Entry) error {
	es, err := normalizeEntries(attrs, false)
	if err != nil {
		return err
	}
	return r.write(ctx, "set_attributes", false, func(now time.Time) error {
		if _, err := r.serviceByLease(id, lease, now); err != nil {
			return err
		}
		b := &attrsRecord{ServiceID: id, LeaseID: lease, Attrs: es}
		if err := r.applySetAttrs(b); err != nil {
			return err
		}
		r.logRecord(recSetAttrs, b)
		return nil
	})
}

// ModifyAttributes 对每个与 tmpls[i] 匹配的属性集应用 changes[i]：
// changes[i] 为 nil 时删除，否则用其非空字段覆盖。changes[i] 的类必须等于 tmpls[i] 的类或是其父类。
func (r *registry) ModifyAttributes(ctx context.Context, id ServiceID, lease LeaseID, tmpls, changes []*Entry) error {
	if len(tmpls) != len(changes) {
		return illegal("%d templates but %d changes", len(tmpls), len(changes))
	}
	ts, err := normalizeEntries(tmpls, false)
	if err != nil {
		return err
	}
	cs, err := normalizeEntries(changes, true)
	if err != nil {
		return err
	}
	for i, c := range cs {
		if c != nil && !descAssignable(ts[i].Class, c.Class) {
			return illegal("change class %s is not %s or a superclass of it", c.Class.Name, ts[i].Class.Name)
		}
	}

	return r.write(ctx, "modify_attributes", false, func(now time.Time) error {
		if _, err := r.serviceByLease(id, lease, now); err != nil {
			return err
		}
		b := &modifyAttrsRecord{ServiceID: id, LeaseID: lease, Templates: ts, Changes: cs}
		if err := r.applyModifyAttrs(b); err != nil {
			return err
		}
		r.logRecord(recModifyAttrs, b)
		return nil
	})
}

// descAssignable 报告描述 c 是否等于 u 或是 u 的子类
func descAssignable(c, u *catalog.ClassDesc) bool {
	for x := c; x != nil; x = x.Super {
		if x.Name == u.Name {
			return true
		}
	}
	return false
}
