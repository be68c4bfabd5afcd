package registry

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/internal/wal"
	"github.com/ceyewan/lookupd/metrics"
	"github.com/ceyewan/lookupd/xerrors"
)

// recordKind 日志记录类别，数值写入磁盘，只能追加不能重排
type recordKind uint8

const (
	recRegister recordKind = iota + 1
	recAddAttrs
	recModifyAttrs
	recSetAttrs
	recCancelService
	recRenewService
	recNotify
	recCancelEvent
	recRenewEvent
	recRenewLeases
	recCancelLeases
	recSetMemberGroups
	recSetLookupGroups
	recSetLookupLocators
	recSetUnicastPort
	recSetMinMaxServiceLease
	recSetMinMaxEventLease
	recSetMinRenewalInterval
	recSetSnapshotWeight
	recSetSnapshotThreshold
)

var recordNames = map[recordKind]string{
	recRegister:              "register",
	recAddAttrs:              "add_attributes",
	recModifyAttrs:           "modify_attributes",
	recSetAttrs:              "set_attributes",
	recCancelService:         "cancel_service_lease",
	recRenewService:          "renew_service_lease",
	recNotify:                "notify",
	recCancelEvent:           "cancel_event_lease",
	recRenewEvent:            "renew_event_lease",
	recRenewLeases:           "renew_leases",
	recCancelLeases:          "cancel_leases",
	recSetMemberGroups:       "set_member_groups",
	recSetLookupGroups:       "set_lookup_groups",
	recSetLookupLocators:     "set_lookup_locators",
	recSetUnicastPort:        "set_unicast_port",
	recSetMinMaxServiceLease: "set_min_max_service_lease",
	recSetMinMaxEventLease:   "set_min_max_event_lease",
	recSetMinRenewalInterval: "set_min_renewal_interval",
	recSetSnapshotWeight:     "set_snapshot_weight",
	recSetSnapshotThreshold:  "set_snapshot_threshold",
}

func (k recordKind) String() string {
	if name, ok := recordNames[k]; ok {
		return name
	}
	return "unknown"
}

// record 日志信封
type record struct {
	Kind recordKind         `msgpack:"k"`
	Body msgpack.RawMessage `msgpack:"b"`
}

// 记录体。所有时间都是绝对时间（UnixNano），回放不读时钟也不取随机数。

type registerRecord struct {
	Item       *ServiceItem `msgpack:"item"`
	LeaseID    LeaseID      `msgpack:"lease"`
	Expiration int64        `msgpack:"exp"`
}

type attrsRecord struct {
	ServiceID ServiceID `msgpack:"id"`
	LeaseID   LeaseID   `msgpack:"lease"`
	Attrs     []*Entry  `msgpack:"attrs"`
}

type modifyAttrsRecord struct {
	ServiceID ServiceID `msgpack:"id"`
	LeaseID   LeaseID   `msgpack:"lease"`
	Templates []*Entry  `msgpack:"tmpls"`
	Changes   []*Entry  `msgpack:"changes"`
}

type serviceLeaseRecord struct {
	ServiceID  ServiceID `msgpack:"id"`
	LeaseID    LeaseID   `msgpack:"lease"`
	Expiration int64     `msgpack:"exp,omitempty"`
}

type notifyRecord struct {
	EventID    EventID    `msgpack:"id"`
	LeaseID    LeaseID    `msgpack:"lease"`
	Template   *Template  `msgpack:"tmpl"`
	Mask       Transition `msgpack:"mask"`
	Listener   string     `msgpack:"listener"`
	Handback   []byte     `msgpack:"handback,omitempty"`
	Expiration int64      `msgpack:"exp"`
	SeqNo      int64      `msgpack:"seq,omitempty"`
}

type eventLeaseRecord struct {
	EventID    EventID `msgpack:"id"`
	LeaseID    LeaseID `msgpack:"lease"`
	Expiration int64   `msgpack:"exp,omitempty"`
}

type renewLeasesRecord struct {
	Keys        []LeaseKey `msgpack:"keys"`
	Expirations []int64    `msgpack:"exps"`
}

type cancelLeasesRecord struct {
	Keys []LeaseKey `msgpack:"keys"`
}

type stringsRecord struct {
	Values []string `msgpack:"values"`
}

type intRecord struct {
	Value int64 `msgpack:"value"`
}

type floatRecord struct {
	Value float64 `msgpack:"value"`
}

func encodeRecord(kind recordKind, body any) ([]byte, error) {
	raw, err := msgpack.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrapf(err, "encode %s record", kind)
	}
	return msgpack.Marshal(&record{Kind: kind, Body: raw})
}

// logRecord 追加日志。失败只记录和计数，内存状态仍然是权威。
func (r *registry) logRecord(kind recordKind, body any) {
	if r.storage == nil || r.recovering {
		return
	}
	data, err := encodeRecord(kind, body)
	if err == nil {
		err = r.storage.Append(data)
	}
	r.m.appends.Inc(context.Background(),
		metrics.L(metrics.LabelKind, kind.String()),
		metrics.L(metrics.LabelOutcome, metrics.Outcome(err)))
	if err != nil {
		r.logger.Error("append log record failed", clog.String("kind", kind.String()), clog.Error(err))
		return
	}
	if r.snapshotDue() {
		r.snapWake.Notify()
	}
}

func (r *registry) snapshotDue() bool {
	n := r.storage.Count()
	live := float64(len(r.services) + len(r.events))
	return n >= r.state.SnapshotThreshold && float64(n) >= r.state.SnapshotWeight*live
}

func decodeBody[T any](raw msgpack.RawMessage, apply func(*T) error) error {
	var body T
	if err := msgpack.Unmarshal(raw, &body); err != nil {
		return xerrors.Wrapf(wal.ErrCorrupt, "decode record body: %v", err)
	}
	return apply(&body)
}

func ignoreErr[T any](apply func(*T)) func(*T) error {
	return func(b *T) error {
		apply(b)
		return nil
	}
}

// applyRecord 回放一条日志记录
func (r *registry) applyRecord(data []byte) error {
	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return xerrors.Wrapf(wal.ErrCorrupt, "decode record: %v", err)
	}
	switch rec.Kind {
	case recRegister:
		return decodeBody(rec.Body, func(b *registerRecord) error {
			if err := renormalizeItem(b); err != nil {
				return err
			}
			return r.applyRegister(b)
		})
	case recAddAttrs:
		return decodeBody(rec.Body, func(b *attrsRecord) error {
			if err := renormalize(&b.Attrs, false); err != nil {
				return err
			}
			return r.applyAddAttrs(b)
		})
	case recSetAttrs:
		return decodeBody(rec.Body, func(b *attrsRecord) error {
			if err := renormalize(&b.Attrs, false); err != nil {
				return err
			}
			return r.applySetAttrs(b)
		})
	case recModifyAttrs:
		return decodeBody(rec.Body, func(b *modifyAttrsRecord) error {
			if err := renormalize(&b.Templates, false); err != nil {
				return err
			}
			if err := renormalize(&b.Changes, true); err != nil {
				return err
			}
			return r.applyModifyAttrs(b)
		})
	case recCancelService:
		return decodeBody(rec.Body, ignoreErr(r.applyCancelService))
	case recRenewService:
		return decodeBody(rec.Body, ignoreErr(r.applyRenewService))
	case recNotify:
		return decodeBody(rec.Body, func(b *notifyRecord) error {
			tmpl, err := normalizeTemplate(b.Template)
			if err != nil {
				return err
			}
			b.Template = tmpl
			return r.applyNotify(b)
		})
	case recCancelEvent:
		return decodeBody(rec.Body, ignoreErr(r.applyCancelEvent))
	case recRenewEvent:
		return decodeBody(rec.Body, ignoreErr(r.applyRenewEvent))
	case recRenewLeases:
		return decodeBody(rec.Body, ignoreErr(r.applyRenewLeases))
	case recCancelLeases:
		return decodeBody(rec.Body, ignoreErr(r.applyCancelLeases))
	case recSetMemberGroups, recSetLookupGroups, recSetLookupLocators:
		return decodeBody(rec.Body, func(b *stringsRecord) error {
			r.applyStrings(rec.Kind, b)
			return nil
		})
	case recSetUnicastPort, recSetMinMaxServiceLease, recSetMinMaxEventLease, recSetMinRenewalInterval, recSetSnapshotThreshold:
		return decodeBody(rec.Body, func(b *intRecord) error {
			r.applyInt(rec.Kind, b)
			return nil
		})
	case recSetSnapshotWeight:
		return decodeBody(rec.Body, ignoreErr(r.applySnapshotWeight))
	default:
		return xerrors.Wrapf(wal.ErrCorrupt, "unknown record kind %d", rec.Kind)
	}
}

// msgpack 解码出的整数可能是 int8/uint16 等，需要重新规范化
func renormalize(es *[]*Entry, allowNil bool) error {
	out, err := normalizeEntries(*es, allowNil)
	if err != nil {
		return xerrors.Wrapf(wal.ErrCorrupt, "bad attributes in record: %v", err)
	}
	*es = out
	return nil
}

func renormalizeItem(b *registerRecord) error {
	item, err := normalizeItem(b.Item)
	if err != nil {
		return xerrors.Wrapf(wal.ErrCorrupt, "bad item in record: %v", err)
	}
	b.Item = item
	return nil
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n)
}

func (r *registry) applyRegister(b *registerRecord) error {
	typ, err := r.cat.ResolveType(b.Item.Type)
	if err != nil {
		r.collect()
		return illegalDescriptor(err)
	}
	attrs, err := r.resolveAttrs(b.Item.Attributes)
	if err != nil {
		r.collect()
		return err
	}

	reg := &svcReg{
		id:         b.Item.ServiceID,
		typ:        typ,
		codebase:   b.Item.Codebase,
		payload:    b.Item.Payload,
		attrs:      dedupeAttrs(attrs),
		leaseID:    b.LeaseID,
		expiration: fromUnixNano(b.Expiration),
	}

	// 已到期但尚未被清理的旧注册对外不可见，替换它等同于新建
	var pre *svcReg
	old, replacing := r.services[reg.id]
	if replacing {
		if old.live(r.now()) {
			snapshot := *old
			pre = &snapshot
		}
		r.unindexService(old)
	}
	r.addService(reg)
	if replacing {
		r.releaseService(old)
	}
	r.generateEvents(pre, reg)
	r.recomputeMaxLeases()
	return nil
}

func (r *registry) applyAddAttrs(b *attrsRecord) error {
	reg, ok := r.services[b.ServiceID]
	if !ok {
		return nil
	}
	add, err := r.resolveAttrs(b.Attrs)
	if err != nil {
		r.collect()
		return err
	}
	attrs := append([]*attrSet(nil), reg.attrs...)
	for _, a := range add {
		if !containsAttr(attrs, a) {
			attrs = append(attrs, a)
		}
	}
	r.updateAttrs(reg, attrs)
	return nil
}

func (r *registry) applySetAttrs(b *attrsRecord) error {
	reg, ok := r.services[b.ServiceID]
	if !ok {
		return nil
	}
	attrs, err := r.resolveAttrs(b.Attrs)
	if err != nil {
		r.collect()
		return err
	}
	r.updateAttrs(reg, dedupeAttrs(attrs))
	return nil
}

func (r *registry) applyModifyAttrs(b *modifyAttrsRecord) error {
	reg, ok := r.services[b.ServiceID]
	if !ok {
		return nil
	}
	if len(b.Templates) != len(b.Changes) {
		return illegal("%d templates but %d changes", len(b.Templates), len(b.Changes))
	}

	tmpls := make([]*attrSet, len(b.Templates))
	changes := make([]*attrSet, len(b.Changes))
	for i, e := range b.Templates {
		cl, err := r.cat.FindClass(e.Class)
		if err != nil {
			return err
		}
		if cl != nil {
			tmpls[i] = &attrSet{class: cl, fields: e.Fields}
		}
	}
	for i, e := range b.Changes {
		if e == nil {
			continue
		}
		a, err := r.resolveAttr(e)
		if err != nil {
			r.collect()
			return err
		}
		changes[i] = a
	}

	attrs := append([]*attrSet(nil), reg.attrs...)
	for i, t := range tmpls {
		if t == nil {
			continue
		}
		for j := 0; j < len(attrs); j++ {
			if !attrs[j].matches(t) {
				continue
			}
			if changes[i] == nil {
				attrs = append(attrs[:j], attrs[j+1:]...)
				j--
				continue
			}
			fields := append([]any(nil), attrs[j].fields...)
			for k, v := range changes[i].fields {
				if v != nil {
					fields[k] = v
				}
			}
			attrs[j] = &attrSet{class: attrs[j].class, fields: fields}
		}
	}
	r.updateAttrs(reg, dedupeAttrs(attrs))
	r.collect()
	return nil
}

// updateAttrs 替换属性并在内容变化时产生事件
func (r *registry) updateAttrs(reg *svcReg, attrs []*attrSet) {
	if attrsEqual(reg.attrs, attrs) {
		r.collect()
		return
	}
	pre := *reg
	r.replaceAttrs(reg, attrs)
	if reg.live(r.now()) {
		r.generateEvents(&pre, reg)
	}
}

func attrsEqual(a, b []*attrSet) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].equal(b[i]) {
			return false
		}
	}
	return true
}

func (r *registry) applyCancelService(b *serviceLeaseRecord) {
	reg, ok := r.services[b.ServiceID]
	if !ok || reg.leaseID != b.LeaseID {
		return
	}
	pre := *reg
	r.deleteService(reg)
	if pre.live(r.now()) {
		r.generateEvents(&pre, nil)
	}
	r.recomputeMaxLeases()
}

func (r *registry) applyRenewService(b *serviceLeaseRecord) {
	reg, ok := r.services[b.ServiceID]
	if !ok || reg.leaseID != b.LeaseID {
		return
	}
	r.setServiceExpiration(reg, fromUnixNano(b.Expiration))
}

func (r *registry) applyNotify(b *notifyRecord) error {
	mt, err := r.resolveTemplate(b.Template)
	if err != nil {
		r.collect()
		return err
	}
	r.holdTemplate(mt)
	r.addEvent(&eventReg{
		id:         b.EventID,
		leaseID:    b.LeaseID,
		tmpl:       mt,
		raw:        b.Template,
		mask:       b.Mask,
		seqNo:      b.SeqNo,
		listener:   b.Listener,
		handback:   b.Handback,
		expiration: fromUnixNano(b.Expiration),
	})
	if b.EventID >= r.state.NextEventID {
		r.state.NextEventID = b.EventID + 1
	}
	r.recomputeMaxLeases()
	return nil
}

func (r *registry) applyCancelEvent(b *eventLeaseRecord) {
	ev, ok := r.events[b.EventID]
	if !ok || ev.leaseID != b.LeaseID {
		return
	}
	r.dropEvent(ev)
	r.recomputeMaxLeases()
}

func (r *registry) applyRenewEvent(b *eventLeaseRecord) {
	ev, ok := r.events[b.EventID]
	if !ok || ev.leaseID != b.LeaseID {
		return
	}
	r.setEventExpiration(ev, fromUnixNano(b.Expiration))
}

func (r *registry) applyRenewLeases(b *renewLeasesRecord) {
	for i, k := range b.Keys {
		if i >= len(b.Expirations) {
			return
		}
		switch k.Kind {
		case LeaseService:
			r.applyRenewService(&serviceLeaseRecord{ServiceID: k.ServiceID, LeaseID: k.LeaseID, Expiration: b.Expirations[i]})
		case LeaseEvent:
			r.applyRenewEvent(&eventLeaseRecord{EventID: k.EventID, LeaseID: k.LeaseID, Expiration: b.Expirations[i]})
		}
	}
}

func (r *registry) applyCancelLeases(b *cancelLeasesRecord) {
	for _, k := range b.Keys {
		switch k.Kind {
		case LeaseService:
			r.applyCancelService(&serviceLeaseRecord{ServiceID: k.ServiceID, LeaseID: k.LeaseID})
		case LeaseEvent:
			r.applyCancelEvent(&eventLeaseRecord{EventID: k.EventID, LeaseID: k.LeaseID})
		}
	}
}

func (r *registry) applyStrings(kind recordKind, b *stringsRecord) {
	switch kind {
	case recSetMemberGroups:
		r.state.MemberGroups = b.Values
	case recSetLookupGroups:
		r.state.LookupGroups = b.Values
	case recSetLookupLocators:
		r.state.LookupLocators = b.Values
	}
}

func (r *registry) applyInt(kind recordKind, b *intRecord) {
	switch kind {
	case recSetUnicastPort:
		r.state.UnicastPort = int(b.Value)
	case recSetMinMaxServiceLease:
		r.state.MinMaxServiceLease = time.Duration(b.Value)
	case recSetMinMaxEventLease:
		r.state.MinMaxEventLease = time.Duration(b.Value)
	case recSetMinRenewalInterval:
		r.state.MinRenewalInterval = time.Duration(b.Value)
	case recSetSnapshotThreshold:
		r.state.SnapshotThreshold = int(b.Value)
	}
	r.recomputeMaxLeases()
}

func (r *registry) applySnapshotWeight(b *floatRecord) {
	r.state.SnapshotWeight = b.Value
}

// collect 清理失败操作遗留的零引用描述，恢复期间不清理
func (r *registry) collect() {
	if r.recovering {
		return
	}
	r.cat.Collect()
}
