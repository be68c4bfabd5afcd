package registry

import (
	"context"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/metrics"
	"github.com/ceyewan/lookupd/xerrors"
)

// writeSnapshot 快照内容：标量状态、每个服务注册、终止符、每个事件注册、终止符。
// 调用方持有读许可。
func (r *registry) writeSnapshot(enc *msgpack.Encoder) error {
	if err := enc.Encode(&r.state); err != nil {
		return err
	}
	for _, reg := range r.services {
		if err := enc.EncodeBool(true); err != nil {
			return err
		}
		b := &registerRecord{Item: reg.item(), LeaseID: reg.leaseID, Expiration: reg.expiration.UnixNano()}
		if err := enc.Encode(b); err != nil {
			return err
		}
	}
	if err := enc.EncodeBool(false); err != nil {
		return err
	}
	for _, ev := range r.events {
		if err := enc.EncodeBool(true); err != nil {
			return err
		}
		b := &notifyRecord{
			EventID:    ev.id,
			LeaseID:    ev.leaseID,
			Template:   ev.raw,
			Mask:       ev.mask,
			Listener:   ev.listener,
			Handback:   ev.handback,
			Expiration: ev.expiration.UnixNano(),
			SeqNo:      ev.seqNo,
		}
		if err := enc.Encode(b); err != nil {
			return err
		}
	}
	return enc.EncodeBool(false)
}

// readSnapshot 在恢复模式下载入快照
func (r *registry) readSnapshot(dec *msgpack.Decoder) error {
	var st scalars
	if err := dec.Decode(&st); err != nil {
		return xerrors.Wrap(err, "decode snapshot header")
	}
	r.state = st

	for {
		more, err := dec.DecodeBool()
		if err != nil {
			return xerrors.Wrap(err, "decode snapshot")
		}
		if !more {
			break
		}
		var b registerRecord
		if err := dec.Decode(&b); err != nil {
			return xerrors.Wrap(err, "decode service registration")
		}
		if err := renormalizeItem(&b); err != nil {
			return err
		}
		if err := r.applyRegister(&b); err != nil {
			return err
		}
	}

	for {
		more, err := dec.DecodeBool()
		if err != nil {
			return xerrors.Wrap(err, "decode snapshot")
		}
		if !more {
			return nil
		}
		var b notifyRecord
		if err := dec.Decode(&b); err != nil {
			return xerrors.Wrap(err, "decode event registration")
		}
		tmpl, err := normalizeTemplate(b.Template)
		if err != nil {
			return err
		}
		b.Template = tmpl
		if err := r.applyNotify(&b); err != nil {
			return err
		}
	}
}

// recover 载入快照并回放日志。恢复期间不产生事件、不驱逐描述、不重算最长租约；
// 结束后序号整体抬高 SeqNoBump，清理零引用描述。
func (r *registry) recover() error {
	r.recovering = true
	r.cat.SetRecovering(true)
	found, err := r.storage.Recover(r.readSnapshot, r.applyRecord)
	r.recovering = false
	r.cat.SetRecovering(false)
	if err != nil {
		return xerrors.Wrapf(err, "recover from %s", r.storage.Dir())
	}
	if !found {
		r.logger.Info("no persisted state, starting fresh", clog.String("storage_dir", r.storage.Dir()))
		return nil
	}

	for _, ev := range r.events {
		ev.seqNo += SeqNoBump
	}
	evicted := r.cat.Collect()
	r.logger.Info("state recovered",
		clog.String("storage_dir", r.storage.Dir()),
		clog.Int("services", len(r.services)),
		clog.Int("events", len(r.events)),
		clog.Int("log_records", r.storage.Count()),
		clog.Int("descriptors_evicted", evicted))
	return nil
}

// snapshotLoop 被唤醒后在读许可下写快照
func (r *registry) snapshotLoop() {
	defer r.wg.Done()
	for {
		if !r.sleep(r.snapWake, 0) {
			return
		}
		r.takeSnapshot()
	}
}

func (r *registry) takeSnapshot() {
	r.gate.RLock()
	dir := r.storage.Dir()
	err := r.storage.Snapshot(r.writeSnapshot)
	r.gate.RUnlock()

	r.m.snapshots.Inc(context.Background(), metrics.L(metrics.LabelOutcome, metrics.Outcome(err)))
	if err != nil {
		r.logger.Error("snapshot failed", clog.Error(err))
		return
	}
	r.logger.Debug("snapshot taken", clog.String("storage_dir", dir))
}
