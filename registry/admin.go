package registry

import (
	"context"
	"slices"
	"time"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/internal/wal"
	"github.com/ceyewan/lookupd/xerrors"
)

// Identity 返回当前身份快照
func (r *registry) Identity() Identity {
	r.gate.RLock()
	defer r.gate.RUnlock()
	return Identity{
		ServiceID:    r.state.RegistryID,
		MemberGroups: slices.Clone(r.state.MemberGroups),
		UnicastPort:  r.state.UnicastPort,
	}
}

func (r *registry) Stats() Stats {
	r.gate.RLock()
	defer r.gate.RUnlock()
	types, classes := r.cat.Len()
	st := Stats{
		Services:        len(r.services),
		Events:          len(r.events),
		Types:           types,
		Classes:         classes,
		MaxServiceLease: r.maxServiceLease,
		MaxEventLease:   r.maxEventLease,
	}
	if r.storage != nil {
		st.LogRecords = r.storage.Count()
	}
	return st
}

// getter 在读许可下读取一个标量
func getter[T any](r *registry, fn func() T) T {
	r.gate.RLock()
	defer r.gate.RUnlock()
	return fn()
}

func (r *registry) MemberGroups() []string {
	return getter(r, func() []string { return slices.Clone(r.state.MemberGroups) })
}

func (r *registry) SetMemberGroups(ctx context.Context, groups []string) error {
	return r.setMemberGroups(ctx, "set_member_groups", func([]string) []string {
		return dedupeStrings(groups)
	})
}

func (r *registry) AddMemberGroups(ctx context.Context, groups []string) error {
	return r.setMemberGroups(ctx, "add_member_groups", func(cur []string) []string {
		return dedupeStrings(append(slices.Clone(cur), groups...))
	})
}

func (r *registry) RemoveMemberGroups(ctx context.Context, groups []string) error {
	return r.setMemberGroups(ctx, "remove_member_groups", func(cur []string) []string {
		return slices.DeleteFunc(slices.Clone(cur), func(g string) bool {
			return slices.Contains(groups, g)
		})
	})
}

func (r *registry) setMemberGroups(ctx context.Context, op string, update func(cur []string) []string) error {
	err := r.write(ctx, op, false, func(time.Time) error {
		b := &stringsRecord{Values: update(r.state.MemberGroups)}
		r.applyStrings(recSetMemberGroups, b)
		r.logRecord(recSetMemberGroups, b)
		return nil
	})
	if err == nil {
		r.publishIdentity()
	}
	return err
}

func (r *registry) LookupGroups() []string {
	return getter(r, func() []string { return slices.Clone(r.state.LookupGroups) })
}

func (r *registry) SetLookupGroups(ctx context.Context, groups []string) error {
	return r.write(ctx, "set_lookup_groups", false, func(time.Time) error {
		b := &stringsRecord{Values: dedupeStrings(groups)}
		r.applyStrings(recSetLookupGroups, b)
		r.logRecord(recSetLookupGroups, b)
		return nil
	})
}

func (r *registry) LookupLocators() []string {
	return getter(r, func() []string { return slices.Clone(r.state.LookupLocators) })
}

func (r *registry) SetLookupLocators(ctx context.Context, locators []string) error {
	if slices.Contains(locators, "") {
		return illegal("empty lookup locator")
	}
	return r.write(ctx, "set_lookup_locators", false, func(time.Time) error {
		b := &stringsRecord{Values: dedupeStrings(locators)}
		r.applyStrings(recSetLookupLocators, b)
		r.logRecord(recSetLookupLocators, b)
		return nil
	})
}

func (r *registry) UnicastPort() int {
	return getter(r, func() int { return r.state.UnicastPort })
}

// SetUnicastPort 0 表示默认端口
func (r *registry) SetUnicastPort(ctx context.Context, port int) error {
	if port < 0 || port > 65535 {
		return illegal("unicast port %d out of range", port)
	}
	if port == 0 {
		port = DefaultUnicastPort
	}
	err := r.setInt(ctx, "set_unicast_port", recSetUnicastPort, int64(port))
	if err == nil {
		r.publishIdentity()
	}
	return err
}

func (r *registry) MinMaxServiceLease() time.Duration {
	return getter(r, func() time.Duration { return r.state.MinMaxServiceLease })
}

func (r *registry) SetMinMaxServiceLease(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return illegal("min max service lease must be positive, got %s", d)
	}
	return r.setInt(ctx, "set_min_max_service_lease", recSetMinMaxServiceLease, int64(d))
}

func (r *registry) MinMaxEventLease() time.Duration {
	return getter(r, func() time.Duration { return r.state.MinMaxEventLease })
}

func (r *registry) SetMinMaxEventLease(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return illegal("min max event lease must be positive, got %s", d)
	}
	return r.setInt(ctx, "set_min_max_event_lease", recSetMinMaxEventLease, int64(d))
}

func (r *registry) MinRenewalInterval() time.Duration {
	return getter(r, func() time.Duration { return r.state.MinRenewalInterval })
}

func (r *registry) SetMinRenewalInterval(ctx context.Context, d time.Duration) error {
	if d < 0 {
		return illegal("negative min renewal interval %s", d)
	}
	return r.setInt(ctx, "set_min_renewal_interval", recSetMinRenewalInterval, int64(d))
}

func (r *registry) SnapshotWeight() float64 {
	return getter(r, func() float64 { return r.state.SnapshotWeight })
}

func (r *registry) SetSnapshotWeight(ctx context.Context, w float64) error {
	if w < 0 {
		return illegal("negative snapshot weight %v", w)
	}
	return r.write(ctx, "set_snapshot_weight", false, func(time.Time) error {
		b := &floatRecord{Value: w}
		r.applySnapshotWeight(b)
		r.logRecord(recSetSnapshotWeight, b)
		return nil
	})
}

func (r *registry) SnapshotThreshold() int {
	return getter(r, func() int { return r.state.SnapshotThreshold })
}

func (r *registry) SetSnapshotThreshold(ctx context.Context, n int) error {
	if n < 0 {
		return illegal("negative snapshot threshold %d", n)
	}
	return r.setInt(ctx, "set_snapshot_threshold", recSetSnapshotThreshold, int64(n))
}

func (r *registry) setInt(ctx context.Context, op string, kind recordKind, v int64) error {
	return r.write(ctx, op, false, func(time.Time) error {
		b := &intRecord{Value: v}
		r.applyInt(kind, b)
		r.logRecord(kind, b)
		return nil
	})
}

func (r *registry) StorageLocation() string {
	return getter(r, func() string {
		if r.storage == nil {
			return ""
		}
		return r.storage.Dir()
	})
}

// SetStorageLocation 将当前状态快照到 dir 并删除旧目录。
// 未启用持久化的 registry 调用后开始持久化。
func (r *registry) SetStorageLocation(ctx context.Context, dir string) error {
	if dir == "" {
		return illegal("empty storage location")
	}
	err := r.write(ctx, "set_storage_location", false, func(time.Time) error {
		if r.storage != nil {
			return r.storage.Relocate(dir, r.writeSnapshot)
		}
		opts := []wal.Option{wal.WithLogger(r.logger)}
		if r.cfg.NoFsync {
			opts = append(opts, wal.WithoutFsync())
		}
		st, err := wal.Open(dir, formatVersion, opts...)
		if err != nil {
			return err
		}
		if err := st.Snapshot(r.writeSnapshot); err != nil {
			st.Close()
			return err
		}
		r.storage = st
		r.wg.Add(1)
		go r.snapshotLoop()
		return nil
	})
	if err != nil {
		return xerrors.Wrapf(err, "relocate storage to %s", dir)
	}
	r.logger.Info("storage relocated", clog.String("storage_dir", dir))
	return nil
}
