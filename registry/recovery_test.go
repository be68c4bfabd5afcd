package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStored(t *testing.T, dir string, opts ...Option) *registry {
	t.Helper()
	return newTestRegistry(t, &Config{StorageDir: dir, NoFsync: true}, opts...)
}

func TestRecoverState(t *testing.T) {
	dir := t.TempDir()
	res := newStaticResolver()
	res.add("l1")
	ctx := context.Background()

	r := openStored(t, dir, WithResolver(res))
	registryID := r.Identity().ServiceID
	svc := register(t, r, &ServiceItem{
		Type:       laserType,
		Codebase:   "http://repo",
		Attributes: []*Entry{name("a"), location(1, 2.5)},
	})
	other := register(t, r, &ServiceItem{Type: scannerType})
	require.NoError(t, r.ModifyAttributes(ctx, svc.ServiceID, svc.LeaseID,
		[]*Entry{location(nil, nil)}, []*Entry{location(3, nil)}))
	require.NoError(t, r.CancelServiceLease(ctx, other.ServiceID, other.LeaseID))
	ev, err := r.Notify(ctx, types(printerType), transitionAll, "l1", []byte("hb"), LeaseAny)
	require.NoError(t, err)
	require.NoError(t, r.SetMemberGroups(ctx, []string{"blue", "green"}))
	require.NoError(t, r.SetUnicastPort(ctx, 5160))
	require.NoError(t, r.SetMinMaxServiceLease(ctx, 10*time.Minute))
	require.NoError(t, r.SetSnapshotWeight(ctx, 2.5))
	require.NoError(t, r.Close())

	rec := res.add("l1")
	r2 := openStored(t, dir, WithResolver(res))
	assert.Equal(t, registryID, r2.Identity().ServiceID)
	assert.Equal(t, []string{"blue", "green"}, r2.MemberGroups())
	assert.Equal(t, 5160, r2.UnicastPort())
	assert.Equal(t, 10*time.Minute, r2.MinMaxServiceLease())
	assert.Equal(t, 2.5, r2.SnapshotWeight())

	st := r2.Stats()
	assert.Equal(t, 1, st.Services)
	assert.Equal(t, 1, st.Events)

	id := svc.ServiceID
	item, err := r2.Lookup(ctx, &Template{ServiceID: &id})
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "http://repo", item.Codebase)
	require.Len(t, item.Attributes, 2)
	assert.Equal(t, []any{int64(3), 2.5}, item.Attributes[1].Fields)

	_, err = r2.RenewServiceLease(ctx, svc.ServiceID, svc.LeaseID, LeaseAny)
	assert.NoError(t, err)
	_, err = r2.RenewEventLease(ctx, ev.EventID, ev.LeaseID, LeaseAny)
	assert.NoError(t, err)

	// 恢复后序号整体抬高
	require.NoError(t, r2.AddAttributes(ctx, svc.ServiceID, svc.LeaseID, []*Entry{name("b")}))
	got := waitEvents(t, rec, 1)
	assert.Equal(t, ev.EventID, got[0].EventID)
	assert.Greater(t, got[0].SeqNo, SeqNoBump)
	assert.Equal(t, []byte("hb"), got[0].Handback)

	// 新的事件 ID 不与恢复的重复
	next, err := r2.Notify(ctx, nil, TransitionNoMatchMatch, "l1", nil, LeaseAny)
	require.NoError(t, err)
	assert.Greater(t, next.EventID, ev.EventID)
}

func TestRecoverFromSnapshotAndLog(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	r := openStored(t, dir)
	a := register(t, r, &ServiceItem{Type: laserType, Attributes: []*Entry{name("a")}})
	r.takeSnapshot()
	b := register(t, r, &ServiceItem{Type: laserType, Attributes: []*Entry{name("b")}})
	require.NoError(t, r.SetAttributes(ctx, a.ServiceID, a.LeaseID, []*Entry{name("a2")}))
	require.NoError(t, r.Close())

	r2 := openStored(t, dir)
	m, err := r2.LookupMany(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Total)

	item, err := r2.Lookup(ctx, &Template{Attributes: []*Entry{name("a2")}})
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, a.ServiceID, item.ServiceID)

	item, err = r2.Lookup(ctx, &Template{Attributes: []*Entry{name("b")}})
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, b.ServiceID, item.ServiceID)
}

func TestRecoverDropsLeasesExpiredWhileDown(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	ctx := context.Background()

	r := openStored(t, dir, WithClock(clock.Now))
	_, err := r.Register(ctx, &ServiceItem{Type: laserType}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	clock.Advance(time.Hour)
	r2 := openStored(t, dir, WithClock(clock.Now))
	item, err := r2.Lookup(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, item)
	r2.expireServices()
	assert.Zero(t, r2.Stats().Services)
}

func TestAutomaticSnapshot(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, &Config{StorageDir: dir, NoFsync: true, SnapshotThreshold: 5, SnapshotWeight: 1})
	for range 10 {
		register(t, r, &ServiceItem{Type: laserType})
	}
	require.Eventually(t, func() bool { return r.Stats().LogRecords < 10 }, 2*time.Second, 10*time.Millisecond)
}

func TestSetStorageLocation(t *testing.T) {
	root := t.TempDir()
	oldDir, newDir := filepath.Join(root, "a"), filepath.Join(root, "b")
	ctx := context.Background()

	r := openStored(t, oldDir)
	register(t, r, &ServiceItem{Type: laserType})
	require.NoError(t, r.SetStorageLocation(ctx, newDir))
	assert.Equal(t, newDir, r.StorageLocation())
	register(t, r, &ServiceItem{Type: laserType})
	require.NoError(t, r.Close())

	_, err := os.Stat(oldDir)
	assert.True(t, os.IsNotExist(err))

	r2 := openStored(t, newDir)
	assert.Equal(t, 2, r2.Stats().Services)
}

func TestSetStorageLocationWithoutStorage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "late")
	ctx := context.Background()

	r := newTestRegistry(t, nil)
	register(t, r, &ServiceItem{Type: laserType})
	require.NoError(t, r.SetStorageLocation(ctx, dir))
	register(t, r, &ServiceItem{Type: laserType})
	require.NoError(t, r.Close())

	r2 := openStored(t, dir)
	assert.Equal(t, 2, r2.Stats().Services)

	assert.ErrorIs(t, r2.SetStorageLocation(ctx, ""), ErrIllegalArgument)
}

func TestSetStorageLocationNested(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	nested := filepath.Join(dir, "v2")

	r := openStored(t, dir)
	register(t, r, &ServiceItem{Type: laserType})
	require.NoError(t, r.SetStorageLocation(context.Background(), nested))
	register(t, r, &ServiceItem{Type: laserType})
	require.NoError(t, r.Close())

	r2 := openStored(t, nested)
	assert.Equal(t, 2, r2.Stats().Services)
	assert.Equal(t, nested, r2.StorageLocation())
}

func TestSetStorageLocationRacesClose(t *testing.T) {
	for i := range 20 {
		r := newTestRegistry(t, nil)
		dir := filepath.Join(t.TempDir(), fmt.Sprintf("late-%d", i))

		done := make(chan error, 1)
		go func() { done <- r.SetStorageLocation(context.Background(), dir) }()
		require.NoError(t, r.Close())

		if err := <-done; err != nil {
			assert.ErrorIs(t, err, ErrRegistryClosed)
		}
		require.NoError(t, r.Close())
	}
}

func TestDestroy(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	r := openStored(t, dir)
	register(t, r, &ServiceItem{Type: laserType})
	require.NoError(t, r.Destroy(context.Background()))

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	_, err = r.Lookup(context.Background(), nil)
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestAdminValidation(t *testing.T) {
	var seen []Identity
	r := newTestRegistry(t, nil, WithIdentityObserver(func(id Identity) { seen = append(seen, id) }))
	ctx := context.Background()

	assert.Equal(t, []string{""}, r.MemberGroups())
	require.NoError(t, r.AddMemberGroups(ctx, []string{"a", "b", "a"}))
	assert.Equal(t, []string{"", "a", "b"}, r.MemberGroups())
	require.NoError(t, r.RemoveMemberGroups(ctx, []string{"", "b"}))
	assert.Equal(t, []string{"a"}, r.MemberGroups())

	require.NoError(t, r.SetLookupGroups(ctx, []string{"x"}))
	assert.Equal(t, []string{"x"}, r.LookupGroups())
	require.NoError(t, r.SetLookupLocators(ctx, []string{"lookup://host:4160"}))
	assert.Equal(t, []string{"lookup://host:4160"}, r.LookupLocators())
	assert.ErrorIs(t, r.SetLookupLocators(ctx, []string{""}), ErrIllegalArgument)

	assert.ErrorIs(t, r.SetUnicastPort(ctx, 70000), ErrIllegalArgument)
	require.NoError(t, r.SetUnicastPort(ctx, 0))
	assert.Equal(t, DefaultUnicastPort, r.UnicastPort())

	assert.ErrorIs(t, r.SetMinMaxServiceLease(ctx, 0), ErrIllegalArgument)
	assert.ErrorIs(t, r.SetMinMaxEventLease(ctx, -time.Second), ErrIllegalArgument)
	assert.ErrorIs(t, r.SetMinRenewalInterval(ctx, -time.Second), ErrIllegalArgument)
	assert.ErrorIs(t, r.SetSnapshotWeight(ctx, -1), ErrIllegalArgument)
	assert.ErrorIs(t, r.SetSnapshotThreshold(ctx, -1), ErrIllegalArgument)

	require.NoError(t, r.SetMinMaxEventLease(ctx, time.Hour))
	assert.Equal(t, time.Hour, r.Stats().MaxEventLease)
	require.NoError(t, r.SetSnapshotThreshold(ctx, 7))
	assert.Equal(t, 7, r.SnapshotThreshold())

	require.NotEmpty(t, seen)
	last := seen[len(seen)-1]
	assert.Equal(t, []string{"a"}, last.MemberGroups)
	assert.Equal(t, DefaultUnicastPort, last.UnicastPort)
	assert.Equal(t, r.Identity().ServiceID, last.ServiceID)
}
