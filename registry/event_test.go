package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/lookupd/xerrors"
)

func waitEvents(t *testing.T, rec *recorder, n int) []*RemoteEvent {
	t.Helper()
	require.Eventually(t, func() bool { return len(rec.received()) >= n }, 2*time.Second, 5*time.Millisecond)
	return rec.received()
}

func TestNotifyRejectsBadInput(t *testing.T) {
	res := newStaticResolver()
	res.add("l1")
	r := newTestRegistry(t, nil, WithResolver(res))
	ctx := context.Background()

	_, err := r.Notify(ctx, nil, 0, "l1", nil, LeaseAny)
	assert.ErrorIs(t, err, ErrIllegalArgument)
	_, err = r.Notify(ctx, nil, Transition(8), "l1", nil, LeaseAny)
	assert.ErrorIs(t, err, ErrIllegalArgument)
	_, err = r.Notify(ctx, nil, transitionAll, "", nil, LeaseAny)
	assert.ErrorIs(t, err, ErrIllegalArgument)
	_, err = r.Notify(ctx, nil, transitionAll, "missing", nil, LeaseAny)
	assert.ErrorIs(t, err, ErrIllegalArgument)
	_, err = r.Notify(ctx, &Template{Attributes: []*Entry{{Class: locationClass, Fields: []any{1}}}}, transitionAll, "l1", nil, LeaseAny)
	assert.ErrorIs(t, err, ErrIllegalArgument)

	bare := newTestRegistry(t, nil)
	_, err = bare.Notify(ctx, nil, transitionAll, "l1", nil, LeaseAny)
	assert.ErrorIs(t, err, ErrIllegalArgument)
}

func TestEventSequence(t *testing.T) {
	res := newStaticResolver()
	rec := res.add("l1")
	r := newTestRegistry(t, nil, WithResolver(res))
	ctx := context.Background()

	ev, err := r.Notify(ctx, types(printerType), transitionAll, "l1", []byte("hb"), LeaseAny)
	require.NoError(t, err)

	svc := register(t, r, &ServiceItem{Type: laserType, Attributes: []*Entry{name("a")}})
	require.NoError(t, r.AddAttributes(ctx, svc.ServiceID, svc.LeaseID, []*Entry{location(1, "101")}))
	// 属性未变化，不产生事件
	require.NoError(t, r.SetAttributes(ctx, svc.ServiceID, svc.LeaseID, []*Entry{name("a"), location(1, "101")}))
	register(t, r, &ServiceItem{Type: scannerType})
	require.NoError(t, r.CancelServiceLease(ctx, svc.ServiceID, svc.LeaseID))

	got := waitEvents(t, rec, 3)
	require.Len(t, got, 3)
	want := []Transition{TransitionNoMatchMatch, TransitionMatchMatch, TransitionMatchNoMatch}
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.SeqNo)
		assert.Equal(t, want[i], e.Transition)
		assert.Equal(t, ev.EventID, e.EventID)
		assert.Equal(t, svc.ServiceID, e.ServiceID)
		assert.Equal(t, r.Identity().ServiceID, e.RegistryID)
		assert.Equal(t, []byte("hb"), e.Handback)
	}
	require.NotNil(t, got[1].Item)
	assert.Len(t, got[1].Item.Attributes, 2)
	assert.Nil(t, got[2].Item)
}

func TestTransitionMask(t *testing.T) {
	res := newStaticResolver()
	rec := res.add("l1")
	r := newTestRegistry(t, nil, WithResolver(res))
	ctx := context.Background()

	_, err := r.Notify(ctx, &Template{Attributes: []*Entry{name("a")}}, TransitionMatchNoMatch, "l1", nil, LeaseAny)
	require.NoError(t, err)

	svc := register(t, r, &ServiceItem{Type: laserType, Attributes: []*Entry{name("a")}})
	// 属性变为不匹配
	require.NoError(t, r.SetAttributes(ctx, svc.ServiceID, svc.LeaseID, []*Entry{name("b")}))

	got := waitEvents(t, rec, 1)
	assert.Equal(t, TransitionMatchNoMatch, got[0].Transition)
	assert.Equal(t, int64(1), got[0].SeqNo)
	require.NotNil(t, got[0].Item)
	assert.Equal(t, "b", got[0].Item.Attributes[0].Fields[0])

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.received(), 1)
}

func TestEventsDeliveredInOrder(t *testing.T) {
	res := newStaticResolver()
	rec := res.add("l1")
	r := newTestRegistry(t, nil, WithResolver(res))
	ctx := context.Background()

	_, err := r.Notify(ctx, nil, TransitionNoMatchMatch, "l1", nil, LeaseAny)
	require.NoError(t, err)

	const n = 100
	for range n {
		register(t, r, &ServiceItem{Type: laserType})
	}
	got := waitEvents(t, rec, n)
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.SeqNo)
	}
}

func TestExpiryGeneratesEvent(t *testing.T) {
	clock := newFakeClock()
	res := newStaticResolver()
	rec := res.add("l1")
	r := newTestRegistry(t, nil, WithResolver(res), WithClock(clock.Now))
	ctx := context.Background()

	_, err := r.Notify(ctx, nil, TransitionMatchNoMatch, "l1", nil, LeaseAny)
	require.NoError(t, err)
	svc, err := r.Register(ctx, &ServiceItem{Type: laserType}, time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	r.expireServices()

	got := waitEvents(t, rec, 1)
	assert.Equal(t, TransitionMatchNoMatch, got[0].Transition)
	assert.Equal(t, svc.ServiceID, got[0].ServiceID)
	assert.Nil(t, got[0].Item)
}

func TestGoneListenerCancelsEventLease(t *testing.T) {
	res := newStaticResolver()
	rec := res.add("l1")
	rec.fail(xerrors.Wrap(ErrListenerGone, "410"))
	r := newTestRegistry(t, nil, WithResolver(res))
	ctx := context.Background()

	ev, err := r.Notify(ctx, nil, TransitionNoMatchMatch, "l1", nil, LeaseAny)
	require.NoError(t, err)
	register(t, r, &ServiceItem{Type: laserType})

	require.Eventually(t, func() bool { return r.Stats().Events == 0 }, 2*time.Second, 5*time.Millisecond)
	_, err = r.RenewEventLease(ctx, ev.EventID, ev.LeaseID, LeaseAny)
	assert.ErrorIs(t, err, ErrUnknownLease)
}

func TestFailingListenerKeepsLease(t *testing.T) {
	res := newStaticResolver()
	rec := res.add("l1")
	rec.fail(xerrors.New("connection refused"))
	r := newTestRegistry(t, nil, WithResolver(res))
	ctx := context.Background()

	ev, err := r.Notify(ctx, nil, TransitionNoMatchMatch, "l1", nil, LeaseAny)
	require.NoError(t, err)
	for range 10 {
		register(t, r, &ServiceItem{Type: laserType})
	}

	time.Sleep(50 * time.Millisecond)
	_, err = r.RenewEventLease(ctx, ev.EventID, ev.LeaseID, LeaseAny)
	assert.NoError(t, err)
	assert.Equal(t, 1, r.Stats().Events)
}

func TestTransitionString(t *testing.T) {
	assert.Equal(t, "none", Transition(0).String())
	assert.Equal(t, "match_nomatch|nomatch_match", (TransitionMatchNoMatch | TransitionNoMatchMatch).String())
	assert.Equal(t, "match_match", TransitionMatchMatch.String())
}

func TestReregisterAfterExpiryIsNoMatchMatch(t *testing.T) {
	clock := newFakeClock()
	res := newStaticResolver()
	rec := res.add("l1")
	r := newTestRegistry(t, nil, WithResolver(res), WithClock(clock.Now))
	ctx := context.Background()

	_, err := r.Notify(ctx, nil, TransitionNoMatchMatch, "l1", nil, LeaseAny)
	require.NoError(t, err)
	svc, err := r.Register(ctx, &ServiceItem{Type: laserType}, time.Second)
	require.NoError(t, err)
	waitEvents(t, rec, 1)

	clock.Advance(2 * time.Second)
	again, err := r.Register(ctx, &ServiceItem{ServiceID: svc.ServiceID, Type: laserType}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, svc.ServiceID, again.ServiceID)

	got := waitEvents(t, rec, 2)
	require.Len(t, got, 2)
	for i, e := range got {
		assert.Equal(t, TransitionNoMatchMatch, e.Transition)
		assert.Equal(t, svc.ServiceID, e.ServiceID)
		assert.Equal(t, int64(i+1), e.SeqNo)
	}
}

func TestReregisterLiveServiceIsMatchMatch(t *testing.T) {
	res := newStaticResolver()
	rec := res.add("l1")
	r := newTestRegistry(t, nil, WithResolver(res))
	ctx := context.Background()

	_, err := r.Notify(ctx, nil, TransitionNoMatchMatch|TransitionMatchMatch, "l1", nil, LeaseAny)
	require.NoError(t, err)
	svc, err := r.Register(ctx, &ServiceItem{Type: laserType}, time.Minute)
	require.NoError(t, err)
	_, err = r.Register(ctx, &ServiceItem{ServiceID: svc.ServiceID, Type: laserType}, time.Minute)
	require.NoError(t, err)

	got := waitEvents(t, rec, 2)
	assert.Equal(t, TransitionNoMatchMatch, got[0].Transition)
	assert.Equal(t, TransitionMatchMatch, got[1].Transition)
}
