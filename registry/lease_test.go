package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantDuration(t *testing.T) {
	cases := []struct {
		req, limit, want time.Duration
	}{
		{LeaseAny, time.Minute, time.Minute},
		{0, time.Minute, time.Minute},
		{30 * time.Second, time.Minute, 30 * time.Second},
		{time.Hour, time.Minute, time.Minute},
	}
	for _, c := range cases {
		got, err := grantDuration(c.req, c.limit)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "request %s", c.req)
	}

	_, err := grantDuration(-2, time.Minute)
	assert.ErrorIs(t, err, ErrIllegalArgument)
}

func TestRenewDuration(t *testing.T) {
	cases := []struct {
		name                  string
		req, limit, remaining time.Duration
		want                  time.Duration
	}{
		{"any within limit", LeaseAny, time.Minute, 30 * time.Second, time.Minute},
		{"any keeps longer remaining", 0, time.Minute, 5 * time.Minute, 5 * time.Minute},
		{"shorter request", 30 * time.Second, time.Minute, 5 * time.Minute, 30 * time.Second},
		{"clamped to remaining", 10 * time.Minute, time.Minute, 5 * time.Minute, 5 * time.Minute},
		{"clamped to limit", 10 * time.Minute, time.Minute, 10 * time.Second, time.Minute},
		{"below remaining", 10 * time.Minute, time.Minute, 20 * time.Minute, 10 * time.Minute},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := renewDuration(c.req, c.limit, c.remaining)
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}

	_, err := renewDuration(-2, time.Minute, time.Minute)
	assert.ErrorIs(t, err, ErrIllegalArgument)
}

func TestMaxLeaseGrowsWithRegistrations(t *testing.T) {
	r := newTestRegistry(t, &Config{
		MinMaxServiceLease: time.Second,
		MinMaxEventLease:   2 * time.Second,
		MinRenewalInterval: 100 * time.Millisecond,
	}, WithClock(newFakeClock().Now))
	assert.Equal(t, time.Second, r.Stats().MaxServiceLease)
	assert.Equal(t, 2*time.Second, r.Stats().MaxEventLease)

	for range 20 {
		register(t, r, &ServiceItem{Type: laserType})
	}
	st := r.Stats()
	assert.Equal(t, 2*time.Second, st.MaxServiceLease)
	assert.Equal(t, 4*time.Second, st.MaxEventLease)
}

func TestServiceLeaseClamp(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, &Config{MinMaxServiceLease: time.Minute}, WithClock(clock.Now))
	ctx := context.Background()

	res, err := r.Register(ctx, &ServiceItem{Type: laserType}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Minute), res.Expiration)

	got, err := r.RenewServiceLease(ctx, res.ServiceID, res.LeaseID, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, got)

	got, err = r.RenewServiceLease(ctx, res.ServiceID, res.LeaseID, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, got)
	assert.Equal(t, clock.Now().Add(30*time.Second), r.services[res.ServiceID].expiration)
}

func TestExpiredServiceIsInvisible(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, nil, WithClock(clock.Now))
	ctx := context.Background()

	res, err := r.Register(ctx, &ServiceItem{Type: laserType}, time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	item, err := r.Lookup(ctx, types(printerType))
	require.NoError(t, err)
	assert.Nil(t, item)
	m, err := r.LookupMany(ctx, nil, 10)
	require.NoError(t, err)
	assert.Zero(t, m.Total)

	_, err = r.RenewServiceLease(ctx, res.ServiceID, res.LeaseID, LeaseAny)
	assert.ErrorIs(t, err, ErrUnknownLease)
	assert.ErrorIs(t, r.CancelServiceLease(ctx, res.ServiceID, res.LeaseID), ErrUnknownLease)

	assert.Equal(t, time.Duration(0), r.expireServices())
	assert.Zero(t, r.Stats().Services)
}

func TestExpiryReportsNextDeadline(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, nil, WithClock(clock.Now))
	ctx := context.Background()

	_, err := r.Register(ctx, &ServiceItem{Type: laserType}, time.Minute)
	require.NoError(t, err)
	_, err = r.Register(ctx, &ServiceItem{Type: laserType}, 3*time.Minute)
	require.NoError(t, err)

	clock.Advance(90 * time.Second)
	assert.Equal(t, 90*time.Second, r.expireServices())
	assert.Equal(t, 1, r.Stats().Services)
}

func TestEventLeaseLifecycle(t *testing.T) {
	clock := newFakeClock()
	res := newStaticResolver()
	res.add("l1")
	r := newTestRegistry(t, &Config{MinMaxEventLease: time.Minute}, WithClock(clock.Now), WithResolver(res))
	ctx := context.Background()

	ev, err := r.Notify(ctx, types(printerType), transitionAll, "l1", nil, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Minute), ev.Expiration)

	got, err := r.RenewEventLease(ctx, ev.EventID, ev.LeaseID, 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, got)

	_, err = r.RenewEventLease(ctx, ev.EventID, uuid.New(), LeaseAny)
	assert.ErrorIs(t, err, ErrUnknownLease)

	clock.Advance(time.Minute)
	_, err = r.RenewEventLease(ctx, ev.EventID, ev.LeaseID, LeaseAny)
	assert.ErrorIs(t, err, ErrUnknownLease)
	r.expireEvents()
	assert.Zero(t, r.Stats().Events)
}

func TestBatchLeaseOperations(t *testing.T) {
	res := newStaticResolver()
	res.add("l1")
	r := newTestRegistry(t, nil, WithResolver(res))
	ctx := context.Background()

	svc := register(t, r, &ServiceItem{Type: laserType})
	ev, err := r.Notify(ctx, nil, TransitionNoMatchMatch, "l1", nil, LeaseAny)
	require.NoError(t, err)

	keys := []LeaseKey{
		{Kind: LeaseService, ServiceID: svc.ServiceID, LeaseID: svc.LeaseID},
		{Kind: LeaseEvent, EventID: ev.EventID, LeaseID: ev.LeaseID},
		{Kind: LeaseEvent, EventID: ev.EventID + 100, LeaseID: ev.LeaseID},
		{Kind: LeaseKind(9)},
	}

	_, err = r.RenewLeases(ctx, keys, []time.Duration{time.Second})
	assert.ErrorIs(t, err, ErrIllegalArgument)

	results, err := r.RenewLeases(ctx, keys, []time.Duration{time.Second, time.Second, time.Second, time.Second})
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, time.Second, results[0].Granted)
	assert.NoError(t, results[1].Err)
	assert.ErrorIs(t, results[2].Err, ErrUnknownLease)
	assert.ErrorIs(t, results[3].Err, ErrIllegalArgument)

	errs, err := r.CancelLeases(ctx, keys)
	require.NoError(t, err)
	require.Len(t, errs, 4)
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.ErrorIs(t, errs[2], ErrUnknownLease)
	assert.ErrorIs(t, errs[3], ErrIllegalArgument)

	st := r.Stats()
	assert.Zero(t, st.Services)
	assert.Zero(t, st.Events)
}
