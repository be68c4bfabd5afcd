package listener

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/lookupd/catalog"
	"github.com/ceyewan/lookupd/registry"
	"github.com/ceyewan/lookupd/xerrors"
)

func newResolver(t *testing.T, cfg *Config) Resolver {
	t.Helper()
	r, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func sampleEvent() *registry.RemoteEvent {
	return &registry.RemoteEvent{
		RegistryID: uuid.New(),
		EventID:    7,
		SeqNo:      3,
		ServiceID:  uuid.New(),
		Transition: registry.TransitionNoMatchMatch,
		Item:       &registry.ServiceItem{Type: &catalog.TypeDesc{Name: "office.Printer"}},
		Handback:   []byte("hb"),
	}
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu      sync.Mutex
		got     registry.RemoteEvent
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		mu.Lock()
		defer mu.Unlock()
		headers = req.Header.Clone()
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := newResolver(t, nil)
	l, err := r.Resolve(srv.URL + "/events")
	require.NoError(t, err)

	ev := sampleEvent()
	require.NoError(t, l.Deliver(context.Background(), ev))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ev.EventID, got.EventID)
	assert.Equal(t, ev.SeqNo, got.SeqNo)
	assert.Equal(t, ev.ServiceID, got.ServiceID)
	assert.Equal(t, "office.Printer", got.Item.Type.Name)
	assert.Equal(t, []byte("hb"), got.Handback)
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "7", headers.Get(HeaderEventID))
	assert.Equal(t, "3", headers.Get(HeaderSeqNo))
	assert.Equal(t, ev.RegistryID.String(), headers.Get(HeaderRegistryID))
	assert.Equal(t, "aGI=", headers.Get(HeaderHandback))
}

func TestWebhookStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		gone   bool
		ok     bool
	}{
		{http.StatusOK, false, true},
		{http.StatusAccepted, false, true},
		{http.StatusNotFound, true, false},
		{http.StatusGone, true, false},
		{http.StatusInternalServerError, false, false},
		{http.StatusTooManyRequests, false, false},
	}
	for _, c := range cases {
		t.Run(http.StatusText(c.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(c.status)
			}))
			defer srv.Close()

			l, err := newResolver(t, nil).Resolve(srv.URL)
			require.NoError(t, err)
			err = l.Deliver(context.Background(), sampleEvent())
			if c.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, c.gone, xerrors.Is(err, registry.ErrListenerGone))
		})
	}
}

func TestWebhookUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	l, err := newResolver(t, nil).Resolve(url)
	require.NoError(t, err)
	err = l.Deliver(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.False(t, xerrors.Is(err, registry.ErrListenerGone))
}

func TestResolveRefs(t *testing.T) {
	plain := newResolver(t, nil)
	withNATS := newResolver(t, &Config{NATS: &NATSConfig{URL: "nats://127.0.0.1:4222"}})

	_, err := plain.Resolve("ftp://host/x")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	_, err = plain.Resolve("http:///nohost")
	assert.ErrorIs(t, err, registry.ErrListenerGone)

	_, err = plain.Resolve("nats://orders.created")
	assert.ErrorIs(t, err, ErrNATSDisabled)

	l, err := withNATS.Resolve("nats://orders.created")
	require.NoError(t, err)
	assert.Equal(t, "orders.created", l.(*natsListener).subject)

	for _, bad := range []string{"nats://", "nats://a..b", "nats://orders.*", "nats://orders.>"} {
		_, err := withNATS.Resolve(bad)
		assert.ErrorIs(t, err, registry.ErrListenerGone, bad)
	}
}

func TestConfigValidation(t *testing.T) {
	_, err := New(&Config{HTTPTimeout: -1})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(&Config{NATS: &NATSConfig{}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg := &Config{NATS: &NATSConfig{URL: "nats://x"}}
	r, err := New(cfg)
	require.NoError(t, err)
	defer r.Close()
	assert.Zero(t, cfg.HTTPTimeout)
	assert.Equal(t, "lookupd", r.(*resolver).cfg.NATS.Name)
}

func TestClosedResolver(t *testing.T) {
	r, err := New(&Config{NATS: &NATSConfig{URL: "nats://127.0.0.1:1"}})
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	l, err := r.Resolve("nats://orders")
	require.NoError(t, err)
	err = l.Deliver(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, ErrClosed)
}
