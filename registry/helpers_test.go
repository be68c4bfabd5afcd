package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ceyewan/lookupd/catalog"
	"github.com/ceyewan/lookupd/xerrors"
)

var (
	serviceType = &catalog.TypeDesc{Name: "lookupd.Service"}
	printerType = &catalog.TypeDesc{Name: "office.Printer", Super: serviceType}
	laserType   = &catalog.TypeDesc{Name: "office.LaserPrinter", Super: printerType}
	scannerType = &catalog.TypeDesc{Name: "office.Scanner", Super: serviceType}

	nameClass     = catalog.NewClassDesc("lookupd.Name", nil, "name")
	locationClass = catalog.NewClassDesc("lookupd.Location", nil, "floor", "room")
	buildingClass = catalog.NewClassDesc("lookupd.Building", locationClass, "building")
	markerClass   = catalog.NewClassDesc("lookupd.Marker", nil)
)

func name(n string) *Entry {
	return &Entry{Class: nameClass, Fields: []any{n}}
}

func location(floor, room any) *Entry {
	return &Entry{Class: locationClass, Fields: []any{floor, room}}
}

// fakeClock 手动推进的时钟
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recorder 记录收到的事件
type recorder struct {
	mu     sync.Mutex
	events []*RemoteEvent
	err    error
}

func (r *recorder) Deliver(_ context.Context, ev *RemoteEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *recorder) received() []*RemoteEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*RemoteEvent, len(r.events))
	copy(out, r.events)
	return out
}

// staticResolver 按引用返回预先登记的 recorder
type staticResolver struct {
	mu        sync.Mutex
	listeners map[string]*recorder
}

func newStaticResolver() *staticResolver {
	return &staticResolver{listeners: make(map[string]*recorder)}
}

func (s *staticResolver) add(ref string) *recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &recorder{}
	s.listeners[ref] = rec
	return rec
}

func (s *staticResolver) Resolve(ref string) (Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.listeners[ref]; ok {
		return rec, nil
	}
	return nil, xerrors.Wrapf(ErrListenerGone, "listener %s", ref)
}

func newTestRegistry(t *testing.T, cfg *Config, opts ...Option) *registry {
	t.Helper()
	reg, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg.(*registry)
}

func register(t *testing.T, r Registry, item *ServiceItem) *Registration {
	t.Helper()
	res, err := r.Register(context.Background(), item, LeaseAny)
	require.NoError(t, err)
	return res
}

func types(ds ...*catalog.TypeDesc) *Template {
	return &Template{Types: ds}
}
