package testkit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ceyewan/lookupd/registry"
	"github.com/ceyewan/lookupd/xerrors"
)

// Recorder 在内存中记录收到的事件
type Recorder struct {
	mu     sync.Mutex
	events []*registry.RemoteEvent
	err    error
}

func (r *Recorder) Deliver(_ context.Context, ev *registry.RemoteEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

// Fail 之后的投递都返回 err
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Events 返回已收到事件的副本
func (r *Recorder) Events() []*registry.RemoteEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*registry.RemoteEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Resolver 按引用返回预先登记的 Recorder，未登记的引用视为监听者已消失
type Resolver struct {
	mu        sync.Mutex
	listeners map[string]*Recorder
}

func NewResolver() *Resolver {
	return &Resolver{listeners: make(map[string]*Recorder)}
}

// Add 登记 ref 并返回对应的 Recorder
func (s *Resolver) Add(ref string) *Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &Recorder{}
	s.listeners[ref] = rec
	return rec
}

func (s *Resolver) Resolve(ref string) (registry.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.listeners[ref]; ok {
		return rec, nil
	}
	return nil, xerrors.Wrapf(registry.ErrListenerGone, "listener %s", ref)
}

// WebhookSink 接收 webhook 投递的 HTTP 服务
type WebhookSink struct {
	Recorder
	URL     string
	status  int
	headers []http.Header
}

// NewWebhookSink 启动接收服务，测试结束时关闭。status 为应答码，0 表示 204。
func NewWebhookSink(t testing.TB, status int) *WebhookSink {
	if status == 0 {
		status = http.StatusNoContent
	}
	s := &WebhookSink{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var ev registry.RemoteEvent
		if err := json.NewDecoder(req.Body).Decode(&ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.headers = append(s.headers, req.Header.Clone())
		s.mu.Unlock()
		_ = s.Deliver(req.Context(), &ev)
		w.WriteHeader(s.status)
	}))
	t.Cleanup(srv.Close)
	s.URL = srv.URL
	return s
}

// Headers 返回每次投递的请求头
func (s *WebhookSink) Headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}
