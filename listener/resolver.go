// Package listener 将事件注册中的监听者引用解析为投递目标。
//
// 支持两类引用：
//
//	http://host/path、https://host/path   以 JSON POST 投递，404 / 410 表示监听者已不存在
//	nats://<subject>                      发布到配置的 NATS 服务器上的 subject
//
// 投递时会启动一个 Producer Span，并把 W3C trace 头随请求或消息一起发出。
package listener

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/metrics"
	"github.com/ceyewan/lookupd/registry"
	"github.com/ceyewan/lookupd/xerrors"
)

// 投递附带的请求头 / 消息头
const (
	HeaderRegistryID = "X-Lookupd-Registry"
	HeaderEventID    = "X-Lookupd-Event-Id"
	HeaderSeqNo      = "X-Lookupd-Seq"
	HeaderHandback   = "X-Lookupd-Handback"
)

// Resolver 监听者解析器，持有 NATS 连接，用完需要 Close
type Resolver interface {
	registry.ListenerResolver
	Close() error
}

type resolver struct {
	cfg     *Config
	client  *http.Client
	logger  clog.Logger
	latency metrics.Histogram

	mu     sync.Mutex
	nc     *nats.Conn
	closed bool
}

// New 创建解析器。NATS 连接在第一次 nats 投递时建立。
func New(cfg *Config, opts ...Option) (Resolver, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	if cfg.NATS != nil {
		n := *cfg.NATS
		c.NATS = &n
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	o := options{logger: clog.Discard(), meter: metrics.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: c.HTTPTimeout}
	}

	latency, err := o.meter.Histogram(MetricDeliveryDuration, "Remote event delivery latency",
		metrics.WithUnit("s"))
	if err != nil {
		return nil, xerrors.Wrap(err, "create delivery histogram")
	}

	return &resolver{
		cfg:     &c,
		client:  o.client,
		logger:  o.logger,
		latency: latency,
	}, nil
}

// Resolve 只做语法检查，不访问远端
func (r *resolver) Resolve(ref string) (registry.Listener, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, xerrors.Wrapf(registry.ErrListenerGone, "parse listener %q: %v", ref, err)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return nil, xerrors.Wrapf(registry.ErrListenerGone, "listener %q has no host", ref)
		}
		return &webhook{r: r, url: u.String()}, nil
	case "nats":
		if r.cfg.NATS == nil {
			return nil, ErrNATSDisabled
		}
		subject := strings.TrimPrefix(ref, "nats://")
		if !validSubject(subject) {
			return nil, xerrors.Wrapf(registry.ErrListenerGone, "invalid nats subject %q", subject)
		}
		return &natsListener{r: r, subject: subject}, nil
	default:
		return nil, xerrors.Wrapf(ErrUnsupportedScheme, "scheme %q", u.Scheme)
	}
}

// validSubject 发布用的 subject：非空 token 以 '.' 分隔，不含空白与通配符
func validSubject(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t\r\n*>") {
		return false
	}
	for tok := range strings.SplitSeq(s, ".") {
		if tok == "" {
			return false
		}
	}
	return true
}

// conn 返回共享的 NATS 连接，必要时建立
func (r *resolver) conn() (*nats.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.nc != nil && !r.nc.IsClosed() {
		return r.nc, nil
	}

	cfg := r.cfg.NATS
	natsOpts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.PingInterval(cfg.PingInterval),
	}
	if cfg.Username != "" && cfg.Password != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		natsOpts = append(natsOpts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		r.logger.Error("failed to connect to nats", clog.String("url", cfg.URL), clog.Error(err))
		return nil, xerrors.Wrapf(err, "connect to nats %s", cfg.URL)
	}
	r.logger.Info("connected to nats", clog.String("url", cfg.URL))
	r.nc = nc
	return nc, nil
}

func (r *resolver) observe(ctx context.Context, system string, start time.Time, err error) {
	r.latency.Record(ctx, time.Since(start).Seconds(),
		metrics.L(LabelSystem, system),
		metrics.L(metrics.LabelOutcome, metrics.Outcome(err)))
}

// Close 关闭 NATS 连接，可重复调用
func (r *resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.nc != nil {
		if err := r.nc.Drain(); err != nil {
			r.nc.Close()
		}
		r.nc = nil
	}
	return nil
}
