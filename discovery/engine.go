// Package discovery 实现 lookup 服务的发现协议。
//
// 引擎运行三个循环：
//
//	单播响应    TCP 接受连接，读取客户端的版本字节，回写 Response
//	多播请求    监听请求组，组有交集且未被听到过时回拨请求方的 host:port
//	多播通告    周期通告身份，身份变化时立即通告，退出前以空组通告一次
//
// 身份通过 Update 发布，引擎从不直接读取 registry 的内部状态。
// 单播端口变化时引擎重新绑定监听地址。
package discovery

import (
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/metrics"
	"github.com/ceyewan/lookupd/ratelimit"
	"github.com/ceyewan/lookupd/registry"
	"github.com/ceyewan/lookupd/xerrors"
)

// Engine 发现协议引擎
type Engine interface {
	// Run 阻塞运行所有循环，直到 ctx 取消
	Run(ctx context.Context) error

	// Update 发布新的身份快照，可在 Run 之前调用
	Update(id registry.Identity)

	// Addr 当前单播监听地址，尚未绑定时返回 nil
	Addr() net.Addr

	// Close 释放引擎持有的限流器，可重复调用
	Close() error
}

type engine struct {
	cfg     *Config
	logger  clog.Logger
	metrics *discoveryMetrics
	limiter ratelimit.Limiter
	ownLim  bool

	identity atomic.Pointer[registry.Identity]
	announce chan struct{}
	rebind   chan struct{}

	mu         sync.Mutex
	ln         net.Listener
	listenPort int // 绑定时请求的端口
	stopped    bool

	inflight sync.Map // host:port -> struct{}
	conns    sync.WaitGroup
	running  atomic.Bool
	closed   atomic.Bool
}

// New 创建引擎
func New(cfg *Config, id registry.Identity, opts ...Option) (Engine, error) {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	o := options{logger: clog.Discard(), meter: metrics.Discard()}
	for _, opt := range opts {
		opt(&o)
	}

	e := &engine{
		cfg:      &c,
		logger:   o.logger,
		metrics:  newDiscoveryMetrics(o.meter, o.logger),
		limiter:  o.limiter,
		announce: make(chan struct{}, 1),
		rebind:   make(chan struct{}, 1),
	}
	if e.limiter == nil {
		l, err := ratelimit.New(nil, ratelimit.WithLogger(o.logger), ratelimit.WithMeter(o.meter),
			ratelimit.WithScope("discovery"))
		if err != nil {
			return nil, err
		}
		e.limiter, e.ownLim = l, true
	}
	e.identity.Store(cloneIdentity(id))
	return e, nil
}

func cloneIdentity(id registry.Identity) *registry.Identity {
	id.MemberGroups = slices.Clone(id.MemberGroups)
	return &id
}

func (e *engine) Update(id registry.Identity) {
	e.identity.Store(cloneIdentity(id))

	e.mu.Lock()
	if e.ln != nil && id.UnicastPort != e.listenPort {
		e.logger.Info("unicast port changed, rebinding",
			clog.Int("old", e.listenPort), clog.Int("new", id.UnicastPort))
		_ = e.ln.Close()
		e.ln = nil
	}
	e.mu.Unlock()

	signal(e.rebind)
	signal(e.announce)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (e *engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return nil
	}
	return e.ln.Addr()
}

// locator 当前通告的单播地址
func (e *engine) locator() Locator {
	loc := Locator{Host: e.cfg.Host, Port: e.identity.Load().UnicastPort}
	if addr, ok := e.Addr().(*net.TCPAddr); ok {
		loc.Port = addr.Port
	}
	return loc
}

func (e *engine) response() *Response {
	id := e.identity.Load()
	return &Response{ServiceID: id.ServiceID, Locator: e.locator(), Groups: slices.Clone(id.MemberGroups)}
}

func (e *engine) Run(ctx context.Context) error {
	if e.closed.Load() {
		return xerrors.Wrap(ErrAlreadyRunning, "engine closed")
	}
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.conns.Wait()

	stop := context.AfterFunc(ctx, e.stopListener)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.serveUnicast(ctx) })

	if !e.cfg.DisableMulticast {
		recv, err := e.openRequestListener(ctx)
		if err != nil {
			e.logger.Warn("multicast requests unavailable, serving unicast only", clog.Error(err))
		} else {
			g.Go(func() error { return e.serveRequests(ctx, recv) })
		}
		send, err := openSender(e.cfg)
		if err != nil {
			e.logger.Warn("multicast announcements unavailable", clog.Error(err))
		} else {
			g.Go(func() error { return e.announceLoop(ctx, send) })
		}
	}

	e.logger.Info("discovery started",
		clog.String("host", e.cfg.Host),
		clog.Strings("member_groups", e.identity.Load().MemberGroups),
		clog.Bool("multicast", !e.cfg.DisableMulticast))
	err := g.Wait()
	e.logger.Info("discovery stopped")
	return err
}

func (e *engine) stopListener() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.ln != nil {
		_ = e.ln.Close()
		e.ln = nil
	}
}

// bind 按当前身份中的端口绑定单播监听
func (e *engine) bind() (net.Listener, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, net.ErrClosed
	}
	port := e.identity.Load().UnicastPort
	ln, err := net.Listen("tcp", net.JoinHostPort(e.cfg.BindHost, strconv.Itoa(port)))
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on port %d", port)
	}
	e.ln, e.listenPort = ln, port
	return ln, nil
}

func (e *engine) serveUnicast(ctx context.Context) error {
	for {
		// 丢弃绑定前积压的重绑信号
		select {
		case <-e.rebind:
		default:
		}

		ln, err := e.bind()
		if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			e.logger.Error("unicast bind failed", clog.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-e.rebind:
			case <-time.After(time.Second):
			}
			continue
		}

		e.logger.Info("unicast discovery listening", clog.String("addr", ln.Addr().String()))
		e.accept(ctx, ln)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// accept 直到监听关闭
func (e *engine) accept(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Warn("unicast accept failed", clog.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		e.conns.Add(1)
		go e.serveConn(ctx, conn)
	}
}

func (e *engine) serveConn(ctx context.Context, conn net.Conn) {
	defer e.conns.Done()
	defer conn.Close()

	err := func() error {
		if err := conn.SetDeadline(time.Now().Add(e.cfg.UnicastTimeout)); err != nil {
			return err
		}
		var ver [1]byte
		if _, err := conn.Read(ver[:]); err != nil {
			return xerrors.Wrap(err, "read protocol version")
		}
		if ver[0] != ProtocolVersion {
			return xerrors.Wrapf(ErrVersionMismatch, "version %d", ver[0])
		}
		return writePacket(conn, e.response())
	}()
	e.metrics.unicastDone(ctx, "response", err)
	if err != nil {
		e.logger.Debug("unicast request failed",
			clog.String("remote", conn.RemoteAddr().String()), clog.Error(err))
	}
}

func (e *engine) openRequestListener(ctx context.Context) (*ipv4.PacketConn, error) {
	group, err := net.ResolveUDPAddr("udp4", e.cfg.RequestGroup)
	if err != nil {
		return nil, err
	}
	ifi, err := e.cfg.iface()
	if err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	c, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(group.Port)))
	if err != nil {
		return nil, xerrors.Wrap(err, "listen for multicast requests")
	}
	p := ipv4.NewPacketConn(c)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		_ = c.Close()
		return nil, xerrors.Wrapf(err, "join %s", group.IP)
	}
	return p, nil
}

func (e *engine) serveRequests(ctx context.Context, p *ipv4.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { _ = p.Close() })
	defer stop()
	defer p.Close()

	read := func(b []byte) (int, net.Addr, error) {
		n, _, src, err := p.ReadFrom(b)
		return n, src, err
	}
	return e.readPackets(ctx, read, func(pkt []byte, src net.Addr) {
		var req Request
		if err := decodePacket(pkt, &req); err != nil {
			e.metrics.request(ctx, resultMalformed)
			e.logger.Debug("dropping multicast request", clog.String("from", src.String()), clog.Error(err))
			return
		}
		e.handleRequest(ctx, &req, src)
	})
}

const (
	minReadBackoff = 10 * time.Millisecond
	maxReadBackoff = time.Second
)

// readPackets 循环读包直到 ctx 结束或连接关闭。
// 连续读失败时指数退避，成功读到一个包后退避复位。
func (e *engine) readPackets(ctx context.Context, read func([]byte) (int, net.Addr, error), handle func([]byte, net.Addr)) error {
	buf := make([]byte, MaxPacketSize)
	backoff := time.Duration(0)
	for {
		n, src, err := read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			backoff = min(max(backoff*2, minReadBackoff), maxReadBackoff)
			e.logger.Warn("multicast read failed", clog.Error(err), clog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0
		handle(buf[:n], src)
	}
}

// handleRequest 过滤请求并异步回拨请求方
func (e *engine) handleRequest(ctx context.Context, req *Request, src net.Addr) {
	id := e.identity.Load()
	if ok, reason := shouldAnswer(id.ServiceID, id.MemberGroups, req); !ok {
		e.metrics.request(ctx, resultFiltered)
		e.logger.Debug("multicast request ignored", clog.String("reason", reason))
		return
	}

	host := req.Host
	if host == "" {
		if udp, ok := src.(*net.UDPAddr); ok {
			host = udp.IP.String()
		}
	}
	if host == "" {
		e.metrics.request(ctx, resultMalformed)
		return
	}
	addr := net.JoinHostPort(host, strconv.Itoa(req.Port))

	if _, dup := e.inflight.LoadOrStore(addr, struct{}{}); dup {
		e.metrics.request(ctx, resultDuplicate)
		return
	}
	allowed, err := e.limiter.Allow(ctx, addr, e.cfg.CallbackLimit)
	if err != nil || !allowed {
		e.inflight.Delete(addr)
		e.metrics.request(ctx, resultLimited)
		return
	}

	e.metrics.request(ctx, resultAnswered)
	e.conns.Add(1)
	go e.callback(ctx, addr)
}

func (e *engine) callback(ctx context.Context, addr string) {
	defer e.conns.Done()
	defer e.inflight.Delete(addr)

	err := func() error {
		d := net.Dialer{Timeout: e.cfg.UnicastTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := conn.SetDeadline(time.Now().Add(e.cfg.UnicastTimeout)); err != nil {
			return err
		}
		return writePacket(conn, e.response())
	}()
	e.metrics.unicastDone(ctx, "callback", err)
	if err != nil {
		e.logger.Debug("multicast callback failed", clog.String("addr", addr), clog.Error(err))
	}
}

// sender 多播发送端
type sender struct {
	p     *ipv4.PacketConn
	group *net.UDPAddr
}

func openSender(cfg *Config) (*sender, error) {
	return openSenderTo(cfg, cfg.AnnouncementGroup)
}

func openSenderTo(cfg *Config, group string) (*sender, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, err
	}
	ifi, err := cfg.iface()
	if err != nil {
		return nil, err
	}
	c, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, xerrors.Wrap(err, "open multicast sender")
	}
	p := ipv4.NewPacketConn(c)
	if err := p.SetMulticastTTL(cfg.TTL); err != nil {
		_ = c.Close()
		return nil, xerrors.Wrap(err, "set multicast ttl")
	}
	if err := p.SetMulticastLoopback(true); err != nil {
		_ = c.Close()
		return nil, xerrors.Wrap(err, "enable multicast loopback")
	}
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			_ = c.Close()
			return nil, xerrors.Wrapf(err, "use interface %s", ifi.Name)
		}
	}
	return &sender{p: p, group: addr}, nil
}

func (s *sender) send(v any) error {
	b, err := encodePacket(v)
	if err != nil {
		return err
	}
	_, err = s.p.WriteTo(b, nil, s.group)
	return err
}

func (s *sender) Close() error {
	return s.p.Close()
}

func (e *engine) announcement() *Announcement {
	id := e.identity.Load()
	return &Announcement{ServiceID: id.ServiceID, Locator: e.locator(), Groups: slices.Clone(id.MemberGroups)}
}

func (e *engine) announceLoop(ctx context.Context, s *sender) error {
	defer s.Close()
	ticker := time.NewTicker(e.cfg.AnnounceInterval)
	defer ticker.Stop()

	announce := func(a *Announcement) {
		// 不属于任何组时不再通告
		if len(a.Groups) == 0 {
			return
		}
		err := s.send(a)
		e.metrics.announced(ctx, err)
		if err != nil {
			e.logger.Warn("announcement failed", clog.Error(err))
		}
	}

	announce(e.announcement())
	for {
		select {
		case <-ctx.Done():
			final := e.announcement()
			final.Groups = nil
			if err := s.send(final); err != nil {
				e.logger.Warn("final announcement failed", clog.Error(err))
			}
			return nil
		case <-ticker.C:
			announce(e.announcement())
		case <-e.announce:
			announce(e.announcement())
		}
	}
}

func (e *engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.stopListener()
	if e.ownLim {
		return e.limiter.Close()
	}
	return nil
}
