// Package httpapi 以 HTTP/JSON 暴露 registry 的全部公开与管理操作。
//
// 错误按类别映射状态码：未知租约 404，参数非法 400，属性类结构冲突 409，
// registry 已关闭 503。响应体 {"code": "UNKNOWN_LEASE", "error": "..."}。
// 属性字段中的 JSON 数字按 json.Number 解码，整数保持精度。
//
//	srv, _ := httpapi.New(reg, &httpapi.Config{Addr: ":4180"},
//		httpapi.WithLogger(logger), httpapi.WithMeter(meter))
//	defer srv.Close()
//	_ = srv.Run(ctx)
package httpapi

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/metrics"
	"github.com/ceyewan/lookupd/ratelimit"
	"github.com/ceyewan/lookupd/registry"
	"github.com/ceyewan/lookupd/trace"
	"github.com/ceyewan/lookupd/xerrors"
)

// Server HTTP API 服务
type Server struct {
	cfg     *Config
	reg     registry.Registry
	logger  clog.Logger
	meter   metrics.Meter
	limiter ratelimit.Limiter
	ownLim  bool
	router  *gin.Engine
	closed  atomic.Bool
}

// New 创建服务并注册路由
func New(reg registry.Registry, cfg *Config, opts ...Option) (*Server, error) {
	if reg == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "registry is nil")
	}
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

	s := &Server{cfg: &c, reg: reg, logger: o.logger, meter: o.meter, limiter: o.limiter}
	if s.limiter == nil && c.RateLimit.Enabled() {
		l, err := ratelimit.New(nil, ratelimit.WithLogger(o.logger), ratelimit.WithMeter(o.meter),
			ratelimit.WithScope("http"))
		if err != nil {
			return nil, err
		}
		s.limiter, s.ownLim = l, true
	}

	httpMetrics, err := metrics.NewHTTPServerMetrics(o.meter, metrics.DefaultHTTPServerMetricsConfig(c.ServiceName))
	if err != nil {
		return nil, xerrors.Wrap(err, "create http metrics")
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(trace.GinMiddleware(c.ServiceName, "/healthz", c.MetricsPath))
	r.Use(metrics.GinHTTPMiddleware(httpMetrics))
	r.Use(s.accessLog())
	r.Use(ratelimit.GinMiddleware(s.limiter, &ratelimit.GinMiddlewareOptions{
		LimitFunc: func(*gin.Context) ratelimit.Limit { return c.RateLimit },
	}))
	s.router = r
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router
	r.GET("/healthz", s.healthz)
	if s.cfg.MetricsPath != "" {
		r.GET(s.cfg.MetricsPath, gin.WrapH(s.meter.Handler()))
	}

	v1 := r.Group("/v1")

	v1.POST("/services", s.register)
	v1.POST("/lookup", s.lookup)
	v1.POST("/lookup/many", s.lookupMany)

	svc := v1.Group("/services/:id")
	svc.POST("/attributes/add", s.addAttributes)
	svc.POST("/attributes/modify", s.modifyAttributes)
	svc.PUT("/attributes", s.setAttributes)
	svc.POST("/renew", s.renewServiceLease)
	svc.POST("/cancel", s.cancelServiceLease)

	browse := v1.Group("/browse")
	browse.POST("/types", s.distinctTypes)
	browse.POST("/classes", s.distinctAttributeClasses)
	browse.POST("/values", s.distinctFieldValues)

	v1.POST("/events", s.notify)
	v1.POST("/events/:id/renew", s.renewEventLease)
	v1.POST("/events/:id/cancel", s.cancelEventLease)

	v1.POST("/leases/renew", s.renewLeases)
	v1.POST("/leases/cancel", s.cancelLeases)

	admin := v1.Group("/admin")
	admin.GET("", s.adminState)
	admin.PUT("/member-groups", s.setMemberGroups)
	admin.POST("/member-groups/add", s.addMemberGroups)
	admin.POST("/member-groups/remove", s.removeMemberGroups)
	admin.PUT("/lookup-groups", s.setLookupGroups)
	admin.PUT("/lookup-locators", s.setLookupLocators)
	admin.PUT("/unicast-port", s.setUnicastPort)
	admin.PUT("/leases", s.setLeaseParams)
	admin.PUT("/snapshot", s.setSnapshotParams)
	admin.PUT("/storage", s.setStorageLocation)
	admin.DELETE("", s.destroy)
}

// Handler 返回路由，供 httptest 或外部 http.Server 使用
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run 监听 Addr 直到 ctx 取消，然后在 ShutdownTimeout 内优雅关闭
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return xerrors.Wrapf(err, "listen on %s", s.cfg.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve 在给定监听上提供服务直到 ctx 取消
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", clog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if xerrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return xerrors.Wrap(err, "shutdown http api")
	}
	s.logger.Info("http api stopped")
	return nil
}

// Close 释放服务持有的限流器，可重复调用
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ownLim {
		return s.limiter.Close()
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.DebugContext(c.Request.Context(), "http request",
			clog.String("method", c.Request.Method),
			clog.String("route", c.FullPath()),
			clog.Int("status", c.Writer.Status()),
			clog.Duration("latency", time.Since(start)))
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "registry_id": s.reg.Identity().ServiceID})
}
