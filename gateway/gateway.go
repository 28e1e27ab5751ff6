// Package gateway 提供基于注册中心的 HTTP API 网关
//
// 每个请求按最长前缀匹配路由，依次经过方法校验、限流、认证、响应缓存与熔断检查，
// 最后从注册中心选出健康实例转发，失败时按路由配置重试：
//
//	gw, _ := gateway.New(reg, &gateway.Config{Addr: ":8080"},
//	    gateway.WithLogger(logger),
//	    gateway.WithAuthenticator(authenticator),
//	)
//	_ = gw.AddRoute(gateway.RouteConfig{
//	    PathPrefix:  "/api/orders",
//	    ServiceName: "order",
//	    RateLimit:   &ratelimit.Limit{Rate: 100, Burst: 200},
//	    Retry:       &gateway.RetryConfig{Attempts: 3, Delay: 100 * time.Millisecond},
//	})
//	_ = gw.Start(ctx)
//
// 内置端点：/health、/services、/metrics 以及可选的 /metrics/prometheus。
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/controlplane/auth"
	"github.com/ceyewan/controlplane/breaker"
	"github.com/ceyewan/controlplane/cache"
	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/metrics"
	"github.com/ceyewan/controlplane/ratelimit"
	"github.com/ceyewan/controlplane/registry"
	"github.com/ceyewan/controlplane/trace"
	"github.com/ceyewan/controlplane/xerrors"
)

// Gateway API 网关
type Gateway interface {
	// AddRoute 注册路由，前缀重复返回 ErrRouteExists
	AddRoute(cfg RouteConfig) error

	// Routes 返回已注册路由的副本，按前缀长度降序
	Routes() []RouteConfig

	// Handler 返回网关的 http.Handler，可挂载到已有服务
	Handler() http.Handler

	// Stats 返回网关统计与各下游熔断状态
	Stats() Stats

	// Start 在 Config.Addr 上启动 HTTP 服务，不阻塞
	Start(ctx context.Context) error

	// Stop 优雅关闭 HTTP 服务并释放网关自建的组件
	Stop(ctx context.Context) error
}

// Stats 网关统计
type Stats struct {
	Routes          int                         `json:"routes"`
	Requests        uint64                      `json:"requests"`
	Failures        uint64                      `json:"failures"`
	CircuitBreakers map[string]breaker.Snapshot `json:"circuitBreakers"`
	Cache           cache.Stats                 `json:"cache"`
}

// route 注册后的路由，engine 承载该路由的中间件链
type route struct {
	cfg    RouteConfig
	engine *gin.Engine
}

type gateway struct {
	cfg      Config
	registry registry.Registry
	logger   clog.Logger
	metrics  *gatewayMetrics

	breaker  breaker.Breaker
	limiter  ratelimit.Limiter
	auth     auth.Authenticator
	cache    cache.Cache
	recorder RequestRecorder
	proxy    *httputil.ReverseProxy

	// 网关自建、需要在 Stop 时关闭的组件
	ownLimiter bool
	ownCache   bool

	mu     sync.RWMutex
	routes []*route

	engine *gin.Engine

	requests atomic.Uint64
	failures atomic.Uint64

	srvMu  sync.Mutex
	server *http.Server
}

// New 创建网关，reg 提供实例发现
func New(reg registry.Registry, cfg *Config, opts ...Option) (Gateway, error) {
	if reg == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "gateway: registry is nil")
	}
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()
	o := applyOptions(opts)

	m, err := newGatewayMetrics(o.meter, c.ServiceName)
	if err != nil {
		return nil, xerrors.Wrap(err, "gateway: create metrics")
	}

	g := &gateway{
		cfg:      c,
		registry: reg,
		logger:   o.logger,
		metrics:  m,
		breaker:  o.breaker,
		limiter:  o.limiter,
		cache:    o.cache,
		auth:     o.auth,
		recorder: o.recorder,
	}

	if g.breaker == nil {
		if g.breaker, err = breaker.New(nil, breaker.WithLogger(o.logger), breaker.WithMeter(o.meter)); err != nil {
			return nil, xerrors.Wrap(err, "gateway: create breaker")
		}
	}
	if g.limiter == nil {
		if g.limiter, err = ratelimit.NewStandalone(nil, ratelimit.WithLogger(o.logger), ratelimit.WithMeter(o.meter)); err != nil {
			return nil, xerrors.Wrap(err, "gateway: create limiter")
		}
		g.ownLimiter = true
	}
	if g.cache == nil {
		if g.cache, err = cache.New(&cache.Config{Prefix: "gateway:"}, cache.WithLogger(o.logger), cache.WithMeter(o.meter)); err != nil {
			g.closeOwned()
			return nil, xerrors.Wrap(err, "gateway: create cache")
		}
		g.ownCache = true
	}

	g.proxy = g.newReverseProxy(o.transport)
	g.engine = g.newEngine()
	return g, nil
}

// ========================================
// 路由表
// ========================================

func (g *gateway) AddRoute(cfg RouteConfig) error {
	cfg = cfg.clone()
	if err := cfg.normalize(); err != nil {
		return err
	}
	if cfg.RequiresAuth && g.auth == nil {
		return xerrors.Wrapf(ErrAuthUnavailable, "route %s", cfg.PathPrefix)
	}

	rt := &route{cfg: cfg}
	rt.engine = g.newRouteEngine(rt)

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.routes {
		if existing.cfg.PathPrefix == cfg.PathPrefix {
			return xerrors.Wrapf(ErrRouteExists, "%s", cfg.PathPrefix)
		}
	}
	// 按前缀长度降序保存，匹配时第一个命中即最长前缀
	routes := append(slices.Clone(g.routes), rt)
	slices.SortStableFunc(routes, func(a, b *route) int {
		return len(b.cfg.PathPrefix) - len(a.cfg.PathPrefix)
	})
	g.routes = routes

	g.logger.Info("route added",
		clog.String("prefix", cfg.PathPrefix),
		clog.String("service", cfg.ServiceName),
		clog.Bool("auth", cfg.RequiresAuth),
		clog.Int("attempts", cfg.attempts()))
	return nil
}

func (g *gateway) Routes() []RouteConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]RouteConfig, 0, len(g.routes))
	for _, rt := range g.routes {
		out = append(out, rt.cfg.clone())
	}
	return out
}

func (g *gateway) match(path string) *route {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, rt := range g.routes {
		if rt.cfg.matches(path) {
			return rt
		}
	}
	return nil
}

// ========================================
// HTTP 入口
// ========================================

const routeKey = "gateway.route"

func (g *gateway) newEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(trace.GinMiddleware(g.cfg.ServiceName))
	engine.Use(metrics.GinHTTPMiddleware(g.metrics.http, func(c *gin.Context) string {
		if prefix := c.GetString(routeKey); prefix != "" {
			return prefix
		}
		return c.FullPath()
	}))

	engine.GET("/health", g.handleHealth)
	engine.GET("/services", g.handleServices)
	engine.GET("/metrics", g.handleMetrics)
	if g.cfg.EnablePrometheus {
		engine.GET("/metrics/prometheus", gin.WrapH(metrics.Handler()))
	}
	engine.NoRoute(g.handleProxy)
	return engine
}

func (g *gateway) Handler() http.Handler {
	return g.engine
}

func (g *gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (g *gateway) handleServices(c *gin.Context) {
	c.JSON(http.StatusOK, g.registry.ListAll())
}

func (g *gateway) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, g.Stats())
}

func (g *gateway) handleProxy(c *gin.Context) {
	rt := g.match(c.Request.URL.Path)
	if rt == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "route not found",
			"path":  c.Request.URL.Path,
			"code":  xerrors.CodeNotFound,
		})
		return
	}
	c.Set(routeKey, rt.cfg.PathPrefix)

	start := time.Now()
	rt.engine.ServeHTTP(c.Writer, c.Request)
	failed := c.Writer.Status() >= http.StatusInternalServerError

	g.requests.Add(1)
	if failed {
		g.failures.Add(1)
	}
	if g.recorder != nil {
		g.recorder.Record(time.Since(start), failed)
	}
}

func (g *gateway) Stats() Stats {
	g.mu.RLock()
	n := len(g.routes)
	g.mu.RUnlock()
	return Stats{
		Routes:          n,
		Requests:        g.requests.Load(),
		Failures:        g.failures.Load(),
		CircuitBreakers: g.breaker.Snapshot(),
		Cache:           g.cache.Stats(),
	}
}

// ========================================
// 生命周期
// ========================================

func (g *gateway) Start(ctx context.Context) error {
	g.srvMu.Lock()
	defer g.srvMu.Unlock()
	if g.server != nil {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", g.cfg.Addr)
	if err != nil {
		return xerrors.Wrapf(err, "gateway: listen %s", g.cfg.Addr)
	}
	g.server = &http.Server{
		Handler:           g.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}
	srv := g.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server stopped", clog.Error(err))
		}
	}()

	g.logger.Info("gateway started", clog.String("addr", ln.Addr().String()))
	return nil
}

func (g *gateway) Stop(ctx context.Context) error {
	g.srvMu.Lock()
	srv := g.server
	g.server = nil
	g.srvMu.Unlock()

	var err error
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, g.cfg.ShutdownTimeout)
		defer cancel()
		if err = srv.Shutdown(shutdownCtx); err != nil {
			err = xerrors.Wrap(err, "gateway: shutdown")
		}
	}
	g.closeOwned()
	g.logger.Info("gateway stopped")
	return err
}

func (g *gateway) closeOwned() {
	if g.ownLimiter && g.limiter != nil {
		_ = g.limiter.Close()
		g.ownLimiter = false
	}
	if g.ownCache && g.cache != nil {
		_ = g.cache.Close()
		g.ownCache = false
	}
}
