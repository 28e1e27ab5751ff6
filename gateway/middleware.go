package gateway

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/controlplane/auth"
	"github.com/ceyewan/controlplane/cache"
	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/ratelimit"
	"github.com/ceyewan/controlplane/xerrors"
)

// HeaderCache 标记响应是否来自网关缓存，取值 HIT / MISS
const HeaderCache = "X-Cache"

// newRouteEngine 为路由构建独立的中间件链，路由注册后链不再变化
func (g *gateway) newRouteEngine(rt *route) *gin.Engine {
	engine := gin.New()
	engine.RedirectTrailingSlash = false
	engine.RedirectFixedPath = false

	chain := []gin.HandlerFunc{g.methodGuard(rt)}
	if rt.cfg.RateLimit != nil {
		limit := *rt.cfg.RateLimit
		chain = append(chain, g.rejected(rt, "rate_limited", http.StatusTooManyRequests, ratelimit.GinMiddleware(g.limiter, &ratelimit.GinMiddlewareOptions{
			KeyFunc: func(c *gin.Context) string {
				return rt.cfg.PathPrefix + ":" + c.ClientIP()
			},
			LimitFunc:   func(*gin.Context) ratelimit.Limit { return limit },
			Logger:      g.logger,
			WithHeaders: true,
		})))
	}
	if rt.cfg.RequiresAuth {
		chain = append(chain, g.rejected(rt, "unauthorized", http.StatusUnauthorized, g.auth.GinMiddleware()))
		if len(rt.cfg.RequiredRoles) > 0 {
			chain = append(chain, g.rejected(rt, "forbidden", http.StatusForbidden, auth.RequireRoles(rt.cfg.RequiredRoles...)))
		}
	}
	if rt.cfg.Cache != nil {
		chain = append(chain, g.cacheResponses(rt))
	}
	chain = append(chain, g.breakerGate(rt), g.dispatch(rt))

	engine.Any("/*path", chain...)
	return engine
}

// rejected 统计被 h 以 status 中止的请求
func (g *gateway) rejected(rt *route, reason string, status int, h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		h(c)
		if c.IsAborted() && c.Writer.Status() == status {
			g.metrics.reject(c.Request.Context(), rt.cfg.PathPrefix, reason)
		}
	}
}

func (g *gateway) methodGuard(rt *route) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rt.cfg.allows(c.Request.Method) {
			c.Next()
			return
		}
		g.metrics.reject(c.Request.Context(), rt.cfg.PathPrefix, "method_not_allowed")
		c.Header("Allow", strings.Join(rt.cfg.AllowedMethods, ", "))
		c.AbortWithStatusJSON(http.StatusMethodNotAllowed, gin.H{
			"error":  "method not allowed",
			"method": c.Request.Method,
			"code":   xerrors.CodeMethodRejected,
		})
	}
}

// breakerGate 熔断打开时直接返回 503，不进入重试
func (g *gateway) breakerGate(rt *route) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.breaker.IsOpen(rt.cfg.ServiceName) {
			c.Next()
			return
		}
		g.metrics.reject(c.Request.Context(), rt.cfg.PathPrefix, "circuit_open")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":   "circuit breaker open",
			"service": rt.cfg.ServiceName,
			"code":    xerrors.CodeCircuitOpen,
		})
	}
}

// ========================================
// 响应缓存
// ========================================

// cachedResponse 缓存的上游响应
type cachedResponse struct {
	Status int         `json:"status" msgpack:"status"`
	Header http.Header `json:"header" msgpack:"header"`
	Body   []byte      `json:"body" msgpack:"body"`
}

// captureWriter 在写给客户端的同时保留一份响应体
type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.body.Write(p)
	return w.ResponseWriter.Write(p)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// 不随缓存回放的响应头
var uncachedHeaders = []string{
	HeaderCache, "Connection", "Keep-Alive", "Transfer-Encoding", "Date",
	"Set-Cookie", "X-Ratelimit-Limit", "X-Ratelimit-Remaining",
}

func cacheKey(rt *route, c *gin.Context) string {
	key := rt.cfg.PathPrefix + "|" + c.Request.URL.RequestURI()
	// 认证路由按用户隔离缓存
	if claims, ok := auth.GetClaims(c); ok {
		key += "|" + claims.Subject
	}
	return key
}

// cacheResponses 只缓存 GET 的 2xx 响应
func (g *gateway) cacheResponses(rt *route) gin.HandlerFunc {
	ttl := rt.cfg.Cache.TTL
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		key := cacheKey(rt, c)

		var cached cachedResponse
		err := g.cache.Get(ctx, key, &cached)
		if err == nil {
			g.metrics.lookup(ctx, rt.cfg.PathPrefix, true)
			header := c.Writer.Header()
			for k, vs := range cached.Header {
				header[k] = append([]string(nil), vs...)
			}
			header.Set(HeaderCache, "HIT")
			c.Status(cached.Status)
			_, _ = c.Writer.Write(cached.Body)
			c.Abort()
			return
		}
		if !xerrors.Is(err, cache.ErrMiss) {
			g.logger.Warn("cache lookup failed",
				clog.String("key", key),
				clog.Error(err))
		}
		g.metrics.lookup(ctx, rt.cfg.PathPrefix, false)

		c.Header(HeaderCache, "MISS")
		w := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()
		c.Writer = w.ResponseWriter

		status := w.Status()
		if status < http.StatusOK || status >= http.StatusMultipleChoices {
			return
		}
		header := w.Header().Clone()
		for _, h := range uncachedHeaders {
			header.Del(h)
		}
		entry := cachedResponse{Status: status, Header: header, Body: w.body.Bytes()}
		if err := g.cache.Set(ctx, key, entry, ttl); err != nil {
			g.logger.Warn("cache store failed",
				clog.String("key", key),
				clog.Error(err))
		}
	}
}
