package ratelimit

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/xerrors"
)

// GinMiddlewareOptions Gin 中间件配置
type GinMiddlewareOptions struct {
	// KeyFunc 提取限流键，默认客户端 IP；返回空字符串时放行
	KeyFunc func(*gin.Context) string

	// LimitFunc 返回当前请求的限流规则，规则无效时放行
	LimitFunc func(*gin.Context) Limit

	// Logger 记录限流器故障，默认丢弃
	Logger clog.Logger

	// WithHeaders 写入 X-RateLimit-Limit 响应头
	WithHeaders bool
}

// GinMiddleware 创建 Gin 限流中间件，被限流时返回 429
//
// 限流器出错时放行请求，避免限流存储故障影响流量：
//
//	r.Use(ratelimit.GinMiddleware(limiter, &ratelimit.GinMiddlewareOptions{
//	    LimitFunc: func(c *gin.Context) ratelimit.Limit { return ratelimit.Limit{Rate: 10, Burst: 20} },
//	}))
func GinMiddleware(limiter Limiter, opts *GinMiddlewareOptions) gin.HandlerFunc {
	o := GinMiddlewareOptions{}
	if opts != nil {
		o = *opts
	}
	if o.KeyFunc == nil {
		o.KeyFunc = func(c *gin.Context) string {
			return c.ClientIP()
		}
	}
	if o.Logger == nil {
		o.Logger = clog.Discard()
	}

	return func(c *gin.Context) {
		if o.LimitFunc == nil {
			c.Next()
			return
		}
		key := o.KeyFunc(c)
		limit := o.LimitFunc(c)
		if key == "" || !limit.Valid() {
			c.Next()
			return
		}

		if o.WithHeaders {
			c.Header("X-RateLimit-Limit", formatLimit(limit))
		}

		allowed, err := limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			o.Logger.Warn("rate limiter failed, request allowed",
				clog.String("key", key),
				clog.Error(err))
			c.Next()
			return
		}
		if !allowed {
			if o.WithHeaders {
				c.Header("X-RateLimit-Remaining", "0")
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"code":  xerrors.CodeRateLimited,
			})
			return
		}
		c.Next()
	}
}

func formatLimit(limit Limit) string {
	return fmt.Sprintf("rate=%.2f, burst=%d", limit.Rate, limit.Burst)
}
