package gateway

import (
	"net/http"
	"time"

	"github.com/ceyewan/controlplane/auth"
	"github.com/ceyewan/controlplane/breaker"
	"github.com/ceyewan/controlplane/cache"
	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/metrics"
	"github.com/ceyewan/controlplane/ratelimit"
)

// RequestRecorder 接收每个代理请求的耗时与结果，性能监控通过它统计吞吐与错误率
type RequestRecorder interface {
	Record(latency time.Duration, failed bool)
}

// Option 组件初始化选项函数
type Option func(*options)

type options struct {
	logger    clog.Logger
	meter     metrics.Meter
	breaker   breaker.Breaker
	limiter   ratelimit.Limiter
	auth      auth.Authenticator
	cache     cache.Cache
	recorder  RequestRecorder
	transport http.RoundTripper
}

// WithLogger 注入日志记录器
// 组件内部会自动追加 "gateway" namespace
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("gateway")
		}
	}
}

// WithMeter 注入指标 Meter
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithBreaker 使用外部熔断器，默认按服务名创建
func WithBreaker(b breaker.Breaker) Option {
	return func(o *options) {
		o.breaker = b
	}
}

// WithLimiter 使用外部限流器（例如 Redis 分布式限流），默认单机令牌桶
func WithLimiter(l ratelimit.Limiter) Option {
	return func(o *options) {
		o.limiter = l
	}
}

// WithAuthenticator 注入 JWT 认证器，RequiresAuth 路由依赖它
func WithAuthenticator(a auth.Authenticator) Option {
	return func(o *options) {
		o.auth = a
	}
}

// WithCache 使用外部响应缓存，默认进程内缓存
func WithCache(c cache.Cache) Option {
	return func(o *options) {
		o.cache = c
	}
}

// WithRequestRecorder 上报每个代理请求
func WithRequestRecorder(r RequestRecorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// WithTransport 替换转发使用的 RoundTripper
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.transport = rt
	}
}

func applyOptions(opts []Option) *options {
	o := &options{
		logger: clog.Discard(),
		meter:  metrics.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
