package gateway

import (
	"slices"
	"strings"
	"time"

	"github.com/ceyewan/controlplane/ratelimit"
	"github.com/ceyewan/controlplane/registry"
	"github.com/ceyewan/controlplane/xerrors"
)

// RouteConfig 一条路由，注册后不可修改
type RouteConfig struct {
	// PathPrefix 路径前缀，按段匹配：/api/orders 匹配 /api/orders 与 /api/orders/1，不匹配 /api/ordersx
	PathPrefix string `json:"pathPrefix" yaml:"pathPrefix" mapstructure:"path_prefix"`

	// ServiceName 注册中心中的服务名
	ServiceName string `json:"serviceName" yaml:"serviceName" mapstructure:"service_name"`

	// AllowedMethods 允许的方法，为空表示不限制
	AllowedMethods []string `json:"allowedMethods,omitempty" yaml:"allowedMethods" mapstructure:"allowed_methods"`

	// RateLimit 按客户端 IP 限流
	RateLimit *ratelimit.Limit `json:"rateLimit,omitempty" yaml:"rateLimit" mapstructure:"rate_limit"`

	// RequiresAuth 要求有效的 JWT
	RequiresAuth bool `json:"requiresAuth,omitempty" yaml:"requiresAuth" mapstructure:"requires_auth"`

	// RequiredRoles 认证后还需具备的角色
	RequiredRoles []string `json:"requiredRoles,omitempty" yaml:"requiredRoles" mapstructure:"required_roles"`

	// Cache 缓存 GET 的 2xx 响应
	Cache *CacheConfig `json:"cache,omitempty" yaml:"cache" mapstructure:"cache"`

	// Retry 转发重试，默认只尝试一次
	Retry *RetryConfig `json:"retry,omitempty" yaml:"retry" mapstructure:"retry"`

	// Strategy 实例选择策略，默认 round-robin
	Strategy registry.Strategy `json:"strategy,omitempty" yaml:"strategy" mapstructure:"strategy"`

	// StripPrefix 转发前去掉 PathPrefix
	StripPrefix bool `json:"stripPrefix,omitempty" yaml:"stripPrefix" mapstructure:"strip_prefix"`
}

// CacheConfig 响应缓存
type CacheConfig struct {
	TTL time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
}

// RetryConfig 转发重试，第 n 次失败后等待 Delay*n
type RetryConfig struct {
	Attempts int           `json:"attempts" yaml:"attempts" mapstructure:"attempts"`
	Delay    time.Duration `json:"delay" yaml:"delay" mapstructure:"delay"`
}

func (r *RouteConfig) normalize() error {
	if r.ServiceName == "" {
		return xerrors.Wrap(ErrInvalidRoute, "service name is required")
	}
	if !strings.HasPrefix(r.PathPrefix, "/") {
		return xerrors.Wrapf(ErrInvalidRoute, "path prefix %q must start with /", r.PathPrefix)
	}
	if r.PathPrefix != "/" {
		r.PathPrefix = strings.TrimRight(r.PathPrefix, "/")
	}
	for _, reserved := range reservedPaths {
		if r.PathPrefix == reserved || strings.HasPrefix(reserved, r.PathPrefix+"/") && r.PathPrefix != "/" {
			return xerrors.Wrapf(ErrInvalidRoute, "path prefix %q conflicts with %s", r.PathPrefix, reserved)
		}
	}
	if r.RateLimit != nil && !r.RateLimit.Valid() {
		return xerrors.Wrap(ErrInvalidRoute, "rate limit requires positive rate and burst")
	}
	if r.Cache != nil && r.Cache.TTL <= 0 {
		return xerrors.Wrap(ErrInvalidRoute, "cache ttl must be positive")
	}
	if r.Retry != nil && r.Retry.Attempts < 1 {
		r.Retry.Attempts = 1
	}
	if r.Strategy == "" {
		r.Strategy = registry.StrategyRoundRobin
	}

	methods := make([]string, 0, len(r.AllowedMethods))
	for _, m := range r.AllowedMethods {
		methods = append(methods, strings.ToUpper(strings.TrimSpace(m)))
	}
	r.AllowedMethods = methods
	return nil
}

func (r *RouteConfig) attempts() int {
	if r.Retry == nil || r.Retry.Attempts < 1 {
		return 1
	}
	return r.Retry.Attempts
}

func (r *RouteConfig) retryDelay() time.Duration {
	if r.Retry == nil {
		return 0
	}
	return r.Retry.Delay
}

func (r *RouteConfig) allows(method string) bool {
	return len(r.AllowedMethods) == 0 || slices.Contains(r.AllowedMethods, method)
}

func (r *RouteConfig) matches(path string) bool {
	if r.PathPrefix == "/" || path == r.PathPrefix {
		return true
	}
	return strings.HasPrefix(path, r.PathPrefix+"/")
}

func (r *RouteConfig) clone() RouteConfig {
	c := *r
	c.AllowedMethods = slices.Clone(r.AllowedMethods)
	c.RequiredRoles = slices.Clone(r.RequiredRoles)
	if r.RateLimit != nil {
		l := *r.RateLimit
		c.RateLimit = &l
	}
	if r.Cache != nil {
		cc := *r.Cache
		c.Cache = &cc
	}
	if r.Retry != nil {
		rc := *r.Retry
		c.Retry = &rc
	}
	return c
}

var reservedPaths = []string{"/health", "/services", "/metrics"}
