// Package ratelimit 为网关路由提供令牌桶限流，支持单机和分布式两种模式。
//
// - 单机模式：基于 golang.org/x/time/rate 的内存限流，空闲 key 定期清理
// - 分布式模式：基于 Redis + Lua 的令牌桶，多个网关实例共享配额
// - GinMiddleware：被限流时返回 429，限流器故障时放行
//
// ## 基本使用
//
//	limiter, _ := ratelimit.New(&ratelimit.Config{Driver: ratelimit.DriverStandalone},
//	    ratelimit.WithLogger(logger))
//	defer limiter.Close()
//
//	allowed, _ := limiter.Allow(ctx, "route:/api/orders:10.0.0.1", ratelimit.Limit{Rate: 10, Burst: 20})
//	if !allowed {
//	    return http.StatusTooManyRequests
//	}
//
// ## 分布式模式
//
//	limiter, _ := ratelimit.New(&ratelimit.Config{
//	    Driver:      ratelimit.DriverDistributed,
//	    Distributed: &ratelimit.DistributedConfig{Prefix: "controlplane:ratelimit:"},
//	}, ratelimit.WithRedisConnector(redisConn), ratelimit.WithLogger(logger))
package ratelimit

import (
	"context"
	"time"

	"github.com/ceyewan/controlplane/connector"
	"github.com/ceyewan/controlplane/xerrors"
)

// ========================================
// 接口定义 (Interface Definitions)
// ========================================

// Limit 定义限流规则（令牌桶算法）
type Limit struct {
	Rate  float64 `json:"rate" yaml:"rate" mapstructure:"rate"`    // 令牌生成速率（每秒生成多少个令牌）
	Burst int     `json:"burst" yaml:"burst" mapstructure:"burst"` // 令牌桶容量（突发最大请求数）
}

// Valid 速率与容量均为正数
func (l Limit) Valid() bool {
	return l.Rate > 0 && l.Burst > 0
}

// Limiter 限流器核心接口
type Limiter interface {
	// Allow 尝试获取 1 个令牌（非阻塞）
	// 返回: allowed（是否允许）, error（系统错误）
	Allow(ctx context.Context, key string, limit Limit) (bool, error)

	// AllowN 尝试获取 N 个令牌（非阻塞）
	AllowN(ctx context.Context, key string, limit Limit, n int) (bool, error)

	// Wait 阻塞等待直到获取 1 个令牌，分布式模式返回 ErrNotSupported
	Wait(ctx context.Context, key string, limit Limit) error

	// Close 释放后台资源
	Close() error
}

// ========================================
// 配置定义 (Configuration)
// ========================================

// Driver 限流模式
type Driver string

const (
	DriverStandalone  Driver = "standalone"
	DriverDistributed Driver = "distributed"
)

// Config 限流组件配置
type Config struct {
	Driver      Driver             `json:"driver" yaml:"driver" mapstructure:"driver"` // 默认 standalone
	Standalone  *StandaloneConfig  `json:"standalone" yaml:"standalone" mapstructure:"standalone"`
	Distributed *DistributedConfig `json:"distributed" yaml:"distributed" mapstructure:"distributed"`
}

// StandaloneConfig 单机限流配置
type StandaloneConfig struct {
	// CleanupInterval 清理空闲限流器的间隔（默认：1 分钟）
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval" mapstructure:"cleanup_interval"`

	// IdleTimeout 限流器空闲超时时间（默认：5 分钟）
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

func (c *StandaloneConfig) setDefaults() {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
}

// DistributedConfig 分布式限流配置
type DistributedConfig struct {
	// Prefix Redis Key 前缀（默认："ratelimit:"）
	Prefix string `json:"prefix" yaml:"prefix" mapstructure:"prefix"`
}

func (c *DistributedConfig) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "ratelimit:"
	}
}

// ========================================
// 工厂函数 (Factory Functions)
// ========================================

// New 按 Driver 创建限流器，分布式模式需要 WithRedisConnector
func New(cfg *Config, opts ...Option) (Limiter, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	o := applyOptions(opts)

	switch cfg.Driver {
	case "", DriverStandalone:
		return newStandalone(cfg.Standalone, o)
	case DriverDistributed:
		if o.redisConn == nil {
			return nil, xerrors.WithCode(ErrConnectorNil, "redis_connector_required")
		}
		return newDistributed(cfg.Distributed, o.redisConn, o)
	default:
		return nil, xerrors.Wrapf(xerrors.ErrInvalidInput, "ratelimit: unknown driver %q", cfg.Driver)
	}
}

// NewStandalone 创建单机限流器，cfg 为 nil 时使用默认配置
func NewStandalone(cfg *StandaloneConfig, opts ...Option) (Limiter, error) {
	return newStandalone(cfg, applyOptions(opts))
}

// NewDistributed 创建分布式限流器
func NewDistributed(redisConn connector.RedisConnector, cfg *DistributedConfig, opts ...Option) (Limiter, error) {
	if redisConn == nil {
		return nil, xerrors.WithCode(ErrConnectorNil, "redis_connector_required")
	}
	return newDistributed(cfg, redisConn, applyOptions(opts))
}
