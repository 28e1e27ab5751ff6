// Package cache 为网关的 GET 响应缓存提供键值存储，支持本地内存与 Redis 两种后端。
//
// - standalone：基于 maypok86/otter/v2 的进程内缓存，按写入时间过期
// - distributed：基于 Redis，多个网关实例共享缓存
//
// 两种后端都先经过序列化（默认 msgpack），取出的值与缓存中的数据互不影响。
//
// 基本使用：
//
//	c, _ := cache.New(&cache.Config{Mode: cache.ModeStandalone}, cache.WithLogger(logger))
//	defer c.Close()
//
//	_ = c.Set(ctx, "GET:/api/products", resp, 30*time.Second)
//
//	var cached Response
//	if err := c.Get(ctx, "GET:/api/products", &cached); xerrors.Is(err, cache.ErrMiss) {
//	    // 未命中
//	}
package cache

import (
	"context"
	"time"

	"github.com/ceyewan/controlplane/xerrors"
)

// Cache 键值缓存能力
type Cache interface {
	// Set 写入缓存，ttl <= 0 表示不过期
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Get 读取缓存到 dest，未命中返回 ErrMiss
	Get(ctx context.Context, key string, dest any) error

	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)

	// Expire 重新设置过期时间，key 不存在返回 ErrMiss
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Stats 返回命中统计
	Stats() Stats

	// Close 释放后台资源，Redis 连接由 Connector 管理
	Close() error
}

// Stats 缓存命中统计
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"` // distributed 模式为 -1
}

// HitRate 命中率，尚无访问时为 0
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// New 根据配置创建缓存实例，distributed 模式需要 WithRedisConnector
func New(cfg *Config, opts ...Option) (Cache, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	c := *cfg
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	switch c.Mode {
	case ModeStandalone:
		return newStandalone(&c, o)
	case ModeDistributed:
		if o.redisConn == nil {
			return nil, xerrors.WithCode(ErrConnectorNil, "redis_connector_required")
		}
		return newRedis(o.redisConn, &c, o)
	default:
		return nil, xerrors.Wrapf(xerrors.ErrInvalidInput, "cache: unknown mode %q", c.Mode)
	}
}
