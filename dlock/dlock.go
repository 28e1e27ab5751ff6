// Package dlock 提供基于 Redis 或 Etcd 的分布式租约锁。
//
// 多个控制面副本共享同一个后端时，自动扩缩容通过它选出唯一执行决策的副本：
// 持有者的租约由后台自动续期，续期失败或所有权丢失后 Held 立即返回 false。
//
//	locker, _ := dlock.NewRedis(redisConn, &dlock.Config{Prefix: "controlplane:lock:"},
//	    dlock.WithLogger(logger))
//	defer locker.Close()
//
//	if ok, _ := locker.TryLock(ctx, "autoscaler"); ok {
//	    defer locker.Unlock(ctx, "autoscaler")
//	}
package dlock

import (
	"context"
	"time"

	"github.com/ceyewan/controlplane/xerrors"
)

// Locker 分布式租约锁
type Locker interface {
	// TryLock 非阻塞加锁，锁被其他持有者占用时返回 false, nil；本地已持有返回 ErrLockAlreadyHeld
	TryLock(ctx context.Context, key string) (bool, error)

	// Unlock 释放本地持有的锁，所有权已丢失时返回 ErrOwnershipLost
	Unlock(ctx context.Context, key string) error

	// Held 本地是否仍持有该锁
	Held(key string) bool

	// Close 停止续期并释放全部锁，连接由 Connector 管理
	Close() error
}

// Driver 后端类型
type Driver string

const (
	DriverRedis Driver = "redis"
	DriverEtcd  Driver = "etcd"
)

// Config 锁配置
type Config struct {
	// Driver redis|etcd，仅 New 使用
	Driver Driver `json:"driver" yaml:"driver" mapstructure:"driver"`

	// Prefix 锁 Key 前缀，默认 controlplane:lock:
	Prefix string `json:"prefix" yaml:"prefix" mapstructure:"prefix"`

	// TTL 租约时长，默认 15s，Redis 每 TTL/3 续期一次
	TTL time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
}

func (c *Config) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "controlplane:lock:"
	}
	if c.TTL < time.Second {
		c.TTL = 15 * time.Second
	}
}

// New 按 Driver 创建 Locker，需要对应的 WithRedisConnector 或 WithEtcdConnector
func New(cfg *Config, opts ...Option) (Locker, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	o := applyOptions(opts)
	switch cfg.Driver {
	case DriverRedis:
		return newRedis(o.redisConn, cfg, o)
	case DriverEtcd:
		return newEtcd(o.etcdConn, cfg, o)
	default:
		return nil, xerrors.Wrapf(ErrUnknownDriver, "%q", cfg.Driver)
	}
}
