package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/controlplane/cache/serializer"
	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/connector"
	"github.com/ceyewan/controlplane/xerrors"
)

type redisCache struct {
	client     *redis.Client
	serializer serializer.Serializer
	prefix     string
	counter    *hitCounter
	logger     clog.Logger
}

func newRedis(conn connector.RedisConnector, cfg *Config, o *options) (Cache, error) {
	s, err := serializer.New(cfg.Serializer)
	if err != nil {
		return nil, err
	}
	counter, err := newHitCounter(o.meter, ModeDistributed)
	if err != nil {
		return nil, err
	}

	o.logger.Info("redis cache created",
		clog.String("prefix", cfg.Prefix),
		clog.String("serializer", cfg.Serializer))

	return &redisCache{
		client:     conn.GetClient(),
		serializer: s,
		prefix:     cfg.Prefix,
		counter:    counter,
		logger:     o.logger,
	}, nil
}

func (c *redisCache) key(key string) string {
	return c.prefix + key
}

func (c *redisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := c.serializer.Marshal(value)
	if err != nil {
		return xerrors.Wrap(err, "cache: marshal")
	}
	if ttl < 0 {
		ttl = 0
	}
	return c.client.Set(ctx, c.key(key), data, ttl).Err()
}

func (c *redisCache) Get(ctx context.Context, key string, dest any) error {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if xerrors.Is(err, redis.Nil) {
		c.counter.miss(ctx)
		return ErrMiss
	}
	if err != nil {
		c.logger.Warn("redis cache get failed", clog.String("key", key), clog.Error(err))
		return err
	}
	c.counter.hit(ctx)
	if err := c.serializer.Unmarshal(data, dest); err != nil {
		return xerrors.Wrap(err, "cache: unmarshal")
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

func (c *redisCache) Has(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *redisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := c.client.Expire(ctx, c.key(key), ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrMiss
	}
	return nil
}

func (c *redisCache) Stats() Stats {
	return c.counter.stats(-1)
}

// Close 不拥有 Redis 连接，由 Connector 关闭
func (c *redisCache) Close() error {
	return nil
}
