package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/ceyewan/controlplane/cache/serializer"
	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/xerrors"
)

// defaultTTL 未指定 TTL 时使用的过期时间（100 年，视为永久）
const defaultTTL = 24 * 365 * 100 * time.Hour

type standaloneCache struct {
	cache      *otter.Cache[string, []byte]
	serializer serializer.Serializer
	prefix     string
	counter    *hitCounter
	logger     clog.Logger
}

func newStandalone(cfg *Config, o *options) (Cache, error) {
	s, err := serializer.New(cfg.Serializer)
	if err != nil {
		return nil, err
	}
	counter, err := newHitCounter(o.meter, ModeStandalone)
	if err != nil {
		return nil, err
	}

	// 写入过期策略与 Redis TTL 语义一致：读取不会重置 TTL
	c, err := otter.New(&otter.Options[string, []byte]{
		MaximumSize:      cfg.Capacity,
		ExpiryCalculator: otter.ExpiryWriting[string, []byte](defaultTTL),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "cache: build otter cache")
	}

	o.logger.Info("standalone cache created",
		clog.Int("capacity", cfg.Capacity),
		clog.String("serializer", cfg.Serializer))

	return &standaloneCache{
		cache:      c,
		serializer: s,
		prefix:     cfg.Prefix,
		counter:    counter,
		logger:     o.logger,
	}, nil
}

func (c *standaloneCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := c.serializer.Marshal(value)
	if err != nil {
		return xerrors.Wrap(err, "cache: marshal")
	}
	k := c.prefix + key
	c.cache.Set(k, data)
	if ttl > 0 {
		c.cache.SetExpiresAfter(k, ttl)
	}
	return nil
}

func (c *standaloneCache) Get(ctx context.Context, key string, dest any) error {
	data, ok := c.cache.GetIfPresent(c.prefix + key)
	if !ok {
		c.counter.miss(ctx)
		return ErrMiss
	}
	c.counter.hit(ctx)
	if err := c.serializer.Unmarshal(data, dest); err != nil {
		return xerrors.Wrap(err, "cache: unmarshal")
	}
	return nil
}

func (c *standaloneCache) Delete(ctx context.Context, key string) error {
	c.cache.Invalidate(c.prefix + key)
	return nil
}

func (c *standaloneCache) Has(ctx context.Context, key string) (bool, error) {
	_, ok := c.cache.GetIfPresent(c.prefix + key)
	return ok, nil
}

func (c *standaloneCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	k := c.prefix + key
	if _, ok := c.cache.GetIfPresent(k); !ok {
		return ErrMiss
	}
	c.cache.SetExpiresAfter(k, ttl)
	return nil
}

func (c *standaloneCache) Stats() Stats {
	return c.counter.stats(c.cache.EstimatedSize())
}

func (c *standaloneCache) Close() error {
	c.cache.StopAllGoroutines()
	return nil
}
