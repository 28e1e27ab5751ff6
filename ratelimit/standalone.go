package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/xerrors"
)

// limiterWrapper 包装 rate.Limiter 并记录最后访问时间（UnixNano）
type limiterWrapper struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

func (w *limiterWrapper) touch() {
	w.lastSeen.Store(time.Now().UnixNano())
}

// standaloneLimiter 单机限流器实现
type standaloneLimiter struct {
	cfg      *StandaloneConfig
	logger   clog.Logger
	metrics  *limiterMetrics
	limiters sync.Map // map[string]*limiterWrapper
	stopCh   chan struct{}
	once     sync.Once
	closed   atomic.Bool
}

func newStandalone(cfg *StandaloneConfig, o *options) (Limiter, error) {
	c := StandaloneConfig{}
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()

	m, err := newLimiterMetrics(o.meter, string(DriverStandalone))
	if err != nil {
		return nil, err
	}

	l := &standaloneLimiter{
		cfg:     &c,
		logger:  o.logger,
		metrics: m,
		stopCh:  make(chan struct{}),
	}
	go l.cleanup(c.CleanupInterval, c.IdleTimeout)

	l.logger.Info("standalone rate limiter created",
		clog.Duration("cleanup_interval", c.CleanupInterval),
		clog.Duration("idle_timeout", c.IdleTimeout))
	return l, nil
}

func (l *standaloneLimiter) Allow(ctx context.Context, key string, limit Limit) (bool, error) {
	return l.AllowN(ctx, key, limit, 1)
}

func (l *standaloneLimiter) AllowN(ctx context.Context, key string, limit Limit, n int) (bool, error) {
	if err := l.check(key, limit); err != nil {
		return false, err
	}
	if n <= 0 {
		return false, xerrors.Wrap(ErrInvalidLimit, "n must be positive")
	}

	wrapper := l.getLimiter(key, limit)
	wrapper.touch()
	allowed := wrapper.limiter.AllowN(time.Now(), n)
	l.metrics.observe(ctx, allowed)

	l.logger.Debug("rate limit check",
		clog.String("key", key),
		clog.Bool("allowed", allowed),
		clog.Float64("rate", limit.Rate),
		clog.Int("burst", limit.Burst),
		clog.Int("requested", n))
	return allowed, nil
}

func (l *standaloneLimiter) Wait(ctx context.Context, key string, limit Limit) error {
	if err := l.check(key, limit); err != nil {
		return err
	}
	wrapper := l.getLimiter(key, limit)
	wrapper.touch()
	return wrapper.limiter.Wait(ctx)
}

func (l *standaloneLimiter) check(key string, limit Limit) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if key == "" {
		return ErrKeyEmpty
	}
	if !limit.Valid() {
		return ErrInvalidLimit
	}
	return nil
}

// getLimiter 获取或创建指定 key 的限流器，规则变化时视为新的 key
func (l *standaloneLimiter) getLimiter(key string, limit Limit) *limiterWrapper {
	cacheKey := fmt.Sprintf("%s:%v:%d", key, limit.Rate, limit.Burst)
	if v, ok := l.limiters.Load(cacheKey); ok {
		return v.(*limiterWrapper)
	}

	wrapper := &limiterWrapper{limiter: rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst)}
	wrapper.touch()
	actual, _ := l.limiters.LoadOrStore(cacheKey, wrapper)
	return actual.(*limiterWrapper)
}

// cleanup 定期清理空闲的限流器
func (l *standaloneLimiter) cleanup(interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-idleTimeout).UnixNano()
			count := 0
			l.limiters.Range(func(key, value any) bool {
				if value.(*limiterWrapper).lastSeen.Load() < cutoff {
					l.limiters.Delete(key)
					count++
				}
				return true
			})
			if count > 0 {
				l.logger.Debug("cleaned up idle limiters", clog.Int("count", count))
			}
		case <-l.stopCh:
			return
		}
	}
}

// size 当前缓存的限流器数量
func (l *standaloneLimiter) size() int {
	n := 0
	l.limiters.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (l *standaloneLimiter) Close() error {
	l.once.Do(func() {
		l.closed.Store(true)
		close(l.stopCh)
	})
	return nil
}
