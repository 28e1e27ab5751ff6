package dlock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/connector"
	"github.com/ceyewan/controlplane/metrics"
	"github.com/ceyewan/controlplane/xerrors"
)

// 只有 token 匹配时才删除或续期
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

type redisLocker struct {
	client  *redis.Client
	cfg     Config
	logger  clog.Logger
	metrics *lockMetrics

	mu    sync.Mutex
	locks map[string]*redisLease
}

type redisLease struct {
	key   string
	token string
	stop  chan struct{}
	done  chan struct{}
}

// NewRedis 创建基于 Redis SET NX PX 的 Locker
func NewRedis(conn connector.RedisConnector, cfg *Config, opts ...Option) (Locker, error) {
	return newRedis(conn, cfg, applyOptions(opts))
}

func newRedis(conn connector.RedisConnector, cfg *Config, o *options) (Locker, error) {
	if conn == nil {
		return nil, ErrConnectorNil
	}
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()
	m, err := newLockMetrics(o.meter, DriverRedis)
	if err != nil {
		return nil, err
	}
	return &redisLocker{
		client:  conn.GetClient(),
		cfg:     c,
		logger:  o.logger.With(clog.String("backend", string(DriverRedis))),
		metrics: m,
		locks:   make(map[string]*redisLease),
	}, nil
}

func (l *redisLocker) TryLock(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.locks[key]; ok {
		return false, xerrors.Wrapf(ErrLockAlreadyHeld, "key: %s", key)
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.cfg.Prefix+key, token, l.cfg.TTL).Result()
	if err != nil {
		l.metrics.attempt(ctx, metrics.OutcomeError)
		return false, xerrors.Wrap(err, "dlock: acquire")
	}
	if !ok {
		l.metrics.attempt(ctx, outcomeBusy)
		return false, nil
	}

	lease := &redisLease{key: key, token: token, stop: make(chan struct{}), done: make(chan struct{})}
	l.locks[key] = lease
	go l.renew(lease)

	l.metrics.attempt(ctx, outcomeAcquired)
	l.logger.InfoContext(ctx, "lock acquired", clog.String("key", key))
	return true, nil
}

func (l *redisLocker) Unlock(ctx context.Context, key string) error {
	lease := l.take(key)
	if lease == nil {
		return xerrors.Wrapf(ErrLockNotHeld, "key: %s", key)
	}
	return l.release(ctx, lease)
}

func (l *redisLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.locks[key]
	return ok
}

func (l *redisLocker) Close() error {
	l.mu.Lock()
	leases := make([]*redisLease, 0, len(l.locks))
	for key, lease := range l.locks {
		leases = append(leases, lease)
		delete(l.locks, key)
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var errs []error
	for _, lease := range leases {
		errs = append(errs, l.release(ctx, lease))
	}
	return xerrors.Combine(errs...)
}

func (l *redisLocker) take(key string) *redisLease {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease, ok := l.locks[key]
	if !ok {
		return nil
	}
	delete(l.locks, key)
	return lease
}

func (l *redisLocker) release(ctx context.Context, lease *redisLease) error {
	close(lease.stop)
	<-lease.done

	n, err := releaseScript.Run(ctx, l.client, []string{l.cfg.Prefix + lease.key}, lease.token).Int64()
	if err != nil {
		return xerrors.Wrap(err, "dlock: release")
	}
	if n == 0 {
		return xerrors.Wrapf(ErrOwnershipLost, "key: %s", lease.key)
	}
	l.logger.InfoContext(ctx, "lock released", clog.String("key", lease.key))
	return nil
}

// renew 每 TTL/3 续期一次，失败后移除本地记录
func (l *redisLocker) renew(lease *redisLease) {
	defer close(lease.done)
	ticker := time.NewTicker(l.cfg.TTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-lease.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.TTL/3)
		n, err := renewScript.Run(ctx, l.client, []string{l.cfg.Prefix + lease.key},
			lease.token, l.cfg.TTL.Milliseconds()).Int64()
		cancel()
		if err == nil && n == 1 {
			continue
		}

		l.mu.Lock()
		if l.locks[lease.key] == lease {
			delete(l.locks, lease.key)
		}
		l.mu.Unlock()
		l.metrics.lose(context.Background())
		if err != nil {
			l.logger.Error("lock renewal failed", clog.String("key", lease.key), clog.Error(err))
		} else {
			l.logger.Warn("lock ownership lost", clog.String("key", lease.key))
		}
		return
	}
}
