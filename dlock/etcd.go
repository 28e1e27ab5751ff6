package dlock

import (
	"context"
	"sync"
	"time"

	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/connector"
	"github.com/ceyewan/controlplane/metrics"
	"github.com/ceyewan/controlplane/xerrors"
)

// etcdLocker 所有锁共享一个 Session，租约由 Session KeepAlive 续期
type etcdLocker struct {
	session *concurrency.Session
	cfg     Config
	logger  clog.Logger
	metrics *lockMetrics

	mu    sync.Mutex
	locks map[string]*concurrency.Mutex
}

// NewEtcd 创建基于 concurrency.Mutex 的 Locker
func NewEtcd(conn connector.EtcdConnector, cfg *Config, opts ...Option) (Locker, error) {
	return newEtcd(conn, cfg, applyOptions(opts))
}

func newEtcd(conn connector.EtcdConnector, cfg *Config, o *options) (Locker, error) {
	if conn == nil {
		return nil, ErrConnectorNil
	}
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()
	m, err := newLockMetrics(o.meter, DriverEtcd)
	if err != nil {
		return nil, err
	}

	session, err := concurrency.NewSession(conn.GetClient(), concurrency.WithTTL(int(c.TTL/time.Second)))
	if err != nil {
		return nil, xerrors.Wrap(err, "dlock: create etcd session")
	}
	l := &etcdLocker{
		session: session,
		cfg:     c,
		logger:  o.logger.With(clog.String("backend", string(DriverEtcd))),
		metrics: m,
		locks:   make(map[string]*concurrency.Mutex),
	}
	go l.watchSession()
	return l, nil
}

func (l *etcdLocker) TryLock(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.locks[key]; ok {
		return false, xerrors.Wrapf(ErrLockAlreadyHeld, "key: %s", key)
	}
	if l.expired() {
		l.metrics.attempt(ctx, metrics.OutcomeError)
		return false, xerrors.Wrap(ErrOwnershipLost, "dlock: etcd session expired")
	}

	mutex := concurrency.NewMutex(l.session, l.cfg.Prefix+key)
	if err := mutex.TryLock(ctx); err != nil {
		if xerrors.Is(err, concurrency.ErrLocked) {
			l.metrics.attempt(ctx, outcomeBusy)
			return false, nil
		}
		l.metrics.attempt(ctx, metrics.OutcomeError)
		return false, xerrors.Wrap(err, "dlock: acquire")
	}
	l.locks[key] = mutex

	l.metrics.attempt(ctx, outcomeAcquired)
	l.logger.InfoContext(ctx, "lock acquired", clog.String("key", key))
	return true, nil
}

func (l *etcdLocker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	mutex, ok := l.locks[key]
	delete(l.locks, key)
	l.mu.Unlock()
	if !ok {
		return xerrors.Wrapf(ErrLockNotHeld, "key: %s", key)
	}
	if err := mutex.Unlock(ctx); err != nil {
		return xerrors.Wrap(err, "dlock: release")
	}
	l.logger.InfoContext(ctx, "lock released", clog.String("key", key))
	return nil
}

func (l *etcdLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.locks[key]
	return ok && !l.expired()
}

// Close 关闭 Session，撤销租约后全部锁随之释放
func (l *etcdLocker) Close() error {
	l.mu.Lock()
	clear(l.locks)
	l.mu.Unlock()
	return l.session.Close()
}

func (l *etcdLocker) expired() bool {
	select {
	case <-l.session.Done():
		return true
	default:
		return false
	}
}

// watchSession 租约失效后清空本地锁
func (l *etcdLocker) watchSession() {
	<-l.session.Done()
	l.mu.Lock()
	lost := len(l.locks)
	clear(l.locks)
	l.mu.Unlock()
	if lost > 0 {
		l.metrics.lose(context.Background())
		l.logger.Warn("etcd session expired, locks lost", clog.Int("locks", lost))
	}
}
