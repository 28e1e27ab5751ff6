package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/connector"
	"github.com/ceyewan/controlplane/xerrors"
)

// MirrorConfig Etcd 镜像配置
type MirrorConfig struct {
	// Conn 已连接的 Etcd 连接器，必填
	Conn connector.EtcdConnector `json:"-" yaml:"-"`

	// Prefix key 前缀，默认 /controlplane/services
	Prefix string `json:"prefix" yaml:"prefix" mapstructure:"prefix"`

	// TTL 租约时长，默认 30s
	TTL time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`

	// OpTimeout 单次 Etcd 操作超时，默认 3s
	OpTimeout time.Duration `json:"opTimeout" yaml:"opTimeout" mapstructure:"op_timeout"`
}

func (c *MirrorConfig) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "/controlplane/services"
	}
	c.Prefix = strings.TrimRight(c.Prefix, "/")
	if c.TTL < time.Second {
		c.TTL = 30 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 3 * time.Second
	}
}

type mirrorLease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
	closed uint32
}

// etcdMirror 按事件把实例记录写入 Etcd，写入失败只记录日志，不影响内存状态
type etcdMirror struct {
	client *clientv3.Client
	cfg    MirrorConfig
	logger clog.Logger

	mu      sync.Mutex
	leases  map[string]*mirrorLease // 实例 ID -> 租约
	removed map[string]struct{}     // 已移除的实例，晚到的写入直接丢弃
	wg      sync.WaitGroup
}

func newEtcdMirror(cfg *MirrorConfig, logger clog.Logger) (*etcdMirror, error) {
	if cfg.Conn == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "registry: etcd mirror requires a connector")
	}
	c := *cfg
	c.setDefaults()
	return &etcdMirror{
		client:  cfg.Conn.GetClient(),
		cfg:     c,
		logger:  logger.WithNamespace("mirror"),
		leases:  make(map[string]*mirrorLease),
		removed: make(map[string]struct{}),
	}, nil
}

func (m *etcdMirror) key(inst ServiceInstance) string {
	return fmt.Sprintf("%s/%s/%s", m.cfg.Prefix, inst.Name, inst.ID)
}

func (m *etcdMirror) handle(ctx context.Context, ev Event) {
	if ev.Type == EventDeregistered || ev.Instance.Status == StatusStopped {
		m.remove(ctx, ev.Instance)
		return
	}
	if err := m.put(ctx, ev.Instance); err != nil {
		m.logger.Warn("failed to mirror instance",
			clog.String("service", ev.Instance.Name),
			clog.String("instance_id", ev.Instance.ID),
			clog.Error(err))
	}
}

func (m *etcdMirror) put(ctx context.Context, inst ServiceInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, gone := m.removed[inst.ID]; gone {
		return nil
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.OpTimeout)
	defer cancel()

	value, err := json.Marshal(inst)
	if err != nil {
		return xerrors.Wrap(err, "marshal instance")
	}

	lease, ok := m.leases[inst.ID]
	if !ok {
		grant, err := m.client.Grant(opCtx, int64(m.cfg.TTL.Seconds()))
		if err != nil {
			return xerrors.Wrap(err, "grant lease")
		}
		kaCtx, kaCancel := context.WithCancel(context.Background())
		kaCh, err := m.client.KeepAlive(kaCtx, grant.ID)
		if err != nil {
			kaCancel()
			if _, revokeErr := m.client.Revoke(opCtx, grant.ID); revokeErr != nil {
				m.logger.Warn("failed to revoke lease", clog.Error(revokeErr))
			}
			return xerrors.Wrap(err, "keepalive lease")
		}
		lease = &mirrorLease{id: grant.ID, cancel: kaCancel}
		m.leases[inst.ID] = lease
		m.wg.Add(1)
		go m.drainKeepAlive(inst, lease, kaCh)
	}

	if _, err := m.client.Put(opCtx, m.key(inst), string(value), clientv3.WithLease(lease.id)); err != nil {
		return xerrors.Wrap(err, "put instance")
	}
	return nil
}

func (m *etcdMirror) remove(ctx context.Context, inst ServiceInstance) {
	m.mu.Lock()
	m.removed[inst.ID] = struct{}{}
	lease, ok := m.leases[inst.ID]
	delete(m.leases, inst.ID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.revoke(ctx, inst.ID, lease)
}

// revoke 撤销租约，绑定的 key 随之删除
func (m *etcdMirror) revoke(ctx context.Context, id string, lease *mirrorLease) {
	atomic.StoreUint32(&lease.closed, 1)
	lease.cancel()

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.OpTimeout)
	defer cancel()
	if _, err := m.client.Revoke(opCtx, lease.id); err != nil {
		m.logger.Warn("failed to revoke lease",
			clog.String("instance_id", id),
			clog.Int64("lease_id", int64(lease.id)),
			clog.Error(err))
	}
}

func (m *etcdMirror) drainKeepAlive(inst ServiceInstance, lease *mirrorLease, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	defer m.wg.Done()
	for resp := range ch {
		m.logger.Debug("keepalive renewed",
			clog.String("instance_id", inst.ID),
			clog.Int64("ttl", resp.TTL))
	}
	if atomic.LoadUint32(&lease.closed) == 1 {
		return
	}
	// 租约过期或连接断开；下一次状态变化时重新授予租约
	m.logger.Error("keepalive channel closed, lease expired or connection lost",
		clog.String("service", inst.Name),
		clog.String("instance_id", inst.ID),
		clog.Int64("lease_id", int64(lease.id)))
	m.mu.Lock()
	if m.leases[inst.ID] == lease {
		delete(m.leases, inst.ID)
	}
	m.mu.Unlock()
}

func (m *etcdMirror) close(ctx context.Context) {
	m.mu.Lock()
	leases := m.leases
	m.leases = make(map[string]*mirrorLease)
	m.mu.Unlock()

	for id, lease := range leases {
		m.revoke(ctx, id, lease)
	}
	m.wg.Wait()
}

// Discover 从 Etcd 读取某个服务的镜像实例，供不持有 Registry 的进程使用
func Discover(ctx context.Context, conn connector.EtcdConnector, prefix, name string) ([]ServiceInstance, error) {
	cfg := MirrorConfig{Prefix: prefix}
	cfg.setDefaults()

	resp, err := conn.GetClient().Get(ctx, fmt.Sprintf("%s/%s/", cfg.Prefix, name), clientv3.WithPrefix())
	if err != nil {
		return nil, xerrors.Wrap(err, "registry: discover")
	}
	out := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst ServiceInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}
