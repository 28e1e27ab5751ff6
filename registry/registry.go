// Package registry 维护服务实例及其健康状态，是网关选择下游实例的依据。
//
// 实例生命周期：
//
//	STARTING --首次探测成功--> HEALTHY <--心跳超时/探测失败/心跳或探测恢复--> UNHEALTHY
//	任意状态 --Deregister--> STOPPING（随即移除）；Stop 时全部置为 STOPPED 并清空
//
// 实例保持健康的两种方式：周期性调用 Heartbeat（间隔小于 HeartbeatTimeout），
// 或配置 HealthCheckPath 供主动探测（HTTP GET 期望 2xx，grpc 实例走 grpc.health.v1）。
// 探测成功等同于一次心跳。状态只在变化时发出事件，稳态不会重复通知。
//
// 基本使用：
//
//	reg, _ := registry.New(&registry.Config{}, registry.WithLogger(logger))
//	_ = reg.Start(ctx)
//	defer reg.Stop(ctx)
//
//	id, err := reg.Register(ctx, registry.RegisterConfig{
//	    Name: "order", Host: "10.0.0.5", Port: 8080, HealthCheckPath: "/health",
//	})
//	inst, err := reg.SelectInstance("order", registry.StrategyRoundRobin)
//
// ## Etcd 镜像
//
// 使用 WithEtcdMirror 时，实例记录以 JSON 写入 <prefix>/<name>/<id>，绑定租约，
// 注销或停止时撤销租约。其他进程可通过 Discover 读取：
//
//	reg, _ := registry.New(cfg, registry.WithEtcdMirror(&registry.MirrorConfig{Conn: etcdConn}))
package registry

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/xerrors"
)

// Registry 服务注册与发现
type Registry interface {
	// Register 创建 STARTING 状态的实例并安排延迟探测，返回新实例 ID
	// name/host 为空或端口非法时返回 ErrInvalidInstance，不会保存任何内容
	Register(ctx context.Context, cfg RegisterConfig) (string, error)

	// Deregister 先置为 STOPPING 通知观察者再移除，实例不存在时返回 false
	Deregister(ctx context.Context, name, id string) bool

	// Heartbeat 刷新心跳，UNHEALTHY 实例恢复为 HEALTHY，实例不存在时返回 false
	Heartbeat(ctx context.Context, name, id string) bool

	// GetHealthyServices 返回 HEALTHY 实例的副本，按注册顺序
	GetHealthyServices(name string) []ServiceInstance

	// GetServices 返回该服务全部实例的副本
	GetServices(name string) []ServiceInstance

	// ListAll 按服务名返回全部实例
	ListAll() map[string][]ServiceInstance

	Count(name string) int
	HealthyCount(name string) int

	// SelectInstance 在健康实例中按策略选择一个，没有健康实例返回 ErrNoHealthyInstance
	SelectInstance(name string, strategy Strategy) (*ServiceInstance, error)

	// Subscribe 订阅生命周期事件
	Subscribe(fn EventHandler)

	// CheckHealth 立即执行一轮健康检查
	CheckHealth(ctx context.Context)

	// Start 启动周期健康检查
	Start(ctx context.Context) error

	// Stop 停止健康检查，所有实例置为 STOPPED 并清空
	Stop(ctx context.Context) error
}

type memoryRegistry struct {
	cfg     *Config
	logger  clog.Logger
	metrics *registryMetrics
	prober  Prober
	mirror  *etcdMirror

	mu       sync.RWMutex
	services map[string][]*ServiceInstance // 按注册顺序
	timers   map[string]*time.Timer        // 实例 ID -> 延迟探测
	closed   bool

	subMu       sync.RWMutex
	subscribers []EventHandler

	cursors sync.Map // 服务名 -> *atomic.Uint64

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New 创建 Registry，cfg 为 nil 时使用默认配置
func New(cfg *Config, opts ...Option) (Registry, error) {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}

	o := applyOptions(opts)
	if o.prober == nil {
		o.prober = NewProber(c.ProbeTimeout)
	}

	m, err := newRegistryMetrics(o.meter)
	if err != nil {
		return nil, err
	}

	r := &memoryRegistry{
		cfg:      &c,
		logger:   o.logger,
		metrics:  m,
		prober:   o.prober,
		services: make(map[string][]*ServiceInstance),
		timers:   make(map[string]*time.Timer),
	}
	if o.mirror != nil {
		mirror, err := newEtcdMirror(o.mirror, o.logger)
		if err != nil {
			return nil, err
		}
		r.mirror = mirror
	}
	return r, nil
}

// ========================================
// 注册与心跳
// ========================================

func (r *memoryRegistry) Register(ctx context.Context, cfg RegisterConfig) (string, error) {
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolHTTP
	}
	if err := validateRegisterConfig(cfg); err != nil {
		r.logger.Warn("rejected invalid registration",
			clog.String("service", cfg.Name),
			clog.String("host", cfg.Host),
			clog.Int("port", cfg.Port))
		return "", err
	}

	now := time.Now()
	inst := &ServiceInstance{
		ID:              uuid.NewString(),
		Name:            cfg.Name,
		Version:         cfg.Version,
		Host:            cfg.Host,
		Port:            cfg.Port,
		Protocol:        cfg.Protocol,
		HealthCheckPath: cfg.HealthCheckPath,
		Status:          StatusStarting,
		RegisteredAt:    now,
		LastHeartbeat:   now,
	}
	if cfg.Metadata != nil {
		inst.Metadata = make(map[string]string, len(cfg.Metadata))
		for k, v := range cfg.Metadata {
			inst.Metadata[k] = v
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrRegistryClosed
	}
	r.services[inst.Name] = append(r.services[inst.Name], inst)
	name, id := inst.Name, inst.ID
	r.timers[id] = time.AfterFunc(r.cfg.InitialProbeDelay, func() {
		r.initialProbe(name, id)
	})
	ev := newEvent(EventRegistered, inst, "", "registered")
	counts := r.countsLocked(name)
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "service instance registered",
		clog.String("service", name),
		clog.String("instance_id", id),
		clog.String("address", inst.Address()))
	r.publish(ctx, counts, name, ev)
	return id, nil
}

func validateRegisterConfig(cfg RegisterConfig) error {
	if cfg.Name == "" || cfg.Host == "" {
		return xerrors.Wrap(ErrInvalidInstance, "name and host are required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return xerrors.Wrapf(ErrInvalidInstance, "port %d out of range", cfg.Port)
	}
	switch cfg.Protocol {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolGRPC:
		return nil
	default:
		return xerrors.Wrapf(ErrInvalidInstance, "unsupported protocol %q", cfg.Protocol)
	}
}

func (r *memoryRegistry) Deregister(ctx context.Context, name, id string) bool {
	r.mu.Lock()
	list := r.services[name]
	idx := slices.IndexFunc(list, func(s *ServiceInstance) bool {
		return s.ID == id
	})
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	inst := list[idx]
	from := inst.Status
	inst.Status = StatusStopping
	stopping := newEvent(EventStatusChanged, inst, from, "deregistering")

	r.services[name] = slices.Delete(slices.Clone(list), idx, idx+1)
	if len(r.services[name]) == 0 {
		delete(r.services, name)
	}
	r.stopTimerLocked(id)
	removed := newEvent(EventDeregistered, inst, StatusStopping, "deregistered")
	counts := r.countsLocked(name)
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "service instance deregistered",
		clog.String("service", name),
		clog.String("instance_id", id))
	r.publish(ctx, counts, name, stopping, removed)
	return true
}

func (r *memoryRegistry) Heartbeat(ctx context.Context, name, id string) bool {
	r.mu.Lock()
	inst := r.findLocked(name, id)
	if inst == nil {
		r.mu.Unlock()
		return false
	}
	inst.LastHeartbeat = time.Now()
	if inst.Status != StatusUnhealthy {
		r.mu.Unlock()
		return true
	}
	inst.Status = StatusHealthy
	ev := newEvent(EventRecovered, inst, StatusUnhealthy, "heartbeat received")
	counts := r.countsLocked(name)
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "service instance recovered",
		clog.String("service", name),
		clog.String("instance_id", id),
		clog.String("reason", ev.Reason))
	r.publish(ctx, counts, name, ev)
	return true
}

// ========================================
// 查询与选择
// ========================================

func (r *memoryRegistry) GetHealthyServices(name string) []ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthyLocked(name)
}

func (r *memoryRegistry) healthyLocked(name string) []ServiceInstance {
	var out []ServiceInstance
	for _, inst := range r.services[name] {
		if inst.Status == StatusHealthy {
			out = append(out, inst.clone())
		}
	}
	return out
}

func (r *memoryRegistry) GetServices(name string) []ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.services[name]
	out := make([]ServiceInstance, 0, len(list))
	for _, inst := range list {
		out = append(out, inst.clone())
	}
	return out
}

func (r *memoryRegistry) ListAll() map[string][]ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]ServiceInstance, len(r.services))
	for name, list := range r.services {
		copies := make([]ServiceInstance, 0, len(list))
		for _, inst := range list {
			copies = append(copies, inst.clone())
		}
		out[name] = copies
	}
	return out
}

func (r *memoryRegistry) Count(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services[name])
}

func (r *memoryRegistry) HealthyCount(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, inst := range r.services[name] {
		if inst.Status == StatusHealthy {
			n++
		}
	}
	return n
}

// SelectInstance round-robin 使用每个服务独立的原子游标；健康列表变化时轮转顺序随之平移
func (r *memoryRegistry) SelectInstance(name string, strategy Strategy) (*ServiceInstance, error) {
	healthy := r.GetHealthyServices(name)
	if len(healthy) == 0 {
		return nil, xerrors.Wrapf(ErrNoHealthyInstance, "service %q", name)
	}

	var idx int
	switch strategy {
	case StrategyRoundRobin:
		v, _ := r.cursors.LoadOrStore(name, new(atomic.Uint64))
		idx = int((v.(*atomic.Uint64).Add(1) - 1) % uint64(len(healthy)))
	case StrategyRandom:
		idx = rand.IntN(len(healthy))
	default:
		idx = 0
	}
	inst := healthy[idx]
	return &inst, nil
}

// ========================================
// 事件
// ========================================

func (r *memoryRegistry) Subscribe(fn EventHandler) {
	if fn == nil {
		return
	}
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.subMu.Unlock()
}

func newEvent(typ EventType, inst *ServiceInstance, from ServiceStatus, reason string) Event {
	return Event{
		Type:      typ,
		Instance:  inst.clone(),
		From:      from,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// publish 在锁外依次通知指标、镜像与订阅者
func (r *memoryRegistry) publish(ctx context.Context, counts map[ServiceStatus]int, service string, events ...Event) {
	if counts != nil {
		r.metrics.setCounts(ctx, service, counts)
	}
	r.subMu.RLock()
	subs := slices.Clone(r.subscribers)
	r.subMu.RUnlock()

	for _, ev := range events {
		if ev.Type != EventRegistered && ev.Type != EventDeregistered {
			r.metrics.transition(ctx, ev.Instance.Name, ev.Instance.Status)
		}
		if r.mirror != nil {
			r.mirror.handle(ctx, ev)
		}
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// ========================================
// 内部辅助
// ========================================

func (r *memoryRegistry) findLocked(name, id string) *ServiceInstance {
	for _, inst := range r.services[name] {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}

func (r *memoryRegistry) countsLocked(name string) map[ServiceStatus]int {
	counts := make(map[ServiceStatus]int, len(allStatuses))
	for _, inst := range r.services[name] {
		counts[inst.Status]++
	}
	return counts
}

func (r *memoryRegistry) stopTimerLocked(id string) {
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
}
