package main

import (
	"context"
	"sort"

	"github.com/ceyewan/controlplane/auth"
	"github.com/ceyewan/controlplane/autoscaler"
	"github.com/ceyewan/controlplane/breaker"
	"github.com/ceyewan/controlplane/cache"
	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/connector"
	"github.com/ceyewan/controlplane/dlock"
	"github.com/ceyewan/controlplane/eventbus"
	"github.com/ceyewan/controlplane/gateway"
	"github.com/ceyewan/controlplane/metrics"
	"github.com/ceyewan/controlplane/monitor"
	"github.com/ceyewan/controlplane/ratelimit"
	"github.com/ceyewan/controlplane/registry"
	"github.com/ceyewan/controlplane/trace"
	"github.com/ceyewan/controlplane/xerrors"
)

// EventCircuitStateChanged 熔断器状态变化在总线上的名称
const EventCircuitStateChanged = "CircuitBreakerStateChanged"

// CircuitStateChange 熔断器状态变化负载
type CircuitStateChange struct {
	Service string `json:"service"`
	From    string `json:"from"`
	To      string `json:"to"`
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// app 持有全部组件，shutdown 按创建的逆序关闭
type app struct {
	cfg    *AppConfig
	logger clog.Logger
	meter  metrics.Meter

	redis connector.RedisConnector
	nats  connector.NATSConnector
	kafka connector.KafkaConnector
	etcd  connector.EtcdConnector
	db    connector.DatabaseConnector

	registry registry.Registry
	bus      eventbus.Bus
	monitor  *monitor.Monitor
	scaler   *autoscaler.Scaler
	gateway  gateway.Gateway

	closers []closer
}

func newApp(ctx context.Context, cfg *AppConfig, logger clog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.shutdown(context.WithoutCancel(ctx))
		}
	}()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"telemetry", a.initTelemetry},
		{"connectors", a.initConnectors},
		{"registry", a.initRegistry},
		{"eventbus", a.initEventBus},
		{"monitor", a.initMonitor},
		{"autoscaler", a.initAutoscaler},
		{"gateway", a.initGateway},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return a, xerrors.Wrapf(err, "init %s", step.name)
		}
	}
	return a, nil
}

func (a *app) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// ========================================
// 基础设施
// ========================================

func (a *app) initTelemetry(ctx context.Context) error {
	meter, err := metrics.New(&a.cfg.Metrics, metrics.WithLogger(a.logger))
	if err != nil {
		return err
	}
	a.meter = meter
	a.onClose("metrics", meter.Shutdown)

	shutdown, err := trace.Init(&a.cfg.Trace)
	if err != nil {
		return err
	}
	a.onClose("trace", shutdown)
	return nil
}

func (a *app) initConnectors(ctx context.Context) error {
	opts := []connector.Option{connector.WithLogger(a.logger), connector.WithMeter(a.meter)}
	cfg := a.cfg

	if cfg.Redis.Addr != "" {
		conn, err := connector.NewRedis(&cfg.Redis, opts...)
		if err != nil {
			return err
		}
		if err := a.connect(ctx, "redis", conn); err != nil {
			return err
		}
		a.redis = conn
	}
	if cfg.NATS.URL != "" {
		conn, err := connector.NewNATS(&cfg.NATS, opts...)
		if err != nil {
			return err
		}
		if err := a.connect(ctx, "nats", conn); err != nil {
			return err
		}
		a.nats = conn
	}
	if len(cfg.Kafka.Seed) > 0 {
		conn, err := connector.NewKafka(&cfg.Kafka, nil, opts...)
		if err != nil {
			return err
		}
		if err := a.connect(ctx, "kafka", conn); err != nil {
			return err
		}
		a.kafka = conn
	}
	if len(cfg.Etcd.Endpoints) > 0 {
		conn, err := connector.NewEtcd(&cfg.Etcd, opts...)
		if err != nil {
			return err
		}
		if err := a.connect(ctx, "etcd", conn); err != nil {
			return err
		}
		a.etcd = conn
	}

	var db connector.DatabaseConnector
	var err error
	switch cfg.Database.Driver {
	case DriverSQLite:
		db, err = connector.NewSQLite(&cfg.Database.SQLite, opts...)
	case DriverMySQL:
		db, err = connector.NewMySQL(&cfg.Database.MySQL, opts...)
	}
	if err != nil {
		return err
	}
	if db != nil {
		if err := a.connect(ctx, "database", db); err != nil {
			return err
		}
		a.db = db
	}
	return nil
}

func (a *app) connect(ctx context.Context, name string, conn connector.Connector) error {
	if err := conn.Connect(ctx); err != nil {
		_ = conn.Close()
		return err
	}
	a.onClose(name, func(context.Context) error { return conn.Close() })
	return nil
}

// ========================================
// 领域组件
// ========================================

func (a *app) initRegistry(ctx context.Context) error {
	opts := []registry.Option{registry.WithLogger(a.logger), registry.WithMeter(a.meter)}
	if a.cfg.Mirror.Enabled {
		opts = append(opts, registry.WithEtcdMirror(&registry.MirrorConfig{
			Conn:      a.etcd,
			Prefix:    a.cfg.Mirror.Prefix,
			TTL:       a.cfg.Mirror.TTL,
			OpTimeout: a.cfg.Mirror.OpTimeout,
		}))
	}
	reg, err := registry.New(&a.cfg.Registry, opts...)
	if err != nil {
		return err
	}
	a.registry = reg
	return nil
}

func (a *app) initEventBus(ctx context.Context) error {
	cfg := a.cfg.EventBus
	opts := []eventbus.Option{eventbus.WithLogger(a.logger), eventbus.WithMeter(a.meter)}
	if cfg.Store == "database" {
		store, err := eventbus.NewGormStore(ctx, a.db, cfg.HistoryLimit)
		if err != nil {
			return err
		}
		opts = append(opts, eventbus.WithStore(store))
	}

	local, err := eventbus.NewLocal(&cfg.Config, opts...)
	if err != nil {
		return err
	}

	transport, err := a.newTransport(cfg.Transport)
	if err != nil {
		_ = local.Close()
		return err
	}
	if transport == nil {
		a.bus = local
	} else {
		bus, err := eventbus.NewDistributed(local, transport, opts...)
		if err != nil {
			_ = transport.Close()
			_ = local.Close()
			return err
		}
		a.bus = bus
	}
	a.onClose("eventbus", func(context.Context) error { return a.bus.Close() })
	// 注册表先于总线关闭，停止时产生的事件仍能发布
	a.onClose("registry", a.registry.Stop)

	bridgeRegistry(a.registry, a.bus, a.logger)
	return nil
}

func (a *app) newTransport(kind string) (eventbus.Transport, error) {
	switch kind {
	case TransportMemory:
		return eventbus.NewMemoryTransport(), nil
	case TransportNATS:
		return eventbus.NewNATSTransport(a.nats, a.logger)
	case TransportRedis:
		return eventbus.NewRedisTransport(a.redis, a.logger)
	case TransportKafka:
		return eventbus.NewKafkaTransport(a.kafka, a.logger)
	default:
		return nil, nil
	}
}

func (a *app) initMonitor(ctx context.Context) error {
	opts := []monitor.Option{monitor.WithLogger(a.logger), monitor.WithMeter(a.meter)}
	if a.db != nil {
		opts = append(opts, monitor.WithCollector(monitor.DatabaseCollector(a.db)))
	}
	// 每个受管服务的健康实例数，键为 <service>_instances
	for _, svc := range a.policyServices() {
		name := svc
		opts = append(opts, monitor.WithSource(name+"_instances", func(context.Context) (float64, error) {
			return float64(a.registry.HealthyCount(name)), nil
		}))
	}
	opts = append(opts, monitor.WithSource("open_breakers", func(context.Context) (float64, error) {
		if a.gateway == nil {
			return 0, nil
		}
		open := 0
		for _, snap := range a.gateway.Stats().CircuitBreakers {
			if snap.State == breaker.StateOpen {
				open++
			}
		}
		return float64(open), nil
	}))

	m, err := monitor.New(&a.cfg.Monitor, opts...)
	if err != nil {
		return err
	}
	a.monitor = m
	a.onClose("monitor", m.Stop)
	return nil
}

func (a *app) policyServices() []string {
	names := make([]string, 0, len(a.cfg.Autoscaler.Policies))
	for name := range a.cfg.Autoscaler.Policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *app) initAutoscaler(ctx context.Context) error {
	opts := []autoscaler.Option{
		autoscaler.WithLogger(a.logger),
		autoscaler.WithMeter(a.meter),
		autoscaler.WithInstanceCounter(a.registry),
		autoscaler.WithMetricsSource(a.monitor),
		autoscaler.WithPublisher(a.bus),
	}
	if a.cfg.Leader.Driver != "" {
		locker, err := dlock.New(&a.cfg.Leader,
			dlock.WithLogger(a.logger),
			dlock.WithMeter(a.meter),
			dlock.WithRedisConnector(a.redis),
			dlock.WithEtcdConnector(a.etcd),
		)
		if err != nil {
			return err
		}
		a.onClose("dlock", func(context.Context) error { return locker.Close() })
		opts = append(opts, autoscaler.WithLeaderLock(locker, "autoscaler"))
	}

	s, err := autoscaler.New(autoscaler.LoggingProvider(a.logger), &a.cfg.Autoscaler.Config, opts...)
	if err != nil {
		return err
	}
	for _, svc := range a.policyServices() {
		p := a.cfg.Autoscaler.Policies[svc]
		if err := s.AddPolicy(svc, p.Policy, p.Current); err != nil {
			return xerrors.Wrapf(err, "policy %s", svc)
		}
	}
	a.monitor.OnAlert(func(ctx context.Context, alert monitor.Alert) {
		if s.Leading(ctx) {
			s.HandleAlert(ctx, alert)
		}
	})
	a.scaler = s
	a.onClose("autoscaler", s.Stop)
	return nil
}

func (a *app) initGateway(ctx context.Context) error {
	opts := []gateway.Option{
		gateway.WithLogger(a.logger),
		gateway.WithMeter(a.meter),
		gateway.WithRequestRecorder(a.monitor.Recorder()),
	}

	brk, err := breaker.New(&a.cfg.Breaker,
		breaker.WithLogger(a.logger),
		breaker.WithMeter(a.meter),
		breaker.WithStateChangeHook(a.publishBreakerState),
	)
	if err != nil {
		return err
	}
	opts = append(opts, gateway.WithBreaker(brk))

	limitOpts := []ratelimit.Option{ratelimit.WithLogger(a.logger), ratelimit.WithMeter(a.meter)}
	if a.redis != nil {
		limitOpts = append(limitOpts, ratelimit.WithRedisConnector(a.redis))
	}
	limiter, err := ratelimit.New(&a.cfg.RateLimit, limitOpts...)
	if err != nil {
		return err
	}
	a.onClose("ratelimit", func(context.Context) error { return limiter.Close() })
	opts = append(opts, gateway.WithLimiter(limiter))

	cacheCfg := a.cfg.Cache
	if cacheCfg.Prefix == "" {
		cacheCfg.Prefix = "controlplane:gateway:"
	}
	cacheOpts := []cache.Option{cache.WithLogger(a.logger), cache.WithMeter(a.meter)}
	if a.redis != nil {
		cacheOpts = append(cacheOpts, cache.WithRedisConnector(a.redis))
	}
	c, err := cache.New(&cacheCfg, cacheOpts...)
	if err != nil {
		return err
	}
	a.onClose("cache", func(context.Context) error { return c.Close() })
	opts = append(opts, gateway.WithCache(c))
	a.monitor.AddCollector(monitor.CacheCollector(c))

	if a.cfg.Auth.SecretKey != "" {
		authenticator, err := auth.New(&a.cfg.Auth, auth.WithLogger(a.logger), auth.WithMeter(a.meter))
		if err != nil {
			return err
		}
		opts = append(opts, gateway.WithAuthenticator(authenticator))
	}

	gw, err := gateway.New(a.registry, &a.cfg.Gateway, opts...)
	if err != nil {
		return err
	}
	for _, rc := range a.cfg.Routes {
		if err := gw.AddRoute(rc); err != nil {
			return xerrors.Wrapf(err, "route %s", rc.PathPrefix)
		}
	}
	a.gateway = gw
	a.onClose("gateway", gw.Stop)
	return nil
}

// publishBreakerState 在 gobreaker 回调中触发，异步发布避免占用熔断器锁
func (a *app) publishBreakerState(service string, from, to breaker.State) {
	a.logger.Warn("circuit breaker state changed",
		clog.String("service", service),
		clog.String("from", from.String()),
		clog.String("to", to.String()))
	if a.bus == nil {
		return
	}
	event, err := eventbus.NewEvent(EventCircuitStateChanged, "Service", service, 0,
		CircuitStateChange{Service: service, From: from.String(), To: to.String()})
	if err != nil {
		return
	}
	go func() {
		if err := a.bus.Publish(context.Background(), event); err != nil {
			a.logger.Debug("publish breaker state failed", clog.Error(err))
		}
	}()
}

// ========================================
// 生命周期
// ========================================

func (a *app) start(ctx context.Context) error {
	if err := a.registry.Start(ctx); err != nil {
		return err
	}
	if err := a.monitor.Start(ctx); err != nil {
		return err
	}
	if err := a.scaler.Start(ctx); err != nil {
		return err
	}
	return a.gateway.Start(ctx)
}

// shutdown 逆序关闭，单个组件失败不影响其余组件
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Error("shutdown failed", clog.String("component", c.name), clog.Error(err))
			errs = append(errs, xerrors.Wrapf(err, "close %s", c.name))
		}
	}
	a.closers = nil
	return xerrors.Combine(errs...)
}
