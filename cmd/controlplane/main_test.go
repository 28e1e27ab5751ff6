package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/config"
	"github.com/ceyewan/controlplane/eventbus"
	"github.com/ceyewan/controlplane/registry"
	"github.com/ceyewan/controlplane/testkit"
	"github.com/ceyewan/controlplane/xerrors"
)

const sampleConfig = `
log:
  level: debug
gateway:
  addr: ":18080"
routes:
  - path_prefix: /api/orders
    service_name: orders
    strip_prefix: true
    rate_limit:
      rate: 10
      burst: 20
    cache:
      ttl: 30s
eventbus:
  retry: 2
  retry_delay: 50ms
  transport: memory
monitor:
  interval: 10s
  rules:
    - name: cpu-critical
      metric: cpu.usage
      threshold: 90
      severity: critical
      above: true
autoscaler:
  evaluation_interval: 15s
  policies:
    orders:
      target_metric: cpu.usage
      scale_up_threshold: 70
      scale_down_threshold: 30
      min_instances: 1
      max_instances: 5
      cooldown: 1m
      current: 2
`

func loadSample(t *testing.T, body string) *AppConfig {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "controlplane.yaml"), []byte(body), 0o600))

	loader, err := config.New(&config.Config{Name: "controlplane", Paths: []string{dir}, EnvPrefix: "CPTEST"},
		config.WithDefaults(defaults()))
	require.NoError(t, err)
	require.NoError(t, loader.Load(context.Background()))

	var cfg AppConfig
	require.NoError(t, loader.Unmarshal(&cfg))
	return &cfg
}

func TestAppConfig(t *testing.T) {
	t.Run("文件与默认值合并", func(t *testing.T) {
		cfg := loadSample(t, sampleConfig)

		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, "console", cfg.Log.Format)
		assert.Equal(t, ":18080", cfg.Gateway.Addr)
		assert.True(t, cfg.Gateway.EnablePrometheus)

		require.Len(t, cfg.Routes, 1)
		route := cfg.Routes[0]
		assert.Equal(t, "orders", route.ServiceName)
		assert.True(t, route.StripPrefix)
		require.NotNil(t, route.RateLimit)
		assert.Equal(t, 20, route.RateLimit.Burst)
		require.NotNil(t, route.Cache)
		assert.Equal(t, 30*time.Second, route.Cache.TTL)

		assert.Equal(t, 2, cfg.EventBus.Retry)
		assert.Equal(t, 50*time.Millisecond, cfg.EventBus.RetryDelay)
		assert.Equal(t, TransportMemory, cfg.EventBus.Transport)

		require.Len(t, cfg.Monitor.Rules, 1)
		assert.Equal(t, "cpu-critical", cfg.Monitor.Rules[0].Name)

		assert.Equal(t, 15*time.Second, cfg.Autoscaler.EvaluationInterval)
		policy, ok := cfg.Autoscaler.Policies["orders"]
		require.True(t, ok)
		assert.Equal(t, 2, policy.Current)
		assert.Equal(t, 5, policy.MaxInstances)
		assert.Equal(t, time.Minute, policy.Cooldown)

		assert.NoError(t, cfg.validate())
	})

	t.Run("背板缺少连接配置", func(t *testing.T) {
		for _, transport := range []string{TransportNATS, TransportRedis, TransportKafka} {
			cfg := &AppConfig{EventBus: EventBusSection{Transport: transport}}
			assert.True(t, xerrors.Is(cfg.validate(), xerrors.ErrInvalidInput), transport)
		}
		cfg := &AppConfig{EventBus: EventBusSection{Transport: "carrier-pigeon"}}
		assert.Error(t, cfg.validate())
	})

	t.Run("数据库与镜像依赖", func(t *testing.T) {
		cfg := &AppConfig{EventBus: EventBusSection{Store: "database"}}
		assert.Error(t, cfg.validate())

		cfg = &AppConfig{Database: DatabaseSection{Driver: "oracle"}}
		assert.Error(t, cfg.validate())

		cfg = &AppConfig{Mirror: MirrorSection{Enabled: true}}
		assert.Error(t, cfg.validate())
	})
}

func TestRegistryBridge(t *testing.T) {
	kit := testkit.NewKit(t)

	reg, err := registry.New(&registry.Config{
		HealthCheckInterval: time.Hour,
		HeartbeatTimeout:    2 * time.Hour,
		InitialProbeDelay:   time.Hour,
	}, registry.WithLogger(kit.Logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Stop(context.Background()) })

	bus, err := eventbus.NewLocal(nil, eventbus.WithLogger(kit.Logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	received := make(chan eventbus.DomainEvent, 8)
	_, err = bus.Subscribe(kit.Ctx, EventServiceRegistered, func(_ context.Context, ev eventbus.DomainEvent) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	bridgeRegistry(reg, bus, clog.Discard())

	t.Run("注册与注销产生有序版本", func(t *testing.T) {
		id, err := reg.Register(kit.Ctx, registry.RegisterConfig{Name: "orders", Host: "127.0.0.1", Port: 9001})
		require.NoError(t, err)

		select {
		case ev := <-received:
			assert.Equal(t, id, ev.AggregateID)
			payload, err := eventbus.DecodeData[registry.Event](ev)
			require.NoError(t, err)
			assert.Equal(t, registry.EventRegistered, payload.Type)
			assert.Equal(t, "orders", payload.Instance.Name)
		case <-time.After(time.Second):
			t.Fatal("ServiceRegistered not delivered")
		}

		require.True(t, reg.Deregister(kit.Ctx, "orders", id))

		history, err := bus.GetEventHistory(kit.Ctx, aggregateInstance, id, 0)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, EventServiceRegistered, history[0].Type)
		assert.Equal(t, EventServiceStatusChanged, history[1].Type)
		assert.Equal(t, EventServiceDeregistered, history[2].Type)
		for i, ev := range history {
			assert.Equal(t, int64(i+1), ev.Version)
		}
	})
}
