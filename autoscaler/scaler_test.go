package autoscaler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/controlplane/eventbus"
	"github.com/ceyewan/controlplane/monitor"
	"github.com/ceyewan/controlplane/testkit"
)

// fakeSource 返回固定的快照序列
type fakeSource struct {
	mu    sync.Mutex
	snaps []monitor.Snapshot
}

func (f *fakeSource) push(business map[string]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, monitor.Snapshot{Timestamp: time.Now(), Business: business})
}

func (f *fakeSource) Latest() (monitor.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snaps) == 0 {
		return monitor.Snapshot{}, false
	}
	return f.snaps[len(f.snaps)-1], true
}

func (f *fakeSource) History(n int) []monitor.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n <= 0 || n > len(f.snaps) {
		n = len(f.snaps)
	}
	return append([]monitor.Snapshot(nil), f.snaps[len(f.snaps)-n:]...)
}

// fakeCounter 固定的实例数
type fakeCounter struct {
	healthy atomic.Int32
	total   atomic.Int32
}

func (c *fakeCounter) HealthyCount(string) int { return int(c.healthy.Load()) }
func (c *fakeCounter) Count(string) int        { return int(c.total.Load()) }

// recordingProvider 记录每次调用，fail 中的服务返回错误
type recordingProvider struct {
	mu    sync.Mutex
	calls []int
	fail  map[string]bool
}

func (p *recordingProvider) Scale(_ context.Context, service string, target int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[service] {
		return errors.New("provider unavailable")
	}
	p.calls = append(p.calls, target)
	return nil
}

func (p *recordingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func cpuPolicy() Policy {
	return Policy{
		TargetMetric:       "business.cpu",
		ScaleUpThreshold:   70,
		ScaleDownThreshold: 30,
		MinInstances:       1,
		MaxInstances:       5,
		Cooldown:           time.Minute,
		ScalingStep:        1,
	}
}

func newTestScaler(t *testing.T, p Provider, cfg *Config, opts ...Option) *Scaler {
	t.Helper()
	opts = append([]Option{WithLogger(testkit.NewLogger())}, opts...)
	s, err := New(p, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestPolicy(t *testing.T) {
	s := newTestScaler(t, &recordingProvider{}, nil)

	invalid := map[string]Policy{
		"缺少指标":     {ScaleUpThreshold: 70, ScaleDownThreshold: 30, MaxInstances: 3},
		"min 大于 max": {TargetMetric: "cpu.usage", ScaleUpThreshold: 70, ScaleDownThreshold: 30, MinInstances: 4, MaxInstances: 3},
		"阈值倒置":     {TargetMetric: "cpu.usage", ScaleUpThreshold: 30, ScaleDownThreshold: 70, MaxInstances: 3},
		"步长为负":     {TargetMetric: "cpu.usage", ScaleUpThreshold: 70, ScaleDownThreshold: 30, MaxInstances: 3, ScalingStep: -1},
	}
	for name, p := range invalid {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, s.AddPolicy("svc", p, 1), ErrInvalidPolicy)
		})
	}

	t.Run("默认步长与启用状态", func(t *testing.T) {
		p := cpuPolicy()
		p.ScalingStep = 0
		require.NoError(t, s.AddPolicy("svc", p, 2))
		cfg, ok := s.Config("svc")
		require.True(t, ok)
		assert.Equal(t, 1, cfg.Policy.ScalingStep)
		assert.True(t, cfg.Enabled)
		assert.Equal(t, 2, cfg.CurrentInstances)
	})

	t.Run("启停与删除", func(t *testing.T) {
		require.NoError(t, s.Disable("svc"))
		cfg, _ := s.Config("svc")
		assert.False(t, cfg.Enabled)
		require.NoError(t, s.Enable("svc"))
		assert.ErrorIs(t, s.Enable("ghost"), ErrServiceNotFound)

		assert.True(t, s.RemovePolicy("svc"))
		assert.False(t, s.RemovePolicy("svc"))
	})

	_, err := New(nil, nil)
	assert.ErrorIs(t, err, ErrProviderNil)
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("一次扩容一步且冷却期内不再扩容", func(t *testing.T) {
		provider := &recordingProvider{}
		source := &fakeSource{}
		s := newTestScaler(t, provider, nil, WithMetricsSource(source))
		require.NoError(t, s.AddPolicy("order", cpuPolicy(), 2))

		source.push(map[string]float64{"cpu": 85})
		events := s.Evaluate(ctx)
		require.Len(t, events, 1)
		assert.Equal(t, EventScaleUp, events[0].Type)
		assert.Equal(t, 2, events[0].From)
		assert.Equal(t, 3, events[0].To)
		assert.Equal(t, 85.0, events[0].Metrics["business.cpu"])

		assert.Empty(t, s.Evaluate(ctx))
		assert.Equal(t, []int{3}, provider.calls)

		cfg, _ := s.Config("order")
		assert.Equal(t, 3, cfg.CurrentInstances)
		assert.False(t, cfg.LastScalingAction.IsZero())
	})

	t.Run("缩容并按下限截断", func(t *testing.T) {
		source := &fakeSource{}
		s := newTestScaler(t, &recordingProvider{}, nil, WithMetricsSource(source))
		p := cpuPolicy()
		p.ScalingStep = 3
		require.NoError(t, s.AddPolicy("order", p, 3))

		source.push(map[string]float64{"cpu": 10})
		events := s.Evaluate(ctx)
		require.Len(t, events, 1)
		assert.Equal(t, EventScaleDown, events[0].Type)
		assert.Equal(t, 1, events[0].To)
	})

	t.Run("扩容按上限截断，到达上限后不再扩容", func(t *testing.T) {
		source := &fakeSource{}
		s := newTestScaler(t, &recordingProvider{}, nil, WithMetricsSource(source))
		p := cpuPolicy()
		p.ScalingStep = 3
		p.Cooldown = 0
		require.NoError(t, s.AddPolicy("order", p, 4))

		source.push(map[string]float64{"cpu": 99})
		events := s.Evaluate(ctx)
		require.Len(t, events, 1)
		assert.Equal(t, 5, events[0].To)
		assert.Empty(t, s.Evaluate(ctx))
	})

	t.Run("缺少快照、缺少指标或已禁用时跳过", func(t *testing.T) {
		provider := &recordingProvider{}
		source := &fakeSource{}
		s := newTestScaler(t, provider, nil, WithMetricsSource(source))
		require.NoError(t, s.AddPolicy("order", cpuPolicy(), 2))
		assert.Empty(t, s.Evaluate(ctx))

		source.push(map[string]float64{"memory": 99})
		assert.Empty(t, s.Evaluate(ctx))

		source.push(map[string]float64{"cpu": 99})
		require.NoError(t, s.Disable("order"))
		assert.Empty(t, s.Evaluate(ctx))
		assert.Zero(t, provider.count())
	})

	t.Run("Provider 失败记录 failed 事件且不影响其他服务", func(t *testing.T) {
		provider := &recordingProvider{fail: map[string]bool{"broken": true}}
		source := &fakeSource{}
		s := newTestScaler(t, provider, nil, WithMetricsSource(source))
		require.NoError(t, s.AddPolicy("broken", cpuPolicy(), 2))
		require.NoError(t, s.AddPolicy("healthy", cpuPolicy(), 2))

		source.push(map[string]float64{"cpu": 90})
		events := s.Evaluate(ctx)
		require.Len(t, events, 2)
		assert.Equal(t, EventFailed, events[0].Type)
		assert.NotEmpty(t, events[0].Error)
		assert.Equal(t, EventScaleUp, events[1].Type)

		cfg, _ := s.Config("broken")
		assert.True(t, cfg.LastScalingAction.IsZero())
		assert.Equal(t, 2, cfg.CurrentInstances)
	})

	t.Run("优先使用注册中心的实例数", func(t *testing.T) {
		counter := &fakeCounter{}
		counter.healthy.Store(4)
		counter.total.Store(4)
		source := &fakeSource{}
		s := newTestScaler(t, &recordingProvider{}, &Config{WaitInterval: time.Millisecond},
			WithMetricsSource(source), WithInstanceCounter(counter))
		require.NoError(t, s.AddPolicy("order", cpuPolicy(), 2))

		source.push(map[string]float64{"cpu": 90})
		events := s.Evaluate(ctx)
		require.Len(t, events, 1)
		assert.Equal(t, 4, events[0].From)
		assert.Equal(t, 5, events[0].To)
	})

	t.Run("实例全部不健康时不低于下限", func(t *testing.T) {
		counter := &fakeCounter{}
		counter.total.Store(3)
		source := &fakeSource{}
		provider := &recordingProvider{}
		s := newTestScaler(t, provider, &Config{WaitInterval: time.Millisecond},
			WithMetricsSource(source), WithInstanceCounter(counter))
		p := cpuPolicy()
		p.MinInstances = 2
		require.NoError(t, s.AddPolicy("order", p, 0))

		source.push(map[string]float64{"cpu": 95})
		events := s.Evaluate(ctx)
		require.Len(t, events, 1)
		assert.Equal(t, EventScaleUp, events[0].Type)
		assert.Equal(t, 3, events[0].From)
		assert.Equal(t, 4, events[0].To)
		assert.GreaterOrEqual(t, events[0].To, p.MinInstances)
	})

	t.Run("记录的实例数低于下限时扩容到下限", func(t *testing.T) {
		source := &fakeSource{}
		s := newTestScaler(t, &recordingProvider{}, nil, WithMetricsSource(source))
		p := cpuPolicy()
		p.MinInstances = 3
		require.NoError(t, s.AddPolicy("order", p, 0))

		source.push(map[string]float64{"cpu": 95})
		events := s.Evaluate(ctx)
		require.Len(t, events, 1)
		assert.Equal(t, 0, events[0].From)
		assert.Equal(t, 3, events[0].To)
	})
}

func TestAwaitTarget(t *testing.T) {
	ctx := context.Background()

	t.Run("超时记录 timeout 事件", func(t *testing.T) {
		counter := &fakeCounter{}
		source := &fakeSource{}
		s := newTestScaler(t, &recordingProvider{}, &Config{
			WaitTimeout:  50 * time.Millisecond,
			WaitInterval: 10 * time.Millisecond,
		}, WithMetricsSource(source), WithInstanceCounter(counter))
		require.NoError(t, s.AddPolicy("order", cpuPolicy(), 2))

		source.push(map[string]float64{"cpu": 90})
		require.Len(t, s.Evaluate(ctx), 1)

		testkit.Eventually(t, time.Second, func() bool {
			events := s.Events(0)
			return len(events) == 2 && events[1].Type == EventTimeout
		}, "timeout event not recorded")

		cfg, _ := s.Config("order")
		assert.Equal(t, 3, cfg.CurrentInstances, "timeout does not roll back")
	})

	t.Run("达到目标后不记录 timeout", func(t *testing.T) {
		counter := &fakeCounter{}
		source := &fakeSource{}
		s := newTestScaler(t, ProviderFunc(func(_ context.Context, _ string, target int) error {
			counter.healthy.Store(int32(target))
			return nil
		}), &Config{
			WaitTimeout:  50 * time.Millisecond,
			WaitInterval: 10 * time.Millisecond,
		}, WithMetricsSource(source), WithInstanceCounter(counter))
		require.NoError(t, s.AddPolicy("order", cpuPolicy(), 2))

		source.push(map[string]float64{"cpu": 90})
		require.Len(t, s.Evaluate(ctx), 1)

		time.Sleep(100 * time.Millisecond)
		assert.Len(t, s.Events(0), 1)
	})
}

func TestEvaluatePredictive(t *testing.T) {
	ctx := context.Background()

	t.Run("上升趋势提前扩容", func(t *testing.T) {
		source := &fakeSource{}
		s := newTestScaler(t, &recordingProvider{}, nil, WithMetricsSource(source))
		require.NoError(t, s.AddPolicy("order", cpuPolicy(), 2))

		for _, v := range []float64{10, 20, 30, 40, 50} {
			source.push(map[string]float64{"cpu": v})
		}
		// 最新值 50 未超过扩容阈值，外推 3 个周期后为 80
		assert.Empty(t, s.Evaluate(ctx))

		events := s.EvaluatePredictive(ctx)
		require.Len(t, events, 1)
		assert.Equal(t, EventPredictive, events[0].Type)
		assert.Equal(t, 3, events[0].To)
		assert.InDelta(t, 80.0, events[0].Metrics["projection"], 1e-9)

		assert.Empty(t, s.EvaluatePredictive(ctx), "cooldown applies")
	})

	t.Run("平稳负载不动作，样本不足时跳过", func(t *testing.T) {
		source := &fakeSource{}
		s := newTestScaler(t, &recordingProvider{}, nil, WithMetricsSource(source))
		require.NoError(t, s.AddPolicy("order", cpuPolicy(), 2))

		source.push(map[string]float64{"cpu": 50})
		source.push(map[string]float64{"cpu": 50})
		assert.Empty(t, s.EvaluatePredictive(ctx))

		source.push(map[string]float64{"cpu": 50})
		assert.Empty(t, s.EvaluatePredictive(ctx))
	})

	t.Run("下降趋势提前缩容", func(t *testing.T) {
		source := &fakeSource{}
		s := newTestScaler(t, &recordingProvider{}, nil, WithMetricsSource(source))
		require.NoError(t, s.AddPolicy("order", cpuPolicy(), 3))

		for _, v := range []float64{60, 55, 50, 45} {
			source.push(map[string]float64{"cpu": v})
		}
		events := s.EvaluatePredictive(ctx)
		require.Len(t, events, 1)
		assert.Equal(t, 2, events[0].To)
	})
}

func TestLinearTrend(t *testing.T) {
	slope, projection := linearTrend([]float64{1, 2, 3}, 1)
	assert.InDelta(t, 1.0, slope, 1e-9)
	assert.InDelta(t, 4.0, projection, 1e-9)

	slope, projection = linearTrend([]float64{5, 5, 5, 5}, 3)
	assert.Zero(t, slope)
	assert.InDelta(t, 5.0, projection, 1e-9)

	slope, projection = linearTrend([]float64{7}, 3)
	assert.Zero(t, slope)
	assert.Equal(t, 7.0, projection)
}

func TestHandleAlert(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{}
	s := newTestScaler(t, &recordingProvider{}, nil, WithMetricsSource(source))
	require.NoError(t, s.AddPolicy("order", cpuPolicy(), 2))
	other := cpuPolicy()
	other.TargetMetric = "business.queue"
	require.NoError(t, s.AddPolicy("worker", other, 2))

	source.push(map[string]float64{"cpu": 85})
	require.Len(t, s.Evaluate(ctx), 1)

	alert := monitor.Alert{Rule: "cpu-critical", Metric: "business.cpu", Value: 97, Threshold: 95}

	t.Run("warning 告警不触发", func(t *testing.T) {
		alert := alert
		alert.Severity = monitor.SeverityWarning
		assert.Empty(t, s.HandleAlert(ctx, alert))
	})

	t.Run("critical 告警绕过冷却期扩容两个实例", func(t *testing.T) {
		alert := alert
		alert.Severity = monitor.SeverityCritical
		events := s.HandleAlert(ctx, alert)
		require.Len(t, events, 1)
		assert.Equal(t, EventEmergency, events[0].Type)
		assert.Equal(t, "order", events[0].Service)
		assert.Equal(t, 3, events[0].From)
		assert.Equal(t, 5, events[0].To)

		events = s.HandleAlert(ctx, alert)
		assert.Empty(t, events, "already at max")
	})
}

func TestManualScale(t *testing.T) {
	ctx := context.Background()
	s := newTestScaler(t, &recordingProvider{fail: map[string]bool{"broken": true}}, nil)
	require.NoError(t, s.AddPolicy("order", cpuPolicy(), 2))
	require.NoError(t, s.AddPolicy("broken", cpuPolicy(), 2))

	ev, err := s.ManualScale(ctx, "order", 10, "load test")
	require.NoError(t, err)
	assert.Equal(t, EventScaleUp, ev.Type)
	assert.Equal(t, 5, ev.To)
	assert.Equal(t, "manual: load test", ev.Reason)

	ev, err = s.ManualScale(ctx, "order", 5, "noop")
	require.NoError(t, err)
	assert.Empty(t, ev.Type)

	_, err = s.ManualScale(ctx, "ghost", 3, "")
	assert.ErrorIs(t, err, ErrServiceNotFound)

	ev, err = s.ManualScale(ctx, "broken", 3, "")
	assert.Error(t, err)
	assert.Equal(t, EventFailed, ev.Type)
}

func TestEventHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestScaler(t, &recordingProvider{}, &Config{HistoryLimit: 2})
	p := cpuPolicy()
	p.MaxInstances = 10
	require.NoError(t, s.AddPolicy("order", p, 1))

	for target := 2; target <= 4; target++ {
		_, err := s.ManualScale(ctx, "order", target, "step")
		require.NoError(t, err)
	}
	events := s.Events(0)
	require.Len(t, events, 2)
	assert.Equal(t, 3, events[0].To)
	assert.Equal(t, 4, events[1].To)
	assert.Len(t, s.Events(1), 1)
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()
	bus, err := eventbus.NewLocal(nil, eventbus.WithLogger(testkit.NewLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	var received atomic.Value
	_, err = bus.Subscribe(ctx, BusEventServiceScaled, func(_ context.Context, e eventbus.DomainEvent) error {
		received.Store(e)
		return nil
	})
	require.NoError(t, err)

	s := newTestScaler(t, LoggingProvider(testkit.NewLogger()), nil, WithPublisher(bus))
	require.NoError(t, s.AddPolicy("order", cpuPolicy(), 1))
	_, err = s.ManualScale(ctx, "order", 2, "test")
	require.NoError(t, err)

	e, ok := received.Load().(eventbus.DomainEvent)
	require.True(t, ok)
	assert.Equal(t, "order", e.AggregateID)
	assert.Equal(t, int64(1), e.Version)

	payload, err := eventbus.DecodeData[ScalingEvent](e)
	require.NoError(t, err)
	assert.Equal(t, 2, payload.To)

	history, err := bus.GetEventHistory(ctx, "Service", "order", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{}
	s := newTestScaler(t, &recordingProvider{}, &Config{
		EvaluationInterval: time.Second,
		PredictiveInterval: time.Second,
	}, WithMetricsSource(source))
	require.NoError(t, s.AddPolicy("order", cpuPolicy(), 2))
	source.push(map[string]float64{"cpu": 90})

	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, s.Start(ctx), ErrAlreadyStarted)

	testkit.Eventually(t, 3*time.Second, func() bool {
		return len(s.Events(0)) >= 1
	}, "scheduled evaluation did not run")

	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
	assert.ErrorIs(t, s.Start(ctx), ErrClosed)
}

// fakeLeader 单 key 租约，busy 时模拟被其他副本持有
type fakeLeader struct {
	mu       sync.Mutex
	busy     bool
	held     bool
	released int
}

func (l *fakeLeader) TryLock(context.Context, string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *fakeLeader) Unlock(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.released++
	return nil
}

func (l *fakeLeader) Held(string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func TestLeaderLock(t *testing.T) {
	ctx := context.Background()

	t.Run("未配置时始终执行", func(t *testing.T) {
		s := newTestScaler(t, &recordingProvider{}, nil)
		assert.True(t, s.Leading(ctx))
	})

	t.Run("租约被占用时跳过周期评估", func(t *testing.T) {
		leader := &fakeLeader{busy: true}
		source := &fakeSource{}
		provider := &recordingProvider{}
		s := newTestScaler(t, provider, &Config{EvaluationInterval: time.Second},
			WithMetricsSource(source), WithLeaderLock(leader, ""))
		require.NoError(t, s.AddPolicy("order", cpuPolicy(), 2))
		source.push(map[string]float64{"cpu": 90})

		assert.False(t, s.Leading(ctx))
		require.NoError(t, s.Start(ctx))
		time.Sleep(1500 * time.Millisecond)
		assert.Equal(t, 0, provider.count())

		leader.mu.Lock()
		leader.busy = false
		leader.mu.Unlock()
		testkit.Eventually(t, 3*time.Second, func() bool {
			return provider.count() == 1
		}, "leader did not evaluate")

		require.NoError(t, s.Stop(ctx))
		assert.False(t, leader.Held("autoscaler"))
		assert.Equal(t, 1, leader.released)
	})
}
