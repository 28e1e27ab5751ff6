package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/controlplane/testkit"
)

// sequence 依次返回给定值，用完后重复最后一个
func sequence(values ...float64) Source {
	var i atomic.Int32
	return func(context.Context) (float64, error) {
		n := int(i.Add(1)) - 1
		if n >= len(values) {
			n = len(values) - 1
		}
		return values[n], nil
	}
}

func newTestMonitor(t *testing.T, cfg *Config, opts ...Option) *Monitor {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.DisableSystem = true
	opts = append([]Option{WithLogger(testkit.NewLogger())}, opts...)
	m, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

func TestSnapshotLookup(t *testing.T) {
	s := Snapshot{
		Timestamp: time.Now(),
		CPU:       CPUStats{Usage: 85.5, Cores: 4, LoadAvg: [3]float64{1.5, 1, 0.5}},
		Requests:  RequestStats{ErrorRate: 2.5},
		Business:  map[string]float64{"orders": 12},
	}
	s.seal()

	cases := map[string]float64{
		"cpu.usage":          85.5,
		"cpu.cores":          4,
		"cpu.loadAvg.0":      1.5,
		"requests.errorRate": 2.5,
		"business.orders":    12,
		"memory.usage":       0,
	}
	for path, want := range cases {
		v, ok := s.Lookup(path)
		assert.True(t, ok, path)
		assert.InDelta(t, want, v, 1e-9, path)
	}

	t.Run("路径不存在或非数字返回 false", func(t *testing.T) {
		for _, path := range []string{"cpu.missing", "business.users", "timestamp", "cpu", ""} {
			_, ok := s.Lookup(path)
			assert.False(t, ok, path)
		}
	})

	t.Run("未冻结的快照也可查询", func(t *testing.T) {
		v, ok := Snapshot{CPU: CPUStats{Usage: 10}}.Lookup("cpu.usage")
		assert.True(t, ok)
		assert.Equal(t, 10.0, v)
	})
}

func TestRequestRecorder(t *testing.T) {
	r := NewRequestRecorder()
	r.Record(10*time.Millisecond, false)
	r.Record(20*time.Millisecond, false)
	r.Record(30*time.Millisecond, true)

	stats := r.settle(r.lastReset.Add(time.Second))
	assert.Equal(t, uint64(3), stats.Total)
	assert.InDelta(t, 3.0, stats.PerSecond, 1e-9)
	assert.InDelta(t, 100.0/3, stats.ErrorRate, 1e-9)
	assert.InDelta(t, 20.0, stats.AvgLatencyMs, 1e-9)

	t.Run("结算后开始新窗口", func(t *testing.T) {
		stats := r.settle(r.lastReset.Add(time.Second))
		assert.Equal(t, uint64(3), stats.Total)
		assert.Zero(t, stats.PerSecond)
		assert.Zero(t, stats.ErrorRate)
	})
}

func TestCollect(t *testing.T) {
	ctx := context.Background()

	t.Run("汇总业务指标与请求统计", func(t *testing.T) {
		recorder := NewRequestRecorder()
		m := newTestMonitor(t, nil,
			WithRequestRecorder(recorder),
			WithSource("orders", sequence(7)))
		assert.Same(t, recorder, m.Recorder())

		recorder.Record(time.Millisecond, true)
		snap, err := m.Collect(ctx)
		require.NoError(t, err)

		v, ok := snap.Lookup("business.orders")
		assert.True(t, ok)
		assert.Equal(t, 7.0, v)
		assert.Equal(t, 100.0, snap.Requests.ErrorRate)

		latest, ok := m.Latest()
		require.True(t, ok)
		assert.Equal(t, snap.Timestamp, latest.Timestamp)
	})

	t.Run("采集器失败或 panic 不影响快照", func(t *testing.T) {
		m := newTestMonitor(t, nil,
			WithCollector(CollectorFunc{ID: "broken", Fn: func(context.Context, *Snapshot) error {
				return errors.New("boom")
			}}),
			WithCollector(CollectorFunc{ID: "panics", Fn: func(context.Context, *Snapshot) error {
				panic("oops")
			}}),
			WithSource("ok", sequence(1)))

		snap, err := m.Collect(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1.0, snap.Business["ok"])
	})

	t.Run("历史有界且按时间升序", func(t *testing.T) {
		m := newTestMonitor(t, &Config{HistorySize: 3}, WithSource("n", sequence(1, 2, 3, 4, 5)))
		_, ok := m.Latest()
		assert.False(t, ok)

		for i := 0; i < 5; i++ {
			_, err := m.Collect(ctx)
			require.NoError(t, err)
		}

		history := m.History(0)
		require.Len(t, history, 3)
		for i, want := range []float64{3, 4, 5} {
			assert.Equal(t, want, history[i].Business["n"])
		}
		last2 := m.History(2)
		require.Len(t, last2, 2)
		assert.Equal(t, 5.0, last2[1].Business["n"])
	})

	t.Run("系统采集器", func(t *testing.T) {
		var s Snapshot
		_ = SystemCollector().Collect(ctx, &s)
		assert.Positive(t, s.CPU.Cores)
		assert.Positive(t, s.Memory.HeapAlloc)
	})

	t.Run("数据库采集器", func(t *testing.T) {
		var s Snapshot
		conn := testkit.NewSQLiteConnector(t)
		require.NoError(t, DatabaseCollector(conn).Collect(ctx, &s))
		assert.GreaterOrEqual(t, s.Database.QueryLatencyMs, 0.0)
	})
}

func TestAlerts(t *testing.T) {
	ctx := context.Background()
	m := newTestMonitor(t, &Config{Rules: []AlertRule{
		{Name: "load-high", Metric: "business.load", Threshold: 90, Severity: SeverityCritical, Above: true},
	}}, WithSource("load", sequence(95, 96, 50, 97)))

	var (
		mu     sync.Mutex
		alerts []Alert
	)
	m.OnAlert(func(_ context.Context, a Alert) {
		mu.Lock()
		defer mu.Unlock()
		alerts = append(alerts, a)
	})

	for i := 0; i < 4; i++ {
		_, err := m.Collect(ctx)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 2)
	assert.Equal(t, 95.0, alerts[0].Value)
	assert.Equal(t, 97.0, alerts[1].Value)
	assert.Equal(t, SeverityCritical, alerts[1].Severity)
	assert.Equal(t, "business.load", alerts[1].Metric)
}

func TestRules(t *testing.T) {
	t.Run("非法规则", func(t *testing.T) {
		_, err := New(&Config{Rules: []AlertRule{{Name: "x", Metric: "cpu.usage", Severity: "info"}}})
		assert.ErrorIs(t, err, ErrInvalidRule)

		_, err = New(&Config{Rules: []AlertRule{
			{Name: "x", Metric: "cpu.usage", Severity: SeverityWarning},
			{Name: "x", Metric: "memory.usage", Severity: SeverityWarning},
		}})
		assert.ErrorIs(t, err, ErrInvalidRule)
	})

	t.Run("低于阈值触发", func(t *testing.T) {
		m := newTestMonitor(t, nil, WithSource("stock", sequence(3)))
		require.NoError(t, m.AddRule(AlertRule{Name: "stock-low", Metric: "business.stock", Threshold: 5, Severity: SeverityWarning}))

		var fired atomic.Int32
		m.OnAlert(func(context.Context, Alert) { fired.Add(1) })
		_, err := m.Collect(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(1), fired.Load())
	})
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newTestMonitor(t, &Config{Interval: time.Second}, WithSource("n", sequence(1)))

	require.NoError(t, m.Start(ctx))
	assert.ErrorIs(t, m.Start(ctx), ErrAlreadyStarted)

	_, ok := m.Latest()
	assert.True(t, ok, "Start collects once immediately")

	testkit.Eventually(t, 3*time.Second, func() bool {
		return len(m.History(0)) >= 2
	}, "scheduled collection did not run")

	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Stop(ctx))

	_, err := m.Collect(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Start(ctx), ErrClosed)
}
