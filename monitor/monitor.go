// Package monitor 周期性采集系统与应用指标，维护有界历史并按规则产生告警
//
// 快照通过点分路径读取，是自动扩缩容读取指标的唯一入口：
//
//	m, _ := monitor.New(&monitor.Config{
//	    Interval: 30 * time.Second,
//	    Rules: []monitor.AlertRule{
//	        {Name: "cpu-high", Metric: "cpu.usage", Threshold: 90, Severity: monitor.SeverityCritical, Above: true},
//	    },
//	}, monitor.WithLogger(logger))
//	m.OnAlert(func(ctx context.Context, a monitor.Alert) { ... })
//	_ = m.Start(ctx)
//
//	snap, _ := m.Latest()
//	cpu, ok := snap.Lookup("cpu.usage")
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/internal/schedule"
	"github.com/ceyewan/controlplane/xerrors"
)

// AlertHandler 告警回调，在采集结束后于锁外同步调用
type AlertHandler func(ctx context.Context, a Alert)

// Monitor 性能监控
type Monitor struct {
	cfg        Config
	logger     clog.Logger
	metrics    *monitorMetrics
	recorder   *RequestRecorder
	collectors []Collector

	// collectMu 串行化采集，保证请求窗口结算与历史顺序一致
	collectMu sync.Mutex

	mu       sync.RWMutex
	history  []Snapshot // 环形缓冲
	head     int
	size     int
	rules    []AlertRule
	firing   map[string]bool
	handlers []AlertHandler
	closed   bool

	loopMu    sync.Mutex
	scheduler *cron.Cron
	cancel    context.CancelFunc
}

// New 创建 Monitor，cfg 为 nil 时使用默认配置
func New(cfg *Config, opts ...Option) (*Monitor, error) {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	m, err := newMonitorMetrics(o.meter)
	if err != nil {
		return nil, xerrors.Wrap(err, "monitor: create metrics")
	}

	recorder := o.recorder
	if recorder == nil {
		recorder = NewRequestRecorder()
	}
	var collectors []Collector
	if !c.DisableSystem {
		collectors = append(collectors, SystemCollector())
	}
	collectors = append(collectors, o.collectors...)

	return &Monitor{
		cfg:        c,
		logger:     o.logger,
		metrics:    m,
		recorder:   recorder,
		collectors: collectors,
		history:    make([]Snapshot, c.HistorySize),
		rules:      append([]AlertRule(nil), c.Rules...),
		firing:     make(map[string]bool),
	}, nil
}

// Recorder 返回请求统计，网关通过它上报请求
func (m *Monitor) Recorder() *RequestRecorder {
	return m.recorder
}

// AddRule 追加告警规则，同名规则被替换
func (m *Monitor) AddRule(rule AlertRule) error {
	if err := rule.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rules {
		if r.Name == rule.Name {
			m.rules[i] = rule
			delete(m.firing, rule.Name)
			return nil
		}
	}
	m.rules = append(m.rules, rule)
	return nil
}

// AddCollector 追加采集器，下一次采集生效
func (m *Monitor) AddCollector(c Collector) {
	if c == nil {
		return
	}
	m.collectMu.Lock()
	defer m.collectMu.Unlock()
	m.collectors = append(m.collectors, c)
}

// OnAlert 订阅告警
func (m *Monitor) OnAlert(fn AlertHandler) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Collect 执行一次采集并写入历史；单个采集器失败只记录日志
func (m *Monitor) Collect(ctx context.Context) (Snapshot, error) {
	m.collectMu.Lock()
	defer m.collectMu.Unlock()

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return Snapshot{}, ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.CollectTimeout)
	defer cancel()

	now := time.Now()
	snap := Snapshot{Timestamp: now}
	for _, c := range m.collectors {
		if err := m.collectOne(ctx, c, &snap); err != nil {
			m.metrics.collectorFailed(ctx, c.Name())
			m.logger.Warn("collector failed",
				clog.String("collector", c.Name()),
				clog.Error(err))
		}
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, xerrors.Wrap(err, "monitor: collect")
	}
	snap.Requests = m.recorder.settle(now)
	snap.seal()

	m.mu.Lock()
	m.history[(m.head+m.size)%len(m.history)] = snap
	if m.size < len(m.history) {
		m.size++
	} else {
		m.head = (m.head + 1) % len(m.history)
	}
	alerts := evaluateRules(m.rules, m.firing, &snap)
	handlers := append([]AlertHandler(nil), m.handlers...)
	m.mu.Unlock()

	m.metrics.observe(ctx, &snap)
	m.logger.Debug("metrics collected",
		clog.Float64("cpu_usage", snap.CPU.Usage),
		clog.Float64("memory_usage", snap.Memory.Usage),
		clog.Float64("rps", snap.Requests.PerSecond),
		clog.Float64("error_rate", snap.Requests.ErrorRate))

	for _, a := range alerts {
		m.metrics.alert(ctx, a)
		m.logger.Warn("alert fired",
			clog.String("rule", a.Rule),
			clog.String("metric", a.Metric),
			clog.Float64("value", a.Value),
			clog.Float64("threshold", a.Threshold),
			clog.String("severity", string(a.Severity)))
		for _, h := range handlers {
			h(ctx, a)
		}
	}
	return snap, nil
}

// collectOne 隔离采集器 panic
func (m *Monitor) collectOne(ctx context.Context, c Collector, s *Snapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor: collector panic: %v", r)
		}
	}()
	return c.Collect(ctx, s)
}

// Latest 返回最近一次快照，尚未采集时返回 false
func (m *Monitor) Latest() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.size == 0 {
		return Snapshot{}, false
	}
	return m.history[(m.head+m.size-1)%len(m.history)], true
}

// History 返回最近 n 个快照，按时间升序；n <= 0 返回全部
func (m *Monitor) History(n int) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > m.size {
		n = m.size
	}
	out := make([]Snapshot, 0, n)
	for i := m.size - n; i < m.size; i++ {
		out = append(out, m.history[(m.head+i)%len(m.history)])
	}
	return out
}

// ========================================
// 生命周期
// ========================================

// Start 立即采集一次，之后按 Interval 周期采集
func (m *Monitor) Start(ctx context.Context) error {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if m.scheduler != nil {
		return ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	scheduler := schedule.New(m.logger)
	spec := schedule.Every(m.cfg.Interval)
	if _, err := scheduler.AddFunc(spec, func() {
		if _, err := m.Collect(loopCtx); err != nil && !xerrors.Is(err, ErrClosed) {
			m.logger.Warn("scheduled collection failed", clog.Error(err))
		}
	}); err != nil {
		cancel()
		return xerrors.Wrapf(err, "monitor: schedule %q", spec)
	}

	if _, err := m.Collect(ctx); err != nil {
		m.logger.Warn("initial collection failed", clog.Error(err))
	}

	m.scheduler = scheduler
	m.cancel = cancel
	scheduler.Start()
	m.logger.Info("monitor started",
		clog.Duration("interval", m.cfg.Interval),
		clog.Int("collectors", len(m.collectors)),
		clog.Int("rules", len(m.rules)))
	return nil
}

// Stop 停止采集并等待进行中的采集结束，可重复调用
func (m *Monitor) Stop(ctx context.Context) error {
	m.loopMu.Lock()
	scheduler, cancel := m.scheduler, m.cancel
	m.scheduler, m.cancel = nil, nil
	m.loopMu.Unlock()

	m.mu.Lock()
	already := m.closed
	m.closed = true
	m.mu.Unlock()

	if scheduler == nil {
		if !already {
			m.logger.Info("monitor stopped")
		}
		return nil
	}
	cancel()
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		return xerrors.Wrap(ctx.Err(), "monitor: stop")
	}
	m.logger.Info("monitor stopped")
	return nil
}
