// Package autoscaler 根据性能快照与扩缩容策略调整服务实例数
//
// 每个评估周期对启用的服务依次判断：冷却期内跳过；指标高于扩容阈值且未达上限时增加 ScalingStep，
// 低于缩容阈值且高于下限时减少 ScalingStep。严重告警触发的紧急扩容不受冷却期限制。
//
//	s, _ := autoscaler.New(provider, &autoscaler.Config{},
//	    autoscaler.WithInstanceCounter(reg),
//	    autoscaler.WithMetricsSource(mon),
//	    autoscaler.WithPublisher(bus),
//	)
//	_ = s.AddPolicy("order", autoscaler.Policy{
//	    TargetMetric: "cpu.usage", ScaleUpThreshold: 70, ScaleDownThreshold: 30,
//	    MinInstances: 1, MaxInstances: 5, Cooldown: 5 * time.Minute,
//	}, 2)
//	mon.OnAlert(func(ctx context.Context, a monitor.Alert) { s.HandleAlert(ctx, a) })
//	_ = s.Start(ctx)
package autoscaler

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/eventbus"
	"github.com/ceyewan/controlplane/internal/schedule"
	"github.com/ceyewan/controlplane/monitor"
	"github.com/ceyewan/controlplane/xerrors"
)

// minPredictionSamples 少于该数量的样本不做趋势外推
const minPredictionSamples = 3

// Scaler 自动扩缩容
type Scaler struct {
	cfg       Config
	logger    clog.Logger
	metrics   *scalerMetrics
	provider  Provider
	counter   InstanceCounter
	source    MetricsSource
	publisher Publisher
	leader    LeaderLock
	leaderKey string

	// scaleMu 串行化所有扩缩容决策，避免同一服务被并发调整
	scaleMu sync.Mutex

	mu       sync.RWMutex
	services map[string]*ServiceConfig
	events   []ScalingEvent
	versions map[string]int64
	closed   bool

	// ctx 在 Stop 时取消，约束后台等待任务
	ctx     context.Context
	cancel  context.CancelFunc
	waiters sync.WaitGroup

	loopMu    sync.Mutex
	scheduler *cron.Cron
}

// New 创建 Scaler
func New(provider Provider, cfg *Config, opts ...Option) (*Scaler, error) {
	if provider == nil {
		return nil, ErrProviderNil
	}
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()
	o := applyOptions(opts)

	m, err := newScalerMetrics(o.meter)
	if err != nil {
		return nil, xerrors.Wrap(err, "autoscaler: create metrics")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scaler{
		cfg:       c,
		logger:    o.logger,
		metrics:   m,
		provider:  provider,
		counter:   o.counter,
		source:    o.source,
		publisher: o.publisher,
		leader:    o.leader,
		leaderKey: o.leaderKey,
		services:  make(map[string]*ServiceConfig),
		versions:  make(map[string]int64),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// ========================================
// 策略管理
// ========================================

// AddPolicy 设置服务的策略，已存在时替换策略并保留扩缩容状态
func (s *Scaler) AddPolicy(service string, policy Policy, current int) error {
	if service == "" {
		return xerrors.Wrap(ErrInvalidPolicy, "service name is required")
	}
	policy.setDefaults()
	if policy.Name == "" {
		policy.Name = service
	}
	if err := policy.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.services[service]; ok {
		cfg.Policy = policy
		return nil
	}
	s.services[service] = &ServiceConfig{
		Service:          service,
		Policy:           policy,
		CurrentInstances: current,
		TargetInstances:  current,
		Enabled:          true,
	}
	s.logger.Info("scaling policy added",
		clog.String("service", service),
		clog.String("metric", policy.TargetMetric),
		clog.Int("min", policy.MinInstances),
		clog.Int("max", policy.MaxInstances))
	return nil
}

// RemovePolicy 删除服务的策略
func (s *Scaler) RemovePolicy(service string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.services[service]
	delete(s.services, service)
	return ok
}

// Enable 恢复服务的自动扩缩容
func (s *Scaler) Enable(service string) error {
	return s.setEnabled(service, true)
}

// Disable 暂停服务的自动扩缩容，手动扩缩容不受影响
func (s *Scaler) Disable(service string) error {
	return s.setEnabled(service, false)
}

func (s *Scaler) setEnabled(service string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.services[service]
	if !ok {
		return xerrors.Wrapf(ErrServiceNotFound, "%s", service)
	}
	cfg.Enabled = enabled
	return nil
}

// Config 返回服务配置的副本
func (s *Scaler) Config(service string) (ServiceConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.services[service]
	if !ok {
		return ServiceConfig{}, false
	}
	return *cfg, true
}

// Services 返回全部服务配置的副本，按服务名排序
func (s *Scaler) Services() []ServiceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServiceConfig, 0, len(s.services))
	for _, cfg := range s.services {
		out = append(out, *cfg)
	}
	slices.SortFunc(out, func(a, b ServiceConfig) int {
		return strings.Compare(a.Service, b.Service)
	})
	return out
}

// Events 返回最近 n 个事件，按时间升序；n <= 0 返回全部
func (s *Scaler) Events(n int) []ScalingEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.events) {
		n = len(s.events)
	}
	return slices.Clone(s.events[len(s.events)-n:])
}

// ========================================
// 评估
// ========================================

// Evaluate 执行一轮阈值评估，返回本轮产生的事件；单个服务失败不影响其他服务
func (s *Scaler) Evaluate(ctx context.Context) []ScalingEvent {
	s.scaleMu.Lock()
	defer s.scaleMu.Unlock()

	if s.source == nil {
		return nil
	}
	snap, ok := s.source.Latest()
	if !ok {
		s.logger.Debug("no metrics snapshot yet, evaluation skipped")
		return nil
	}

	now := time.Now()
	var out []ScalingEvent
	for _, cfg := range s.Services() {
		if !cfg.Enabled || cfg.inCooldown(now) {
			continue
		}
		p := cfg.Policy
		value, ok := snap.Lookup(p.TargetMetric)
		if !ok {
			s.logger.Debug("target metric missing, service skipped",
				clog.String("service", cfg.Service),
				clog.String("metric", p.TargetMetric))
			continue
		}

		current := s.currentInstances(&cfg)
		var (
			target = current
			typ    EventType
			reason string
		)
		switch {
		case value > p.ScaleUpThreshold && current < p.MaxInstances:
			target = p.clamp(current + p.ScalingStep)
			typ = EventScaleUp
			reason = fmt.Sprintf("%s %.2f above %.2f", p.TargetMetric, value, p.ScaleUpThreshold)
		case value < p.ScaleDownThreshold && current > p.MinInstances:
			target = p.clamp(current - p.ScalingStep)
			typ = EventScaleDown
			reason = fmt.Sprintf("%s %.2f below %.2f", p.TargetMetric, value, p.ScaleDownThreshold)
		}
		if target == current {
			continue
		}

		ev, _ := s.scale(ctx, cfg.Service, current, target, typ, reason, map[string]float64{p.TargetMetric: value})
		out = append(out, ev)
	}
	return out
}

// EvaluatePredictive 对最近的样本做线性趋势外推，外推值超过扩容阈值的 80% 时提前扩容，
// 低于缩容阈值的 120% 时提前缩容；仍受冷却期与上下限约束
func (s *Scaler) EvaluatePredictive(ctx context.Context) []ScalingEvent {
	s.scaleMu.Lock()
	defer s.scaleMu.Unlock()

	if s.source == nil {
		return nil
	}
	history := s.source.History(s.cfg.PredictionSamples)
	if len(history) < minPredictionSamples {
		return nil
	}

	now := time.Now()
	var out []ScalingEvent
	for _, cfg := range s.Services() {
		if !cfg.Enabled || cfg.inCooldown(now) {
			continue
		}
		p := cfg.Policy
		values := make([]float64, 0, len(history))
		for _, snap := range history {
			if v, ok := snap.Lookup(p.TargetMetric); ok {
				values = append(values, v)
			}
		}
		if len(values) < minPredictionSamples {
			continue
		}

		slope, projection := linearTrend(values, s.cfg.PredictionHorizon)
		current := s.currentInstances(&cfg)
		target := current
		switch {
		case projection > 0.8*p.ScaleUpThreshold && current < p.MaxInstances:
			target = p.clamp(current + p.ScalingStep)
		case projection < 1.2*p.ScaleDownThreshold && current > p.MinInstances:
			target = p.clamp(current - p.ScalingStep)
		}
		if target == current {
			continue
		}

		reason := fmt.Sprintf("%s projected to %.2f in %d cycles (slope %.3f)",
			p.TargetMetric, projection, s.cfg.PredictionHorizon, slope)
		ev, _ := s.scale(ctx, cfg.Service, current, target, EventPredictive, reason, map[string]float64{
			p.TargetMetric: values[len(values)-1],
			"projection":   projection,
			"slope":        slope,
		})
		out = append(out, ev)
	}
	return out
}

// HandleAlert 严重告警时，对 TargetMetric 与告警指标相同的服务立即扩容 EmergencyStep 个实例，不受冷却期限制
func (s *Scaler) HandleAlert(ctx context.Context, alert monitor.Alert) []ScalingEvent {
	if alert.Severity != monitor.SeverityCritical {
		return nil
	}
	s.scaleMu.Lock()
	defer s.scaleMu.Unlock()

	var out []ScalingEvent
	for _, cfg := range s.Services() {
		p := cfg.Policy
		if !cfg.Enabled || p.TargetMetric != alert.Metric {
			continue
		}
		current := s.currentInstances(&cfg)
		target := p.clamp(current + s.cfg.EmergencyStep)
		if target <= current {
			continue
		}
		reason := fmt.Sprintf("critical alert %s: %s %.2f (threshold %.2f)",
			alert.Rule, alert.Metric, alert.Value, alert.Threshold)
		ev, _ := s.scale(ctx, cfg.Service, current, target, EventEmergency, reason, map[string]float64{alert.Metric: alert.Value})
		out = append(out, ev)
	}
	return out
}

// ManualScale 把服务调整到 target（按策略上下限截断），目标与当前相同时不做任何事
func (s *Scaler) ManualScale(ctx context.Context, service string, target int, reason string) (ScalingEvent, error) {
	s.scaleMu.Lock()
	defer s.scaleMu.Unlock()

	cfg, ok := s.Config(service)
	if !ok {
		return ScalingEvent{}, xerrors.Wrapf(ErrServiceNotFound, "%s", service)
	}
	current := s.currentInstances(&cfg)
	target = cfg.Policy.clamp(target)
	if target == current {
		return ScalingEvent{}, nil
	}
	typ := EventScaleUp
	if target < current {
		typ = EventScaleDown
	}
	return s.scale(ctx, service, current, target, typ, "manual: "+reason, nil)
}

// currentInstances 优先使用注册中心的健康实例数；没有健康实例时使用已注册实例数，
// 服务尚无实例注册时使用记录的实例数
func (s *Scaler) currentInstances(cfg *ServiceConfig) int {
	if s.counter != nil {
		if n := s.counter.HealthyCount(cfg.Service); n > 0 {
			return n
		}
		if n := s.counter.Count(cfg.Service); n > 0 {
			return n
		}
	}
	return cfg.CurrentInstances
}

// ========================================
// 执行
// ========================================

// scale 调用 Provider 并记录事件；失败时记录 failed 事件，不进入冷却期
func (s *Scaler) scale(ctx context.Context, service string, from, to int, typ EventType, reason string, values map[string]float64) (ScalingEvent, error) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	err := s.provider.Scale(pctx, service, to)
	cancel()

	ev := ScalingEvent{
		Type:      typ,
		Service:   service,
		Reason:    reason,
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Metrics:   values,
	}
	if err != nil {
		ev.Type = EventFailed
		ev.Error = err.Error()
		s.logger.Warn("scaling failed",
			clog.String("service", service),
			clog.String("action", string(typ)),
			clog.Int("from", from),
			clog.Int("to", to),
			clog.Error(err))
		s.record(ctx, ev)
		return ev, xerrors.Wrapf(err, "autoscaler: scale %s", service)
	}

	s.mu.Lock()
	if cfg, ok := s.services[service]; ok {
		cfg.CurrentInstances = to
		cfg.TargetInstances = to
		cfg.LastScalingAction = ev.Timestamp
	}
	s.mu.Unlock()

	s.logger.Info("service scaled",
		clog.String("service", service),
		clog.String("action", string(typ)),
		clog.Int("from", from),
		clog.Int("to", to),
		clog.String("reason", reason))
	s.metrics.target(ctx, service, to)
	s.record(ctx, ev)
	s.awaitTarget(service, from, to)
	return ev, nil
}

// record 写入有界历史并发布到事件总线
func (s *Scaler) record(ctx context.Context, ev ScalingEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	if over := len(s.events) - s.cfg.HistoryLimit; over > 0 {
		s.events = slices.Delete(s.events, 0, over)
	}
	s.versions[ev.Service]++
	version := s.versions[ev.Service]
	s.mu.Unlock()

	s.metrics.record(ctx, ev)
	if s.publisher == nil {
		return
	}

	busType := BusEventServiceScaled
	if ev.Type == EventFailed || ev.Type == EventTimeout {
		busType = BusEventScalingFailed
	}
	event, err := eventbus.NewEvent(busType, "Service", ev.Service, version, ev)
	if err == nil {
		err = s.publisher.Publish(ctx, event)
	}
	if err != nil {
		s.logger.Warn("publish scaling event failed",
			clog.String("service", ev.Service),
			clog.String("type", string(ev.Type)),
			clog.Error(err))
	}
}

// awaitTarget 在后台轮询实例数直到达到目标；超时只记录 timeout 事件，不回滚
func (s *Scaler) awaitTarget(service string, from, target int) {
	if s.counter == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.waiters.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.waiters.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WaitTimeout)
		defer cancel()
		ticker := time.NewTicker(s.cfg.WaitInterval)
		defer ticker.Stop()

		reached := func(n int) bool {
			if target >= from {
				return n >= target
			}
			return n <= target
		}
		for {
			n := s.counter.HealthyCount(service)
			if reached(n) {
				s.logger.Debug("scaling target reached",
					clog.String("service", service),
					clog.Int("instances", n))
				return
			}
			select {
			case <-ctx.Done():
				if s.ctx.Err() != nil {
					return
				}
				s.logger.Warn("scaling target not reached in time",
					clog.String("service", service),
					clog.Int("target", target),
					clog.Int("instances", n),
					clog.Duration("wait_timeout", s.cfg.WaitTimeout))
				s.record(context.Background(), ScalingEvent{
					Type:      EventTimeout,
					Service:   service,
					Reason:    fmt.Sprintf("%d healthy instances after %s", n, s.cfg.WaitTimeout),
					From:      from,
					To:        target,
					Timestamp: time.Now(),
				})
				return
			case <-ticker.C:
			}
		}
	}()
}

// ========================================
// 生命周期
// ========================================

// Start 按 EvaluationInterval 周期评估，配置了 PredictiveInterval 时同时运行预测评估
func (s *Scaler) Start(ctx context.Context) error {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if s.scheduler != nil {
		return ErrAlreadyStarted
	}

	loopCtx := context.WithoutCancel(ctx)
	scheduler := schedule.New(s.logger)
	jobs := []struct {
		every time.Duration
		run   func(context.Context) []ScalingEvent
	}{
		{s.cfg.EvaluationInterval, s.Evaluate},
		{s.cfg.PredictiveInterval, s.EvaluatePredictive},
	}
	for _, job := range jobs {
		if job.every <= 0 {
			continue
		}
		run := job.run
		spec := schedule.Every(job.every)
		if _, err := scheduler.AddFunc(spec, func() {
			if s.Leading(loopCtx) {
				run(loopCtx)
			}
		}); err != nil {
			return xerrors.Wrapf(err, "autoscaler: schedule %q", spec)
		}
	}

	s.scheduler = scheduler
	scheduler.Start()
	s.logger.Info("autoscaler started",
		clog.Duration("interval", s.cfg.EvaluationInterval),
		clog.Duration("predictive_interval", s.cfg.PredictiveInterval))
	return nil
}

// Leading 本副本是否负责扩缩容；未配置 LeaderLock 时始终为 true，未持有租约时尝试获取
func (s *Scaler) Leading(ctx context.Context) bool {
	if s.leader == nil {
		return true
	}
	if s.leader.Held(s.leaderKey) {
		return true
	}
	ok, err := s.leader.TryLock(ctx, s.leaderKey)
	if err != nil {
		s.logger.Warn("acquire leadership failed", clog.String("key", s.leaderKey), clog.Error(err))
		return false
	}
	if ok {
		s.logger.Info("autoscaler leadership acquired", clog.String("key", s.leaderKey))
	}
	return ok
}

// Stop 停止评估任务与后台等待任务，可重复调用
func (s *Scaler) Stop(ctx context.Context) error {
	s.loopMu.Lock()
	scheduler := s.scheduler
	s.scheduler = nil
	s.loopMu.Unlock()

	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return nil
	}

	s.cancel()
	done := make(chan struct{})
	go func() {
		if scheduler != nil {
			<-scheduler.Stop().Done()
		}
		s.waiters.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return xerrors.Wrap(ctx.Err(), "autoscaler: stop")
	}
	if s.leader != nil && s.leader.Held(s.leaderKey) {
		if err := s.leader.Unlock(ctx, s.leaderKey); err != nil {
			s.logger.Warn("release leadership failed", clog.Error(err))
		}
	}
	s.logger.Info("autoscaler stopped")
	return nil
}
