package registry

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ceyewan/controlplane/clog"
)

// initialProbe 注册后延迟执行一次：探测成功（或未配置探测路径）则 STARTING -> HEALTHY
func (r *memoryRegistry) initialProbe(name, id string) {
	r.mu.Lock()
	delete(r.timers, id)
	inst := r.findLocked(name, id)
	if inst == nil || inst.Status != StatusStarting {
		r.mu.Unlock()
		return
	}
	snapshot := inst.clone()
	r.mu.Unlock()

	ctx := context.Background()
	if snapshot.HealthCheckPath != "" {
		probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
		err := r.prober.Probe(probeCtx, snapshot)
		cancel()
		if err != nil {
			r.logger.Debug("initial probe failed, instance stays STARTING",
				clog.String("service", name),
				clog.String("instance_id", id),
				clog.Error(err))
			return
		}
	}

	r.mu.Lock()
	inst = r.findLocked(name, id)
	if inst == nil || inst.Status != StatusStarting {
		r.mu.Unlock()
		return
	}
	inst.Status = StatusHealthy
	inst.LastHeartbeat = time.Now()
	ev := newEvent(EventStatusChanged, inst, StatusStarting, "initial probe passed")
	counts := r.countsLocked(name)
	r.mu.Unlock()

	r.logger.Info("service instance became healthy",
		clog.String("service", name),
		clog.String("instance_id", id))
	r.publish(ctx, counts, name, ev)
}

// CheckHealth 执行一轮健康检查：
//  1. 并发探测配置了 HealthCheckPath 的实例，成功视为一次心跳
//  2. 探测失败或心跳超时的实例标记为 UNHEALTHY（只在变化时通知一次）
//  3. 探测成功的 UNHEALTHY/STARTING 实例恢复为 HEALTHY
func (r *memoryRegistry) CheckHealth(ctx context.Context) {
	r.mu.RLock()
	var targets []ServiceInstance
	for _, list := range r.services {
		for _, inst := range list {
			switch inst.Status {
			case StatusStarting, StatusHealthy, StatusUnhealthy:
				targets = append(targets, inst.clone())
			}
		}
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	results := r.probeAll(ctx, targets)

	type change struct {
		service string
		event   Event
	}
	var changes []change

	r.mu.Lock()
	now := time.Now()
	for _, t := range targets {
		inst := r.findLocked(t.Name, t.ID)
		if inst == nil {
			continue
		}
		from := inst.Status
		if from != StatusStarting && from != StatusHealthy && from != StatusUnhealthy {
			continue
		}

		probeErr, probed := results[t.ID]
		if probed && probeErr == nil {
			inst.LastHeartbeat = now
		}

		var reason string
		switch {
		case probed && probeErr != nil:
			reason = "probe failed: " + probeErr.Error()
		case now.Sub(inst.LastHeartbeat) > r.cfg.HeartbeatTimeout:
			reason = "heartbeat timeout"
		}

		switch {
		case reason != "" && from != StatusUnhealthy:
			inst.Status = StatusUnhealthy
			changes = append(changes, change{inst.Name, newEvent(EventUnhealthy, inst, from, reason)})
		case reason == "" && probed && from == StatusUnhealthy:
			inst.Status = StatusHealthy
			changes = append(changes, change{inst.Name, newEvent(EventRecovered, inst, from, "probe passed")})
		case reason == "" && probed && from == StatusStarting:
			inst.Status = StatusHealthy
			r.stopTimerLocked(inst.ID)
			changes = append(changes, change{inst.Name, newEvent(EventStatusChanged, inst, from, "probe passed")})
		}
	}
	counts := make(map[string]map[ServiceStatus]int, len(changes))
	for _, c := range changes {
		if _, ok := counts[c.service]; !ok {
			counts[c.service] = r.countsLocked(c.service)
		}
	}
	r.mu.Unlock()

	for _, c := range changes {
		level := r.logger.Info
		if c.event.Type == EventUnhealthy {
			level = r.logger.Warn
		}
		level("service instance status changed",
			clog.String("service", c.service),
			clog.String("instance_id", c.event.Instance.ID),
			clog.String("from", string(c.event.From)),
			clog.String("to", string(c.event.Instance.Status)),
			clog.String("reason", c.event.Reason))
		r.publish(ctx, counts[c.service], c.service, c.event)
	}
}

// probeAll 并发探测，返回实例 ID -> 探测结果；未配置探测路径的实例不在结果中
func (r *memoryRegistry) probeAll(ctx context.Context, targets []ServiceInstance) map[string]error {
	var (
		mu      sync.Mutex
		results = make(map[string]error, len(targets))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ProbeConcurrency)
	for _, t := range targets {
		if t.HealthCheckPath == "" {
			continue
		}
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, r.cfg.ProbeTimeout)
			defer cancel()
			err := r.prober.Probe(probeCtx, t)
			mu.Lock()
			results[t.ID] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ========================================
// 生命周期
// ========================================

func (r *memoryRegistry) Start(ctx context.Context) error {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrRegistryClosed
	}
	if r.cancel != nil {
		return ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx, r.done)

	r.logger.Info("registry health check started",
		clog.Duration("interval", r.cfg.HealthCheckInterval),
		clog.Duration("heartbeat_timeout", r.cfg.HeartbeatTimeout))
	return nil
}

func (r *memoryRegistry) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckHealth(ctx)
		}
	}
}

func (r *memoryRegistry) Stop(ctx context.Context) error {
	r.loopMu.Lock()
	if r.cancel != nil {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			r.loopMu.Unlock()
			return ctx.Err()
		}
		r.cancel = nil
	}
	r.loopMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for id := range r.timers {
		r.stopTimerLocked(id)
	}
	var events []Event
	for _, list := range r.services {
		for _, inst := range list {
			from := inst.Status
			inst.Status = StatusStopped
			events = append(events, newEvent(EventStatusChanged, inst, from, "registry stopped"))
		}
	}
	services := make([]string, 0, len(r.services))
	for name := range r.services {
		services = append(services, name)
	}
	r.services = make(map[string][]*ServiceInstance)
	r.mu.Unlock()

	for _, name := range services {
		r.metrics.setCounts(ctx, name, nil)
	}
	r.publish(ctx, nil, "", events...)
	if r.mirror != nil {
		r.mirror.close(ctx)
	}
	r.logger.Info("registry stopped", clog.Int("instances", len(events)))
	return nil
}
