package monitor

import (
	"context"

	"github.com/ceyewan/controlplane/metrics"
)

const (
	// MetricCollections 采集次数 (Counter)
	MetricCollections = "monitor_collections_total"

	// MetricCollectorErrors 采集器失败次数 (Counter)
	MetricCollectorErrors = "monitor_collector_errors_total"

	// MetricAlerts 触发的告警数 (Counter)
	MetricAlerts = "monitor_alerts_total"

	// MetricCPUUsage 最近一次采集的 CPU 使用率 (Gauge)
	MetricCPUUsage = "monitor_cpu_usage_percent"

	// MetricMemoryUsage 最近一次采集的内存使用率 (Gauge)
	MetricMemoryUsage = "monitor_memory_usage_percent"
)

type monitorMetrics struct {
	collections metrics.Counter
	errors      metrics.Counter
	alerts      metrics.Counter
	cpu         metrics.Gauge
	memory      metrics.Gauge
}

func newMonitorMetrics(meter metrics.Meter) (*monitorMetrics, error) {
	m := &monitorMetrics{}
	var err error
	if m.collections, err = meter.Counter(MetricCollections, "Number of metric collections"); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Counter(MetricCollectorErrors, "Number of collector failures"); err != nil {
		return nil, err
	}
	if m.alerts, err = meter.Counter(MetricAlerts, "Number of alerts fired"); err != nil {
		return nil, err
	}
	if m.cpu, err = meter.Gauge(MetricCPUUsage, "CPU usage percent from the latest snapshot"); err != nil {
		return nil, err
	}
	if m.memory, err = meter.Gauge(MetricMemoryUsage, "Memory usage percent from the latest snapshot"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *monitorMetrics) observe(ctx context.Context, s *Snapshot) {
	m.collections.Inc(ctx)
	m.cpu.Set(ctx, s.CPU.Usage)
	m.memory.Set(ctx, s.Memory.Usage)
}

func (m *monitorMetrics) collectorFailed(ctx context.Context, name string) {
	m.errors.Inc(ctx, metrics.L("collector", name))
}

func (m *monitorMetrics) alert(ctx context.Context, a Alert) {
	m.alerts.Inc(ctx,
		metrics.L("rule", a.Rule),
		metrics.L("severity", string(a.Severity)))
}
