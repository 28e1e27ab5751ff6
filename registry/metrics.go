package registry

import (
	"context"

	"github.com/ceyewan/controlplane/metrics"
)

const (
	// MetricInstances 各服务各状态的实例数 (Gauge)
	MetricInstances = "registry_instances"

	// MetricTransitions 实例状态迁移次数 (Counter)
	MetricTransitions = "registry_transitions_total"
)

type registryMetrics struct {
	instances   metrics.Gauge
	transitions metrics.Counter
}

func newRegistryMetrics(meter metrics.Meter) (*registryMetrics, error) {
	m := &registryMetrics{}
	var err error
	if m.instances, err = meter.Gauge(MetricInstances, "Number of service instances by status"); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Counter(MetricTransitions, "Number of instance status transitions"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *registryMetrics) setCounts(ctx context.Context, service string, counts map[ServiceStatus]int) {
	for _, s := range allStatuses {
		m.instances.Set(ctx, float64(counts[s]),
			metrics.L(metrics.LabelService, service),
			metrics.L("status", string(s)))
	}
}

func (m *registryMetrics) transition(ctx context.Context, service string, to ServiceStatus) {
	m.transitions.Inc(ctx,
		metrics.L(metrics.LabelService, service),
		metrics.L("to", string(to)))
}
