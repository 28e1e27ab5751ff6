package autoscaler

import (
	"context"

	"github.com/ceyewan/controlplane/metrics"
)

const (
	// MetricScalingEvents 扩缩容事件数 (Counter)
	MetricScalingEvents = "autoscaler_scaling_events_total"

	// MetricTargetInstances 各服务的目标实例数 (Gauge)
	MetricTargetInstances = "autoscaler_target_instances"
)

type scalerMetrics struct {
	events  metrics.Counter
	targets metrics.Gauge
}

func newScalerMetrics(meter metrics.Meter) (*scalerMetrics, error) {
	m := &scalerMetrics{}
	var err error
	if m.events, err = meter.Counter(MetricScalingEvents, "Number of scaling events"); err != nil {
		return nil, err
	}
	if m.targets, err = meter.Gauge(MetricTargetInstances, "Target instance count per service"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *scalerMetrics) record(ctx context.Context, ev ScalingEvent) {
	m.events.Inc(ctx,
		metrics.L(metrics.LabelService, ev.Service),
		metrics.L("type", string(ev.Type)))
}

func (m *scalerMetrics) target(ctx context.Context, service string, n int) {
	m.targets.Set(ctx, float64(n), metrics.L(metrics.LabelService, service))
}
