package eventbus

import (
	"context"
	"time"

	"github.com/ceyewan/controlplane/metrics"
)

const (
	// MetricPublished 发布的事件数 (Counter)
	MetricPublished = "eventbus_published_total"

	// MetricHandled 处理器最终结果 (Counter)，outcome=success|error
	MetricHandled = "eventbus_handled_total"

	// MetricDeadLetters 写入死信队列的事件数 (Counter)
	MetricDeadLetters = "eventbus_dead_letters_total"

	// MetricHandlerDuration 单次处理器调用耗时 (Histogram)
	MetricHandlerDuration = "eventbus_handler_duration_seconds"

	// MetricTransportErrors 背板收发失败次数 (Counter)
	MetricTransportErrors = "eventbus_transport_errors_total"

	// LabelEventType 事件类型标签
	LabelEventType = "event_type"
)

type busMetrics struct {
	published       metrics.Counter
	handled         metrics.Counter
	deadLetters     metrics.Counter
	handlerDuration metrics.Histogram
	transportErrors metrics.Counter
}

func newBusMetrics(meter metrics.Meter) (*busMetrics, error) {
	m := &busMetrics{}
	var err error
	if m.published, err = meter.Counter(MetricPublished, "Number of published domain events"); err != nil {
		return nil, err
	}
	if m.handled, err = meter.Counter(MetricHandled, "Number of completed handler deliveries"); err != nil {
		return nil, err
	}
	if m.deadLetters, err = meter.Counter(MetricDeadLetters, "Number of dead-lettered deliveries"); err != nil {
		return nil, err
	}
	if m.handlerDuration, err = meter.Histogram(MetricHandlerDuration, "Handler invocation duration",
		metrics.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.transportErrors, err = meter.Counter(MetricTransportErrors, "Number of backplane failures"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *busMetrics) handledOutcome(ctx context.Context, eventType string, err error) {
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
	}
	m.handled.Inc(ctx, metricsLabelType(eventType), metrics.L(metrics.LabelOutcome, outcome))
}

func (m *busMetrics) observe(ctx context.Context, eventType string, start time.Time) {
	m.handlerDuration.Record(ctx, time.Since(start).Seconds(), metricsLabelType(eventType))
}

func metricsLabelType(eventType string) metrics.Label {
	return metrics.L(LabelEventType, eventType)
}
