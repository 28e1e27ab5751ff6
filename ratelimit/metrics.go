package ratelimit

import (
	"context"

	"github.com/ceyewan/controlplane/metrics"
)

// Metrics 指标常量定义
const (
	// MetricAllowed 允许通过的请求数 (Counter)
	MetricAllowed = "ratelimit_allowed_total"

	// MetricDenied 被拒绝的请求数 (Counter)
	MetricDenied = "ratelimit_denied_total"

	// MetricErrors 限流器错误数 (Counter)
	MetricErrors = "ratelimit_errors_total"

	// LabelMode 模式标签 (standalone/distributed)
	LabelMode = "mode"
)

type limiterMetrics struct {
	mode    string
	allowed metrics.Counter
	denied  metrics.Counter
	errors  metrics.Counter
}

func newLimiterMetrics(meter metrics.Meter, mode string) (*limiterMetrics, error) {
	m := &limiterMetrics{mode: mode}
	var err error
	if m.allowed, err = meter.Counter(MetricAllowed, "Number of allowed requests"); err != nil {
		return nil, err
	}
	if m.denied, err = meter.Counter(MetricDenied, "Number of denied requests"); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Counter(MetricErrors, "Number of rate limiter errors"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *limiterMetrics) observe(ctx context.Context, allowed bool) {
	if allowed {
		m.allowed.Inc(ctx, metrics.L(LabelMode, m.mode))
		return
	}
	m.denied.Inc(ctx, metrics.L(LabelMode, m.mode))
}

func (m *limiterMetrics) failed(ctx context.Context) {
	m.errors.Inc(ctx, metrics.L(LabelMode, m.mode))
}
