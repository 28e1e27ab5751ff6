package gateway

import (
	"context"

	"github.com/ceyewan/controlplane/metrics"
)

const (
	// MetricUpstreamAttempts 转发尝试次数 (Counter)
	MetricUpstreamAttempts = "gateway_upstream_attempts_total"

	// MetricCacheLookups 响应缓存查询次数 (Counter)
	MetricCacheLookups = "gateway_cache_lookups_total"

	// MetricRejected 被网关拒绝的请求数 (Counter)
	MetricRejected = "gateway_rejected_total"
)

type gatewayMetrics struct {
	http     *metrics.HTTPServerMetrics
	attempts metrics.Counter
	cache    metrics.Counter
	rejected metrics.Counter
}

func newGatewayMetrics(meter metrics.Meter, service string) (*gatewayMetrics, error) {
	m := &gatewayMetrics{}
	var err error
	if m.http, err = metrics.NewHTTPServerMetrics(meter, service); err != nil {
		return nil, err
	}
	if m.attempts, err = meter.Counter(MetricUpstreamAttempts, "Number of upstream forwarding attempts"); err != nil {
		return nil, err
	}
	if m.cache, err = meter.Counter(MetricCacheLookups, "Number of response cache lookups"); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Counter(MetricRejected, "Number of requests rejected by the gateway"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *gatewayMetrics) attempt(ctx context.Context, service string, err error) {
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
	}
	m.attempts.Inc(ctx,
		metrics.L(metrics.LabelService, service),
		metrics.L(metrics.LabelOutcome, outcome))
}

func (m *gatewayMetrics) lookup(ctx context.Context, route string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.Inc(ctx,
		metrics.L(metrics.LabelRoute, route),
		metrics.L("result", result))
}

func (m *gatewayMetrics) reject(ctx context.Context, route, reason string) {
	m.rejected.Inc(ctx,
		metrics.L(metrics.LabelRoute, route),
		metrics.L("reason", reason))
}
