package dlock

import (
	"context"

	"github.com/ceyewan/controlplane/metrics"
)

const (
	// MetricLockAcquire 加锁尝试次数，outcome=acquired|busy|error
	MetricLockAcquire = "dlock_acquire_total"

	// MetricLockLost 续期失败或所有权丢失次数
	MetricLockLost = "dlock_lost_total"

	// LabelBackend 后端类型标签
	LabelBackend = "backend"
)

const (
	outcomeAcquired = "acquired"
	outcomeBusy     = "busy"
)

type lockMetrics struct {
	backend string
	acquire metrics.Counter
	lost    metrics.Counter
}

func newLockMetrics(m metrics.Meter, backend Driver) (*lockMetrics, error) {
	acquire, err := m.Counter(MetricLockAcquire, "Distributed lock acquisition attempts")
	if err != nil {
		return nil, err
	}
	lost, err := m.Counter(MetricLockLost, "Distributed locks lost after acquisition")
	if err != nil {
		return nil, err
	}
	return &lockMetrics{backend: string(backend), acquire: acquire, lost: lost}, nil
}

func (m *lockMetrics) attempt(ctx context.Context, outcome string) {
	m.acquire.Inc(ctx, metrics.L(LabelBackend, m.backend), metrics.L(metrics.LabelOutcome, outcome))
}

func (m *lockMetrics) lose(ctx context.Context) {
	m.lost.Inc(ctx, metrics.L(LabelBackend, m.backend))
}
