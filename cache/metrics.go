package cache

import (
	"context"
	"sync/atomic"

	"github.com/ceyewan/controlplane/metrics"
)

const (
	MetricHits   = "cache_hits_total"
	MetricMisses = "cache_misses_total"
)

// hitCounter 本地计数并同步到 Meter
type hitCounter struct {
	mode   string
	hits   atomic.Uint64
	misses atomic.Uint64
	hitC   metrics.Counter
	missC  metrics.Counter
}

func newHitCounter(meter metrics.Meter, mode string) (*hitCounter, error) {
	h := &hitCounter{mode: mode}
	var err error
	if h.hitC, err = meter.Counter(MetricHits, "Number of cache hits"); err != nil {
		return nil, err
	}
	if h.missC, err = meter.Counter(MetricMisses, "Number of cache misses"); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *hitCounter) hit(ctx context.Context) {
	h.hits.Add(1)
	h.hitC.Inc(ctx, metrics.L("mode", h.mode))
}

func (h *hitCounter) miss(ctx context.Context) {
	h.misses.Add(1)
	h.missC.Inc(ctx, metrics.L("mode", h.mode))
}

func (h *hitCounter) stats(size int) Stats {
	return Stats{Hits: h.hits.Load(), Misses: h.misses.Load(), Size: size}
}
