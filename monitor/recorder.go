package monitor

import (
	"sync"
	"time"
)

// RequestRecorder 累计请求数、错误数与耗时，每次采集时结算一个窗口
type RequestRecorder struct {
	mu        sync.Mutex
	total     uint64
	window    uint64
	errors    uint64
	latency   time.Duration
	lastReset time.Time
}

// NewRequestRecorder 创建请求统计
func NewRequestRecorder() *RequestRecorder {
	return &RequestRecorder{lastReset: time.Now()}
}

// Record 记录一次请求
func (r *RequestRecorder) Record(latency time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++
	r.window++
	r.latency += latency
	if failed {
		r.errors++
	}
}

// settle 结算当前窗口并开始新窗口
func (r *RequestRecorder) settle(now time.Time) RequestStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RequestStats{Total: r.total}
	if elapsed := now.Sub(r.lastReset).Seconds(); elapsed > 0 {
		stats.PerSecond = float64(r.window) / elapsed
	}
	if r.window > 0 {
		stats.ErrorRate = float64(r.errors) / float64(r.window) * 100
		stats.AvgLatencyMs = float64(r.latency.Microseconds()) / float64(r.window) / 1000
	}

	r.window, r.errors, r.latency = 0, 0, 0
	r.lastReset = now
	return stats
}
