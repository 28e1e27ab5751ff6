package breaker

import (
	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/metrics"
)

// Option 熔断器选项
type Option func(*options)

type options struct {
	logger        clog.Logger
	meter         metrics.Meter
	onStateChange func(key string, from, to State)
}

// WithLogger 设置日志记录器
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("breaker")
		}
	}
}

// WithMeter 设置指标收集器
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithStateChangeHook 状态变化时回调
//
// 回调在 gobreaker 内部锁中同步执行，不得再访问同一个 Breaker
func WithStateChangeHook(fn func(key string, from, to State)) Option {
	return func(o *options) {
		o.onStateChange = fn
	}
}
