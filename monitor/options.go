package monitor

import (
	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/metrics"
)

// Option 组件初始化选项函数
type Option func(*options)

type options struct {
	logger     clog.Logger
	meter      metrics.Meter
	recorder   *RequestRecorder
	collectors []Collector
}

// WithLogger 注入日志记录器
// 组件内部会自动追加 "monitor" namespace
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("monitor")
		}
	}
}

// WithMeter 注入指标 Meter
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithRequestRecorder 使用外部创建的 RequestRecorder，默认由 Monitor 自建
func WithRequestRecorder(r *RequestRecorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// WithCollector 追加自定义采集器
func WithCollector(c Collector) Option {
	return func(o *options) {
		if c != nil {
			o.collectors = append(o.collectors, c)
		}
	}
}

// WithSource 追加业务指标，结果写入 Snapshot.Business[name]
func WithSource(name string, fn Source) Option {
	return WithCollector(sourceCollector{name: name, fn: fn})
}

func applyOptions(opts []Option) *options {
	o := &options{
		logger: clog.Discard(),
		meter:  metrics.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
