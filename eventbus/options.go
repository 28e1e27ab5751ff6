package eventbus

import (
	"time"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/metrics"
)

// Option 组件初始化选项函数
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	store  Store
	origin string
}

// WithLogger 注入日志记录器，自动追加 "eventbus" namespace
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("eventbus")
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

// WithStore 替换默认的内存事件日志
func WithStore(s Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithOrigin 指定本进程在背板上的标识，默认随机 UUID
func WithOrigin(id string) Option {
	return func(o *options) {
		o.origin = id
	}
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

// SubscribeOption 订阅选项
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	retry      int
	retryDelay time.Duration
	deadLetter bool
	name       string
}

// WithRetry 处理器最多尝试 n 次
func WithRetry(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.retry = n
		}
	}
}

// WithRetryDelay 线性退避基数
func WithRetryDelay(d time.Duration) SubscribeOption {
	return func(o *subscribeOptions) {
		if d >= 0 {
			o.retryDelay = d
		}
	}
}

// WithDeadLetter 重试耗尽后写入死信队列
func WithDeadLetter() SubscribeOption {
	return func(o *subscribeOptions) {
		o.deadLetter = true
	}
}

// WithHandlerName 处理器名称，出现在死信与 EventHandlerFailed 中，
// RetryDeadLetters 按名称找回处理器
func WithHandlerName(name string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.name = name
	}
}
