package autoscaler

import (
	"context"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/eventbus"
	"github.com/ceyewan/controlplane/metrics"
)

// Publisher 接收扩缩容生命周期事件，eventbus.Bus 满足该接口
type Publisher interface {
	Publish(ctx context.Context, event eventbus.DomainEvent) error
}

// LeaderLock 多副本部署时的领导权租约，dlock.Locker 满足该接口
type LeaderLock interface {
	TryLock(ctx context.Context, key string) (bool, error)
	Unlock(ctx context.Context, key string) error
	Held(key string) bool
}

// Option 组件初始化选项函数
type Option func(*options)

type options struct {
	logger    clog.Logger
	meter     metrics.Meter
	counter   InstanceCounter
	source    MetricsSource
	publisher Publisher
	leader    LeaderLock
	leaderKey string
}

// WithLogger 注入日志记录器
// 组件内部会自动追加 "autoscaler" namespace
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("autoscaler")
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

// WithInstanceCounter 从注册中心读取实例数，未设置时使用 ServiceConfig.CurrentInstances
func WithInstanceCounter(c InstanceCounter) Option {
	return func(o *options) {
		o.counter = c
	}
}

// WithMetricsSource 指标来源，未设置时只能手动或通过告警扩缩容
func WithMetricsSource(s MetricsSource) Option {
	return func(o *options) {
		o.source = s
	}
}

// WithPublisher 把扩缩容事件发布到事件总线
func WithPublisher(p Publisher) Option {
	return func(o *options) {
		o.publisher = p
	}
}

// WithLeaderLock 只有持有 key 租约的副本执行周期评估与告警扩容，key 为空时使用 "autoscaler"
func WithLeaderLock(l LeaderLock, key string) Option {
	return func(o *options) {
		o.leader = l
		o.leaderKey = key
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
	if o.leaderKey == "" {
		o.leaderKey = "autoscaler"
	}
	return o
}
