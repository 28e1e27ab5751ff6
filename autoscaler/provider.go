package autoscaler

import (
	"context"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/monitor"
)

// Provider 执行实际的扩缩容，新实例启动后自行注册到注册中心
type Provider interface {
	Scale(ctx context.Context, service string, target int) error
}

// ProviderFunc 函数形式的 Provider
type ProviderFunc func(ctx context.Context, service string, target int) error

func (f ProviderFunc) Scale(ctx context.Context, service string, target int) error {
	return f(ctx, service, target)
}

// InstanceCounter 提供服务当前实例数，registry.Registry 满足该接口
type InstanceCounter interface {
	HealthyCount(name string) int
	Count(name string) int
}

// MetricsSource 提供指标快照，*monitor.Monitor 满足该接口
type MetricsSource interface {
	Latest() (monitor.Snapshot, bool)
	History(n int) []monitor.Snapshot
}

type loggingProvider struct {
	logger clog.Logger
}

// LoggingProvider 只记录扩缩容指令，用于没有编排系统的部署
func LoggingProvider(logger clog.Logger) Provider {
	if logger == nil {
		logger = clog.Discard()
	}
	return loggingProvider{logger: logger.WithNamespace("provider")}
}

func (p loggingProvider) Scale(_ context.Context, service string, target int) error {
	p.logger.Info("scale requested",
		clog.String("service", service),
		clog.Int("target", target))
	return nil
}
