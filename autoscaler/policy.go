package autoscaler

import (
	"time"

	"github.com/ceyewan/controlplane/xerrors"
)

// Policy 单个服务的扩缩容策略
type Policy struct {
	Name string `json:"name" yaml:"name" mapstructure:"name"`

	// TargetMetric 快照中的点分路径，例如 cpu.usage
	TargetMetric string `json:"targetMetric" yaml:"targetMetric" mapstructure:"target_metric"`

	ScaleUpThreshold   float64 `json:"scaleUpThreshold" yaml:"scaleUpThreshold" mapstructure:"scale_up_threshold"`
	ScaleDownThreshold float64 `json:"scaleDownThreshold" yaml:"scaleDownThreshold" mapstructure:"scale_down_threshold"`

	MinInstances int `json:"minInstances" yaml:"minInstances" mapstructure:"min_instances"`
	MaxInstances int `json:"maxInstances" yaml:"maxInstances" mapstructure:"max_instances"`

	// Cooldown 两次扩缩容之间的最小间隔
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown" mapstructure:"cooldown"`

	// ScalingStep 每次调整的实例数，默认 1
	ScalingStep int `json:"scalingStep" yaml:"scalingStep" mapstructure:"scaling_step"`
}

func (p *Policy) setDefaults() {
	if p.ScalingStep == 0 {
		p.ScalingStep = 1
	}
}

func (p *Policy) validate() error {
	switch {
	case p.TargetMetric == "":
		return xerrors.Wrap(ErrInvalidPolicy, "target metric is required")
	case p.MinInstances < 0 || p.MinInstances > p.MaxInstances:
		return xerrors.Wrapf(ErrInvalidPolicy, "min %d / max %d", p.MinInstances, p.MaxInstances)
	case p.ScalingStep < 1:
		return xerrors.Wrapf(ErrInvalidPolicy, "scaling step %d", p.ScalingStep)
	case p.ScaleUpThreshold <= p.ScaleDownThreshold:
		return xerrors.Wrapf(ErrInvalidPolicy, "scale up threshold %.2f must exceed scale down threshold %.2f",
			p.ScaleUpThreshold, p.ScaleDownThreshold)
	case p.Cooldown < 0:
		return xerrors.Wrap(ErrInvalidPolicy, "cooldown must not be negative")
	}
	return nil
}

func (p *Policy) clamp(n int) int {
	return max(p.MinInstances, min(n, p.MaxInstances))
}

// ServiceConfig 服务的策略与扩缩容状态
type ServiceConfig struct {
	Service           string    `json:"service"`
	Policy            Policy    `json:"policy"`
	CurrentInstances  int       `json:"currentInstances"`
	TargetInstances   int       `json:"targetInstances"`
	LastScalingAction time.Time `json:"lastScalingAction,omitzero"`
	Enabled           bool      `json:"enabled"`
}

func (c *ServiceConfig) inCooldown(now time.Time) bool {
	return !c.LastScalingAction.IsZero() && now.Sub(c.LastScalingAction) < c.Policy.Cooldown
}
