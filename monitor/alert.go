package monitor

import (
	"time"

	"github.com/ceyewan/controlplane/xerrors"
)

// Severity 告警级别
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertRule 阈值规则，Above 为 true 时指标高于阈值触发，否则低于阈值触发
type AlertRule struct {
	Name      string   `json:"name" yaml:"name" mapstructure:"name"`
	Metric    string   `json:"metric" yaml:"metric" mapstructure:"metric"`
	Threshold float64  `json:"threshold" yaml:"threshold" mapstructure:"threshold"`
	Severity  Severity `json:"severity" yaml:"severity" mapstructure:"severity"`
	Above     bool     `json:"above" yaml:"above" mapstructure:"above"`
}

func (r AlertRule) validate() error {
	if r.Name == "" || r.Metric == "" {
		return xerrors.Wrap(ErrInvalidRule, "name and metric are required")
	}
	if r.Severity != SeverityWarning && r.Severity != SeverityCritical {
		return xerrors.Wrapf(ErrInvalidRule, "unknown severity %q", r.Severity)
	}
	return nil
}

func (r AlertRule) breached(v float64) bool {
	if r.Above {
		return v > r.Threshold
	}
	return v < r.Threshold
}

// Alert 规则从未触发转为触发时产生一次
type Alert struct {
	Rule      string    `json:"rule"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// evaluateRules 返回本次新触发的告警，firing 记录各规则当前是否处于触发状态
//
// 指标缺失时保持规则原状态
func evaluateRules(rules []AlertRule, firing map[string]bool, s *Snapshot) []Alert {
	var alerts []Alert
	for _, rule := range rules {
		v, ok := s.Lookup(rule.Metric)
		if !ok {
			continue
		}
		breached := rule.breached(v)
		if breached && !firing[rule.Name] {
			alerts = append(alerts, Alert{
				Rule:      rule.Name,
				Metric:    rule.Metric,
				Value:     v,
				Threshold: rule.Threshold,
				Severity:  rule.Severity,
				Timestamp: s.Timestamp,
			})
		}
		firing[rule.Name] = breached
	}
	return alerts
}
