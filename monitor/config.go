package monitor

import (
	"time"

	"github.com/ceyewan/controlplane/xerrors"
)

// Config 性能监控配置
type Config struct {
	// Interval 采集周期，默认 30s，cron 调度的最小粒度为 1s
	Interval time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`

	// HistorySize 保留的快照数，默认 1440（30s 周期下为 12 小时）
	HistorySize int `json:"historySize" yaml:"historySize" mapstructure:"history_size"`

	// CollectTimeout 单次采集的超时时间，默认 10s
	CollectTimeout time.Duration `json:"collectTimeout" yaml:"collectTimeout" mapstructure:"collect_timeout"`

	// DisableSystem 不采集 CPU 与内存
	DisableSystem bool `json:"disableSystem" yaml:"disableSystem" mapstructure:"disable_system"`

	// Rules 告警规则
	Rules []AlertRule `json:"rules" yaml:"rules" mapstructure:"rules"`
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 1440
	}
	if c.CollectTimeout <= 0 {
		c.CollectTimeout = 10 * time.Second
	}
}

func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.Rules))
	for _, r := range c.Rules {
		if err := r.validate(); err != nil {
			return err
		}
		if _, ok := seen[r.Name]; ok {
			return xerrors.Wrapf(ErrInvalidRule, "duplicate rule %q", r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}
