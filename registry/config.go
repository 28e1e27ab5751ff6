package registry

import (
	"time"

	"github.com/ceyewan/controlplane/xerrors"
)

// Config Registry 组件配置
type Config struct {
	// HealthCheckInterval 健康检查周期，默认 30s
	HealthCheckInterval time.Duration `json:"healthCheckInterval" yaml:"healthCheckInterval" mapstructure:"health_check_interval"`

	// HeartbeatTimeout 超过该时长没有心跳（或探测成功）则判定为 UNHEALTHY，默认 60s
	HeartbeatTimeout time.Duration `json:"heartbeatTimeout" yaml:"heartbeatTimeout" mapstructure:"heartbeat_timeout"`

	// ProbeTimeout 单次主动探测超时，默认 5s
	ProbeTimeout time.Duration `json:"probeTimeout" yaml:"probeTimeout" mapstructure:"probe_timeout"`

	// InitialProbeDelay 注册后首次探测的延迟，默认 5s
	InitialProbeDelay time.Duration `json:"initialProbeDelay" yaml:"initialProbeDelay" mapstructure:"initial_probe_delay"`

	// ProbeConcurrency 一轮健康检查中并发探测的上限，默认 16
	ProbeConcurrency int `json:"probeConcurrency" yaml:"probeConcurrency" mapstructure:"probe_concurrency"`
}

func (c *Config) setDefaults() {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.InitialProbeDelay <= 0 {
		c.InitialProbeDelay = 5 * time.Second
	}
	if c.ProbeConcurrency <= 0 {
		c.ProbeConcurrency = 16
	}
}

func (c *Config) validate() error {
	if c.HeartbeatTimeout < c.HealthCheckInterval {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "registry: heartbeat timeout shorter than health check interval")
	}
	return nil
}
