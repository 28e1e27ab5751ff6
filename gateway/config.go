package gateway

import "time"

// Config 网关配置
type Config struct {
	// Addr 监听地址，默认 ":8080"
	Addr string `json:"addr" yaml:"addr" mapstructure:"addr"`

	// ServiceName 用于链路追踪与 HTTP 指标，默认 "gateway"
	ServiceName string `json:"serviceName" yaml:"serviceName" mapstructure:"service_name"`

	// UpstreamTimeout 单次转发的超时时间，默认 30s
	UpstreamTimeout time.Duration `json:"upstreamTimeout" yaml:"upstreamTimeout" mapstructure:"upstream_timeout"`

	// MaxBodyBytes 请求体上限，重试时需要整体缓存，默认 4MB
	MaxBodyBytes int64 `json:"maxBodyBytes" yaml:"maxBodyBytes" mapstructure:"max_body_bytes"`

	// ShutdownTimeout Stop 时等待在途请求的时间，默认 10s
	ShutdownTimeout time.Duration `json:"shutdownTimeout" yaml:"shutdownTimeout" mapstructure:"shutdown_timeout"`

	// EnablePrometheus 挂载 /metrics/prometheus
	EnablePrometheus bool `json:"enablePrometheus" yaml:"enablePrometheus" mapstructure:"enable_prometheus"`
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ServiceName == "" {
		c.ServiceName = "gateway"
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = 30 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 4 << 20
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}
