package metrics

// Config 指标系统配置
//
//	metrics:
//	  enabled: true
//	  service_name: controlplane
//	  version: v1.0.0
//	  port: 9090       # 大于 0 时启动独立的 Prometheus 监听
//	  path: /metrics
//	  runtime: true    # 采集 Go runtime 指标
type Config struct {
	// Enabled 为 false 时 New 返回 noop Meter
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	Port        int    `mapstructure:"port"`
	Path        string `mapstructure:"path"`
	Runtime     bool   `mapstructure:"runtime"`
}

// NewDevDefaultConfig 开发环境配置：启用采集，不单独监听端口
func NewDevDefaultConfig(serviceName string) *Config {
	return &Config{
		Enabled:     true,
		ServiceName: serviceName,
		Version:     "dev",
	}
}

// NewProdDefaultConfig 生产环境配置：在 9090 端口暴露 /metrics 并采集 runtime 指标
func NewProdDefaultConfig(serviceName, version string) *Config {
	return &Config{
		Enabled:     true,
		ServiceName: serviceName,
		Version:     version,
		Port:        9090,
		Path:        "/metrics",
		Runtime:     true,
	}
}
