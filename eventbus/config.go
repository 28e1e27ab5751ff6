package eventbus

import "time"

// Config 事件总线配置
type Config struct {
	// Retry 处理器默认尝试次数，默认 3
	Retry int `json:"retry" yaml:"retry" mapstructure:"retry"`

	// RetryDelay 线性退避基数，第 n 次失败后等待 RetryDelay*n，默认 1s
	RetryDelay time.Duration `json:"retryDelay" yaml:"retryDelay" mapstructure:"retry_delay"`

	// HistoryLimit 全局事件日志容量，默认 10000
	HistoryLimit int `json:"historyLimit" yaml:"historyLimit" mapstructure:"history_limit"`

	// RequestTimeout SendMessage 未指定超时时使用，默认 5s
	RequestTimeout time.Duration `json:"requestTimeout" yaml:"requestTimeout" mapstructure:"request_timeout"`
}

func (c *Config) setDefaults() {
	if c.Retry <= 0 {
		c.Retry = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10000
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
}
