package autoscaler

import "time"

// Config 自动扩缩容配置
type Config struct {
	// EvaluationInterval 评估周期，默认 30s
	EvaluationInterval time.Duration `json:"evaluationInterval" yaml:"evaluationInterval" mapstructure:"evaluation_interval"`

	// PredictiveInterval 预测评估周期，为 0 时不启用
	PredictiveInterval time.Duration `json:"predictiveInterval" yaml:"predictiveInterval" mapstructure:"predictive_interval"`

	// PredictionSamples 拟合趋势使用的样本数，默认 10
	PredictionSamples int `json:"predictionSamples" yaml:"predictionSamples" mapstructure:"prediction_samples"`

	// PredictionHorizon 向前外推的周期数，默认 3
	PredictionHorizon int `json:"predictionHorizon" yaml:"predictionHorizon" mapstructure:"prediction_horizon"`

	// EmergencyStep 严重告警时增加的实例数，默认 2
	EmergencyStep int `json:"emergencyStep" yaml:"emergencyStep" mapstructure:"emergency_step"`

	// WaitTimeout 扩缩容后等待实例数达到目标的最长时间，默认 5m
	WaitTimeout time.Duration `json:"waitTimeout" yaml:"waitTimeout" mapstructure:"wait_timeout"`

	// WaitInterval 等待期间轮询实例数的间隔，默认 10s
	WaitInterval time.Duration `json:"waitInterval" yaml:"waitInterval" mapstructure:"wait_interval"`

	// HistoryLimit 保留的扩缩容事件数，默认 1000
	HistoryLimit int `json:"historyLimit" yaml:"historyLimit" mapstructure:"history_limit"`

	// ProviderTimeout 单次 Provider 调用的超时时间，默认 30s
	ProviderTimeout time.Duration `json:"providerTimeout" yaml:"providerTimeout" mapstructure:"provider_timeout"`
}

func (c *Config) setDefaults() {
	if c.EvaluationInterval <= 0 {
		c.EvaluationInterval = 30 * time.Second
	}
	if c.PredictionSamples < 2 {
		c.PredictionSamples = 10
	}
	if c.PredictionHorizon <= 0 {
		c.PredictionHorizon = 3
	}
	if c.EmergencyStep <= 0 {
		c.EmergencyStep = 2
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 5 * time.Minute
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = 10 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 1000
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 30 * time.Second
	}
}
