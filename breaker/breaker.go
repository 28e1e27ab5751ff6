// Package breaker 为网关提供按下游服务隔离的熔断器，基于 sony/gobreaker/v2。
//
// 每个下游服务名对应一个独立的三态熔断器：
//
//	CLOSED --连续失败达到阈值--> OPEN --ResetTimeout 到期--> HALF_OPEN
//	HALF_OPEN --成功--> CLOSED（失败计数清零）
//	HALF_OPEN --失败--> OPEN（重新计时）
//
// 使用方式：
//
//	brk, _ := breaker.New(&breaker.Config{FailureThreshold: 5, ResetTimeout: time.Minute},
//	    breaker.WithLogger(logger))
//
//	if brk.IsOpen("order") {
//	    return http.StatusServiceUnavailable
//	}
//	if err := call(); err != nil {
//	    brk.RecordFailure("order")
//	} else {
//	    brk.RecordSuccess("order")
//	}
package breaker

import (
	"context"
	"time"
)

// State 熔断器状态
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText 以字符串形式出现在 JSON 中
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot 单个下游的熔断状态快照
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutiveFailures"`
	LastFailureTime     time.Time `json:"lastFailureTime,omitzero"`
}

// Breaker 按 key（下游服务名）管理熔断器
type Breaker interface {
	// IsOpen 熔断器处于 OPEN 时返回 true；ResetTimeout 到期后转为 HALF_OPEN 并返回 false
	IsOpen(key string) bool

	// RecordSuccess 记录一次成功调用
	RecordSuccess(key string)

	// RecordFailure 记录一次失败调用
	RecordFailure(key string)

	// State 返回当前状态，未使用过的 key 为 CLOSED
	State(key string) State

	// Snapshot 返回所有已创建熔断器的状态
	Snapshot() map[string]Snapshot

	// Execute 在熔断保护下执行 fn，OPEN 时返回 ErrOpenState
	Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败多少次后熔断，默认 5
	FailureThreshold uint32 `json:"failureThreshold" yaml:"failureThreshold" mapstructure:"failure_threshold"`

	// ResetTimeout OPEN 状态持续多久后进入 HALF_OPEN，默认 60s
	ResetTimeout time.Duration `json:"resetTimeout" yaml:"resetTimeout" mapstructure:"reset_timeout"`

	// HalfOpenMaxRequests HALF_OPEN 状态允许的试探请求数，默认 1
	HalfOpenMaxRequests uint32 `json:"halfOpenMaxRequests" yaml:"halfOpenMaxRequests" mapstructure:"half_open_max_requests"`
}

func (c *Config) setDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenMaxRequests == 0 {
		c.HalfOpenMaxRequests = 1
	}
}
