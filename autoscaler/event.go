package autoscaler

import "time"

// EventType 扩缩容事件类型
type EventType string

const (
	EventScaleUp    EventType = "scale_up"
	EventScaleDown  EventType = "scale_down"
	EventPredictive EventType = "predictive"
	EventEmergency  EventType = "emergency"
	EventFailed     EventType = "failed"
	EventTimeout    EventType = "timeout"
)

// 发布到事件总线的事件类型
const (
	BusEventServiceScaled = "ServiceScaled"
	BusEventScalingFailed = "ScalingFailed"
)

// ScalingEvent 一次扩缩容动作或其结果
type ScalingEvent struct {
	Type      EventType          `json:"type"`
	Service   string             `json:"service"`
	Reason    string             `json:"reason"`
	From      int                `json:"from"`
	To        int                `json:"to"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Error     string             `json:"error,omitempty"`
}
