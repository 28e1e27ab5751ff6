// Package eventbus 提供领域事件的发布订阅、请求/应答、重试与死信。
//
// 组合方式：
//
//	local, _ := eventbus.NewLocal(&eventbus.Config{}, eventbus.WithLogger(logger))
//	transport, _ := eventbus.NewNATSTransport(natsConn, logger)
//	bus, _ := eventbus.NewDistributed(local, transport, eventbus.WithLogger(logger))
//
//	_, _ = bus.Subscribe(ctx, "OrderCreated", func(ctx context.Context, e eventbus.DomainEvent) error {
//	    order, err := eventbus.DecodeData[Order](e)
//	    ...
//	}, eventbus.WithRetry(5), eventbus.WithDeadLetter())
//
//	event, _ := eventbus.NewEvent("OrderCreated", "Order", order.ID, 1, order)
//	_ = bus.Publish(ctx, event)
//
// ## 投递语义
//
// 每个处理器独立重试（默认 3 次，线性退避 delay*attempt），互不阻塞；
// 重试耗尽后可写入死信队列，并总会发布 EventHandlerFailed 事件。
// 事件日志按聚合保存，GetEventHistory 按 version 升序返回，是重建状态的依据；
// 背板投递只是尽力而为，两者可能因进程崩溃出现偏差。
//
// ## 背板
//
// 频道命名：events:<type>、patterns:<pattern>、response:<correlationId>。
// 提供 NATS Core、Redis Pub/Sub、Kafka 与进程内实现，消息头携带来源标识与链路上下文。
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/controlplane/xerrors"
)

// EventHandlerFailed 处理器重试耗尽后由总线发布的合成事件类型
const EventHandlerFailed = "EventHandlerFailed"

// DomainEvent 领域事件，JSON 即线上格式
type DomainEvent struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	Version       int64           `json:"version"`
	Data          json.RawMessage `json:"data,omitempty"`
	Metadata      Metadata        `json:"metadata"`
}

// Metadata 事件元数据
type Metadata struct {
	UserID        string    `json:"userId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	CausationID   string    `json:"causationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// HandlerFailedData EventHandlerFailed 事件的负载
type HandlerFailedData struct {
	OriginalEvent DomainEvent `json:"originalEvent"`
	Error         string      `json:"error"`
	Handler       string      `json:"handler"`
}

// DeadLetter 死信记录
type DeadLetter struct {
	ID       string      `json:"id"`
	Event    DomainEvent `json:"event"`
	Error    string      `json:"error"`
	Handler  string      `json:"handler"`
	Attempts int         `json:"attempts"`
	FailedAt time.Time   `json:"failedAt"`
}

// Handler 事件处理函数
type Handler func(ctx context.Context, event DomainEvent) error

// NewEvent 以类型化负载构造事件，ID 与时间戳自动生成
func NewEvent[T any](eventType, aggregateType, aggregateID string, version int64, payload T) (DomainEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return DomainEvent{}, xerrors.Wrap(err, "eventbus: marshal payload")
	}
	return DomainEvent{
		ID:            uuid.NewString(),
		Type:          eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       version,
		Data:          data,
		Metadata:      Metadata{Timestamp: time.Now()},
	}, nil
}

// DecodeData 把事件负载解码为 T
func DecodeData[T any](event DomainEvent) (T, error) {
	var v T
	if len(event.Data) == 0 {
		return v, xerrors.Wrapf(ErrInvalidEvent, "event %s has no data", event.ID)
	}
	if err := json.Unmarshal(event.Data, &v); err != nil {
		return v, xerrors.Wrapf(err, "eventbus: decode %s", event.Type)
	}
	return v, nil
}

// prepare 补齐 ID 与时间戳
func prepare(event *DomainEvent) error {
	if event.Type == "" {
		return xerrors.Wrap(ErrInvalidEvent, "event type is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Metadata.Timestamp.IsZero() {
		event.Metadata.Timestamp = time.Now()
	}
	return nil
}

func failureEvent(original DomainEvent, handler string, cause error) DomainEvent {
	data, _ := json.Marshal(HandlerFailedData{
		OriginalEvent: original,
		Error:         cause.Error(),
		Handler:       handler,
	})
	return DomainEvent{
		ID:            uuid.NewString(),
		Type:          EventHandlerFailed,
		AggregateID:   original.ID,
		AggregateType: "EventBus",
		Version:       1,
		Data:          data,
		Metadata: Metadata{
			UserID:        original.Metadata.UserID,
			CorrelationID: original.Metadata.CorrelationID,
			CausationID:   original.ID,
			Timestamp:     time.Now(),
		},
	}
}
