package trace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// 消息语义属性
const (
	AttrMessagingSystem      = "messaging.system"
	AttrMessagingDestination = "messaging.destination"
	AttrMessagingOperation   = "messaging.operation"
)

const tracerName = "controlplane.eventbus"

// MessagingMeta 描述一次消息收发
type MessagingMeta struct {
	System      string // nats|redis|kafka|local
	Destination string // 频道名，例如 events:OrderCreated
	Operation   string // publish|process
}

func (m MessagingMeta) attributes() []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, 3)
	if m.System != "" {
		out = append(out, attribute.String(AttrMessagingSystem, m.System))
	}
	if m.Destination != "" {
		out = append(out, attribute.String(AttrMessagingDestination, m.Destination))
	}
	if m.Operation != "" {
		out = append(out, attribute.String(AttrMessagingOperation, m.Operation))
	}
	return out
}

// StartProducerSpan 启动生产者 Span，并把上下文注入到 headers
func StartProducerSpan(ctx context.Context, meta MessagingMeta, headers map[string]string) (context.Context, oteltrace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, "publish "+meta.Destination,
		oteltrace.WithSpanKind(oteltrace.SpanKindProducer))
	span.SetAttributes(meta.attributes()...)
	if headers != nil {
		Inject(spanCtx, headers)
	}
	return spanCtx, span
}

// StartConsumerSpan 从 headers 恢复上游链路，以 Link 关联后启动消费者 Span
func StartConsumerSpan(ctx context.Context, meta MessagingMeta, headers map[string]string) (context.Context, oteltrace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := []oteltrace.SpanStartOption{oteltrace.WithSpanKind(oteltrace.SpanKindConsumer)}
	if len(headers) > 0 {
		if remote := oteltrace.SpanContextFromContext(Extract(ctx, headers)); remote.IsValid() {
			opts = append(opts, oteltrace.WithLinks(oteltrace.Link{SpanContext: remote}))
		}
	}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, "process "+meta.Destination, opts...)
	span.SetAttributes(meta.attributes()...)
	return spanCtx, span
}

// MarkSpanError err 不为 nil 时记录错误并标记 Span 状态
func MarkSpanError(span oteltrace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
