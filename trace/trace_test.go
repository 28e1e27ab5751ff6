package trace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TestMessagingPropagation 测试生产者注入、消费者链接上游
func TestMessagingPropagation(t *testing.T) {
	shutdown, err := Init(&Config{ServiceName: "test"})
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	headers := map[string]string{}
	ctx, producer := StartProducerSpan(context.Background(),
		MessagingMeta{System: "local", Destination: "events:OrderCreated", Operation: "publish"}, headers)
	defer producer.End()

	assert.NotEmpty(t, headers["traceparent"])
	producerID := oteltrace.SpanContextFromContext(ctx).TraceID()

	_, consumer := StartConsumerSpan(context.Background(),
		MessagingMeta{System: "local", Destination: "events:OrderCreated", Operation: "process"}, headers)
	defer consumer.End()
	assert.True(t, consumer.SpanContext().IsValid())
	assert.True(t, producerID.IsValid())

	assert.NotPanics(t, func() { MarkSpanError(consumer, errors.New("boom")) })
}

func TestValidateConfig(t *testing.T) {
	t.Run("缺少 endpoint", func(t *testing.T) {
		_, err := Init(&Config{Enabled: true, ServiceName: "cp", Sampler: 1})
		assert.Error(t, err)
	})
	t.Run("非法采样率", func(t *testing.T) {
		_, err := Init(&Config{Enabled: true, ServiceName: "cp", Endpoint: "x:4317", Sampler: 2})
		assert.Error(t, err)
	})
}
