package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/controlplane/testkit"
)

type received struct {
	data    []byte
	headers Headers
}

// testTransportBehavior 背板实现的通用约定
func testTransportBehavior(t *testing.T, transport Transport) {
	ctx := testkit.NewContext(t, 30*time.Second)

	t.Run("发布订阅并透传消息头", func(t *testing.T) {
		channel := EventChannel("Test" + testkit.NewID())
		got := make(chan received, 1)
		unsub, err := transport.Subscribe(ctx, channel, func(_ context.Context, data []byte, headers Headers) {
			select {
			case got <- received{data: data, headers: headers}:
			default:
			}
		})
		require.NoError(t, err)
		defer func() { _ = unsub() }()

		// Kafka 订阅需要等待分区分配
		deadline := time.After(20 * time.Second)
		for {
			require.NoError(t, transport.Publish(ctx, channel, []byte(`{"ok":true}`), Headers{HeaderOrigin: "test"}))
			select {
			case msg := <-got:
				assert.JSONEq(t, `{"ok":true}`, string(msg.data))
				assert.Equal(t, "test", msg.headers[HeaderOrigin])
				return
			case <-time.After(500 * time.Millisecond):
			case <-deadline:
				t.Fatal("message was not received")
			}
		}
	})

	t.Run("退订后不再回调", func(t *testing.T) {
		channel := EventChannel("Unsub" + testkit.NewID())
		got := make(chan struct{}, 10)
		unsub, err := transport.Subscribe(ctx, channel, func(context.Context, []byte, Headers) {
			got <- struct{}{}
		})
		require.NoError(t, err)
		require.NoError(t, unsub())
		time.Sleep(100 * time.Millisecond)

		require.NoError(t, transport.Publish(ctx, channel, []byte(`{}`), nil))
		select {
		case <-got:
			t.Fatal("received message after unsubscribe")
		case <-time.After(200 * time.Millisecond):
		}
	})
}

func TestMemoryTransport(t *testing.T) {
	transport := NewMemoryTransport()
	t.Cleanup(func() { _ = transport.Close() })
	testTransportBehavior(t, transport)

	t.Run("关闭后拒绝发布", func(t *testing.T) {
		tr := NewMemoryTransport()
		require.NoError(t, tr.Close())
		assert.ErrorIs(t, tr.Publish(context.Background(), "x", nil, nil), ErrClosed)
	})
}

func TestNATSTransport(t *testing.T) {
	transport, err := NewNATSTransport(testkit.GetNATSConnector(t), testkit.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })
	testTransportBehavior(t, transport)
}

func TestRedisTransport(t *testing.T) {
	transport, err := NewRedisTransport(testkit.GetRedisConnector(t), testkit.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })
	testTransportBehavior(t, transport)
}

func TestKafkaTransport(t *testing.T) {
	transport, err := NewKafkaTransport(testkit.GetKafkaConnector(t), testkit.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })
	testTransportBehavior(t, transport)
}

func TestKafkaTopicName(t *testing.T) {
	assert.Equal(t, "events.OrderPlaced", kafkaTopic(EventChannel("OrderPlaced")))
	assert.Equal(t, "response.abc", kafkaTopic(ResponseChannel("abc")))
}

func TestNewTransportRequiresConnector(t *testing.T) {
	_, err := NewNATSTransport(nil, nil)
	assert.ErrorIs(t, err, ErrTransportNil)
	_, err = NewRedisTransport(nil, nil)
	assert.ErrorIs(t, err, ErrTransportNil)
	_, err = NewKafkaTransport(nil, nil)
	assert.ErrorIs(t, err, ErrTransportNil)
}
