package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/controlplane/testkit"
)

func newTestDistributed(t *testing.T, transport Transport) *DistributedBus {
	t.Helper()
	local := newTestLocal(t)
	d, err := NewDistributed(local, transport, WithLogger(testkit.NewLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// brokenTransport 模拟背板不可用
type brokenTransport struct{}

func (brokenTransport) Name() string { return "broken" }
func (brokenTransport) Publish(context.Context, string, []byte, Headers) error {
	return errors.New("connection refused")
}
func (brokenTransport) Subscribe(context.Context, string, MessageHandler) (Unsubscribe, error) {
	return nil, errors.New("connection refused")
}
func (brokenTransport) Close() error { return nil }

func TestDistributedDelivery(t *testing.T) {
	ctx := context.Background()

	t.Run("跨进程投递且本进程不重复", func(t *testing.T) {
		backplane := NewMemoryTransport()
		a := newTestDistributed(t, backplane)
		b := newTestDistributed(t, backplane)

		var onA, onB collector
		_, err := a.Subscribe(ctx, "OrderPlaced", onA.handle)
		require.NoError(t, err)
		_, err = b.Subscribe(ctx, "OrderPlaced", onB.handle)
		require.NoError(t, err)

		e, err := NewEvent("OrderPlaced", "Order", "o-1", 1, orderPlaced{OrderID: "o-1"})
		require.NoError(t, err)
		require.NoError(t, a.Publish(ctx, e))

		assert.Equal(t, 1, onA.len())
		testkit.Eventually(t, time.Second, func() bool { return onB.len() == 1 }, "remote bus did not receive event")
		assert.Equal(t, e.ID, onB.at(0).ID)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, onA.len())
	})

	t.Run("背板不可用时退化为本地投递", func(t *testing.T) {
		d := newTestDistributed(t, brokenTransport{})
		var c collector
		_, err := d.Subscribe(ctx, "OrderPlaced", c.handle)
		require.NoError(t, err)
		require.NoError(t, d.Publish(ctx, DomainEvent{Type: "OrderPlaced", AggregateType: "Order", AggregateID: "o-9"}))
		assert.Equal(t, 1, c.len())

		history, err := d.GetEventHistory(ctx, "Order", "o-9", 0)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("失败事件经背板广播", func(t *testing.T) {
		backplane := NewMemoryTransport()
		a := newTestDistributed(t, backplane)
		b := newTestDistributed(t, backplane)

		var failures collector
		_, err := b.Subscribe(ctx, EventHandlerFailed, failures.handle)
		require.NoError(t, err)
		_, err = a.Subscribe(ctx, "OrderPlaced", func(context.Context, DomainEvent) error {
			return errors.New("boom")
		}, WithRetry(1))
		require.NoError(t, err)

		require.NoError(t, a.Publish(ctx, DomainEvent{Type: "OrderPlaced"}))
		testkit.Eventually(t, time.Second, func() bool { return failures.len() == 1 }, "failure event was not broadcast")
	})
}

func TestRequestReply(t *testing.T) {
	ctx := context.Background()
	backplane := NewMemoryTransport()
	server := newTestDistributed(t, backplane)
	client := newTestDistributed(t, backplane)

	type sumRequest struct{ A, B int }
	require.NoError(t, server.Handle(ctx, "math.sum", func(_ context.Context, data json.RawMessage) (any, error) {
		var req sumRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return map[string]int{"sum": req.A + req.B}, nil
	}))
	require.NoError(t, server.Handle(ctx, "math.fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("division by zero")
	}))

	t.Run("收到关联应答", func(t *testing.T) {
		resp, err := client.SendMessage(ctx, "math.sum", sumRequest{A: 2, B: 3}, time.Second)
		require.NoError(t, err)
		assert.JSONEq(t, `{"sum":5}`, string(resp))
	})

	t.Run("应答方错误", func(t *testing.T) {
		_, err := client.SendMessage(ctx, "math.fail", nil, time.Second)
		assert.ErrorIs(t, err, ErrRemoteHandler)
		assert.Contains(t, err.Error(), "division by zero")
	})

	t.Run("无应答方时超时", func(t *testing.T) {
		start := time.Now()
		_, err := client.SendMessage(ctx, "math.none", nil, 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrRequestTimeout)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("ctx 取消视为超时", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := client.SendMessage(cctx, "math.sum", sumRequest{}, time.Second)
		assert.Error(t, err)
	})

	t.Run("同一 pattern 不能重复注册", func(t *testing.T) {
		err := server.Handle(ctx, "math.sum", func(context.Context, json.RawMessage) (any, error) { return nil, nil })
		assert.Error(t, err)
	})
}
