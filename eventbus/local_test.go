package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/controlplane/testkit"
)

type orderPlaced struct {
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

func newTestLocal(t *testing.T, opts ...Option) *LocalBus {
	t.Helper()
	opts = append([]Option{WithLogger(testkit.NewLogger())}, opts...)
	b, err := NewLocal(&Config{RetryDelay: time.Millisecond}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// collector 线程安全地记录收到的事件
type collector struct {
	mu     sync.Mutex
	events []DomainEvent
}

func (c *collector) handle(_ context.Context, e DomainEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) at(i int) DomainEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[i]
}

func TestEventHelpers(t *testing.T) {
	t.Run("NewEvent 与 DecodeData 往返", func(t *testing.T) {
		e, err := NewEvent("OrderPlaced", "Order", "o-1", 1, orderPlaced{OrderID: "o-1", Amount: 9.5})
		require.NoError(t, err)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Metadata.Timestamp.IsZero())

		got, err := DecodeData[orderPlaced](e)
		require.NoError(t, err)
		assert.Equal(t, "o-1", got.OrderID)
		assert.Equal(t, 9.5, got.Amount)
	})

	t.Run("没有负载时解码失败", func(t *testing.T) {
		_, err := DecodeData[orderPlaced](DomainEvent{ID: "x"})
		assert.ErrorIs(t, err, ErrInvalidEvent)
	})
}

func TestLocalPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("缺少类型被拒绝", func(t *testing.T) {
		b := newTestLocal(t)
		assert.ErrorIs(t, b.Publish(ctx, DomainEvent{}), ErrInvalidEvent)
	})

	t.Run("补齐 ID 与时间戳并投递给全部处理器", func(t *testing.T) {
		b := newTestLocal(t)
		var c1, c2 collector
		_, err := b.Subscribe(ctx, "OrderPlaced", c1.handle)
		require.NoError(t, err)
		_, err = b.Subscribe(ctx, "OrderPlaced", c2.handle)
		require.NoError(t, err)

		require.NoError(t, b.Publish(ctx, DomainEvent{Type: "OrderPlaced", AggregateType: "Order", AggregateID: "o-1"}))
		require.Equal(t, 1, c1.len())
		require.Equal(t, 1, c2.len())
		assert.NotEmpty(t, c1.at(0).ID)
		assert.False(t, c1.at(0).Metadata.Timestamp.IsZero())
	})

	t.Run("重试后成功不进入死信", func(t *testing.T) {
		b := newTestLocal(t)
		var calls atomic.Int32
		_, err := b.Subscribe(ctx, "OrderPlaced", func(context.Context, DomainEvent) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		}, WithDeadLetter())
		require.NoError(t, err)

		require.NoError(t, b.Publish(ctx, DomainEvent{Type: "OrderPlaced"}))
		assert.Equal(t, int32(3), calls.Load())
		dls, err := b.DeadLetters(ctx)
		require.NoError(t, err)
		assert.Empty(t, dls)
	})

	t.Run("单个处理器失败不影响其他处理器", func(t *testing.T) {
		b := newTestLocal(t)
		var ok collector
		var failed collector
		var calls atomic.Int32

		_, err := b.Subscribe(ctx, "OrderPlaced", func(context.Context, DomainEvent) error {
			calls.Add(1)
			return errors.New("inventory down")
		}, WithRetry(2), WithDeadLetter(), WithHandlerName("inventory"))
		require.NoError(t, err)
		_, err = b.Subscribe(ctx, "OrderPlaced", ok.handle)
		require.NoError(t, err)
		_, err = b.Subscribe(ctx, EventHandlerFailed, failed.handle)
		require.NoError(t, err)

		require.NoError(t, b.Publish(ctx, DomainEvent{ID: "e-1", Type: "OrderPlaced"}))

		assert.Equal(t, int32(2), calls.Load())
		assert.Equal(t, 1, ok.len())

		dls, err := b.DeadLetters(ctx)
		require.NoError(t, err)
		require.Len(t, dls, 1)
		assert.Equal(t, "e-1", dls[0].Event.ID)
		assert.Equal(t, "inventory", dls[0].Handler)
		assert.Equal(t, 2, dls[0].Attempts)
		assert.Contains(t, dls[0].Error, "inventory down")

		require.Equal(t, 1, failed.len())
		data, err := DecodeData[HandlerFailedData](failed.at(0))
		require.NoError(t, err)
		assert.Equal(t, "e-1", data.OriginalEvent.ID)
		assert.Equal(t, "inventory", data.Handler)
		assert.Equal(t, "e-1", failed.at(0).Metadata.CausationID)
	})

	t.Run("未开启死信时只发布失败事件", func(t *testing.T) {
		b := newTestLocal(t)
		var failed collector
		_, err := b.Subscribe(ctx, "OrderPlaced", func(context.Context, DomainEvent) error {
			return errors.New("boom")
		}, WithRetry(1))
		require.NoError(t, err)
		_, err = b.Subscribe(ctx, EventHandlerFailed, failed.handle)
		require.NoError(t, err)

		require.NoError(t, b.Publish(ctx, DomainEvent{Type: "OrderPlaced"}))
		dls, _ := b.DeadLetters(ctx)
		assert.Empty(t, dls)
		assert.Equal(t, 1, failed.len())
	})

	t.Run("失败事件的处理器失败不会递归", func(t *testing.T) {
		b := newTestLocal(t)
		var failures atomic.Int32
		_, err := b.Subscribe(ctx, "OrderPlaced", func(context.Context, DomainEvent) error {
			return errors.New("boom")
		}, WithRetry(1))
		require.NoError(t, err)
		_, err = b.Subscribe(ctx, EventHandlerFailed, func(context.Context, DomainEvent) error {
			failures.Add(1)
			return errors.New("alerting down")
		}, WithRetry(1), WithDeadLetter())
		require.NoError(t, err)

		require.NoError(t, b.Publish(ctx, DomainEvent{Type: "OrderPlaced"}))
		assert.Equal(t, int32(1), failures.Load())

		dls, _ := b.DeadLetters(ctx)
		require.Len(t, dls, 1)
		assert.Equal(t, EventHandlerFailed, dls[0].Event.Type)
	})

	t.Run("处理器 panic 视为失败", func(t *testing.T) {
		b := newTestLocal(t)
		_, err := b.Subscribe(ctx, "OrderPlaced", func(context.Context, DomainEvent) error {
			panic("nil map")
		}, WithRetry(1), WithDeadLetter())
		require.NoError(t, err)

		require.NoError(t, b.Publish(ctx, DomainEvent{Type: "OrderPlaced"}))
		dls, _ := b.DeadLetters(ctx)
		require.Len(t, dls, 1)
		assert.Contains(t, dls[0].Error, "panic")
	})

	t.Run("关闭后拒绝发布与订阅", func(t *testing.T) {
		b := newTestLocal(t)
		require.NoError(t, b.Close())
		assert.ErrorIs(t, b.Publish(ctx, DomainEvent{Type: "X"}), ErrClosed)
		_, err := b.Subscribe(ctx, "X", func(context.Context, DomainEvent) error { return nil })
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestLocalSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("参数校验", func(t *testing.T) {
		b := newTestLocal(t)
		_, err := b.Subscribe(ctx, "", func(context.Context, DomainEvent) error { return nil })
		assert.ErrorIs(t, err, ErrInvalidEvent)
		_, err = b.Subscribe(ctx, "X", nil)
		assert.ErrorIs(t, err, ErrHandlerNil)
	})

	t.Run("退订后不再收到事件", func(t *testing.T) {
		b := newTestLocal(t)
		var c collector
		sub, err := b.Subscribe(ctx, "X", c.handle)
		require.NoError(t, err)
		assert.True(t, b.HasSubscribers("X"))

		require.NoError(t, sub.Unsubscribe())
		require.NoError(t, sub.Unsubscribe())
		assert.False(t, b.HasSubscribers("X"))

		require.NoError(t, b.Publish(ctx, DomainEvent{Type: "X"}))
		assert.Equal(t, 0, c.len())
	})

	t.Run("ctx 取消自动退订", func(t *testing.T) {
		b := newTestLocal(t)
		subCtx, cancel := context.WithCancel(ctx)
		_, err := b.Subscribe(subCtx, "X", func(context.Context, DomainEvent) error { return nil })
		require.NoError(t, err)
		cancel()
		testkit.Eventually(t, time.Second, func() bool {
			return !b.HasSubscribers("X")
		}, "subscription was not removed")
	})
}

func TestHistoryAndReplay(t *testing.T) {
	ctx := context.Background()
	b := newTestLocal(t)

	for _, v := range []int64{2, 1, 3} {
		require.NoError(t, b.Publish(ctx, DomainEvent{
			Type: "CartUpdated", AggregateType: "Cart", AggregateID: "c-1", Version: v,
		}))
	}
	require.NoError(t, b.Publish(ctx, DomainEvent{
		Type: "CartUpdated", AggregateType: "Cart", AggregateID: "c-2", Version: 1,
	}))

	t.Run("按 version 升序", func(t *testing.T) {
		events, err := b.GetEventHistory(ctx, "Cart", "c-1", 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Version)
		}
	})

	t.Run("fromVersion 过滤", func(t *testing.T) {
		events, err := b.GetEventHistory(ctx, "Cart", "c-1", 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(2), events[0].Version)
	})

	t.Run("Replay 顺序回放并在错误处停止", func(t *testing.T) {
		var seen []int64
		err := b.Replay(ctx, "Cart", "c-1", 0, func(_ context.Context, e DomainEvent) error {
			seen = append(seen, e.Version)
			if e.Version == 2 {
				return errors.New("corrupt")
			}
			return nil
		})
		assert.Error(t, err)
		assert.Equal(t, []int64{1, 2}, seen)
	})

	t.Run("全局日志按发布顺序", func(t *testing.T) {
		recent, err := b.RecentEvents(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, int64(3), recent[0].Version)
		assert.Equal(t, "c-2", recent[1].AggregateID)
	})
}

func TestRetryDeadLetters(t *testing.T) {
	ctx := context.Background()
	b := newTestLocal(t)

	var healthy atomic.Bool
	var delivered atomic.Int32
	_, err := b.Subscribe(ctx, "PaymentCaptured", func(context.Context, DomainEvent) error {
		if !healthy.Load() {
			return errors.New("ledger unavailable")
		}
		delivered.Add(1)
		return nil
	}, WithRetry(1), WithDeadLetter(), WithHandlerName("ledger"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, DomainEvent{Type: "PaymentCaptured"}))
	require.NoError(t, b.Publish(ctx, DomainEvent{Type: "PaymentCaptured"}))
	dls, _ := b.DeadLetters(ctx)
	require.Len(t, dls, 2)

	t.Run("处理器仍失败时保留", func(t *testing.T) {
		n, err := b.RetryDeadLetters(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		dls, _ := b.DeadLetters(ctx)
		assert.Len(t, dls, 2)
	})

	t.Run("恢复后重投并移出队列", func(t *testing.T) {
		healthy.Store(true)
		n, err := b.RetryDeadLetters(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, int32(2), delivered.Load())
		dls, _ := b.DeadLetters(ctx)
		assert.Empty(t, dls)
	})
}
