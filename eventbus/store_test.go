package eventbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/controlplane/testkit"
)

func testStoreBehavior(t *testing.T, newStore func(t *testing.T, limit int) Store) {
	ctx := context.Background()

	t.Run("聚合历史按 version 排序", func(t *testing.T) {
		s := newStore(t, 100)
		for _, v := range []int64{3, 1, 2} {
			require.NoError(t, s.Append(ctx, DomainEvent{
				ID: fmt.Sprintf("e-%d", v), Type: "T", AggregateType: "Order", AggregateID: "o-1", Version: v,
				Metadata: Metadata{Timestamp: time.Now()},
			}))
		}
		events, err := s.History(ctx, "Order", "o-1", 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "e-2", events[0].ID)
		assert.Equal(t, "e-3", events[1].ID)

		none, err := s.History(ctx, "Order", "missing", 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("全局日志只保留最近的事件", func(t *testing.T) {
		s := newStore(t, 3)
		for i := 1; i <= 5; i++ {
			require.NoError(t, s.Append(ctx, DomainEvent{
				ID: fmt.Sprintf("g-%d", i), Type: "T", Metadata: Metadata{Timestamp: time.Now()},
			}))
		}
		recent, err := s.Recent(ctx, 0)
		require.NoError(t, err)
		require.Len(t, recent, 3)
		assert.Equal(t, "g-3", recent[0].ID)
		assert.Equal(t, "g-5", recent[2].ID)
	})

	t.Run("死信增删", func(t *testing.T) {
		s := newStore(t, 10)
		dl, err := s.AddDeadLetter(ctx, DeadLetter{
			Event:    DomainEvent{ID: "e-1", Type: "T", Metadata: Metadata{Timestamp: time.Now()}},
			Error:    "boom",
			Handler:  "h",
			Attempts: 3,
			FailedAt: time.Now(),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, dl.ID)

		list, err := s.DeadLetters(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "e-1", list[0].Event.ID)
		assert.Equal(t, 3, list[0].Attempts)

		require.NoError(t, s.RemoveDeadLetter(ctx, dl.ID))
		list, err = s.DeadLetters(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestMemoryStore(t *testing.T) {
	testStoreBehavior(t, func(_ *testing.T, limit int) Store {
		return NewMemoryStore(limit)
	})
}

func TestGormStore(t *testing.T) {
	testStoreBehavior(t, func(t *testing.T, limit int) Store {
		conn := testkit.NewSQLiteConnector(t)
		s, err := NewGormStore(context.Background(), conn, limit)
		require.NoError(t, err)
		return s
	})
}

func TestLocalBusWithGormStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewGormStore(ctx, testkit.NewSQLiteConnector(t), 100)
	require.NoError(t, err)
	b := newTestLocal(t, WithStore(store))

	e, err := NewEvent("ProductCreated", "Product", "p-1", 1, map[string]string{"sku": "A1"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, e))

	events, err := b.GetEventHistory(ctx, "Product", "p-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, e.ID, events[0].ID)
	assert.JSONEq(t, `{"sku":"A1"}`, string(events[0].Data))
}

func TestGormStoreRetention(t *testing.T) {
	ctx := context.Background()
	conn := testkit.NewSQLiteConnector(t)
	s, err := NewGormStore(ctx, conn, 3)
	require.NoError(t, err)

	for v := int64(1); v <= 2; v++ {
		require.NoError(t, s.Append(ctx, DomainEvent{
			ID: fmt.Sprintf("a-%d", v), Type: "T", AggregateType: "Order", AggregateID: "o-1", Version: v,
			Metadata: Metadata{Timestamp: time.Now()},
		}))
	}
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(ctx, DomainEvent{
			ID: fmt.Sprintf("g-%d", i), Type: "T", Metadata: Metadata{Timestamp: time.Now()},
		}))
	}

	var loose int64
	require.NoError(t, conn.GetClient().Model(&eventRecord{}).
		Where("aggregate_type = ? AND aggregate_id = ?", "", "").Count(&loose).Error)
	assert.EqualValues(t, 3, loose)

	history, err := s.History(ctx, "Order", "o-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2, "aggregate events are kept")
}
