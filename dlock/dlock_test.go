package dlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/controlplane/testkit"
	"github.com/ceyewan/controlplane/xerrors"
)

func TestNew(t *testing.T) {
	t.Run("配置为空", func(t *testing.T) {
		_, err := New(nil)
		assert.ErrorIs(t, err, ErrConfigNil)
	})

	t.Run("未知后端", func(t *testing.T) {
		_, err := New(&Config{Driver: "zookeeper"})
		assert.ErrorIs(t, err, ErrUnknownDriver)
		assert.True(t, xerrors.Is(err, xerrors.ErrInvalidInput))
		assert.Contains(t, err.Error(), "zookeeper")
	})

	t.Run("缺少连接器", func(t *testing.T) {
		_, err := New(&Config{Driver: DriverRedis})
		assert.ErrorIs(t, err, ErrConnectorNil)
		_, err = New(&Config{Driver: DriverEtcd})
		assert.ErrorIs(t, err, ErrConnectorNil)
	})

	t.Run("默认值", func(t *testing.T) {
		c := Config{TTL: 10 * time.Millisecond}
		c.setDefaults()
		assert.Equal(t, "controlplane:lock:", c.Prefix)
		assert.Equal(t, 15*time.Second, c.TTL)
	})
}

// exerciseLocker 两个 Locker 竞争同一把锁
func exerciseLocker(t *testing.T, newLocker func() Locker) {
	ctx := context.Background()
	a, b := newLocker(), newLocker()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	key := "leader-" + testkit.NewID()

	t.Run("互斥", func(t *testing.T) {
		ok, err := a.TryLock(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, a.Held(key))

		ok, err = b.TryLock(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, b.Held(key))

		_, err = a.TryLock(ctx, key)
		assert.ErrorIs(t, err, ErrLockAlreadyHeld)
	})

	t.Run("释放后可被其他持有者获取", func(t *testing.T) {
		require.NoError(t, a.Unlock(ctx, key))
		assert.False(t, a.Held(key))
		assert.ErrorIs(t, a.Unlock(ctx, key), ErrLockNotHeld)

		ok, err := b.TryLock(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Close 释放全部锁", func(t *testing.T) {
		require.NoError(t, b.Close())
		assert.False(t, b.Held(key))

		require.Eventually(t, func() bool {
			ok, err := a.TryLock(ctx, key)
			return err == nil && ok
		}, 5*time.Second, 100*time.Millisecond)
	})
}

func TestRedisLocker(t *testing.T) {
	conn := testkit.GetRedisConnector(t)
	prefix := "controlplane:test:lock:" + testkit.NewID() + ":"
	exerciseLocker(t, func() Locker {
		l, err := NewRedis(conn, &Config{Prefix: prefix, TTL: 3 * time.Second}, WithLogger(testkit.NewLogger()))
		require.NoError(t, err)
		return l
	})
}

func TestEtcdLocker(t *testing.T) {
	conn := testkit.GetEtcdConnector(t)
	prefix := "/controlplane/test/lock/" + testkit.NewID() + "/"
	exerciseLocker(t, func() Locker {
		l, err := New(&Config{Driver: DriverEtcd, Prefix: prefix, TTL: 3 * time.Second},
			WithEtcdConnector(conn), WithLogger(testkit.NewLogger()))
		require.NoError(t, err)
		return l
	})
}
