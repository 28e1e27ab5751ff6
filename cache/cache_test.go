package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/controlplane/cache/serializer"
	"github.com/ceyewan/controlplane/testkit"
)

type response struct {
	Status int
	Header map[string][]string
	Body   []byte
}

func newStandaloneCache(t *testing.T, cfg *Config) Cache {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	c, err := New(cfg, WithLogger(testkit.NewLogger()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}

func TestNew(t *testing.T) {
	t.Run("配置为空", func(t *testing.T) {
		_, err := New(nil)
		assert.ErrorIs(t, err, ErrConfigNil)
	})

	t.Run("不支持的序列化器", func(t *testing.T) {
		_, err := New(&Config{Serializer: "gob"})
		assert.ErrorIs(t, err, serializer.ErrUnsupportedSerializer)
	})

	t.Run("分布式模式缺少连接器", func(t *testing.T) {
		_, err := New(&Config{Mode: ModeDistributed})
		assert.ErrorIs(t, err, ErrConnectorNil)
	})
}

func testCacheBehavior(t *testing.T, c Cache) {
	ctx := context.Background()
	key := "resp:" + testkit.NewID()

	t.Run("未命中返回 ErrMiss", func(t *testing.T) {
		var got response
		assert.ErrorIs(t, c.Get(ctx, key, &got), ErrMiss)
	})

	t.Run("写入后读取得到独立副本", func(t *testing.T) {
		want := response{
			Status: 200,
			Header: map[string][]string{"Content-Type": {"application/json"}},
			Body:   []byte(`{"ok":true}`),
		}
		require.NoError(t, c.Set(ctx, key, want, time.Minute))

		var got response
		require.NoError(t, c.Get(ctx, key, &got))
		assert.Equal(t, want, got)

		got.Body[0] = 'X'
		var again response
		require.NoError(t, c.Get(ctx, key, &again))
		assert.Equal(t, want.Body, again.Body)

		ok, err := c.Has(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("删除后未命中", func(t *testing.T) {
		require.NoError(t, c.Delete(ctx, key))
		ok, err := c.Has(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.ErrorIs(t, c.Expire(ctx, key, time.Second), ErrMiss)
	})

	t.Run("TTL 到期后失效", func(t *testing.T) {
		ttlKey := key + ":ttl"
		require.NoError(t, c.Set(ctx, ttlKey, "v", 50*time.Millisecond))
		testkit.Eventually(t, 2*time.Second, func() bool {
			var s string
			return c.Get(ctx, ttlKey, &s) == ErrMiss
		}, "entry should expire")
	})
}

func TestStandaloneCache(t *testing.T) {
	for _, s := range []string{serializer.TypeMsgpack, serializer.TypeJSON} {
		t.Run(s, func(t *testing.T) {
			testCacheBehavior(t, newStandaloneCache(t, &Config{Serializer: s}))
		})
	}
}

func TestStandaloneCache_Stats(t *testing.T) {
	c := newStandaloneCache(t, nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", 1, 0))
	var v int
	require.NoError(t, c.Get(ctx, "a", &v))
	assert.Equal(t, 1, v)
	assert.ErrorIs(t, c.Get(ctx, "b", &v), ErrMiss)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate(), 1e-9)
	assert.Equal(t, 1, stats.Size)
	assert.Zero(t, Stats{}.HitRate())
}

func TestRedisCache(t *testing.T) {
	conn := testkit.GetRedisConnector(t)
	c, err := New(&Config{
		Mode:   ModeDistributed,
		Prefix: "test:cache:" + testkit.NewID() + ":",
	}, WithRedisConnector(conn), WithLogger(testkit.NewLogger()))
	require.NoError(t, err)

	testCacheBehavior(t, c)
	assert.Equal(t, -1, c.Stats().Size)
}
