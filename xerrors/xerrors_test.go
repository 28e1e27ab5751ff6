package xerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	t.Run("nil 错误返回 nil", func(t *testing.T) {
		assert.NoError(t, Wrap(nil, "context"))
		assert.NoError(t, Wrapf(nil, "user %d", 1))
	})

	t.Run("保留错误链", func(t *testing.T) {
		base := errors.New("base error")
		wrapped := Wrap(base, "context")
		require.Error(t, wrapped)
		assert.Equal(t, "context: base error", wrapped.Error())
		assert.ErrorIs(t, wrapped, base)
	})

	t.Run("格式化上下文", func(t *testing.T) {
		wrapped := Wrapf(ErrNotFound, "service %s", "svc-a")
		assert.Equal(t, "service svc-a: not found", wrapped.Error())
		assert.ErrorIs(t, wrapped, ErrNotFound)
	})
}

func TestWithCode(t *testing.T) {
	assert.NoError(t, WithCode(nil, CodeTimeout))

	coded := WithCode(Wrap(ErrUnavailable, "svc-a"), CodeUnavailable)
	assert.Equal(t, "[SERVICE_UNAVAILABLE] svc-a: unavailable", coded.Error())
	assert.Equal(t, CodeUnavailable, GetCode(coded))
	assert.ErrorIs(t, coded, ErrUnavailable)
	assert.Empty(t, GetCode(errors.New("plain")))
}

func TestCollectorAndCombine(t *testing.T) {
	t.Run("Collector 只保留第一个错误", func(t *testing.T) {
		var c Collector
		c.Collect(nil)
		c.Collect(ErrTimeout)
		c.Collect(ErrClosed)
		assert.ErrorIs(t, c.Err(), ErrTimeout)
	})

	t.Run("Combine 过滤 nil", func(t *testing.T) {
		assert.NoError(t, Combine(nil, nil))
		assert.Equal(t, ErrTimeout, Combine(nil, ErrTimeout))

		err := Combine(ErrTimeout, ErrClosed)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.ErrorIs(t, err, ErrClosed)
		assert.Contains(t, err.Error(), "and 1 more errors")
	})

	t.Run("Must 在错误时 panic", func(t *testing.T) {
		assert.Equal(t, 3, Must(3, nil))
		assert.Panics(t, func() { Must(0, ErrInvalidInput) })
	})
}
