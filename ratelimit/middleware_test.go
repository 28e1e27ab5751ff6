package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/controlplane/xerrors"
)

// failingLimiter 总是返回错误，用于验证降级放行
type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, Limit) (bool, error) {
	return false, errors.New("redis down")
}

func (failingLimiter) AllowN(context.Context, string, Limit, int) (bool, error) {
	return false, errors.New("redis down")
}

func (failingLimiter) Wait(context.Context, string, Limit) error {
	return ErrNotSupported
}

func (failingLimiter) Close() error {
	return nil
}

func newRouter(limiter Limiter, opts *GinMiddlewareOptions) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware(limiter, opts))
	r.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return r
}

func doGet(r http.Handler) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	return w
}

func TestGinMiddleware(t *testing.T) {
	t.Run("超出限额返回 429", func(t *testing.T) {
		limiter := newStandaloneLimiter(t, nil)
		r := newRouter(limiter, &GinMiddlewareOptions{
			LimitFunc: func(*gin.Context) Limit {
				return Limit{Rate: 0.01, Burst: 2}
			},
			WithHeaders: true,
		})

		assert.Equal(t, http.StatusOK, doGet(r).Code)
		assert.Equal(t, http.StatusOK, doGet(r).Code)

		w := doGet(r)
		require.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, xerrors.CodeRateLimited, body["code"])
	})

	t.Run("按 key 隔离", func(t *testing.T) {
		limiter := newStandaloneLimiter(t, nil)
		var key string
		r := newRouter(limiter, &GinMiddlewareOptions{
			KeyFunc: func(*gin.Context) string {
				return key
			},
			LimitFunc: func(*gin.Context) Limit {
				return Limit{Rate: 0.01, Burst: 1}
			},
		})

		key = "a"
		assert.Equal(t, http.StatusOK, doGet(r).Code)
		assert.Equal(t, http.StatusTooManyRequests, doGet(r).Code)
		key = "b"
		assert.Equal(t, http.StatusOK, doGet(r).Code)
	})

	t.Run("无效规则或空 key 放行", func(t *testing.T) {
		limiter := newStandaloneLimiter(t, nil)
		r := newRouter(limiter, &GinMiddlewareOptions{
			KeyFunc: func(*gin.Context) string {
				return ""
			},
			LimitFunc: func(*gin.Context) Limit {
				return Limit{Rate: 0.01, Burst: 1}
			},
		})
		for i := 0; i < 3; i++ {
			assert.Equal(t, http.StatusOK, doGet(r).Code)
		}

		r = newRouter(limiter, nil)
		assert.Equal(t, http.StatusOK, doGet(r).Code)
	})

	t.Run("限流器故障时放行", func(t *testing.T) {
		r := newRouter(failingLimiter{}, &GinMiddlewareOptions{
			LimitFunc: func(*gin.Context) Limit {
				return Limit{Rate: 1, Burst: 1}
			},
		})
		assert.Equal(t, http.StatusOK, doGet(r).Code)
	})
}
