package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/controlplane/testkit"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestAuth(t *testing.T, cfg *Config) Authenticator {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.SecretKey == "" {
		cfg.SecretKey = testSecret
	}
	a, err := New(cfg, WithLogger(testkit.NewLogger()), WithMeter(testkit.NewMeter()))
	require.NoError(t, err)
	return a
}

func TestNew(t *testing.T) {
	t.Run("配置为空", func(t *testing.T) {
		_, err := New(nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("密钥过短", func(t *testing.T) {
		_, err := New(&Config{SecretKey: "short"})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("不支持的签名算法", func(t *testing.T) {
		_, err := New(&Config{SecretKey: testSecret, SigningMethod: "RS256"})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	a := newTestAuth(t, &Config{Issuer: "controlplane"})

	t.Run("签发后验证通过", func(t *testing.T) {
		token, err := a.GenerateToken(ctx, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
			Roles:            []string{"admin"},
		})
		require.NoError(t, err)

		claims, err := a.ValidateToken(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "user-1", claims.Subject)
		assert.Equal(t, "controlplane", claims.Issuer)
		assert.True(t, claims.HasRole("admin"))
		assert.False(t, claims.HasRole("ops"))
	})

	t.Run("过期 Token", func(t *testing.T) {
		token, err := a.GenerateToken(ctx, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			},
		})
		require.NoError(t, err)
		_, err = a.ValidateToken(ctx, token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("其他密钥签发的 Token", func(t *testing.T) {
		other := newTestAuth(t, &Config{SecretKey: "ffffffffffffffffffffffffffffffff", Issuer: "controlplane"})
		token, err := other.GenerateToken(ctx, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}})
		require.NoError(t, err)
		_, err = a.ValidateToken(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("签发者不匹配", func(t *testing.T) {
		other := newTestAuth(t, &Config{Issuer: "someone-else"})
		token, err := other.GenerateToken(ctx, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}})
		require.NoError(t, err)
		_, err = a.ValidateToken(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("刷新 Token", func(t *testing.T) {
		token, err := a.GenerateToken(ctx, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-2"}})
		require.NoError(t, err)
		refreshed, err := a.RefreshToken(ctx, token)
		require.NoError(t, err)
		claims, err := a.ValidateToken(ctx, refreshed)
		require.NoError(t, err)
		assert.Equal(t, "user-2", claims.Subject)

		_, err = a.RefreshToken(ctx, "garbage")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Claims 为空", func(t *testing.T) {
		_, err := a.GenerateToken(ctx, nil)
		assert.ErrorIs(t, err, ErrInvalidClaims)
	})
}

func TestExtractToken(t *testing.T) {
	a := newTestAuth(t, nil)

	t.Run("默认多源查找", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/x?token=from-query", nil)
		token, err := a.ExtractToken(r)
		require.NoError(t, err)
		assert.Equal(t, "from-query", token)

		r = httptest.NewRequest(http.MethodGet, "/x", nil)
		r.AddCookie(&http.Cookie{Name: "jwt", Value: "from-cookie"})
		token, err = a.ExtractToken(r)
		require.NoError(t, err)
		assert.Equal(t, "from-cookie", token)

		r = httptest.NewRequest(http.MethodGet, "/x?token=q", nil)
		r.Header.Set("Authorization", "Bearer from-header")
		token, err = a.ExtractToken(r)
		require.NoError(t, err)
		assert.Equal(t, "from-header", token)
	})

	t.Run("Header 前缀错误", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/x", nil)
		r.Header.Set("Authorization", "Basic abc")
		_, err := a.ExtractToken(r)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("缺少 Token", func(t *testing.T) {
		_, err := a.ExtractToken(httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.ErrorIs(t, err, ErrMissingToken)
	})

	t.Run("指定单一来源", func(t *testing.T) {
		only := newTestAuth(t, &Config{TokenLookup: "query:access_token"})
		r := httptest.NewRequest(http.MethodGet, "/x?token=ignored", nil)
		_, err := only.ExtractToken(r)
		assert.ErrorIs(t, err, ErrMissingToken)
	})
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := newTestAuth(t, nil)

	r := gin.New()
	r.GET("/me", a.GinMiddleware(), func(c *gin.Context) {
		claims, ok := GetClaims(c)
		require.True(t, ok)
		c.String(http.StatusOK, claims.Subject)
	})
	r.GET("/admin", a.GinMiddleware(), RequireRoles("admin"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	token, err := a.GenerateToken(context.Background(), &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-9"},
	})
	require.NoError(t, err)

	do := func(path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	t.Run("无 Token 返回 401", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, do("/me", "").Code)
	})

	t.Run("无效 Token 返回 401", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, do("/me", "not-a-jwt").Code)
	})

	t.Run("有效 Token 放行", func(t *testing.T) {
		w := do("/me", token)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "user-9", w.Body.String())
	})

	t.Run("缺少角色返回 403", func(t *testing.T) {
		w := do("/admin", token)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), ErrMissingRole.Error())
		assert.Contains(t, w.Body.String(), "FORBIDDEN")
	})
}

func TestWithClock(t *testing.T) {
	ctx := context.Background()
	issuedAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := issuedAt

	a, err := New(&Config{SecretKey: testSecret, AccessTokenTTL: time.Hour},
		WithLogger(testkit.NewLogger()),
		WithMeter(testkit.NewMeter()),
		WithClock(func() time.Time { return clock }),
	)
	require.NoError(t, err)

	token, err := a.GenerateToken(ctx, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	})
	require.NoError(t, err)

	t.Run("签发时间取自注入的时钟", func(t *testing.T) {
		claims, err := a.ValidateToken(ctx, token)
		require.NoError(t, err)
		assert.True(t, claims.IssuedAt.Time.Equal(issuedAt))
		assert.True(t, claims.ExpiresAt.Time.Equal(issuedAt.Add(time.Hour)))
	})

	t.Run("时钟越过过期时间后校验失败", func(t *testing.T) {
		clock = issuedAt.Add(2 * time.Hour)
		_, err := a.ValidateToken(ctx, token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})
}
