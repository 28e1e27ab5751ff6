// Package auth 为网关中 RequiresAuth 的路由提供 JWT 认证。
//
// 支持：
//   - Token 签发、验证与刷新（HS256）
//   - 从 Header、Query、Cookie 多源提取 Token
//   - Gin 中间件：验证失败返回 401，成功后把 Claims 写入 gin.Context
//   - 基于角色的访问控制 (RequireRoles)
//
// 基本使用：
//
//	authenticator, _ := auth.New(&auth.Config{SecretKey: os.Getenv("JWT_SECRET")},
//	    auth.WithLogger(logger))
//	token, _ := authenticator.GenerateToken(ctx, &auth.Claims{
//	    RegisteredClaims: jwt.RegisteredClaims{Subject: "user-123"},
//	})
//	r.Use(authenticator.GinMiddleware())
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/metrics"
	"github.com/ceyewan/controlplane/xerrors"
)

// Authenticator 认证器接口
type Authenticator interface {
	// GenerateToken 签发 Token，未设置的 exp/iat/iss/aud 使用配置补齐
	GenerateToken(ctx context.Context, claims *Claims) (string, error)

	// ValidateToken 验证 Token，返回 Claims
	ValidateToken(ctx context.Context, token string) (*Claims, error)

	// RefreshToken 验证旧 Token 并以相同声明签发新 Token
	RefreshToken(ctx context.Context, token string) (string, error)

	// ExtractToken 按配置的来源从请求中提取 Token
	ExtractToken(r *http.Request) (string, error)

	// GinMiddleware 返回 Gin 认证中间件
	GinMiddleware() gin.HandlerFunc
}

type jwtAuth struct {
	config    *Config
	logger    clog.Logger
	validated metrics.Counter
	refreshed metrics.Counter
	latency   metrics.Histogram
	parser    *jwt.Parser
	now       func() time.Time
}

// New 创建 Authenticator
func New(cfg *Config, opts ...Option) (Authenticator, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	c := *cfg
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}

	o := applyOptions(opts)

	a := &jwtAuth{config: &c, logger: o.logger, now: o.now}
	var err error
	if a.validated, err = o.meter.Counter(MetricTokensValidated, "Total number of tokens validated"); err != nil {
		return nil, err
	}
	if a.refreshed, err = o.meter.Counter(MetricTokensRefreshed, "Total number of tokens refreshed"); err != nil {
		return nil, err
	}
	if a.latency, err = o.meter.Histogram(MetricValidationDuration, "Token validation duration in seconds",
		metrics.WithUnit("s")); err != nil {
		return nil, err
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.SigningMethod}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(o.now),
	}
	if c.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(c.Issuer))
	}
	if len(c.Audience) > 0 {
		parserOpts = append(parserOpts, jwt.WithAudience(c.Audience...))
	}
	a.parser = jwt.NewParser(parserOpts...)
	return a, nil
}

func (a *jwtAuth) GenerateToken(ctx context.Context, claims *Claims) (string, error) {
	if claims == nil {
		return "", ErrInvalidClaims
	}

	now := a.now()
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.config.AccessTokenTTL))
	}
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(now)
	}
	if claims.Issuer == "" {
		claims.Issuer = a.config.Issuer
	}
	if len(claims.Audience) == 0 && len(a.config.Audience) > 0 {
		claims.Audience = a.config.Audience
	}

	token := jwt.NewWithClaims(jwt.GetSigningMethod(a.config.SigningMethod), claims)
	signed, err := token.SignedString([]byte(a.config.SecretKey))
	if err != nil {
		return "", xerrors.Wrap(err, "auth: sign token")
	}
	a.logger.Debug("token generated", clog.String("subject", claims.Subject))
	return signed, nil
}

func (a *jwtAuth) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	start := time.Now()
	defer func() {
		a.latency.Record(ctx, time.Since(start).Seconds())
	}()

	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(a.config.SecretKey), nil
	})
	if err != nil {
		var errType string
		switch {
		case xerrors.Is(err, jwt.ErrTokenExpired):
			errType, err = "expired", ErrExpiredToken
		case xerrors.Is(err, jwt.ErrTokenSignatureInvalid):
			errType, err = "invalid_signature", ErrInvalidSignature
		default:
			errType, err = "invalid_token", ErrInvalidToken
		}
		a.validated.Inc(ctx, metrics.L(metrics.LabelOutcome, metrics.OutcomeError), metrics.L("error_type", errType))
		return nil, err
	}

	a.validated.Inc(ctx, metrics.L(metrics.LabelOutcome, metrics.OutcomeSuccess))
	return claims, nil
}

func (a *jwtAuth) RefreshToken(ctx context.Context, token string) (string, error) {
	claims, err := a.ValidateToken(ctx, token)
	if err != nil {
		a.refreshed.Inc(ctx, metrics.L(metrics.LabelOutcome, metrics.OutcomeError))
		return "", err
	}

	claims.ExpiresAt = nil
	claims.IssuedAt = nil
	newToken, err := a.GenerateToken(ctx, claims)
	if err != nil {
		a.refreshed.Inc(ctx, metrics.L(metrics.LabelOutcome, metrics.OutcomeError))
		return "", err
	}

	a.refreshed.Inc(ctx, metrics.L(metrics.LabelOutcome, metrics.OutcomeSuccess))
	a.logger.Info("token refreshed", clog.String("subject", claims.Subject))
	return newToken, nil
}

// ExtractToken TokenLookup 为空时依次尝试 header:Authorization、query:token、cookie:jwt
func (a *jwtAuth) ExtractToken(r *http.Request) (string, error) {
	if a.config.TokenLookup != "" {
		return a.extractFrom(r, a.config.TokenLookup)
	}
	for _, lookup := range defaultLookups {
		token, err := a.extractFrom(r, lookup)
		if err == nil {
			return token, nil
		}
		if !xerrors.Is(err, ErrMissingToken) {
			return "", err
		}
	}
	return "", ErrMissingToken
}

var defaultLookups = []string{"header:Authorization", "query:token", "cookie:jwt"}

func (a *jwtAuth) extractFrom(r *http.Request, lookup string) (string, error) {
	source, key, ok := strings.Cut(lookup, ":")
	if !ok {
		return "", ErrMissingToken
	}

	switch source {
	case "header":
		value := r.Header.Get(key)
		if value == "" {
			return "", ErrMissingToken
		}
		head, token, ok := strings.Cut(value, " ")
		if !ok || head != a.config.TokenHeadName || token == "" {
			return "", ErrInvalidToken
		}
		return token, nil
	case "query":
		if token := r.URL.Query().Get(key); token != "" {
			return token, nil
		}
	case "cookie":
		if cookie, err := r.Cookie(key); err == nil && cookie.Value != "" {
			return cookie.Value, nil
		}
	}
	return "", ErrMissingToken
}
