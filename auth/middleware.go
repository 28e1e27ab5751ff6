package auth

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/xerrors"
)

// ClaimsKey Claims 在 gin.Context 中的键
const ClaimsKey = "auth:claims"

// GinMiddleware 验证失败返回 401；成功后写入 Claims，并把 user_id 放入请求 Context
func (a *jwtAuth) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := a.ExtractToken(c.Request)
		if err != nil {
			abortUnauthorized(c, err)
			return
		}

		claims, err := a.ValidateToken(c.Request.Context(), token)
		if err != nil {
			a.logger.Debug("token rejected",
				clog.String("path", c.Request.URL.Path),
				clog.Error(err))
			abortUnauthorized(c, err)
			return
		}

		c.Set(ClaimsKey, claims)
		//nolint:staticcheck // clog.WithStandardContext 按字符串键提取 user_id
		ctx := context.WithValue(c.Request.Context(), "user_id", claims.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": err.Error(),
		"code":  xerrors.CodeUnauthorized,
	})
}

// RequireRoles 要求全部指定角色，需在认证中间件之后使用
func RequireRoles(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			abortUnauthorized(c, ErrMissingToken)
			return
		}
		for _, required := range roles {
			if !claims.HasRole(required) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error": xerrors.Wrapf(ErrMissingRole, "%s", required).Error(),
					"code":  xerrors.CodeForbidden,
				})
				return
			}
		}
		c.Next()
	}
}

// GetClaims 从 Gin Context 获取 Claims
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, exists := c.Get(ClaimsKey)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}
