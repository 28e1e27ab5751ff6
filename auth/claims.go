package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// Claims JWT 载荷，内嵌标准声明（sub, exp, iss 等）
type Claims struct {
	jwt.RegisteredClaims

	Username string         `json:"uname,omitempty"`
	Roles    []string       `json:"roles,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// HasRole 是否具有指定角色
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}
