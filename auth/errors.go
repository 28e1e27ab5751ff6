package auth

import "github.com/ceyewan/controlplane/xerrors"

// 令牌相关错误，GinMiddleware 将其统一映射为 401
var (
	ErrMissingToken     = xerrors.New("auth: missing token")
	ErrInvalidToken     = xerrors.New("auth: invalid token")
	ErrExpiredToken     = xerrors.New("auth: token expired")
	ErrInvalidSignature = xerrors.New("auth: invalid signature")
	ErrInvalidClaims    = xerrors.New("auth: invalid claims")
)

// ErrMissingRole 令牌有效但缺少路由要求的角色，RequireRoles 映射为 403
var ErrMissingRole = xerrors.New("auth: missing role")

// ErrInvalidConfig 密钥、签名算法或令牌来源配置不合法
var ErrInvalidConfig = xerrors.New("auth: invalid config")
