package gateway

import "github.com/ceyewan/controlplane/xerrors"

var (
	// ErrRouteExists 同一前缀只能注册一条路由
	ErrRouteExists = xerrors.New("gateway: route already exists")

	// ErrInvalidRoute 路由配置非法
	ErrInvalidRoute = xerrors.New("gateway: invalid route")

	// ErrAuthUnavailable 路由要求认证但网关没有 Authenticator
	ErrAuthUnavailable = xerrors.New("gateway: authenticator not configured")

	// ErrAlreadyStarted HTTP 服务已在运行
	ErrAlreadyStarted = xerrors.New("gateway: already started")

	// ErrUpstreamStatus 上游返回 5xx
	ErrUpstreamStatus = xerrors.New("gateway: upstream returned server error")
)
