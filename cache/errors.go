package cache

import "github.com/ceyewan/controlplane/xerrors"

var (
	// ErrMiss 缓存未命中
	ErrMiss = xerrors.New("cache: miss")

	// ErrConfigNil 配置为空
	ErrConfigNil = xerrors.New("cache: config is nil")

	// ErrConnectorNil 分布式模式缺少 Redis 连接器
	ErrConnectorNil = xerrors.New("cache: redis connector is nil")
)
