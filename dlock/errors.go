package dlock

import "github.com/ceyewan/controlplane/xerrors"

// 构造 Locker 时的错误
var (
	ErrConfigNil    = xerrors.New("dlock: config is nil")
	ErrConnectorNil = xerrors.New("dlock: connector is nil")
	// ErrUnknownDriver 同时满足 errors.Is(err, xerrors.ErrInvalidInput)
	ErrUnknownDriver = xerrors.Wrap(xerrors.ErrInvalidInput, "dlock: unknown driver")
)

// 加解锁时的错误。续约失败或 etcd 会话过期后，持有者在 Unlock 时得到 ErrOwnershipLost，
// 此时其他节点可能已经取得同一把锁
var (
	ErrLockAlreadyHeld = xerrors.New("dlock: lock already held locally")
	ErrLockNotHeld     = xerrors.New("dlock: lock not held")
	ErrOwnershipLost   = xerrors.New("dlock: ownership lost")
)
