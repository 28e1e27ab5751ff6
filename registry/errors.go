package registry

import "github.com/ceyewan/controlplane/xerrors"

var (
	// ErrInvalidInstance 注册参数缺少 name/host 或端口非法
	ErrInvalidInstance = xerrors.New("registry: invalid service instance")

	// ErrNoHealthyInstance 服务没有健康实例
	ErrNoHealthyInstance = xerrors.New("registry: no healthy instance")

	// ErrRegistryClosed registry 已停止
	ErrRegistryClosed = xerrors.New("registry: closed")

	// ErrAlreadyStarted 健康检查已在运行
	ErrAlreadyStarted = xerrors.New("registry: already started")

	// ErrProbeFailed 主动探测失败
	ErrProbeFailed = xerrors.New("registry: probe failed")
)
