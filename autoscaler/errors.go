package autoscaler

import "github.com/ceyewan/controlplane/xerrors"

var (
	// ErrInvalidPolicy 策略参数非法
	ErrInvalidPolicy = xerrors.New("autoscaler: invalid policy")

	// ErrServiceNotFound 服务没有扩缩容策略
	ErrServiceNotFound = xerrors.New("autoscaler: service not found")

	// ErrProviderNil 未提供 Provider
	ErrProviderNil = xerrors.New("autoscaler: provider is nil")

	// ErrAlreadyStarted 评估任务已在运行
	ErrAlreadyStarted = xerrors.New("autoscaler: already started")

	// ErrClosed autoscaler 已停止
	ErrClosed = xerrors.New("autoscaler: closed")
)
