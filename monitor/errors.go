package monitor

import "github.com/ceyewan/controlplane/xerrors"

var (
	// ErrInvalidRule 告警规则非法
	ErrInvalidRule = xerrors.New("monitor: invalid alert rule")

	// ErrAlreadyStarted 采集任务已在运行
	ErrAlreadyStarted = xerrors.New("monitor: already started")

	// ErrClosed monitor 已停止
	ErrClosed = xerrors.New("monitor: closed")
)
