package eventbus

import "github.com/ceyewan/controlplane/xerrors"

var (
	// ErrInvalidEvent 事件缺少类型或负载不可解码
	ErrInvalidEvent = xerrors.New("eventbus: invalid event")

	// ErrHandlerNil 订阅时未提供处理函数
	ErrHandlerNil = xerrors.New("eventbus: handler is nil")

	// ErrClosed 总线已关闭
	ErrClosed = xerrors.New("eventbus: closed")

	// ErrRequestTimeout 请求在超时或取消前没有收到应答
	ErrRequestTimeout = xerrors.New("eventbus: request timeout")

	// ErrRemoteHandler 应答方处理失败
	ErrRemoteHandler = xerrors.New("eventbus: remote handler failed")

	// ErrTransportNil 分布式总线缺少传输层
	ErrTransportNil = xerrors.New("eventbus: transport is nil")
)
