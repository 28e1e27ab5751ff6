package breaker

import "github.com/ceyewan/controlplane/xerrors"

var (
	// ErrKeyEmpty 熔断 key 为空
	ErrKeyEmpty = xerrors.New("breaker: key is empty")

	// ErrOpenState 熔断器处于打开状态
	ErrOpenState = xerrors.New("breaker: circuit breaker is open")
)
