package breaker

import "github.com/ceyewan/lookupd/xerrors"

var (
	// ErrInvalidConfig 配置取值非法
	ErrInvalidConfig = xerrors.NewKind(xerrors.ErrInvalidInput, "BREAKER_CONFIG", "breaker: invalid config")

	// ErrKeyEmpty 熔断键为空
	ErrKeyEmpty = xerrors.NewKind(xerrors.ErrInvalidInput, "BREAKER_KEY_EMPTY", "breaker: key is empty")

	// ErrOpenState 熔断器处于打开状态，或半开状态下探测名额已满
	ErrOpenState = xerrors.NewKind(xerrors.ErrUnavailable, "BREAKER_OPEN", "breaker: circuit breaker is open")
)
