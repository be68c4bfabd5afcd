package listener

import "github.com/ceyewan/lookupd/xerrors"

var (
	// ErrInvalidConfig 配置非法
	ErrInvalidConfig = xerrors.NewKind(xerrors.ErrInvalidInput, "LISTENER_INVALID_CONFIG", "invalid listener config")

	// ErrUnsupportedScheme 监听者引用的 scheme 不是 http、https 或 nats
	ErrUnsupportedScheme = xerrors.NewKind(xerrors.ErrInvalidInput, "UNSUPPORTED_LISTENER_SCHEME", "unsupported listener scheme")

	// ErrNATSDisabled 未配置 NATS
	ErrNATSDisabled = xerrors.NewKind(xerrors.ErrUnavailable, "NATS_DISABLED", "nats listeners are disabled")

	// ErrClosed 解析器已关闭
	ErrClosed = xerrors.NewKind(xerrors.ErrUnavailable, "LISTENER_CLOSED", "listener resolver is closed")
)
