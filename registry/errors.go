package registry

import (
	"github.com/ceyewan/lookupd/catalog"
	"github.com/ceyewan/lookupd/xerrors"
)

var (
	// ErrUnknownLease (服务 ID, 租约 ID) 或 (事件 ID, 租约 ID) 不存在或已过期
	ErrUnknownLease = xerrors.NewKind(xerrors.ErrNotFound, "UNKNOWN_LEASE", "unknown lease")

	// ErrIllegalArgument 参数非法
	ErrIllegalArgument = xerrors.NewKind(xerrors.ErrInvalidInput, "ILLEGAL_ARGUMENT", "illegal argument")

	// ErrRegistryClosed registry 已关闭
	ErrRegistryClosed = xerrors.NewKind(xerrors.ErrUnavailable, "REGISTRY_CLOSED", "registry is closed")

	// ErrListenerGone 监听者明确表示不再接收事件，对应的事件租约会被取消
	ErrListenerGone = xerrors.NewKind(xerrors.ErrNotFound, "LISTENER_GONE", "listener gone")

	// ErrIncompatibleClassChange 同名属性类结构与已有定义不一致
	ErrIncompatibleClassChange = catalog.ErrIncompatibleClassChange
)

func illegal(format string, args ...any) error {
	return xerrors.Wrapf(ErrIllegalArgument, format, args...)
}
