// Package xerrors lookupd 的错误处理约定。
//
// 每个包在 errors.go 中用 NewKind 定义哨兵错误：哨兵挂在四个类别之一下，
// 并带一个机器可读的错误码。调用方用 Wrap/Wrapf 补充上下文，
// 传输层用 KindOf 选择状态码、用 GetCode 取得错误码：
//
//	var ErrUnknownLease = xerrors.NewKind(xerrors.ErrNotFound, "UNKNOWN_LEASE", "unknown lease")
//
//	err := xerrors.Wrapf(ErrUnknownLease, "service %s", id)
//	xerrors.Is(err, ErrUnknownLease)   // true
//	xerrors.KindOf(err)                // ErrNotFound
//	xerrors.GetCode(err)               // "UNKNOWN_LEASE"
package xerrors

import (
	"errors"
	"fmt"
)

// Wrap 在错误前加上 msg，nil 原样返回
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 同 Wrap，msg 由 format 生成
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// 标准库函数再导出，调用方只需导入 xerrors
var (
	New    = errors.New
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
)
