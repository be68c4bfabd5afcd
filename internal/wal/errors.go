package wal

import "github.com/ceyewan/lookupd/xerrors"

var (
	// ErrCorrupt 日志中间出现损坏记录（非尾部截断）
	ErrCorrupt = xerrors.NewKind(xerrors.ErrConflict, "WAL_CORRUPT", "log record corrupt")

	// ErrVersionMismatch 文件头的实现标识或格式版本不匹配
	ErrVersionMismatch = xerrors.NewKind(xerrors.ErrConflict, "WAL_VERSION_MISMATCH", "storage format mismatch")

	// ErrClosed 存储已关闭
	ErrClosed = xerrors.NewKind(xerrors.ErrUnavailable, "WAL_CLOSED", "storage closed")
)
