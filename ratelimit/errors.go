package ratelimit

import "github.com/ceyewan/lookupd/xerrors"

var (
	// ErrInvalidConfig 配置非法
	ErrInvalidConfig = xerrors.NewKind(xerrors.ErrInvalidInput, "RATELIMIT_INVALID_CONFIG", "ratelimit: invalid config")

	// ErrKeyEmpty 限流键为空
	ErrKeyEmpty = xerrors.NewKind(xerrors.ErrInvalidInput, "RATELIMIT_KEY_EMPTY", "ratelimit: key is empty")

	// ErrInvalidLimit 规则无效
	ErrInvalidLimit = xerrors.NewKind(xerrors.ErrInvalidInput, "RATELIMIT_INVALID_LIMIT", "ratelimit: invalid limit")

	// ErrRateLimited 超出限流阈值
	ErrRateLimited = xerrors.NewKind(xerrors.ErrUnavailable, "RATE_LIMITED", "rate limit exceeded")

	// ErrClosed 限流器已关闭
	ErrClosed = xerrors.NewKind(xerrors.ErrUnavailable, "RATELIMIT_CLOSED", "ratelimit: limiter is closed")
)
