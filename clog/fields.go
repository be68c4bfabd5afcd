package clog

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/ceyewan/lookupd/xerrors"
)

// Field 是 slog.Attr 的别名
type Field = slog.Attr

func String(k, v string) Field          { return slog.String(k, v) }
func Int(k string, v int) Field         { return slog.Int(k, v) }
func Int64(k string, v int64) Field     { return slog.Int64(k, v) }
func Float64(k string, v float64) Field { return slog.Float64(k, v) }
func Bool(k string, v bool) Field       { return slog.Bool(k, v) }
func Time(k string, v time.Time) Field  { return slog.Time(k, v) }
func Any(k string, v any) Field         { return slog.Any(k, v) }

// Duration 以毫秒整数输出，与租约时长的表示一致
func Duration(k string, v time.Duration) Field {
	return slog.Int64(k+"_ms", v.Milliseconds())
}

// Strings 输出逗号分隔的列表，常用于组名与定位器
func Strings(k string, v []string) Field {
	return slog.String(k, strings.Join(v, ","))
}

// Stringer 延迟到输出时才调用 String()
func Stringer(k string, v fmt.Stringer) Field {
	return slog.Any(k, stringerValue{v})
}

type stringerValue struct{ s fmt.Stringer }

func (v stringerValue) LogValue() slog.Value { return slog.StringValue(v.s.String()) }

// Error 输出错误消息；错误带有 xerrors 错误码时一并输出 err_code。
// err 为 nil 时返回空 Attr，slog 会忽略它。
//
//	logger.Warn("renew failed", clog.Error(err))
//	// err_msg="lease renewal: unknown lease" err_code=UNKNOWN_LEASE
func Error(err error) Field {
	if err == nil {
		return slog.Attr{}
	}
	if code := xerrors.GetCode(err); code != "" {
		return slog.Group("", slog.String("err_msg", err.Error()), slog.String("err_code", code))
	}
	return slog.String("err_msg", err.Error())
}

// ErrorWithStack 在 error 分组中附带调用栈，只用于不可恢复的内部错误
func ErrorWithStack(err error) Field {
	if err == nil {
		return slog.Attr{}
	}
	attrs := []any{
		slog.String("msg", err.Error()),
		slog.String("type", fmt.Sprintf("%T", err)),
	}
	if code := xerrors.GetCode(err); code != "" {
		attrs = append(attrs, slog.String("code", code))
	}
	if stack := callers(3); stack != "" {
		attrs = append(attrs, slog.String("stack", stack))
	}
	return slog.Group("error", attrs...)
}

func callers(skip int) string {
	var pcs [32]uintptr
	n := runtime.Callers(skip, pcs[:])
	if n == 0 {
		return ""
	}
	var b strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "%s:%d %s\n", f.File, f.Line, f.Function)
		if !more {
			return b.String()
		}
	}
}
