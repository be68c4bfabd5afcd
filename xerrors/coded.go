package xerrors

import "fmt"

// 错误类别
var (
	ErrNotFound     = New("not found")
	ErrInvalidInput = New("invalid input")
	ErrConflict     = New("conflict")
	ErrUnavailable  = New("unavailable")
)

var kinds = []error{ErrNotFound, ErrInvalidInput, ErrConflict, ErrUnavailable}

// CodedError 携带错误码的错误，Error() 形如 "[UNKNOWN_LEASE] unknown lease"
type CodedError struct {
	Code  string
	Cause error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return "[" + e.Code + "]"
	}
	return fmt.Sprintf("[%s] %v", e.Code, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// WithCode 给 err 附加错误码，nil 原样返回
func WithCode(err error, code string) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Cause: err}
}

// GetCode 返回错误链上最外层的错误码，没有时为空串
func GetCode(err error) string {
	var coded *CodedError
	if As(err, &coded) {
		return coded.Code
	}
	return ""
}

// kindError 挂在某个类别下的错误消息
type kindError struct {
	msg  string
	kind error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }

// NewKind 定义属于 kind 类别、错误码为 code 的哨兵错误
func NewKind(kind error, code, msg string) error {
	return &CodedError{Code: code, Cause: &kindError{msg: msg, kind: kind}}
}

// KindOf 返回 err 所属的类别，不属于任何类别时返回 nil
func KindOf(err error) error {
	for _, k := range kinds {
		if Is(err, k) {
			return k
		}
	}
	return nil
}
