package config

import "github.com/ceyewan/lookupd/xerrors"

// ErrValidationFailed 配置为空或订阅参数非法
var ErrValidationFailed = xerrors.NewKind(xerrors.ErrInvalidInput, "CONFIG_INVALID", "invalid configuration")

// IsInvalidInput 报告 err 是否属于参数类错误，包括 viper 之外由调用方包装的校验失败
func IsInvalidInput(err error) bool {
	return xerrors.KindOf(err) == xerrors.ErrInvalidInput
}
