package catalog

import "github.com/ceyewan/lookupd/xerrors"

var (
	// ErrIncompatibleClassChange 属性类结构变化但仍有存活引用
	ErrIncompatibleClassChange = xerrors.NewKind(xerrors.ErrConflict, "INCOMPATIBLE_CLASS_CHANGE", "incompatible class change")

	// ErrInvalidDescriptor 描述为空、缺少名称或字段不以父类字段为前缀
	ErrInvalidDescriptor = xerrors.NewKind(xerrors.ErrInvalidInput, "INVALID_DESCRIPTOR", "invalid descriptor")
)
