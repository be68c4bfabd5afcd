package catalog

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// TypeDesc 服务类型的线上描述，按名称唯一
type TypeDesc struct {
	Name       string      `json:"name" msgpack:"name"`
	Super      *TypeDesc   `json:"super,omitempty" msgpack:"super,omitempty"`
	Interfaces []*TypeDesc `json:"interfaces,omitempty" msgpack:"interfaces,omitempty"`
}

// ClassDesc 属性类的线上描述
//
// Fields 按父类优先排列，父类的字段列表必须是其前缀。Hash 为 0 表示未知，不参与兼容性比较。
type ClassDesc struct {
	Name   string     `json:"name" msgpack:"name"`
	Super  *ClassDesc `json:"super,omitempty" msgpack:"super,omitempty"`
	Fields []string   `json:"fields,omitempty" msgpack:"fields,omitempty"`
	Hash   uint64     `json:"hash,omitempty" msgpack:"hash,omitempty"`
}

// ClassHash 计算属性类的结构哈希，客户端用它声明类的形状
func ClassHash(name string, fields []string) uint64 {
	var b strings.Builder
	b.WriteString(name)
	for _, f := range fields {
		b.WriteByte(0)
		b.WriteString(f)
	}
	return xxhash.Sum64String(b.String())
}

// NewClassDesc 构造带结构哈希的描述，fields 为本类新增字段，会拼接在父类字段之后
func NewClassDesc(name string, super *ClassDesc, fields ...string) *ClassDesc {
	var all []string
	if super != nil {
		all = append(all, super.Fields...)
	}
	all = append(all, fields...)
	return &ClassDesc{Name: name, Super: super, Fields: all, Hash: ClassHash(name, all)}
}

// NumFields 字段数
func (d *ClassDesc) NumFields() int {
	return len(d.Fields)
}

// FieldIndex 返回字段下标，不存在时为 -1
func (d *ClassDesc) FieldIndex(name string) int {
	for i, f := range d.Fields {
		if f == name {
			return i
		}
	}
	return -1
}
