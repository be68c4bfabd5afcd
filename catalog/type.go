package catalog

import (
	"slices"
	"strings"
)

// RefKind 引用类别
type RefKind int

const (
	// Instance 被某个服务注册引用
	Instance RefKind = iota
	// Template 被某个事件模板引用
	Template
)

// refs 引用计数，children 为直接引用本描述的子描述数
type refs struct {
	instances int
	templates int
	children  int
}

func (r *refs) total() int {
	return r.instances + r.templates + r.children
}

// Type 规范化的服务类型，每个名称只有一个实例，指针相等即逻辑相等
type Type struct {
	name   string
	super  *Type
	ifaces []*Type
	refs

	// concrete 至少有一个存活实例的子类型（含自身）
	concrete map[*Type]struct{}
}

func (t *Type) Name() string { return t.name }
func (t *Type) Super() *Type { return t.super }

// parents 直接父类型：父类 + 接口
func (t *Type) parents() []*Type {
	if t.super == nil {
		return t.ifaces
	}
	return append([]*Type{t.super}, t.ifaces...)
}

// AssignableTo 报告 t 是否可赋值给 u（u 为 t 自身或其祖先）
func (t *Type) AssignableTo(u *Type) bool {
	if t == nil || u == nil {
		return false
	}
	if t == u {
		return true
	}
	for _, p := range t.parents() {
		if p.AssignableTo(u) {
			return true
		}
	}
	return false
}

// ancestors 返回自身及全部祖先，去重
func (t *Type) ancestors() []*Type {
	seen := map[*Type]struct{}{}
	var out []*Type
	var walk func(*Type)
	walk = func(x *Type) {
		if _, ok := seen[x]; ok {
			return
		}
		seen[x] = struct{}{}
		out = append(out, x)
		for _, p := range x.parents() {
			walk(p)
		}
	}
	walk(t)
	return out
}

// Desc 还原为线上描述（深拷贝）
func (t *Type) Desc() *TypeDesc {
	if t == nil {
		return nil
	}
	d := &TypeDesc{Name: t.name, Super: t.super.Desc()}
	for _, i := range t.ifaces {
		d.Interfaces = append(d.Interfaces, i.Desc())
	}
	return d
}

// MostSpecific 从 t 出发深度优先遍历层级，收集名称以 prefix 开头、且不等于也不是 exclude 中
// 任何类型的祖先的最具体类型；命中后不再继续向上。
func (t *Type) MostSpecific(prefix string, exclude []*Type, visit func(*Type)) {
	seen := map[*Type]struct{}{}
	var walk func(*Type)
	walk = func(x *Type) {
		if _, ok := seen[x]; ok {
			return
		}
		seen[x] = struct{}{}
		for _, e := range exclude {
			if e.AssignableTo(x) {
				return
			}
		}
		if strings.HasPrefix(x.name, prefix) {
			visit(x)
			return
		}
		for _, p := range x.parents() {
			walk(p)
		}
	}
	walk(t)
}

// Class 规范化的属性类
type Class struct {
	name   string
	super  *Class
	fields []string
	hash   uint64
	refs

	concrete map[*Class]struct{}
}

func (c *Class) Name() string { return c.name }
func (c *Class) Super() *Class { return c.super }
func (c *Class) Fields() []string { return c.fields }
func (c *Class) NumFields() int { return len(c.fields) }
func (c *Class) Hash() uint64 { return c.hash }

// AssignableTo 报告 c 是否为 u 或 u 的子类
func (c *Class) AssignableTo(u *Class) bool {
	for x := c; x != nil; x = x.super {
		if x == u {
			return true
		}
	}
	return false
}

// Desc 还原为线上描述（深拷贝）
func (c *Class) Desc() *ClassDesc {
	if c == nil {
		return nil
	}
	return &ClassDesc{Name: c.name, Super: c.super.Desc(), Fields: slices.Clone(c.fields), Hash: c.hash}
}

func sortedTypes(m map[*Type]struct{}) []*Type {
	out := make([]*Type, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *Type) int { return strings.Compare(a.name, b.name) })
	return out
}

func sortedClasses(m map[*Class]struct{}) []*Class {
	out := make([]*Class, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Class) int { return strings.Compare(a.name, b.name) })
	return out
}
