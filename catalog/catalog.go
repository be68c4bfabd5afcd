// Package catalog 将服务类型和属性类描述规范化为按名称唯一的共享实例。
//
// 每个名称对应一个 *Type / *Class，相等性与子类型判断都基于指针。
// 描述带显式引用计数（实例、事件模板、子描述），计数归零时立即驱逐；
// 恢复期间驱逐被推迟，恢复结束后由 Collect 统一清理。
//
//	cat := catalog.New()
//	t, _ := cat.ResolveType(&catalog.TypeDesc{Name: "printer.Laser", Super: base})
//	cat.AttachType(t, catalog.Instance)
//	...
//	cat.DetachType(t, catalog.Instance) // 计数归零后被驱逐
package catalog

import (
	"slices"
	"sync"

	"github.com/ceyewan/lookupd/xerrors"
)

// Catalog 描述目录，并发安全
type Catalog struct {
	mu         sync.RWMutex
	types      map[string]*Type
	classes    map[string]*Class
	recovering bool
}

// New 创建空目录
func New() *Catalog {
	return &Catalog{
		types:   make(map[string]*Type),
		classes: make(map[string]*Class),
	}
}

// SetRecovering 恢复期间不驱逐零引用描述
func (c *Catalog) SetRecovering(on bool) {
	c.mu.Lock()
	c.recovering = on
	c.mu.Unlock()
}

// ResolveType 返回规范实例，不存在时创建（连同父类型和接口）
func (c *Catalog) ResolveType(d *TypeDesc) (*Type, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveType(d, map[string]struct{}{})
}

func (c *Catalog) resolveType(d *TypeDesc, path map[string]struct{}) (*Type, error) {
	if d == nil || d.Name == "" {
		return nil, xerrors.Wrap(ErrInvalidDescriptor, "type name is empty")
	}
	if t, ok := c.types[d.Name]; ok {
		return t, nil
	}
	if _, ok := path[d.Name]; ok {
		return nil, xerrors.Wrapf(ErrInvalidDescriptor, "type %s is its own ancestor", d.Name)
	}
	path[d.Name] = struct{}{}

	t := &Type{name: d.Name, concrete: make(map[*Type]struct{})}
	if d.Super != nil {
		s, err := c.resolveType(d.Super, path)
		if err != nil {
			return nil, err
		}
		t.super = s
	}
	for _, id := range d.Interfaces {
		i, err := c.resolveType(id, path)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(t.ifaces, i) && i != t.super {
			t.ifaces = append(t.ifaces, i)
		}
	}
	for _, p := range t.parents() {
		p.children++
	}
	c.types[d.Name] = t
	return t, nil
}

// FindType 只查找不创建，用于读路径
func (c *Catalog) FindType(d *TypeDesc) *Type {
	if d == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.types[d.Name]
}

// TypeByName 按名称查找
func (c *Catalog) TypeByName(name string) *Type {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.types[name]
}

// ResolveClass 返回规范实例，不存在时创建
//
// 已存在同名类且两边 Hash 均非 0 且不同：若旧类没有任何引用则替换，否则返回
// ErrIncompatibleClassChange。
func (c *Catalog) ResolveClass(d *ClassDesc) (*Class, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveClass(d, 0)
}

const maxClassDepth = 64

func (c *Catalog) resolveClass(d *ClassDesc, depth int) (*Class, error) {
	if d == nil || d.Name == "" {
		return nil, xerrors.Wrap(ErrInvalidDescriptor, "class name is empty")
	}
	if depth > maxClassDepth {
		return nil, xerrors.Wrapf(ErrInvalidDescriptor, "class %s hierarchy too deep", d.Name)
	}
	if d.Super != nil && !isPrefix(d.Super.Fields, d.Fields) {
		return nil, xerrors.Wrapf(ErrInvalidDescriptor, "fields of %s do not extend %s", d.Name, d.Super.Name)
	}

	if existing, ok := c.classes[d.Name]; ok {
		if !hashConflict(existing.hash, d.Hash) {
			return existing, nil
		}
		if existing.total() > 0 {
			return nil, xerrors.Wrapf(ErrIncompatibleClassChange, "class %s", d.Name)
		}
		c.evictClass(existing)
	}

	cl := &Class{
		name:     d.Name,
		fields:   slices.Clone(d.Fields),
		hash:     d.Hash,
		concrete: make(map[*Class]struct{}),
	}
	if d.Super != nil {
		s, err := c.resolveClass(d.Super, depth+1)
		if err != nil {
			return nil, err
		}
		if !isPrefix(s.fields, cl.fields) {
			return nil, xerrors.Wrapf(ErrInvalidDescriptor, "fields of %s do not extend %s", d.Name, s.name)
		}
		cl.super = s
		s.children++
	}
	c.classes[d.Name] = cl
	return cl, nil
}

// FindClass 只查找不创建；同名类哈希冲突时返回 ErrIncompatibleClassChange
func (c *Catalog) FindClass(d *ClassDesc) (*Class, error) {
	if d == nil {
		return nil, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	cl, ok := c.classes[d.Name]
	if !ok {
		return nil, nil
	}
	if hashConflict(cl.hash, d.Hash) {
		return nil, xerrors.Wrapf(ErrIncompatibleClassChange, "class %s", d.Name)
	}
	return cl, nil
}

// ClassByName 按名称查找
func (c *Catalog) ClassByName(name string) *Class {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.classes[name]
}

func hashConflict(a, b uint64) bool {
	return a != 0 && b != 0 && a != b
}

func isPrefix(prefix, s []string) bool {
	return len(prefix) <= len(s) && slices.Equal(prefix, s[:len(prefix)])
}

// AttachType 增加引用；实例数 0->1 时将 t 加入自身及所有祖先的 concrete 集合
func (c *Catalog) AttachType(t *Type, k RefKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch k {
	case Instance:
		t.instances++
		if t.instances == 1 {
			for _, a := range t.ancestors() {
				a.concrete[t] = struct{}{}
			}
		}
	case Template:
		t.templates++
	}
}

// DetachType 减少引用，总引用归零时驱逐
func (c *Catalog) DetachType(t *Type, k RefKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch k {
	case Instance:
		t.instances--
		if t.instances == 0 {
			for _, a := range t.ancestors() {
				delete(a.concrete, t)
			}
		}
	case Template:
		t.templates--
	}
	if !c.recovering {
		c.maybeEvictType(t)
	}
}

// AttachClass 增加引用；实例数 0->1 时将 cl 加入自身及所有父类的 concrete 集合
func (c *Catalog) AttachClass(cl *Class, k RefKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch k {
	case Instance:
		cl.instances++
		if cl.instances == 1 {
			for a := cl; a != nil; a = a.super {
				a.concrete[cl] = struct{}{}
			}
		}
	case Template:
		cl.templates++
	}
}

// DetachClass 减少引用，总引用归零时驱逐
func (c *Catalog) DetachClass(cl *Class, k RefKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch k {
	case Instance:
		cl.instances--
		if cl.instances == 0 {
			for a := cl; a != nil; a = a.super {
				delete(a.concrete, cl)
			}
		}
	case Template:
		cl.templates--
	}
	if !c.recovering {
		c.maybeEvictClass(cl)
	}
}

// ConcreteTypes 返回 t 的存活具体子类型（含自身），按名称排序
func (c *Catalog) ConcreteTypes(t *Type) []*Type {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedTypes(t.concrete)
}

// ConcreteClasses 返回 cl 的存活具体子类（含自身），按名称排序
func (c *Catalog) ConcreteClasses(cl *Class) []*Class {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedClasses(cl.concrete)
}

func (c *Catalog) maybeEvictType(t *Type) {
	if t.total() > 0 || c.types[t.name] != t {
		return
	}
	delete(c.types, t.name)
	for _, p := range t.parents() {
		p.children--
		c.maybeEvictType(p)
	}
}

func (c *Catalog) maybeEvictClass(cl *Class) {
	if cl.total() > 0 || c.classes[cl.name] != cl {
		return
	}
	c.evictClass(cl)
}

func (c *Catalog) evictClass(cl *Class) {
	delete(c.classes, cl.name)
	if s := cl.super; s != nil {
		s.children--
		c.maybeEvictClass(s)
	}
}

// Collect 清理所有零引用描述，返回驱逐数量。用于恢复结束后以及失败操作遗留的描述。
func (c *Catalog) Collect() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := len(c.types) + len(c.classes)
	for _, t := range sortedTypes(toSet(c.types)) {
		c.maybeEvictType(t)
	}
	for _, cl := range sortedClasses(toSet(c.classes)) {
		c.maybeEvictClass(cl)
	}
	return before - len(c.types) - len(c.classes)
}

// Len 返回类型数和属性类数
func (c *Catalog) Len() (types, classes int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.types), len(c.classes)
}

func toSet[T any](m map[string]*T) map[*T]struct{} {
	out := make(map[*T]struct{}, len(m))
	for _, v := range m {
		out[v] = struct{}{}
	}
	return out
}
