package registry

import (
	"time"

	"github.com/ceyewan/lookupd/catalog"
	"github.com/ceyewan/lookupd/xerrors"
)

// matchTmpl 规范化模板，类型与属性类都是目录中的规范实例
type matchTmpl struct {
	id    *ServiceID
	types []*catalog.Type
	attrs []*attrSet
}

// matchItem 报告一个服务状态是否满足模板，不检查租约
func (t *matchTmpl) matchItem(id ServiceID, typ *catalog.Type, attrs []*attrSet) bool {
	if t.id != nil && *t.id != id {
		return false
	}
	for _, tt := range t.types {
		if !typ.AssignableTo(tt) {
			return false
		}
	}
	for _, ta := range t.attrs {
		found := false
		for _, a := range attrs {
			if a.matches(ta) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// matches 存活且满足模板。过期但尚未被清理的注册永远不匹配。
func (t *matchTmpl) matches(reg *svcReg, now time.Time) bool {
	return reg.live(now) && t.matchItem(reg.id, reg.typ, reg.attrs)
}

// findTemplate 在读路径上规范化模板，不创建描述。
// 模板引用了目录中不存在的类型或属性类时返回 ok=false，此时不可能有任何匹配。
func (s *store) findTemplate(t *Template) (*matchTmpl, bool, error) {
	mt := &matchTmpl{id: t.ServiceID}
	for _, td := range t.Types {
		typ := s.cat.FindType(td)
		if typ == nil {
			return nil, false, nil
		}
		mt.types = append(mt.types, typ)
	}
	for _, e := range t.Attributes {
		cl, err := s.cat.FindClass(e.Class)
		if err != nil {
			return nil, false, err
		}
		if cl == nil {
			return nil, false, nil
		}
		if cl.NumFields() != len(e.Fields) {
			return nil, false, illegal("class %s has %d fields, got %d values", cl.Name(), cl.NumFields(), len(e.Fields))
		}
		mt.attrs = append(mt.attrs, &attrSet{class: cl, fields: e.Fields})
	}
	return mt, true, nil
}

// resolveTemplate 规范化事件模板，不存在的描述会被创建，调用方负责 holdTemplate
func (s *store) resolveTemplate(t *Template) (*matchTmpl, error) {
	mt := &matchTmpl{id: t.ServiceID}
	for _, td := range t.Types {
		typ, err := s.cat.ResolveType(td)
		if err != nil {
			return nil, illegalDescriptor(err)
		}
		mt.types = append(mt.types, typ)
	}
	attrs, err := s.resolveAttrs(t.Attributes)
	if err != nil {
		return nil, err
	}
	mt.attrs = attrs
	return mt, nil
}

func (s *store) holdTemplate(mt *matchTmpl) {
	for _, t := range mt.types {
		s.cat.AttachType(t, catalog.Template)
	}
	for _, a := range mt.attrs {
		s.cat.AttachClass(a.class, catalog.Template)
	}
}

func (s *store) releaseTemplate(mt *matchTmpl) {
	for _, t := range mt.types {
		s.cat.DetachType(t, catalog.Template)
	}
	for _, a := range mt.attrs {
		s.cat.DetachClass(a.class, catalog.Template)
	}
}

// resolveAttrs 规范化一组属性集，不存在的属性类会被创建
func (s *store) resolveAttrs(es []*Entry) ([]*attrSet, error) {
	out := make([]*attrSet, 0, len(es))
	for _, e := range es {
		a, err := s.resolveAttr(e)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *store) resolveAttr(e *Entry) (*attrSet, error) {
	cl, err := s.cat.ResolveClass(e.Class)
	if err != nil {
		return nil, illegalDescriptor(err)
	}
	if cl.NumFields() != len(e.Fields) {
		return nil, illegal("class %s has %d fields, got %d values", cl.Name(), cl.NumFields(), len(e.Fields))
	}
	return &attrSet{class: cl, fields: e.Fields}, nil
}

// illegalDescriptor 非法描述归为参数错误，结构冲突原样返回
func illegalDescriptor(err error) error {
	if xerrors.Is(err, catalog.ErrInvalidDescriptor) {
		return illegal("%v", err)
	}
	return err
}
