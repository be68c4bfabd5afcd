package registry

import (
	"iter"
	"time"

	"github.com/ceyewan/lookupd/catalog"
)

// strategy 候选注册的遍历方式
type strategy int

const (
	byID strategy = iota
	byType
	byAttrValue
	byEmptyAttr
	byAttrClass
	byScan
)

func (st strategy) String() string {
	return [...]string{"by_id", "by_type", "by_attr_value", "by_empty_attr", "by_attr_class", "by_scan"}[st]
}

// strategyFor 按选择性从高到低挑选遍历方式
func strategyFor(t *matchTmpl) strategy {
	switch {
	case t.id != nil:
		return byID
	case len(t.types) > 0:
		return byType
	}
	if _, _, ok := valueKey(t); ok {
		return byAttrValue
	}
	if emptyAttrTemplate(t) != nil {
		return byEmptyAttr
	}
	if len(t.attrs) > 0 {
		return byAttrClass
	}
	return byScan
}

// valueKey 第一个含非空字段的属性模板，取其最后一个非空字段。
// 字段按父类在前排列，最后一个非空字段属于最具体的类。
func valueKey(t *matchTmpl) (*attrSet, int, bool) {
	for _, a := range t.attrs {
		for i := len(a.fields) - 1; i >= 0; i-- {
			if a.fields[i] != nil {
				return a, i, true
			}
		}
	}
	return nil, 0, false
}

func emptyAttrTemplate(t *matchTmpl) *attrSet {
	for _, a := range t.attrs {
		if a.class.NumFields() == 0 {
			return a
		}
	}
	return nil
}

// candidates 返回可能匹配 t 的注册，结果还需要经过 matches 过滤。
// 迭代期间调用方不得修改索引。
func (s *store) candidates(t *matchTmpl) iter.Seq[*svcReg] {
	switch strategyFor(t) {
	case byID:
		return func(yield func(*svcReg) bool) {
			if reg, ok := s.services[*t.id]; ok {
				yield(reg)
			}
		}
	case byType:
		return func(yield func(*svcReg) bool) {
			for _, ct := range s.cat.ConcreteTypes(t.types[0]) {
				for _, reg := range s.byType[ct] {
					if !yield(reg) {
						return
					}
				}
			}
		}
	case byAttrValue:
		a, field, _ := valueKey(t)
		v := a.fields[field]
		return dedupe(func(yield func(*svcReg) bool) {
			for _, cl := range s.cat.ConcreteClasses(a.class) {
				idx := s.byField[cl]
				if idx == nil {
					continue
				}
				for reg := range idx[field][v] {
					if !yield(reg) {
						return
					}
				}
			}
		})
	case byEmptyAttr:
		return dedupe(s.classMembers(emptyAttrTemplate(t).class))
	case byAttrClass:
		return dedupe(s.classMembers(t.attrs[0].class))
	default:
		return func(yield func(*svcReg) bool) {
			for _, reg := range s.services {
				if !yield(reg) {
					return
				}
			}
		}
	}
}

// classMembers 遍历拥有 cl 或其子类属性集的注册，可能重复
func (s *store) classMembers(cl *catalog.Class) iter.Seq[*svcReg] {
	return func(yield func(*svcReg) bool) {
		for _, c := range s.cat.ConcreteClasses(cl) {
			if c.NumFields() == 0 {
				for reg := range s.emptyAttrs[c] {
					if !yield(reg) {
						return
					}
				}
				continue
			}
			idx := s.byField[c]
			if idx == nil {
				continue
			}
			for _, set := range idx[0] {
				for reg := range set {
					if !yield(reg) {
						return
					}
				}
			}
		}
	}
}

func dedupe(seq iter.Seq[*svcReg]) iter.Seq[*svcReg] {
	return func(yield func(*svcReg) bool) {
		seen := make(map[*svcReg]struct{})
		for reg := range seq {
			if _, ok := seen[reg]; ok {
				continue
			}
			seen[reg] = struct{}{}
			if !yield(reg) {
				return
			}
		}
	}
}

// matching 依次返回存活且满足 t 的注册
func (s *store) matching(t *matchTmpl, now time.Time) iter.Seq[*svcReg] {
	return func(yield func(*svcReg) bool) {
		for reg := range s.candidates(t) {
			if t.matches(reg, now) && !yield(reg) {
				return
			}
		}
	}
}
