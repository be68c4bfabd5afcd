package registry

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"github.com/ceyewan/lookupd/catalog"
)

func (r *registry) DistinctTypes(ctx context.Context, tmpl *Template, prefix string) ([]*catalog.TypeDesc, error) {
	t, err := normalizeTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	out := []*catalog.TypeDesc{}
	err = r.read(ctx, "distinct_types", func(now time.Time) error {
		mt, ok, err := r.findTemplate(t)
		if err != nil || !ok {
			return err
		}
		seen := make(map[*catalog.Type]struct{})
		for reg := range r.matching(mt, now) {
			reg.typ.MostSpecific(prefix, mt.types, func(x *catalog.Type) {
				seen[x] = struct{}{}
			})
		}
		types := make([]*catalog.Type, 0, len(seen))
		for x := range seen {
			types = append(types, x)
		}
		slices.SortFunc(types, func(a, b *catalog.Type) int { return strings.Compare(a.Name(), b.Name()) })
		for _, x := range types {
			out = append(out, x.Desc())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *registry) DistinctAttributeClasses(ctx context.Context, tmpl *Template) ([]*catalog.ClassDesc, error) {
	t, err := normalizeTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	out := []*catalog.ClassDesc{}
	err = r.read(ctx, "distinct_attribute_classes", func(now time.Time) error {
		mt, ok, err := r.findTemplate(t)
		if err != nil || !ok {
			return err
		}
		seen := make(map[*catalog.Class]struct{})
		for reg := range r.matching(mt, now) {
			for _, a := range reg.attrs {
				if !excludedClass(a.class, mt.attrs) {
					seen[a.class] = struct{}{}
				}
			}
		}
		classes := make([]*catalog.Class, 0, len(seen))
		for c := range seen {
			classes = append(classes, c)
		}
		slices.SortFunc(classes, func(a, b *catalog.Class) int { return strings.Compare(a.Name(), b.Name()) })
		for _, c := range classes {
			out = append(out, c.Desc())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// excludedClass cl 等于或是某个模板属性类的父类
func excludedClass(cl *catalog.Class, tmpls []*attrSet) bool {
	for _, t := range tmpls {
		if t.class.AssignableTo(cl) {
			return true
		}
	}
	return false
}

func (r *registry) DistinctFieldValues(ctx context.Context, tmpl *Template, setIndex, fieldIndex int) ([]any, error) {
	t, err := normalizeTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	if setIndex < 0 || setIndex >= len(t.Attributes) {
		return nil, illegal("attribute template index %d out of range", setIndex)
	}
	if n := t.Attributes[setIndex].Class.NumFields(); fieldIndex < 0 || fieldIndex >= n {
		return nil, illegal("field index %d out of range, class %s has %d fields",
			fieldIndex, t.Attributes[setIndex].Class.Name, n)
	}

	out := []any{}
	err = r.read(ctx, "distinct_field_values", func(now time.Time) error {
		mt, ok, err := r.findTemplate(t)
		if err != nil || !ok {
			return err
		}
		ta := mt.attrs[setIndex]
		seen := make(map[any]struct{})
		for reg := range r.matching(mt, now) {
			for _, a := range reg.attrs {
				if !a.matches(ta) {
					continue
				}
				if v := a.fields[fieldIndex]; v != nil {
					seen[v] = struct{}{}
				}
			}
		}
		for v := range seen {
			out = append(out, v)
		}
		slices.SortFunc(out, compareValues)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// compareValues 先按类型（bool < int64 < float64 < string）再按值排序
func compareValues(a, b any) int {
	if c := cmp.Compare(valueRank(a), valueRank(b)); c != 0 {
		return c
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case int64:
		return cmp.Compare(x, b.(int64))
	case float64:
		return cmp.Compare(x, b.(float64))
	case string:
		return strings.Compare(x, b.(string))
	}
	return 0
}

func valueRank(v any) int {
	switch v.(type) {
	case bool:
		return 0
	case int64:
		return 1
	case float64:
		return 2
	case string:
		return 3
	}
	return 4
}
