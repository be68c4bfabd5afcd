package registry

import (
	"context"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/ceyewan/lookupd/catalog"
)

func (r *registry) Lookup(ctx context.Context, tmpl *Template) (*ServiceItem, error) {
	t, err := normalizeTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	var out *ServiceItem
	err = r.read(ctx, "lookup", func(now time.Time) error {
		mt, ok, err := r.findTemplate(t)
		if err != nil || !ok {
			return err
		}
		if reg := r.lookupOne(mt, now); reg != nil {
			out = reg.item()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// lookupOne 随机返回一个匹配项。按类型遍历时从随机的具体类型、随机的位置开始，
// 其他方式先收集全部匹配再随机选一个。
func (r *registry) lookupOne(mt *matchTmpl, now time.Time) *svcReg {
	switch strategyFor(mt) {
	case byType, byScan:
		var types []*catalog.Type
		if len(mt.types) > 0 {
			types = r.cat.ConcreteTypes(mt.types[0])
		} else {
			types = r.liveTypes()
		}
		if len(types) == 0 {
			return nil
		}
		start := rand.IntN(len(types))
		for i := range types {
			regs := r.byType[types[(start+i)%len(types)]]
			if len(regs) == 0 {
				continue
			}
			off := rand.IntN(len(regs))
			for j := range regs {
				if reg := regs[(off+j)%len(regs)]; mt.matches(reg, now) {
					return reg
				}
			}
		}
		return nil
	default:
		var found []*svcReg
		for reg := range r.matching(mt, now) {
			found = append(found, reg)
		}
		if len(found) == 0 {
			return nil
		}
		return found[rand.IntN(len(found))]
	}
}

// liveTypes 有注册的全部具体类型，按名称排序
func (r *registry) liveTypes() []*catalog.Type {
	types := make([]*catalog.Type, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	slices.SortFunc(types, func(a, b *catalog.Type) int { return strings.Compare(a.Name(), b.Name()) })
	return types
}

func (r *registry) LookupMany(ctx context.Context, tmpl *Template, maxMatches int) (*Matches, error) {
	if maxMatches < 0 {
		return nil, illegal("negative maxMatches %d", maxMatches)
	}
	t, err := normalizeTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	out := &Matches{Items: []*ServiceItem{}}
	err = r.read(ctx, "lookup_many", func(now time.Time) error {
		mt, ok, err := r.findTemplate(t)
		if err != nil || !ok {
			return err
		}
		for reg := range r.matching(mt, now) {
			out.Total++
			if len(out.Items) < maxMatches {
				out.Items = append(out.Items, reg.item())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
