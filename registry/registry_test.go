package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ceyewan/lookupd/catalog"
	"github.com/ceyewan/lookupd/xerrors"
)

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	res := register(t, r, &ServiceItem{
		Type:       laserType,
		Codebase:   "http://repo/printer",
		Payload:    []byte("p1"),
		Attributes: []*Entry{name("lobby"), location(1, "101")},
	})
	assert.NotEqual(t, uuid.Nil, res.ServiceID)
	assert.NotEqual(t, uuid.Nil, res.LeaseID)

	t.Run("by supertype", func(t *testing.T) {
		item, err := r.Lookup(ctx, types(printerType))
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, res.ServiceID, item.ServiceID)
		assert.Equal(t, "office.LaserPrinter", item.Type.Name)
		assert.Equal(t, []byte("p1"), item.Payload)
	})

	t.Run("by id", func(t *testing.T) {
		id := res.ServiceID
		item, err := r.Lookup(ctx, &Template{ServiceID: &id})
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, id, item.ServiceID)
	})

	t.Run("by attribute value", func(t *testing.T) {
		item, err := r.Lookup(ctx, &Template{Attributes: []*Entry{location(nil, "101")}})
		require.NoError(t, err)
		require.NotNil(t, item)

		item, err = r.Lookup(ctx, &Template{Attributes: []*Entry{location(2, nil)}})
		require.NoError(t, err)
		assert.Nil(t, item)
	})

	t.Run("normalized integer width", func(t *testing.T) {
		item, err := r.Lookup(ctx, &Template{Attributes: []*Entry{location(int32(1), nil)}})
		require.NoError(t, err)
		assert.NotNil(t, item)
	})

	t.Run("unknown type", func(t *testing.T) {
		item, err := r.Lookup(ctx, types(scannerType))
		require.NoError(t, err)
		assert.Nil(t, item)
	})

	t.Run("returned item is a copy", func(t *testing.T) {
		item, err := r.Lookup(ctx, types(printerType))
		require.NoError(t, err)
		item.Payload[0] = 'x'
		item.Attributes[0].Fields[0] = "changed"

		again, err := r.Lookup(ctx, types(printerType))
		require.NoError(t, err)
		assert.Equal(t, []byte("p1"), again.Payload)
		assert.Equal(t, "lobby", again.Attributes[0].Fields[0])
	})
}

func TestRegisterReplacesExisting(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	first := register(t, r, &ServiceItem{Type: laserType, Attributes: []*Entry{name("a")}})
	second := register(t, r, &ServiceItem{ServiceID: first.ServiceID, Type: scannerType, Attributes: []*Entry{name("b")}})
	assert.Equal(t, first.ServiceID, second.ServiceID)
	assert.NotEqual(t, first.LeaseID, second.LeaseID)

	all, err := r.LookupMany(ctx, nil, 10)
	require.NoError(t, err)
	require.Equal(t, 1, all.Total)
	assert.Equal(t, "office.Scanner", all.Items[0].Type.Name)
	assert.Equal(t, "b", all.Items[0].Attributes[0].Fields[0])

	// 旧租约随替换失效
	err = r.AddAttributes(ctx, first.ServiceID, first.LeaseID, []*Entry{name("c")})
	assert.ErrorIs(t, err, ErrUnknownLease)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	cases := map[string]*ServiceItem{
		"nil item":          nil,
		"no type":           {},
		"nil attribute":     {Type: laserType, Attributes: []*Entry{nil}},
		"wrong field count": {Type: laserType, Attributes: []*Entry{{Class: locationClass, Fields: []any{1}}}},
		"unsupported value": {Type: laserType, Attributes: []*Entry{{Class: nameClass, Fields: []any{struct{}{}}}}},
		"empty class name":  {Type: laserType, Attributes: []*Entry{{Class: &catalog.ClassDesc{}}}},
	}
	for label, item := range cases {
		t.Run(label, func(t *testing.T) {
			_, err := r.Register(ctx, item, LeaseAny)
			assert.ErrorIs(t, err, ErrIllegalArgument)
		})
	}

	_, err := r.Register(ctx, &ServiceItem{Type: laserType}, -5)
	assert.ErrorIs(t, err, ErrIllegalArgument)
	assert.Equal(t, 0, r.Stats().Services)
}

func TestIncompatibleClassChange(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	register(t, r, &ServiceItem{Type: laserType, Attributes: []*Entry{name("a")}})

	changed := catalog.NewClassDesc("lookupd.Name", nil, "name", "alias")
	_, err := r.Register(ctx, &ServiceItem{
		Type:       laserType,
		Attributes: []*Entry{{Class: changed, Fields: []any{"b", "c"}}},
	}, LeaseAny)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompatibleClassChange)
	assert.Equal(t, xerrors.ErrConflict, xerrors.KindOf(err))

	_, err = r.Lookup(ctx, &Template{Attributes: []*Entry{{Class: changed}}})
	assert.ErrorIs(t, err, ErrIncompatibleClassChange)
}

func TestDescriptorsAreShared(t *testing.T) {
	r := newTestRegistry(t, nil)
	a := register(t, r, &ServiceItem{Type: laserType, Attributes: []*Entry{name("a")}})
	b := register(t, r, &ServiceItem{Type: &catalog.TypeDesc{Name: "office.LaserPrinter"}, Attributes: []*Entry{name("b")}})

	ra, rb := r.services[a.ServiceID], r.services[b.ServiceID]
	assert.Same(t, ra.typ, rb.typ)
	assert.Same(t, ra.attrs[0].class, rb.attrs[0].class)

	types, classes := r.cat.Len()
	assert.Equal(t, 3, types)
	assert.Equal(t, 1, classes)
}

func TestDescriptorsEvictedWhenUnused(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	res := register(t, r, &ServiceItem{Type: laserType, Attributes: []*Entry{name("a")}})

	require.NoError(t, r.CancelServiceLease(ctx, res.ServiceID, res.LeaseID))
	types, classes := r.cat.Len()
	assert.Zero(t, types)
	assert.Zero(t, classes)
}

func TestLookupMany(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	for i := range 5 {
		register(t, r, &ServiceItem{Type: laserType, Attributes: []*Entry{location(int64(i%2), nil)}})
	}
	register(t, r, &ServiceItem{Type: scannerType})

	m, err := r.LookupMany(ctx, types(printerType), 2)
	require.NoError(t, err)
	assert.Equal(t, 5, m.Total)
	assert.Len(t, m.Items, 2)

	m, err = r.LookupMany(ctx, &Template{Attributes: []*Entry{location(0, nil)}}, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Total)
	assert.Len(t, m.Items, 3)

	m, err = r.LookupMany(ctx, types(serviceType), 0)
	require.NoError(t, err)
	assert.Equal(t, 6, m.Total)
	assert.NotNil(t, m.Items)
	assert.Empty(t, m.Items)

	_, err = r.LookupMany(ctx, nil, -1)
	assert.ErrorIs(t, err, ErrIllegalArgument)
}

func TestLookupPicksRandomly(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	a := register(t, r, &ServiceItem{Type: laserType})
	b := register(t, r, &ServiceItem{Type: laserType})

	seen := map[ServiceID]bool{}
	for range 200 {
		item, err := r.Lookup(ctx, types(printerType))
		require.NoError(t, err)
		seen[item.ServiceID] = true
	}
	assert.True(t, seen[a.ServiceID])
	assert.True(t, seen[b.ServiceID])
}

func TestStrategySelection(t *testing.T) {
	r := newTestRegistry(t, nil)
	register(t, r, &ServiceItem{
		Type:       laserType,
		Attributes: []*Entry{name("a"), location(1, "101"), {Class: markerClass}},
	})
	id := uuid.New()

	cases := []struct {
		tmpl *Template
		want strategy
	}{
		{&Template{ServiceID: &id, Types: []*catalog.TypeDesc{printerType}}, byID},
		{types(printerType), byType},
		{&Template{Attributes: []*Entry{location(nil, "101")}}, byAttrValue},
		{&Template{Attributes: []*Entry{location(nil, nil), {Class: markerClass}}}, byEmptyAttr},
		{&Template{Attributes: []*Entry{location(nil, nil)}}, byAttrClass},
		{&Template{}, byScan},
	}
	for _, c := range cases {
		t.Run(c.want.String(), func(t *testing.T) {
			nt, err := normalizeTemplate(c.tmpl)
			require.NoError(t, err)
			mt, ok, err := r.findTemplate(nt)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, c.want, strategyFor(mt))
		})
	}
}

func TestAttributes(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	res := register(t, r, &ServiceItem{Type: laserType, Attributes: []*Entry{name("a"), location(1, "101")}})
	id, lease := res.ServiceID, res.LeaseID

	attrsOf := func() []*Entry {
		item, err := r.Lookup(ctx, &Template{ServiceID: &id})
		require.NoError(t, err)
		require.NotNil(t, item)
		return item.Attributes
	}

	t.Run("add skips duplicates", func(t *testing.T) {
		require.NoError(t, r.AddAttributes(ctx, id, lease, []*Entry{name("a"), name("b")}))
		attrs := attrsOf()
		require.Len(t, attrs, 3)
		assert.Equal(t, "b", attrs[2].Fields[0])
	})

	t.Run("modify overwrites non-nil fields", func(t *testing.T) {
		err := r.ModifyAttributes(ctx, id, lease,
			[]*Entry{location(1, nil)},
			[]*Entry{location(nil, "102")})
		require.NoError(t, err)

		item, err := r.Lookup(ctx, &Template{Attributes: []*Entry{location(1, "102")}})
		require.NoError(t, err)
		assert.NotNil(t, item)
		item, err = r.Lookup(ctx, &Template{Attributes: []*Entry{location(1, "101")}})
		require.NoError(t, err)
		assert.Nil(t, item)
	})

	t.Run("modify with nil change deletes", func(t *testing.T) {
		require.NoError(t, r.ModifyAttributes(ctx, id, lease, []*Entry{name("b")}, []*Entry{nil}))
		assert.Len(t, attrsOf(), 2)
	})

	t.Run("modify rejects subclass change", func(t *testing.T) {
		err := r.ModifyAttributes(ctx, id, lease,
			[]*Entry{location(nil, nil)},
			[]*Entry{{Class: buildingClass, Fields: []any{nil, nil, "B"}}})
		assert.ErrorIs(t, err, ErrIllegalArgument)

		err = r.ModifyAttributes(ctx, id, lease, []*Entry{location(nil, nil)}, nil)
		assert.ErrorIs(t, err, ErrIllegalArgument)
	})

	t.Run("set replaces all", func(t *testing.T) {
		require.NoError(t, r.SetAttributes(ctx, id, lease, []*Entry{name("z")}))
		attrs := attrsOf()
		require.Len(t, attrs, 1)
		assert.Equal(t, "z", attrs[0].Fields[0])
	})

	t.Run("wrong lease", func(t *testing.T) {
		err := r.SetAttributes(ctx, id, uuid.New(), nil)
		assert.ErrorIs(t, err, ErrUnknownLease)
		assert.Equal(t, xerrors.ErrNotFound, xerrors.KindOf(err))
	})
}

func TestBrowse(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	register(t, r, &ServiceItem{Type: laserType, Attributes: []*Entry{
		name("a"),
		{Class: buildingClass, Fields: []any{3, "301", "A"}},
	}})
	register(t, r, &ServiceItem{Type: scannerType, Attributes: []*Entry{location(1, nil)}})
	register(t, r, &ServiceItem{Type: scannerType, Attributes: []*Entry{location(1, "102"), location(2, "201")}})

	typeNames := func(ds []*catalog.TypeDesc) []string {
		out := make([]string, 0, len(ds))
		for _, d := range ds {
			out = append(out, d.Name)
		}
		return out
	}

	t.Run("distinct types", func(t *testing.T) {
		ds, err := r.DistinctTypes(ctx, nil, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"office.LaserPrinter", "office.Scanner"}, typeNames(ds))

		ds, err = r.DistinctTypes(ctx, nil, "lookupd.")
		require.NoError(t, err)
		assert.Equal(t, []string{"lookupd.Service"}, typeNames(ds))

		ds, err = r.DistinctTypes(ctx, types(serviceType), "lookupd.")
		require.NoError(t, err)
		assert.Empty(t, ds)

		ds, err = r.DistinctTypes(ctx, types(printerType), "")
		require.NoError(t, err)
		assert.Equal(t, []string{"office.LaserPrinter"}, typeNames(ds))
	})

	t.Run("distinct attribute classes", func(t *testing.T) {
		cs, err := r.DistinctAttributeClasses(ctx, nil)
		require.NoError(t, err)
		require.Len(t, cs, 3)
		assert.Equal(t, "lookupd.Building", cs[0].Name)
		assert.Equal(t, "lookupd.Location", cs[1].Name)
		assert.Equal(t, "lookupd.Name", cs[2].Name)

		cs, err = r.DistinctAttributeClasses(ctx, &Template{Attributes: []*Entry{name("a")}})
		require.NoError(t, err)
		require.Len(t, cs, 1)
		assert.Equal(t, "lookupd.Building", cs[0].Name)
	})

	t.Run("distinct field values", func(t *testing.T) {
		vals, err := r.DistinctFieldValues(ctx, &Template{Attributes: []*Entry{location(nil, nil)}}, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, []any{int64(1), int64(2), int64(3)}, vals)

		vals, err = r.DistinctFieldValues(ctx, &Template{Attributes: []*Entry{location(1, nil)}}, 0, 1)
		require.NoError(t, err)
		assert.Equal(t, []any{"102"}, vals)

		_, err = r.DistinctFieldValues(ctx, &Template{Attributes: []*Entry{location(nil, nil)}}, 1, 0)
		assert.ErrorIs(t, err, ErrIllegalArgument)
		_, err = r.DistinctFieldValues(ctx, &Template{Attributes: []*Entry{location(nil, nil)}}, 0, 2)
		assert.ErrorIs(t, err, ErrIllegalArgument)
	})
}

func TestClosedRegistry(t *testing.T) {
	reg, err := New(nil)
	require.NoError(t, err)
	require.NoError(t, reg.Close())
	require.NoError(t, reg.Close())

	_, err = reg.Lookup(context.Background(), nil)
	assert.ErrorIs(t, err, ErrRegistryClosed)
	_, err = reg.Register(context.Background(), &ServiceItem{Type: laserType}, LeaseAny)
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.Equal(t, xerrors.ErrUnavailable, xerrors.KindOf(err))
}

func TestCanceledContext(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Lookup(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentOperations(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	const workers, perWorker = 8, 40
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				res, err := r.Register(ctx, &ServiceItem{
					Type:       laserType,
					Attributes: []*Entry{name(fmt.Sprintf("w%d-%d", w, i))},
				}, LeaseAny)
				if !assert.NoError(t, err) {
					return
				}
				_, err = r.RenewServiceLease(ctx, res.ServiceID, res.LeaseID, LeaseAny)
				assert.NoError(t, err)
				_, err = r.LookupMany(ctx, types(printerType), 5)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	m, err := r.LookupMany(ctx, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker, m.Total)
	assert.Equal(t, workers*perWorker, r.Stats().Services)
}

// 空模板匹配每一个存活注册
func TestEmptyTemplateMatchesEverything(t *testing.T) {
	all := []*catalog.TypeDesc{laserType, printerType, scannerType}
	rapid.Check(t, func(rt *rapid.T) {
		reg, err := New(nil)
		require.NoError(rt, err)
		defer reg.Close()
		ctx := context.Background()

		n := rapid.IntRange(0, 20).Draw(rt, "n")
		for i := range n {
			typ := all[rapid.IntRange(0, len(all)-1).Draw(rt, "type")]
			attrs := []*Entry{name(fmt.Sprint(i))}
			if rapid.Bool().Draw(rt, "located") {
				attrs = append(attrs, location(rapid.Int64Range(0, 3).Draw(rt, "floor"), nil))
			}
			_, err := reg.Register(ctx, &ServiceItem{Type: typ, Attributes: attrs}, LeaseAny)
			require.NoError(rt, err)
		}

		m, err := reg.LookupMany(ctx, nil, n)
		require.NoError(rt, err)
		assert.Equal(rt, n, m.Total)
		assert.Len(rt, m.Items, n)
	})
}

// SetAttributes 之后读回的属性集与写入的（去重后）一致
func TestSetAttributesRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		reg, err := New(nil)
		require.NoError(rt, err)
		defer reg.Close()
		ctx := context.Background()

		res, err := reg.Register(ctx, &ServiceItem{Type: laserType}, LeaseAny)
		require.NoError(rt, err)

		var attrs []*Entry
		var want []string
		for range rapid.IntRange(0, 6).Draw(rt, "count") {
			v := rapid.SampledFrom([]string{"a", "b", "c", "d"}).Draw(rt, "name")
			attrs = append(attrs, name(v))
			if !contains(want, v) {
				want = append(want, v)
			}
		}
		require.NoError(rt, reg.SetAttributes(ctx, res.ServiceID, res.LeaseID, attrs))

		id := res.ServiceID
		item, err := reg.Lookup(ctx, &Template{ServiceID: &id})
		require.NoError(rt, err)
		got := make([]string, 0, len(item.Attributes))
		for _, e := range item.Attributes {
			got = append(got, e.Fields[0].(string))
		}
		assert.Equal(rt, want, got)
	})
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
