package registry

import (
	"bytes"
	"container/heap"
	"time"

	"github.com/ceyewan/lookupd/catalog"
)

// svcReg 一条存活的服务注册
type svcReg struct {
	id         ServiceID
	typ        *catalog.Type
	codebase   string
	payload    []byte
	attrs      []*attrSet // 只整体替换，不原地修改
	leaseID    LeaseID
	expiration time.Time

	heapIndex int
	typeIndex int
}

// item 返回线上形式的深拷贝
func (s *svcReg) item() *ServiceItem {
	it := &ServiceItem{
		ServiceID: s.id,
		Type:      s.typ.Desc(),
		Codebase:  s.codebase,
		Payload:   bytes.Clone(s.payload),
	}
	for _, a := range s.attrs {
		it.Attributes = append(it.Attributes, a.entry())
	}
	return it
}

func (s *svcReg) live(now time.Time) bool {
	return s.expiration.After(now)
}

// eventReg 一条存活的事件注册
type eventReg struct {
	id         EventID
	leaseID    LeaseID
	tmpl       *matchTmpl
	raw        *Template // 规范化后的线上模板，用于快照
	mask       Transition
	seqNo      int64
	listener   string
	handback   []byte
	expiration time.Time

	heapIndex int
}

func (e *eventReg) live(now time.Time) bool {
	return e.expiration.After(now)
}

// expiryHeap 按 (到期时间, ID) 排序的最小堆
type expiryHeap[T any] struct {
	items    []T
	less     func(a, b T) bool
	setIndex func(x T, i int)
}

func (h *expiryHeap[T]) Len() int           { return len(h.items) }
func (h *expiryHeap[T]) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }

func (h *expiryHeap[T]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.setIndex(h.items[i], i)
	h.setIndex(h.items[j], j)
}

func (h *expiryHeap[T]) Push(x any) {
	v := x.(T)
	h.setIndex(v, len(h.items))
	h.items = append(h.items, v)
}

func (h *expiryHeap[T]) Pop() any {
	n := len(h.items)
	v := h.items[n-1]
	var zero T
	h.items[n-1] = zero
	h.items = h.items[:n-1]
	h.setIndex(v, -1)
	return v
}

// peek 返回堆顶，空堆返回零值和 false
func (h *expiryHeap[T]) peek() (T, bool) {
	if len(h.items) == 0 {
		var zero T
		return zero, false
	}
	return h.items[0], true
}

func newServiceHeap() expiryHeap[*svcReg] {
	return expiryHeap[*svcReg]{
		less: func(a, b *svcReg) bool {
			if !a.expiration.Equal(b.expiration) {
				return a.expiration.Before(b.expiration)
			}
			return bytes.Compare(a.id[:], b.id[:]) < 0
		},
		setIndex: func(x *svcReg, i int) { x.heapIndex = i },
	}
}

func newEventHeap() expiryHeap[*eventReg] {
	return expiryHeap[*eventReg]{
		less: func(a, b *eventReg) bool {
			if !a.expiration.Equal(b.expiration) {
				return a.expiration.Before(b.expiration)
			}
			return a.id < b.id
		},
		setIndex: func(x *eventReg, i int) { x.heapIndex = i },
	}
}

// regSet 注册集合，值为引用次数（同一注册可能有多个属性集落在同一个桶里）
type regSet map[*svcReg]int

func (s regSet) add(r *svcReg) { s[r]++ }

func (s regSet) remove(r *svcReg) {
	if s[r] <= 1 {
		delete(s, r)
		return
	}
	s[r]--
}

// fieldIndex 某个属性类某个字段：值 -> 注册集合，nil 也是合法的键
type fieldIndex map[any]regSet

// store 内存索引。所有方法都要求调用方持有 gate 的相应许可。
type store struct {
	cat *catalog.Catalog

	services   map[ServiceID]*svcReg
	svcHeap    expiryHeap[*svcReg]
	byType     map[*catalog.Type][]*svcReg
	byField    map[*catalog.Class][]fieldIndex
	emptyAttrs map[*catalog.Class]regSet

	events    map[EventID]*eventReg
	evHeap    expiryHeap[*eventReg]
	subEvents map[ServiceID]map[EventID]*eventReg
	genEvents map[EventID]*eventReg
	listeners map[string]int // 监听者引用 -> 事件注册数
}

func newStore(cat *catalog.Catalog) store {
	return store{
		cat:        cat,
		services:   make(map[ServiceID]*svcReg),
		svcHeap:    newServiceHeap(),
		byType:     make(map[*catalog.Type][]*svcReg),
		byField:    make(map[*catalog.Class][]fieldIndex),
		emptyAttrs: make(map[*catalog.Class]regSet),
		events:     make(map[EventID]*eventReg),
		evHeap:     newEventHeap(),
		subEvents:  make(map[ServiceID]map[EventID]*eventReg),
		genEvents:  make(map[EventID]*eventReg),
		listeners:  make(map[string]int),
	}
}

// addService 加入全部索引并增加描述引用
func (s *store) addService(reg *svcReg) {
	s.services[reg.id] = reg
	heap.Push(&s.svcHeap, reg)
	reg.typeIndex = len(s.byType[reg.typ])
	s.byType[reg.typ] = append(s.byType[reg.typ], reg)
	s.cat.AttachType(reg.typ, catalog.Instance)
	for _, a := range reg.attrs {
		s.addAttr(reg, a)
	}
}

// unindexService 从主索引、时间索引和类型索引中移除，不动属性索引和描述引用
func (s *store) unindexService(reg *svcReg) {
	delete(s.services, reg.id)
	heap.Remove(&s.svcHeap, reg.heapIndex)

	regs := s.byType[reg.typ]
	last := len(regs) - 1
	regs[reg.typeIndex] = regs[last]
	regs[reg.typeIndex].typeIndex = reg.typeIndex
	regs[last] = nil
	if last == 0 {
		delete(s.byType, reg.typ)
	} else {
		s.byType[reg.typ] = regs[:last]
	}
}

// releaseService 移除属性索引并释放描述引用，须在 unindexService 之后调用
func (s *store) releaseService(reg *svcReg) {
	for _, a := range reg.attrs {
		s.removeAttr(reg, a)
	}
	s.cat.DetachType(reg.typ, catalog.Instance)
}

func (s *store) deleteService(reg *svcReg) {
	s.unindexService(reg)
	s.releaseService(reg)
}

// replaceAttrs 先挂新属性再摘旧属性，避免共用的类在中间被驱逐
func (s *store) replaceAttrs(reg *svcReg, attrs []*attrSet) {
	for _, a := range attrs {
		s.addAttr(reg, a)
	}
	for _, a := range reg.attrs {
		s.removeAttr(reg, a)
	}
	reg.attrs = attrs
}

func (s *store) addAttr(reg *svcReg, a *attrSet) {
	s.cat.AttachClass(a.class, catalog.Instance)
	if a.class.NumFields() == 0 {
		set := s.emptyAttrs[a.class]
		if set == nil {
			set = make(regSet)
			s.emptyAttrs[a.class] = set
		}
		set.add(reg)
		return
	}
	idx := s.byField[a.class]
	if idx == nil {
		idx = make([]fieldIndex, a.class.NumFields())
		for i := range idx {
			idx[i] = make(fieldIndex)
		}
		s.byField[a.class] = idx
	}
	for i, v := range a.fields {
		set := idx[i][v]
		if set == nil {
			set = make(regSet)
			idx[i][v] = set
		}
		set.add(reg)
	}
}

func (s *store) removeAttr(reg *svcReg, a *attrSet) {
	if a.class.NumFields() == 0 {
		if set := s.emptyAttrs[a.class]; set != nil {
			set.remove(reg)
			if len(set) == 0 {
				delete(s.emptyAttrs, a.class)
			}
		}
	} else if idx := s.byField[a.class]; idx != nil {
		for i, v := range a.fields {
			if set := idx[i][v]; set != nil {
				set.remove(reg)
				if len(set) == 0 {
					delete(idx[i], v)
				}
			}
		}
		if len(idx[0]) == 0 {
			delete(s.byField, a.class)
		}
	}
	s.cat.DetachClass(a.class, catalog.Instance)
}

// setServiceExpiration 修改到期时间并调整堆
func (s *store) setServiceExpiration(reg *svcReg, exp time.Time) {
	reg.expiration = exp
	heap.Fix(&s.svcHeap, reg.heapIndex)
}

func (s *store) addEvent(ev *eventReg) {
	s.events[ev.id] = ev
	s.listeners[ev.listener]++
	heap.Push(&s.evHeap, ev)
	if id := ev.tmpl.id; id != nil {
		m := s.subEvents[*id]
		if m == nil {
			m = make(map[EventID]*eventReg)
			s.subEvents[*id] = m
		}
		m[ev.id] = ev
	} else {
		s.genEvents[ev.id] = ev
	}
}

// deleteEvent 移除事件注册，返回该监听者是否已没有其他事件注册
func (s *store) deleteEvent(ev *eventReg) bool {
	delete(s.events, ev.id)
	heap.Remove(&s.evHeap, ev.heapIndex)
	if id := ev.tmpl.id; id != nil {
		if m := s.subEvents[*id]; m != nil {
			delete(m, ev.id)
			if len(m) == 0 {
				delete(s.subEvents, *id)
			}
		}
	} else {
		delete(s.genEvents, ev.id)
	}
	s.releaseTemplate(ev.tmpl)

	s.listeners[ev.listener]--
	if s.listeners[ev.listener] > 0 {
		return false
	}
	delete(s.listeners, ev.listener)
	return true
}

func (s *store) setEventExpiration(ev *eventReg, exp time.Time) {
	ev.expiration = exp
	heap.Fix(&s.evHeap, ev.heapIndex)
}
