package registry

import (
	"encoding/json"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/lookupd/catalog"
)

// ServiceID 服务 ID，零值表示由 registry 分配
type ServiceID = uuid.UUID

// LeaseID 租约 ID，不透明的随机值
type LeaseID = uuid.UUID

// EventID 事件注册 ID，在一个 registry 内单调递增
type EventID = int64

// LeaseAny 请求当前允许的最长租约，0 与之等价
const LeaseAny time.Duration = -1

// SeqNoBump 恢复后每个事件注册的序号增加该值，保证恢复前后的序号不重叠
const SeqNoBump int64 = 1 << 31

// Transition 匹配状态迁移，可按位组合
type Transition int

const (
	// TransitionMatchNoMatch 匹配 -> 不匹配（含删除）
	TransitionMatchNoMatch Transition = 1 << iota
	// TransitionNoMatchMatch 不匹配 -> 匹配（含新建）
	TransitionNoMatchMatch
	// TransitionMatchMatch 匹配 -> 匹配（属性变化）
	TransitionMatchMatch
)

const transitionAll = TransitionMatchNoMatch | TransitionNoMatchMatch | TransitionMatchMatch

func (t Transition) String() string {
	var parts []string
	if t&TransitionMatchNoMatch != 0 {
		parts = append(parts, "match_nomatch")
	}
	if t&TransitionNoMatchMatch != 0 {
		parts = append(parts, "nomatch_match")
	}
	if t&TransitionMatchMatch != 0 {
		parts = append(parts, "match_match")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ServiceItem 一条服务注册
type ServiceItem struct {
	ServiceID  ServiceID         `json:"service_id" msgpack:"id"`
	Type       *catalog.TypeDesc `json:"type" msgpack:"type"`
	Codebase   string            `json:"codebase,omitempty" msgpack:"codebase,omitempty"`
	Payload    []byte            `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Attributes []*Entry          `json:"attributes,omitempty" msgpack:"attrs,omitempty"`
}

// Entry 属性集。Fields 与 Class.Fields 一一对应；nil 在模板中是通配，在服务项中表示无值。
// 字段值只允许 string、int64、float64、bool，其他整数与浮点类型会被规范化。
type Entry struct {
	Class  *catalog.ClassDesc `json:"class" msgpack:"class"`
	Fields []any              `json:"fields,omitempty" msgpack:"fields,omitempty"`
}

// Template 查询与事件模板，所有条件之间是与关系
type Template struct {
	ServiceID  *ServiceID          `json:"service_id,omitempty" msgpack:"id,omitempty"`
	Types      []*catalog.TypeDesc `json:"types,omitempty" msgpack:"types,omitempty"`
	Attributes []*Entry            `json:"attributes,omitempty" msgpack:"attrs,omitempty"`
}

// Registration Register 的结果
type Registration struct {
	ServiceID  ServiceID `json:"service_id"`
	LeaseID    LeaseID   `json:"lease_id"`
	Expiration time.Time `json:"expiration"`
}

// Matches LookupMany 的结果，Total 为全部匹配数，可能大于 len(Items)
type Matches struct {
	Items []*ServiceItem `json:"items"`
	Total int            `json:"total"`
}

// EventRegistration Notify 的结果
type EventRegistration struct {
	EventID    EventID   `json:"event_id"`
	LeaseID    LeaseID   `json:"lease_id"`
	Expiration time.Time `json:"expiration"`
	SeqNo      int64     `json:"seq_no"`
}

// RemoteEvent 投递给监听者的事件。删除时 Item 为 nil。
type RemoteEvent struct {
	RegistryID ServiceID    `json:"registry_id" msgpack:"registry"`
	EventID    EventID      `json:"event_id" msgpack:"event"`
	SeqNo      int64        `json:"seq_no" msgpack:"seq"`
	ServiceID  ServiceID    `json:"service_id" msgpack:"service"`
	Transition Transition   `json:"transition" msgpack:"transition"`
	Item       *ServiceItem `json:"item,omitempty" msgpack:"item,omitempty"`
	Handback   []byte       `json:"handback,omitempty" msgpack:"handback,omitempty"`
}

// LeaseKind 租约类别
type LeaseKind int

const (
	LeaseService LeaseKind = iota
	LeaseEvent
)

// LeaseKey 批量续约、取消时定位一个租约
type LeaseKey struct {
	Kind      LeaseKind `json:"kind" msgpack:"kind"`
	ServiceID ServiceID `json:"service_id,omitempty" msgpack:"service,omitempty"`
	EventID   EventID   `json:"event_id,omitempty" msgpack:"event,omitempty"`
	LeaseID   LeaseID   `json:"lease_id" msgpack:"lease"`
}

// RenewResult 批量续约中单个租约的结果
type RenewResult struct {
	Granted time.Duration
	Err     error
}

// Identity 发现协议需要的身份信息
type Identity struct {
	ServiceID    ServiceID `json:"service_id"`
	MemberGroups []string  `json:"member_groups"`
	UnicastPort  int       `json:"unicast_port"`
}

// normalizeValue 将字段值规范为 string / int64 / float64 / bool
func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, int64:
		return x, nil
	case float64:
		if math.IsNaN(x) {
			return nil, illegal("NaN field value")
		}
		return x, nil
	case float32:
		return normalizeValue(float64(x))
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		return normalizeUint(uint64(x))
	case uint64:
		return normalizeUint(x)
	case json.Number:
		if !strings.ContainsAny(x.String(), ".eE") {
			if i, err := x.Int64(); err == nil {
				return i, nil
			}
		}
		f, err := x.Float64()
		if err != nil {
			return nil, illegal("bad number %q", x.String())
		}
		return normalizeValue(f)
	default:
		return nil, illegal("unsupported field value type %T", v)
	}
}

func normalizeUint(x uint64) (any, error) {
	if x > math.MaxInt64 {
		return nil, illegal("field value %d overflows int64", x)
	}
	return int64(x), nil
}

// normalizeEntry 返回规范化后的副本；字段数不足时以 nil 补齐
func normalizeEntry(e *Entry) (*Entry, error) {
	if e == nil || e.Class == nil {
		return nil, illegal("attribute set without class")
	}
	n := e.Class.NumFields()
	if len(e.Fields) > n || (len(e.Fields) != 0 && len(e.Fields) != n) {
		return nil, illegal("class %s has %d fields, got %d values", e.Class.Name, n, len(e.Fields))
	}
	out := &Entry{Class: e.Class, Fields: make([]any, n)}
	for i, v := range e.Fields {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, err
		}
		out.Fields[i] = nv
	}
	return out, nil
}

func normalizeEntries(es []*Entry, allowNil bool) ([]*Entry, error) {
	out := make([]*Entry, 0, len(es))
	for _, e := range es {
		if e == nil && allowNil {
			out = append(out, nil)
			continue
		}
		ne, err := normalizeEntry(e)
		if err != nil {
			return nil, err
		}
		out = append(out, ne)
	}
	return out, nil
}

func normalizeItem(item *ServiceItem) (*ServiceItem, error) {
	if item == nil || item.Type == nil {
		return nil, illegal("service item without type")
	}
	attrs, err := normalizeEntries(item.Attributes, false)
	if err != nil {
		return nil, err
	}
	return &ServiceItem{
		ServiceID:  item.ServiceID,
		Type:       item.Type,
		Codebase:   item.Codebase,
		Payload:    slices.Clone(item.Payload),
		Attributes: attrs,
	}, nil
}

func normalizeTemplate(t *Template) (*Template, error) {
	if t == nil {
		return &Template{}, nil
	}
	for _, td := range t.Types {
		if td == nil {
			return nil, illegal("nil type in template")
		}
	}
	attrs, err := normalizeEntries(t.Attributes, false)
	if err != nil {
		return nil, err
	}
	out := &Template{Types: t.Types, Attributes: attrs}
	if t.ServiceID != nil {
		id := *t.ServiceID
		out.ServiceID = &id
	}
	return out, nil
}

// attrSet 规范化的属性集，创建后不再修改
type attrSet struct {
	class  *catalog.Class
	fields []any
}

func (a *attrSet) equal(b *attrSet) bool {
	return a.class == b.class && slices.Equal(a.fields, b.fields)
}

// matches 报告 a 是否满足属性模板 t
func (a *attrSet) matches(t *attrSet) bool {
	if !a.class.AssignableTo(t.class) {
		return false
	}
	for i, v := range t.fields {
		if v != nil && a.fields[i] != v {
			return false
		}
	}
	return true
}

func (a *attrSet) entry() *Entry {
	return &Entry{Class: a.class.Desc(), Fields: slices.Clone(a.fields)}
}

func containsAttr(attrs []*attrSet, a *attrSet) bool {
	return slices.ContainsFunc(attrs, a.equal)
}

// dedupeAttrs 去掉重复属性集，保留首次出现的顺序
func dedupeAttrs(attrs []*attrSet) []*attrSet {
	out := make([]*attrSet, 0, len(attrs))
	for _, a := range attrs {
		if !containsAttr(out, a) {
			out = append(out, a)
		}
	}
	return out
}
