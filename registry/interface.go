// Package registry 实现 lookup 服务的核心：带索引的内存服务表、租约与到期清理、
// 变更事件与有序投递、预写日志加快照的崩溃恢复，以及读写许可的并发纪律。
//
// 典型用法：
//
//	reg, err := registry.New(&registry.Config{StorageDir: "/var/lib/lookupd"},
//		registry.WithLogger(logger),
//		registry.WithMeter(meter),
//		registry.WithResolver(resolver),
//	)
//	if err != nil {
//		return err
//	}
//	defer reg.Close()
//
//	r, _ := reg.Register(ctx, &registry.ServiceItem{Type: printer}, registry.LeaseAny)
//	item, _ := reg.Lookup(ctx, &registry.Template{Types: []*catalog.TypeDesc{printer}})
//
// 所有写操作先取得写许可，修改状态后追加一条日志记录；读操作取得读许可。
// 续约使用优先写许可，不会被排队中的普通写操作饿死。
package registry

import (
	"context"
	"time"

	"github.com/ceyewan/lookupd/catalog"
)

// Registry lookup 服务的全部公开操作
type Registry interface {
	// Register 注册服务项。ServiceID 为零值时分配新 ID；
	// 已存在同 ID 的注册时原子地替换，并只做一次事件判定（旧项 -> 新项）。
	Register(ctx context.Context, item *ServiceItem, dur time.Duration) (*Registration, error)

	// Lookup 返回一个匹配项，没有匹配时返回 nil。多个匹配时随机选择。
	Lookup(ctx context.Context, tmpl *Template) (*ServiceItem, error)

	// LookupMany 返回至多 maxMatches 个匹配项以及匹配总数
	LookupMany(ctx context.Context, tmpl *Template, maxMatches int) (*Matches, error)

	AddAttributes(ctx context.Context, id ServiceID, lease LeaseID, attrs []*Entry) error
	ModifyAttributes(ctx context.Context, id ServiceID, lease LeaseID, tmpls, changes []*Entry) error
	SetAttributes(ctx context.Context, id ServiceID, lease LeaseID, attrs []*Entry) error

	// DistinctTypes 匹配项类型层级中名称以 prefix 开头的最具体类型，
	// 排除等于或是模板类型父类型的类型
	DistinctTypes(ctx context.Context, tmpl *Template, prefix string) ([]*catalog.TypeDesc, error)
	// DistinctAttributeClasses 匹配项属性集的类，排除等于或是模板属性类父类的类
	DistinctAttributeClasses(ctx context.Context, tmpl *Template) ([]*catalog.ClassDesc, error)
	// DistinctFieldValues 匹配项中满足第 setIndex 个属性模板的属性集在 fieldIndex 上的非空取值
	DistinctFieldValues(ctx context.Context, tmpl *Template, setIndex, fieldIndex int) ([]any, error)

	RenewServiceLease(ctx context.Context, id ServiceID, lease LeaseID, dur time.Duration) (time.Duration, error)
	CancelServiceLease(ctx context.Context, id ServiceID, lease LeaseID) error

	// Notify 订阅模板的匹配状态迁移，事件发往 listener 引用
	Notify(ctx context.Context, tmpl *Template, transitions Transition, listener string, handback []byte, dur time.Duration) (*EventRegistration, error)
	RenewEventLease(ctx context.Context, id EventID, lease LeaseID, dur time.Duration) (time.Duration, error)
	CancelEventLease(ctx context.Context, id EventID, lease LeaseID) error

	// RenewLeases 批量续约，单个失败不影响其他租约
	RenewLeases(ctx context.Context, keys []LeaseKey, durs []time.Duration) ([]RenewResult, error)
	// CancelLeases 批量取消，返回与 keys 等长的错误数组
	CancelLeases(ctx context.Context, keys []LeaseKey) ([]error, error)

	Admin

	// Destroy 停止所有后台任务并删除持久化目录
	Destroy(ctx context.Context) error
	// Close 停止所有后台任务，保留持久化目录，可重复调用
	Close() error
}

// Admin 管理接口，所有修改都会持久化
type Admin interface {
	Identity() Identity
	Stats() Stats

	MemberGroups() []string
	SetMemberGroups(ctx context.Context, groups []string) error
	AddMemberGroups(ctx context.Context, groups []string) error
	RemoveMemberGroups(ctx context.Context, groups []string) error

	LookupGroups() []string
	SetLookupGroups(ctx context.Context, groups []string) error
	LookupLocators() []string
	SetLookupLocators(ctx context.Context, locators []string) error

	UnicastPort() int
	SetUnicastPort(ctx context.Context, port int) error

	MinMaxServiceLease() time.Duration
	SetMinMaxServiceLease(ctx context.Context, d time.Duration) error
	MinMaxEventLease() time.Duration
	SetMinMaxEventLease(ctx context.Context, d time.Duration) error
	MinRenewalInterval() time.Duration
	SetMinRenewalInterval(ctx context.Context, d time.Duration) error

	SnapshotWeight() float64
	SetSnapshotWeight(ctx context.Context, w float64) error
	SnapshotThreshold() int
	SetSnapshotThreshold(ctx context.Context, n int) error

	StorageLocation() string
	SetStorageLocation(ctx context.Context, dir string) error
}

// Stats 运行时概况
type Stats struct {
	Services        int           `json:"services"`
	Events          int           `json:"events"`
	Types           int           `json:"types"`
	Classes         int           `json:"classes"`
	MaxServiceLease time.Duration `json:"max_service_lease"`
	MaxEventLease   time.Duration `json:"max_event_lease"`
	LogRecords      int           `json:"log_records"`
}

// Listener 事件接收方
type Listener interface {
	// Deliver 投递一个事件。返回包装了 ErrListenerGone 的错误时，对应事件租约被取消。
	Deliver(ctx context.Context, ev *RemoteEvent) error
}

// ListenerResolver 将监听者引用解析为 Listener
type ListenerResolver interface {
	Resolve(ref string) (Listener, error)
}
