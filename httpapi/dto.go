package httpapi

import (
	"encoding/json"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ceyewan/lookupd/registry"
	"github.com/ceyewan/lookupd/xerrors"
)

// 租约时长以毫秒表示，-1 与 0 都表示当前允许的最长租约

type registerRequest struct {
	Item       *registry.ServiceItem `json:"item"`
	DurationMS int64                 `json:"duration_ms"`
}

type templateRequest struct {
	Template *registry.Template `json:"template"`
}

type lookupManyRequest struct {
	Template   *registry.Template `json:"template"`
	MaxMatches int                `json:"max_matches"`
}

type attributesRequest struct {
	LeaseID    registry.LeaseID  `json:"lease_id"`
	Attributes []*registry.Entry `json:"attributes"`
}

type modifyRequest struct {
	LeaseID   registry.LeaseID  `json:"lease_id"`
	Templates []*registry.Entry `json:"templates"`
	Changes   []*registry.Entry `json:"changes"`
}

type renewRequest struct {
	LeaseID    registry.LeaseID `json:"lease_id"`
	DurationMS int64            `json:"duration_ms"`
}

type renewResponse struct {
	GrantedMS int64 `json:"granted_ms"`
}

type cancelRequest struct {
	LeaseID registry.LeaseID `json:"lease_id"`
}

type typesRequest struct {
	Template *registry.Template `json:"template"`
	Prefix   string             `json:"prefix"`
}

type valuesRequest struct {
	Template   *registry.Template `json:"template"`
	SetIndex   int                `json:"set_index"`
	FieldIndex int                `json:"field_index"`
}

type notifyRequest struct {
	Template    *registry.Template  `json:"template"`
	Transitions registry.Transition `json:"transitions"`
	Listener    string              `json:"listener"`
	Handback    []byte              `json:"handback,omitempty"`
	DurationMS  int64               `json:"duration_ms"`
}

type renewLeasesRequest struct {
	Keys        []registry.LeaseKey `json:"keys"`
	DurationsMS []int64             `json:"durations_ms"`
}

type leaseResult struct {
	GrantedMS int64      `json:"granted_ms,omitempty"`
	Error     *errorBody `json:"error,omitempty"`
}

type leaseKeysRequest struct {
	Keys []registry.LeaseKey `json:"keys"`
}

type groupsRequest struct {
	Groups []string `json:"groups"`
}

type locatorsRequest struct {
	Locators []string `json:"locators"`
}

type portRequest struct {
	Port int `json:"port"`
}

// leaseParamsRequest 只修改非零字段
type leaseParamsRequest struct {
	MinMaxServiceLeaseMS int64 `json:"min_max_service_lease_ms"`
	MinMaxEventLeaseMS   int64 `json:"min_max_event_lease_ms"`
	MinRenewalIntervalMS int64 `json:"min_renewal_interval_ms"`
}

// snapshotParamsRequest 只修改非空字段
type snapshotParamsRequest struct {
	Weight    *float64 `json:"weight"`
	Threshold *int     `json:"threshold"`
}

type storageRequest struct {
	Dir string `json:"dir"`
}

type adminState struct {
	Identity             identityView `json:"identity"`
	Stats                statsView    `json:"stats"`
	LookupGroups         []string     `json:"lookup_groups"`
	LookupLocators       []string     `json:"lookup_locators"`
	MinMaxServiceLeaseMS int64        `json:"min_max_service_lease_ms"`
	MinMaxEventLeaseMS   int64        `json:"min_max_event_lease_ms"`
	MinRenewalIntervalMS int64        `json:"min_renewal_interval_ms"`
	SnapshotWeight       float64      `json:"snapshot_weight"`
	SnapshotThreshold    int          `json:"snapshot_threshold"`
	StorageLocation      string       `json:"storage_location"`
}

type identityView struct {
	ServiceID    registry.ServiceID `json:"service_id"`
	MemberGroups []string           `json:"member_groups"`
	UnicastPort  int                `json:"unicast_port"`
}

type statsView struct {
	Services          int   `json:"services"`
	Events            int   `json:"events"`
	Types             int   `json:"types"`
	Classes           int   `json:"classes"`
	MaxServiceLeaseMS int64 `json:"max_service_lease_ms"`
	MaxEventLeaseMS   int64 `json:"max_event_lease_ms"`
	LogRecords        int   `json:"log_records"`
}

// fromMS 超出 time.Duration 范围的毫秒数饱和为最大值，由 registry 截断到当前上限
func fromMS(ms int64) time.Duration {
	switch {
	case ms == -1:
		return registry.LeaseAny
	case ms > math.MaxInt64/int64(time.Millisecond):
		return time.Duration(math.MaxInt64)
	case ms < math.MinInt64/int64(time.Millisecond):
		return time.Duration(math.MinInt64)
	}
	return time.Duration(ms) * time.Millisecond
}

func toMS(d time.Duration) int64 {
	return d.Milliseconds()
}

// bind 解码请求体，数字保留为 json.Number；空请求体视为零值
func bind(c *gin.Context, v any) error {
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil && !xerrors.Is(err, io.EOF) {
		return xerrors.Wrapf(ErrBadRequest, "decode body: %v", err)
	}
	return nil
}

func serviceIDParam(c *gin.Context) (registry.ServiceID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return registry.ServiceID{}, xerrors.Wrapf(ErrBadRequest, "service id %q", c.Param("id"))
	}
	return id, nil
}

func eventIDParam(c *gin.Context) (registry.EventID, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, xerrors.Wrapf(ErrBadRequest, "event id %q", c.Param("id"))
	}
	return id, nil
}
