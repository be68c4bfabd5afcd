package metrics

import "strconv"

// Label 指标标签
//
// 标签值应当低基数：操作名、结果、路由模板可以，服务 ID、租约 ID 不行。
type Label struct {
	Key   string
	Value string
}

// L 便捷构造函数
func L(key, value string) Label {
	return Label{Key: key, Value: value}
}

// 常见的标签
const (
	LabelService     = "service"
	LabelOperation   = "operation"
	LabelMethod      = "method"
	LabelRoute       = "route"
	LabelStatusClass = "status_class"
	LabelOutcome     = "outcome"
	LabelKind        = "kind"
	LabelReason      = "reason"
	LabelCode        = "code"
)

const OperationHTTPServer = "http.server"

// 常见的结果
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeDropped = "dropped"
)

// UnknownRoute 未命中路由时的统一标签值
const UnknownRoute = "unknown"

// HTTPStatusClass 返回 HTTP 状态类标签值：1xx/2xx/3xx/4xx/5xx/unknown
func HTTPStatusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// HTTPOutcome 将 HTTP 状态码映射到结果
func HTTPOutcome(status int) string {
	if status >= 200 && status < 400 {
		return OutcomeSuccess
	}
	return OutcomeError
}

// Outcome 根据 err 返回 success / error
func Outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}
