package ratelimit

// MetricDecisionsTotal 限流判定次数 (Counter)
const MetricDecisionsTotal = "lookupd_ratelimit_decisions_total"

// 标签
const (
	LabelScope  = "scope"
	LabelResult = "result"

	ResultAllowed = "allowed"
	ResultDenied  = "denied"
)
