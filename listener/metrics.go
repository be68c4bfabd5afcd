package listener

// 指标名称
const (
	MetricDeliveryDuration = "lookupd_listener_delivery_duration_seconds"
)

// LabelSystem 投递通道：http / nats
const LabelSystem = "system"
