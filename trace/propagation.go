package trace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// 事件投递 Span 属性
const (
	AttrMessagingSystem      = "messaging.system"
	AttrMessagingDestination = "messaging.destination"
	AttrEventID              = "lookupd.event.id"
	AttrEventSeq             = "lookupd.event.seq"
)

const tracerName = "github.com/ceyewan/lookupd"

// install 设置全局 Provider 和 W3C TraceContext + Baggage 传播器
func install(tp *sdktrace.TracerProvider) {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// Inject 将 ctx 中的链路信息写入 headers
func Inject(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

// Extract 从 headers 恢复链路信息
func Extract(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// DeliveryMeta 描述一次远程事件投递
type DeliveryMeta struct {
	System      string // http | nats
	Destination string // URL 或 subject
	EventID     int64
	SeqNo       int64
}

// StartDeliverySpan 启动事件投递的 Producer Span，返回需要随消息发出的 headers
func StartDeliverySpan(ctx context.Context, meta DeliveryMeta) (context.Context, oteltrace.Span, map[string]string) {
	if ctx == nil {
		ctx = context.Background()
	}
	name := "lookupd.deliver"
	if meta.System != "" {
		name += " " + meta.System
	}

	spanCtx, span := otel.Tracer(tracerName).Start(ctx, name, oteltrace.WithSpanKind(oteltrace.SpanKindProducer))
	span.SetAttributes(
		attribute.String(AttrMessagingSystem, meta.System),
		attribute.String(AttrMessagingDestination, meta.Destination),
		attribute.Int64(AttrEventID, meta.EventID),
		attribute.Int64(AttrEventSeq, meta.SeqNo),
	)

	headers := map[string]string{}
	Inject(spanCtx, headers)
	return spanCtx, span, headers
}

// MarkSpanError err 不为 nil 时记录并将 Span 标记为错误
func MarkSpanError(span oteltrace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
