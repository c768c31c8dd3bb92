// Package middleware 提供消息总线中间件
package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"taskboard/messaging"
)

// 在 Metadata 与 Context 中传播的字段名
const (
	KeyCorrelationID = "correlation_id"
	KeyCausationID   = "causation_id"
)

type correlationKey struct{}
type causationKey struct{}

// WithCorrelation 将链路标识放入 Context，后续追加的事件与发布的消息沿用
func WithCorrelation(ctx context.Context, correlationID, causationID string) context.Context {
	if correlationID != "" {
		ctx = context.WithValue(ctx, correlationKey{}, correlationID)
	}
	if causationID != "" {
		ctx = context.WithValue(ctx, causationKey{}, causationID)
	}
	return ctx
}

// CorrelationFromContext 读取链路标识
func CorrelationFromContext(ctx context.Context) (correlationID, causationID string) {
	correlationID, _ = ctx.Value(correlationKey{}).(string)
	causationID, _ = ctx.Value(causationKey{}).(string)
	return correlationID, causationID
}

// metadataCarrier 适配 propagation.TextMapCarrier
type metadataCarrier map[string]any

func (c metadataCarrier) Get(key string) string {
	if v, ok := c[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

func (c metadataCarrier) Set(key, value string) { c[key] = value }

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// TracingMiddleware 为发布的消息开启 producer span，
// 并把 W3C trace context 与 correlation_id/causation_id 写入消息元数据
//
// correlation_id 缺失时优先继承 Context，仍缺失则使用消息ID兜底。
type TracingMiddleware struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewTracingMiddleware 创建中间件；tracer 为 nil 时使用全局 TracerProvider
func NewTracingMiddleware(tracer trace.Tracer) *TracingMiddleware {
	if tracer == nil {
		tracer = otel.Tracer("taskboard/messaging")
	}
	return &TracingMiddleware{tracer: tracer, propagator: propagation.TraceContext{}}
}

func (m *TracingMiddleware) Name() string { return "Tracing" }

func (m *TracingMiddleware) Handle(ctx context.Context, message messaging.IMessage, next messaging.HandlerFunc) error {
	if message == nil {
		return next(ctx, message)
	}
	ctx, span := m.tracer.Start(ctx, "publish "+message.GetType(),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", message.GetType()),
			attribute.String("messaging.message.id", message.GetID()),
		))
	defer span.End()

	md := message.GetMetadata()
	ctxCorr, ctxCaus := CorrelationFromContext(ctx)
	if s, _ := md[KeyCorrelationID].(string); s == "" {
		md[KeyCorrelationID] = firstNonEmpty(ctxCorr, message.GetID())
	}
	if s, _ := md[KeyCausationID].(string); s == "" {
		md[KeyCausationID] = firstNonEmpty(ctxCaus, message.GetID())
	}
	m.propagator.Inject(ctx, metadataCarrier(md))

	if err := next(ctx, message); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// WrapHandler 在消费端从元数据恢复 trace context 与链路标识，并开启 consumer span
func (m *TracingMiddleware) WrapHandler(handler messaging.IMessageHandler) messaging.IMessageHandler {
	return messaging.NewHandler(handler.Type(), func(ctx context.Context, message messaging.IMessage) error {
		md := message.GetMetadata()
		ctx = m.propagator.Extract(ctx, metadataCarrier(md))
		corr, _ := md[KeyCorrelationID].(string)
		ctx = WithCorrelation(ctx, corr, message.GetID())

		ctx, span := m.tracer.Start(ctx, "process "+message.GetType(),
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.message.id", message.GetID()),
				attribute.Int("messaging.delivery.attempt", messaging.DeliveryAttempt(ctx)),
			))
		defer span.End()

		if err := handler.Handle(ctx, message); err != nil {
			span.RecordError(err)
			return err
		}
		return nil
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
