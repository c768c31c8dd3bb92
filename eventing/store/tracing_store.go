package store

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskboard/eventing"
	"taskboard/messaging/middleware"
)

// TracingEventStore 带追踪的事件存储装饰器
//
// 追加时把 Context 中的 correlation_id / causation_id 写入事件 Metadata，
// 并为每次读写创建 span。
//
// 使用示例：
//
//	s := store.NewTracingEventStore(store.NewMemoryEventStore(), nil)
//	ctx = middleware.WithCorrelation(ctx, "cor-123", "cmd-456")
//	_, err := s.AppendEvents(ctx, key, 0, events)
type TracingEventStore struct {
	inner  IEventStore
	tracer trace.Tracer
}

// NewTracingEventStore 创建追踪装饰器，tracer 为 nil 时使用全局 TracerProvider
func NewTracingEventStore(inner IEventStore, tracer trace.Tracer) *TracingEventStore {
	if tracer == nil {
		tracer = otel.Tracer("taskboard/eventing/store")
	}
	return &TracingEventStore{inner: inner, tracer: tracer}
}

func (s *TracingEventStore) Unwrap() IEventStore { return s.inner }

func (s *TracingEventStore) AppendEvents(ctx context.Context, key StreamKey, expectedVersion uint64, events []eventing.Event) (uint64, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.append", trace.WithAttributes(
		attribute.String("aggregate.type", key.AggregateType),
		attribute.String("aggregate.id", key.AggregateID),
		attribute.Int64("expected_version", int64(expectedVersion)),
		attribute.Int("events", len(events)),
	))
	defer span.End()

	version, err := s.inner.AppendEvents(ctx, key, expectedVersion, StampCorrelation(ctx, events))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return version, err
	}
	span.SetAttributes(attribute.Int64("stream_version", int64(version)))
	return version, nil
}

// StampCorrelation 将 Context 中的 correlation_id/causation_id 写入事件元数据
//
// 返回副本；已带有相同键的事件被覆盖。Context 中没有链路标识时原样返回。
func StampCorrelation(ctx context.Context, events []eventing.Event) []eventing.Event {
	correlationID, causationID := middleware.CorrelationFromContext(ctx)
	if correlationID == "" && causationID == "" {
		return events
	}
	stamped := make([]eventing.Event, len(events))
	for i, evt := range events {
		evt = evt.Clone()
		if evt.Metadata == nil {
			evt.Metadata = make(map[string]any)
		}
		if correlationID != "" {
			evt.Metadata[middleware.KeyCorrelationID] = correlationID
		}
		if causationID != "" {
			evt.Metadata[middleware.KeyCausationID] = causationID
		}
		stamped[i] = evt
	}
	return stamped
}

func (s *TracingEventStore) ReadStream(ctx context.Context, key StreamKey) ([]eventing.Event, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.read", trace.WithAttributes(
		attribute.String("aggregate.type", key.AggregateType),
		attribute.String("aggregate.id", key.AggregateID),
	))
	defer span.End()

	events, err := s.inner.ReadStream(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("events", len(events)))
	return events, nil
}

func (s *TracingEventStore) LoadEvents(ctx context.Context, key StreamKey, afterVersion uint64) ([]eventing.Event, error) {
	return LoadEvents(ctx, s.inner, key, afterVersion)
}

func (s *TracingEventStore) GetStreamVersion(ctx context.Context, key StreamKey) (uint64, error) {
	return GetStreamVersion(ctx, s.inner, key)
}

var (
	_ IEventStore      = (*TracingEventStore)(nil)
	_ IStreamLoader    = (*TracingEventStore)(nil)
	_ IStreamInspector = (*TracingEventStore)(nil)
	_ IUnwrapper       = (*TracingEventStore)(nil)
)
