package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"taskboard/messaging"
)

func TestTracingMiddleware_PropagatesAcrossBus(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	mw := NewTracingMiddleware(provider.Tracer("test"))

	var published messaging.IMessage
	ctx := WithCorrelation(context.Background(), "corr-1", "")
	msg := messaging.NewMessage("m1", "integration.board", "board-1", []byte(`{}`))

	err := mw.Handle(ctx, msg, func(ctx context.Context, m messaging.IMessage) error {
		published = m
		return nil
	})
	require.NoError(t, err)

	md := published.GetMetadata()
	assert.Equal(t, "corr-1", md[KeyCorrelationID])
	assert.Equal(t, "m1", md[KeyCausationID])
	assert.NotEmpty(t, md["traceparent"])

	var consumedTrace trace.TraceID
	var consumedCorr string
	handler := mw.WrapHandler(messaging.NewHandler("projection", func(ctx context.Context, m messaging.IMessage) error {
		consumedTrace = trace.SpanContextFromContext(ctx).TraceID()
		consumedCorr, _ = CorrelationFromContext(ctx)
		return nil
	}))
	require.NoError(t, handler.Handle(context.Background(), published))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, trace.SpanKindProducer, spans[0].SpanKind())
	assert.Equal(t, trace.SpanKindConsumer, spans[1].SpanKind())
	assert.Equal(t, spans[0].SpanContext().TraceID(), consumedTrace)
	assert.Equal(t, "corr-1", consumedCorr)
}
