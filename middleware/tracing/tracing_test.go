package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/AshkanYarmoradi/go-newton"
	"github.com/AshkanYarmoradi/go-newton/adapters"
	"github.com/AshkanYarmoradi/go-newton/adapters/memory"
)

type pinged struct{}

func (pinged) EventType() string { return "Pinged" }

func setupTestTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})

	return NewTracer(WithTracerProvider(tp), WithServiceName("orders")), exporter
}

func attrs(span tracetest.SpanStub) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(span.Attributes))
	for _, kv := range span.Attributes {
		out[kv.Key] = kv.Value
	}
	return out
}

func spanNamed(t *testing.T, exporter *tracetest.InMemoryExporter, name string) tracetest.SpanStub {
	t.Helper()
	for _, s := range exporter.GetSpans() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no span named %q", name)
	return tracetest.SpanStub{}
}

func TestNewTracer(t *testing.T) {
	tracer := NewTracer()
	assert.Equal(t, DefaultServiceName, tracer.ServiceName())

	tracer = NewTracer(WithServiceName("custom-service"))
	assert.Equal(t, "custom-service", tracer.ServiceName())
}

func TestTracer_StartSpan(t *testing.T) {
	tracer, exporter := setupTestTracer(t)

	_, span := tracer.StartSpan(context.Background(), "test-span")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "test-span", spans[0].Name)
	assert.Equal(t, "orders", attrs(spans[0])[AttrService].AsString())
}

func TestCommandMiddleware(t *testing.T) {
	tracer, exporter := setupTestTracer(t)
	executor := newton.NewCommandExecutor(newton.WithExecutorMiddleware(
		newton.CorrelationIDMiddleware(func() string { return "corr-1" }),
		CommandMiddleware(tracer),
	))
	executor.Register("Ping", func() newton.Command {
		return newton.CommandFunc(func(context.Context) ([]newton.Event, error) {
			return []newton.Event{pinged{}, pinged{}}, nil
		})
	})
	executor.Register("Fail", func() newton.Command {
		return newton.CommandFunc(func(context.Context) ([]newton.Event, error) {
			return nil, errors.New("out of stock")
		})
	})

	t.Run("success", func(t *testing.T) {
		ctx := newton.WithCausationID(context.Background(), "evt-1")
		_, err := executor.Dispatch(ctx, newton.NewCommandIntent("Ping", nil))
		require.NoError(t, err)

		span := spanNamed(t, exporter, "command.Ping")
		a := attrs(span)
		assert.Equal(t, trace.SpanKindInternal, span.SpanKind)
		assert.Equal(t, codes.Ok, span.Status.Code)
		assert.Equal(t, "Ping", a[AttrCommandType].AsString())
		assert.Equal(t, "corr-1", a[AttrCorrelationID].AsString())
		assert.Equal(t, "evt-1", a[AttrCausationID].AsString())
		assert.Equal(t, int64(2), a[AttrEventsCount].AsInt64())
		assert.Equal(t, []string{"Pinged", "Pinged"}, a[AttrEventTypes].AsStringSlice())
	})

	t.Run("failure", func(t *testing.T) {
		result, err := executor.Dispatch(context.Background(), newton.NewCommandIntent("Fail", nil))
		require.NoError(t, err)
		assert.True(t, result.IsFailure())

		span := spanNamed(t, exporter, "command.Fail")
		assert.Equal(t, codes.Error, span.Status.Code)
		assert.Equal(t, "out of stock", span.Status.Description)
		require.Len(t, span.Events, 1)
		assert.Equal(t, "exception", span.Events[0].Name)
	})
}

func TestClientMiddleware(t *testing.T) {
	tracer, exporter := setupTestTracer(t)
	inner := memory.NewStreamClient()
	client := WrapClient(inner, tracer)
	ctx := context.Background()

	_, err := client.Append(ctx, "aggregate/o-1", []adapters.EventRecord{{Type: "OrderPlaced"}, {Type: "ItemAdded"}}, adapters.NoStream)
	require.NoError(t, err)

	appendSpan := spanNamed(t, exporter, "stream.append")
	a := attrs(appendSpan)
	assert.Equal(t, trace.SpanKindClient, appendSpan.SpanKind)
	assert.Equal(t, "aggregate/o-1", a[AttrStream].AsString())
	assert.Equal(t, int64(2), a[AttrVersion].AsInt64())
	assert.Equal(t, []string{"OrderPlaced", "ItemAdded"}, a[AttrEventTypes].AsStringSlice())

	_, err = client.LoadHistory(ctx, "aggregate/o-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), attrs(spanNamed(t, exporter, "stream.load"))[AttrEventsCount].AsInt64())

	delivered := make(chan struct{}, 1)
	sub, err := client.Subscribe(ctx, "newton/Order", adapters.LiveOnly, func(adapters.StoredEvent) { delivered <- struct{}{} })
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, client.Publish(ctx, "newton/Order", []adapters.EventRecord{
		{Type: "OrderPlaced", Metadata: adapters.Metadata{CorrelationID: "corr-1"}},
	}))
	<-delivered

	publish := spanNamed(t, exporter, "stream.publish")
	assert.Equal(t, trace.SpanKindProducer, publish.SpanKind)

	subscribe := spanNamed(t, exporter, "stream.subscribe")
	assert.Equal(t, "live", attrs(subscribe)[AttrReplayMode].AsString())

	var deliver tracetest.SpanStub
	require.Eventually(t, func() bool {
		for _, s := range exporter.GetSpans() {
			if s.Name == "stream.deliver" {
				deliver = s
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, trace.SpanKindConsumer, deliver.SpanKind)
	assert.Equal(t, "OrderPlaced", attrs(deliver)[AttrEventType].AsString())
	assert.Equal(t, "corr-1", attrs(deliver)[AttrCorrelationID].AsString())
	require.Len(t, deliver.Links, 1)
	assert.Equal(t, subscribe.SpanContext.SpanID(), deliver.Links[0].SpanContext.SpanID())

	t.Run("errors", func(t *testing.T) {
		exporter.Reset()
		_, err := client.Append(ctx, "aggregate/o-1", []adapters.EventRecord{{Type: "OrderPlaced"}}, adapters.NoStream)
		require.Error(t, err)

		span := spanNamed(t, exporter, "stream.append")
		assert.Equal(t, codes.Error, span.Status.Code)
	})

	assert.Same(t, inner, client.Unwrap())
	require.NoError(t, client.Close())
}

func TestSpanHelpers(t *testing.T) {
	tracer, exporter := setupTestTracer(t)

	ctx, span := tracer.StartSpan(context.Background(), "work")
	assert.Equal(t, span, SpanFromContext(ctx))
	AddEvent(ctx, "checkpoint")
	SetError(ctx, errors.New("failed"))
	span.End()

	s := spanNamed(t, exporter, "work")
	assert.Equal(t, codes.Error, s.Status.Code)
	require.Len(t, s.Events, 2)
	assert.Equal(t, "checkpoint", s.Events[0].Name)
}
