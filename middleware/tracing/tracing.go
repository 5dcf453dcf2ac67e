// Package tracing provides OpenTelemetry integration for newton.
//
// Basic usage:
//
//	tp := sdktrace.NewTracerProvider(...)
//	otel.SetTracerProvider(tp)
//
//	tracer := tracing.NewTracer()
//	executor := newton.NewCommandExecutor(newton.WithExecutorMiddleware(tracing.CommandMiddleware(tracer)))
//	client := tracing.WrapClient(postgresClient, tracer)
//
// Command spans carry the command type and the correlation and causation ids
// found in the context. Transport spans carry the stream and event types.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AshkanYarmoradi/go-newton"
	"github.com/AshkanYarmoradi/go-newton/adapters"
)

const (
	// TracerName is the name of the newton tracer.
	TracerName = "github.com/AshkanYarmoradi/go-newton"

	// DefaultServiceName is the default service name for spans.
	DefaultServiceName = "newton"
)

// Attribute keys.
const (
	AttrService       = attribute.Key("newton.service")
	AttrCommandType   = attribute.Key("newton.command.type")
	AttrCorrelationID = attribute.Key("newton.correlation_id")
	AttrCausationID   = attribute.Key("newton.causation_id")
	AttrEventsCount   = attribute.Key("newton.events.count")
	AttrEventTypes    = attribute.Key("newton.events.types")
	AttrEventType     = attribute.Key("newton.event.type")
	AttrEventID       = attribute.Key("newton.event.id")
	AttrStream        = attribute.Key("newton.stream")
	AttrVersion       = attribute.Key("newton.version")
	AttrReplayMode    = attribute.Key("newton.replay_mode")
)

// Tracer wraps an OpenTelemetry tracer for newton operations.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service name for spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a new Tracer with the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	span.SetAttributes(AttrService.String(t.serviceName))
	return ctx, span
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// CommandMiddleware creates executor middleware that traces command execution.
func CommandMiddleware(tracer *Tracer) newton.Middleware {
	return func(next newton.DispatchFunc) newton.DispatchFunc {
		return func(ctx context.Context, commandType string, cmd newton.Command) ([]newton.Event, error) {
			ctx, span := tracer.StartSpan(ctx, fmt.Sprintf("command.%s", commandType),
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()

			span.SetAttributes(AttrCommandType.String(commandType))
			if id := newton.CorrelationIDFromContext(ctx); id != "" {
				span.SetAttributes(AttrCorrelationID.String(id))
			}
			if id := newton.CausationIDFromContext(ctx); id != "" {
				span.SetAttributes(AttrCausationID.String(id))
			}

			events, err := next(ctx, commandType, cmd)

			if err == nil {
				types := make([]string, len(events))
				for i, e := range events {
					types[i] = e.EventType()
				}
				span.SetAttributes(AttrEventsCount.Int(len(events)), AttrEventTypes.StringSlice(types))
			}
			finish(span, err)

			return events, err
		}
	}
}

// ClientMiddleware wraps an EventStreamClient with tracing.
type ClientMiddleware struct {
	client adapters.EventStreamClient
	tracer *Tracer
}

// WrapClient wraps a client with tracing.
func WrapClient(client adapters.EventStreamClient, tracer *Tracer) *ClientMiddleware {
	return &ClientMiddleware{client: client, tracer: tracer}
}

func recordTypes(span trace.Span, events []adapters.EventRecord) {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	span.SetAttributes(AttrEventsCount.Int(len(events)), AttrEventTypes.StringSlice(types))
}

// LoadHistory loads a stream with tracing.
func (m *ClientMiddleware) LoadHistory(ctx context.Context, streamID string) ([]adapters.StoredEvent, error) {
	ctx, span := m.tracer.StartSpan(ctx, "stream.load",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrStream.String(streamID)),
	)
	defer span.End()

	events, err := m.client.LoadHistory(ctx, streamID)
	if err == nil {
		span.SetAttributes(AttrEventsCount.Int(len(events)))
	}
	finish(span, err)
	return events, err
}

// Append stores events with tracing.
func (m *ClientMiddleware) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	ctx, span := m.tracer.StartSpan(ctx, "stream.append",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrStream.String(streamID),
			attribute.Int64("newton.expected_version", expectedVersion),
		),
	)
	defer span.End()
	recordTypes(span, events)

	stored, err := m.client.Append(ctx, streamID, events, expectedVersion)
	if err == nil && len(stored) > 0 {
		span.SetAttributes(AttrVersion.Int64(stored[len(stored)-1].Version))
	}
	finish(span, err)
	return stored, err
}

// Publish broadcasts events with tracing.
func (m *ClientMiddleware) Publish(ctx context.Context, streamName string, events []adapters.EventRecord) error {
	ctx, span := m.tracer.StartSpan(ctx, "stream.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(AttrStream.String(streamName)),
	)
	defer span.End()
	recordTypes(span, events)

	err := m.client.Publish(ctx, streamName, events)
	finish(span, err)
	return err
}

// Subscribe subscribes with tracing. Every delivery runs inside a consumer
// span that is a child of the subscribe span's context.
func (m *ClientMiddleware) Subscribe(ctx context.Context, streamName string, mode adapters.ReplayMode, handler adapters.EventHandler) (adapters.Subscription, error) {
	subCtx, span := m.tracer.StartSpan(ctx, "stream.subscribe",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrStream.String(streamName),
			AttrReplayMode.String(mode.String()),
		),
	)
	defer span.End()

	link := trace.LinkFromContext(subCtx)
	sub, err := m.client.Subscribe(ctx, streamName, mode, func(e adapters.StoredEvent) {
		_, deliver := m.tracer.StartSpan(context.Background(), "stream.deliver",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithLinks(link),
			trace.WithAttributes(
				AttrStream.String(streamName),
				AttrEventType.String(e.Type),
				AttrEventID.String(e.ID),
				AttrVersion.Int64(e.Version),
			),
		)
		if e.Metadata.CorrelationID != "" {
			deliver.SetAttributes(AttrCorrelationID.String(e.Metadata.CorrelationID))
		}
		defer deliver.End()
		handler(e)
	})
	finish(span, err)
	return sub, err
}

// Close closes the wrapped client.
func (m *ClientMiddleware) Close() error {
	return m.client.Close()
}

// Unwrap returns the wrapped client.
func (m *ClientMiddleware) Unwrap() adapters.EventStreamClient {
	return m.client
}

var _ adapters.EventStreamClient = (*ClientMiddleware)(nil)

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, opts ...trace.EventOption) {
	trace.SpanFromContext(ctx).AddEvent(name, opts...)
}

// SetError sets an error on the current span.
func SetError(ctx context.Context, err error) {
	finish(trace.SpanFromContext(ctx), err)
}
