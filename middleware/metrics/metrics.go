// Package metrics provides Prometheus metrics integration for newton.
//
// Basic usage:
//
//	m := metrics.New(metrics.WithMetricsServiceName("orders"))
//	prometheus.MustRegister(m.Collectors()...)
//
//	executor := newton.NewCommandExecutor(newton.WithExecutorMiddleware(m.CommandMiddleware()))
//	client := m.WrapClient(postgresClient)
//	defer m.ObserveLifecycle(orchestrator.Lifecycle())()
//
// The metrics collected include:
//   - Command execution counts and durations
//   - Transport operations (load, append, publish, subscribe) and delivered events
//   - Saga starts, completions and the number of running sagas
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AshkanYarmoradi/go-newton"
	"github.com/AshkanYarmoradi/go-newton/adapters"
)

// Default metric labels.
const (
	LabelCommandType = "command_type"
	LabelEventType   = "event_type"
	LabelSagaType    = "saga_type"
	LabelStream      = "stream"
	LabelOperation   = "operation"
	LabelStatus      = "status"
	LabelErrorType   = "error_type"
	LabelService     = "service"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation values.
const (
	OperationLoad      = "load"
	OperationAppend    = "append"
	OperationPublish   = "publish"
	OperationSubscribe = "subscribe"
)

// Metrics holds all Prometheus metrics for newton.
type Metrics struct {
	namespace   string
	subsystem   string
	serviceName string

	commandsTotal    *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	commandsInFlight *prometheus.GaugeVec

	transportOperationsTotal   *prometheus.CounterVec
	transportOperationDuration *prometheus.HistogramVec
	eventsAppendedTotal        *prometheus.CounterVec
	eventsPublishedTotal       *prometheus.CounterVec
	eventsLoadedTotal          *prometheus.CounterVec
	eventsDeliveredTotal       *prometheus.CounterVec

	sagasStartedTotal   *prometheus.CounterVec
	sagasCompletedTotal *prometheus.CounterVec
	sagasActive         *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec
}

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithNamespace sets the Prometheus namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(m *Metrics) {
		m.namespace = namespace
	}
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(m *Metrics) {
		m.subsystem = subsystem
	}
}

// WithMetricsServiceName sets the service name label.
func WithMetricsServiceName(name string) MetricsOption {
	return func(m *Metrics) {
		m.serviceName = name
	}
}

// New creates a new Metrics instance with default settings.
func New(opts ...MetricsOption) *Metrics {
	m := &Metrics{
		namespace:   "newton",
		serviceName: "unknown",
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initMetrics()
	return m
}

func (m *Metrics) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) histogram(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) initMetrics() {
	m.commandsTotal = m.counter("commands_total", "Total number of commands executed.", LabelCommandType, LabelStatus)
	m.commandDuration = m.histogram("command_duration_seconds", "Duration of command execution in seconds.", LabelCommandType)
	m.commandsInFlight = m.gauge("commands_in_flight", "Number of commands currently executing.", LabelCommandType)

	m.transportOperationsTotal = m.counter("transport_operations_total", "Total number of event transport operations.", LabelOperation, LabelStatus)
	m.transportOperationDuration = m.histogram("transport_operation_duration_seconds", "Duration of event transport operations in seconds.", LabelOperation)
	m.eventsAppendedTotal = m.counter("events_appended_total", "Total number of events appended to private streams.", LabelEventType)
	m.eventsPublishedTotal = m.counter("events_published_total", "Total number of events published on broadcast streams.", LabelStream, LabelEventType)
	m.eventsLoadedTotal = m.counter("events_loaded_total", "Total number of events loaded from stream history.")
	m.eventsDeliveredTotal = m.counter("events_delivered_total", "Total number of events delivered to subscriptions.", LabelStream)

	m.sagasStartedTotal = m.counter("sagas_started_total", "Total number of sagas started.", LabelSagaType)
	m.sagasCompletedTotal = m.counter("sagas_completed_total", "Total number of sagas completed.", LabelSagaType)
	m.sagasActive = m.gauge("sagas_active", "Number of sagas started and not yet completed.", LabelSagaType)

	m.errorsTotal = m.counter("errors_total", "Total number of errors by type.", LabelErrorType)
}

// Collectors returns all Prometheus collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.commandsTotal,
		m.commandDuration,
		m.commandsInFlight,
		m.transportOperationsTotal,
		m.transportOperationDuration,
		m.eventsAppendedTotal,
		m.eventsPublishedTotal,
		m.eventsLoadedTotal,
		m.eventsDeliveredTotal,
		m.sagasStartedTotal,
		m.sagasCompletedTotal,
		m.sagasActive,
		m.errorsTotal,
	}
}

// MustRegister registers all collectors with the default registry.
// Panics if registration fails.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// CommandMiddleware returns executor middleware that records command metrics.
// A command that fails or panics counts as an error.
func (m *Metrics) CommandMiddleware() newton.Middleware {
	return func(next newton.DispatchFunc) newton.DispatchFunc {
		return func(ctx context.Context, commandType string, cmd newton.Command) ([]newton.Event, error) {
			m.commandsInFlight.WithLabelValues(m.serviceName, commandType).Inc()
			defer m.commandsInFlight.WithLabelValues(m.serviceName, commandType).Dec()

			start := time.Now()
			events, err := next(ctx, commandType, cmd)
			m.commandDuration.WithLabelValues(m.serviceName, commandType).Observe(time.Since(start).Seconds())

			status := StatusSuccess
			if err != nil {
				status = StatusError
				m.RecordError(errorTypeName(err))
			}
			m.commandsTotal.WithLabelValues(m.serviceName, commandType, status).Inc()

			return events, err
		}
	}
}

// errorTypeName maps an error to a low-cardinality label value.
func errorTypeName(err error) string {
	var panicErr *newton.PanicError
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &panicErr):
		return "command_panicked"
	case errors.Is(err, newton.ErrOptimisticLock):
		return "optimistic_lock"
	case errors.Is(err, newton.ErrAggregateNotFound):
		return "aggregate_not_found"
	case errors.Is(err, newton.ErrBroadcastFailed):
		return "broadcast_failed"
	case errors.Is(err, newton.ErrConfiguration):
		return "configuration"
	case errors.Is(err, newton.ErrSagaNotFound):
		return "saga_not_found"
	case errors.Is(err, adapters.ErrStreamNotFound):
		return "stream_not_found"
	case errors.Is(err, adapters.ErrAdapterClosed):
		return "adapter_closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}

// RecordError records a custom error.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.WithLabelValues(m.serviceName, errorType).Inc()
}

// ObserveLifecycle counts saga starts and completions posted on ch.
// The returned function stops observing.
func (m *Metrics) ObserveLifecycle(ch *newton.SagaLifecycleChannel) (unsubscribe func()) {
	return ch.Subscribe(func(e newton.SagaLifecycleEvent) {
		switch e.Kind {
		case newton.SagaStarted:
			m.sagasStartedTotal.WithLabelValues(m.serviceName, e.SagaType).Inc()
			m.sagasActive.WithLabelValues(m.serviceName, e.SagaType).Inc()
		case newton.SagaEnded:
			m.sagasCompletedTotal.WithLabelValues(m.serviceName, e.SagaType).Inc()
			m.sagasActive.WithLabelValues(m.serviceName, e.SagaType).Dec()
		}
	})
}

// ClientMiddleware wraps an EventStreamClient with metrics.
type ClientMiddleware struct {
	client  adapters.EventStreamClient
	metrics *Metrics
}

// WrapClient wraps a client with metrics collection.
func (m *Metrics) WrapClient(client adapters.EventStreamClient) *ClientMiddleware {
	return &ClientMiddleware{client: client, metrics: m}
}

func (cm *ClientMiddleware) observe(operation string, start time.Time, err error) {
	m := cm.metrics
	m.transportOperationDuration.WithLabelValues(m.serviceName, operation).Observe(time.Since(start).Seconds())

	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.RecordError(operation + "_error")
	}
	m.transportOperationsTotal.WithLabelValues(m.serviceName, operation, status).Inc()
}

// LoadHistory loads a stream with metrics.
func (cm *ClientMiddleware) LoadHistory(ctx context.Context, streamID string) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := cm.client.LoadHistory(ctx, streamID)
	cm.observe(OperationLoad, start, err)

	if err == nil {
		cm.metrics.eventsLoadedTotal.WithLabelValues(cm.metrics.serviceName).Add(float64(len(events)))
	}
	return events, err
}

// Append stores events with metrics.
func (cm *ClientMiddleware) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	stored, err := cm.client.Append(ctx, streamID, events, expectedVersion)
	cm.observe(OperationAppend, start, err)

	if err == nil {
		for _, e := range events {
			cm.metrics.eventsAppendedTotal.WithLabelValues(cm.metrics.serviceName, e.Type).Inc()
		}
	}
	return stored, err
}

// Publish broadcasts events with metrics.
func (cm *ClientMiddleware) Publish(ctx context.Context, streamName string, events []adapters.EventRecord) error {
	start := time.Now()
	err := cm.client.Publish(ctx, streamName, events)
	cm.observe(OperationPublish, start, err)

	if err == nil {
		for _, e := range events {
			cm.metrics.eventsPublishedTotal.WithLabelValues(cm.metrics.serviceName, streamName, e.Type).Inc()
		}
	}
	return err
}

// Subscribe subscribes with metrics. Each delivered event is counted.
func (cm *ClientMiddleware) Subscribe(ctx context.Context, streamName string, mode adapters.ReplayMode, handler adapters.EventHandler) (adapters.Subscription, error) {
	delivered := cm.metrics.eventsDeliveredTotal.WithLabelValues(cm.metrics.serviceName, streamName)

	start := time.Now()
	sub, err := cm.client.Subscribe(ctx, streamName, mode, func(e adapters.StoredEvent) {
		delivered.Inc()
		handler(e)
	})
	cm.observe(OperationSubscribe, start, err)
	return sub, err
}

// Close closes the wrapped client.
func (cm *ClientMiddleware) Close() error {
	return cm.client.Close()
}

// Unwrap returns the wrapped client.
func (cm *ClientMiddleware) Unwrap() adapters.EventStreamClient {
	return cm.client
}

var _ adapters.EventStreamClient = (*ClientMiddleware)(nil)

// CommandsTotal returns the commands counter.
func (m *Metrics) CommandsTotal() *prometheus.CounterVec {
	return m.commandsTotal
}

// CommandDuration returns the command duration histogram.
func (m *Metrics) CommandDuration() *prometheus.HistogramVec {
	return m.commandDuration
}

// CommandsInFlight returns the in-flight commands gauge.
func (m *Metrics) CommandsInFlight() *prometheus.GaugeVec {
	return m.commandsInFlight
}

// TransportOperationsTotal returns the transport operations counter.
func (m *Metrics) TransportOperationsTotal() *prometheus.CounterVec {
	return m.transportOperationsTotal
}

// EventsAppendedTotal returns the events appended counter.
func (m *Metrics) EventsAppendedTotal() *prometheus.CounterVec {
	return m.eventsAppendedTotal
}

// EventsPublishedTotal returns the events published counter.
func (m *Metrics) EventsPublishedTotal() *prometheus.CounterVec {
	return m.eventsPublishedTotal
}

// EventsLoadedTotal returns the events loaded counter.
func (m *Metrics) EventsLoadedTotal() *prometheus.CounterVec {
	return m.eventsLoadedTotal
}

// EventsDeliveredTotal returns the delivered events counter.
func (m *Metrics) EventsDeliveredTotal() *prometheus.CounterVec {
	return m.eventsDeliveredTotal
}

// SagasStartedTotal returns the saga start counter.
func (m *Metrics) SagasStartedTotal() *prometheus.CounterVec {
	return m.sagasStartedTotal
}

// SagasCompletedTotal returns the saga completion counter.
func (m *Metrics) SagasCompletedTotal() *prometheus.CounterVec {
	return m.sagasCompletedTotal
}

// SagasActive returns the running sagas gauge.
func (m *Metrics) SagasActive() *prometheus.GaugeVec {
	return m.sagasActive
}

// ErrorsTotal returns the errors counter.
func (m *Metrics) ErrorsTotal() *prometheus.CounterVec {
	return m.errorsTotal
}
