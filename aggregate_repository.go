package newton

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/AshkanYarmoradi/go-newton/adapters"
)

// DefaultBoundedContext names the broadcast namespace when none is configured.
const DefaultBoundedContext = "newton"

// AggregateStreamID returns the private stream that holds an aggregate's history.
func AggregateStreamID(id AggregateRootID) string {
	return "aggregate/" + id.String()
}

// BroadcastStreamName returns the stream on which aggregates of a type publish.
func BroadcastStreamName(boundedContext, aggregateType string) string {
	return boundedContext + "/" + aggregateType
}

type repositoryConfig struct {
	boundedContext string
	codec          Codec
	logger         Logger
}

// RepositoryOption configures an AggregateRepository.
type RepositoryOption func(*repositoryConfig)

// WithBoundedContext sets the bounded context used in broadcast stream names.
func WithBoundedContext(name string) RepositoryOption {
	return func(c *repositoryConfig) {
		c.boundedContext = name
	}
}

// WithRepositoryCodec sets the codec for event payloads.
func WithRepositoryCodec(codec Codec) RepositoryOption {
	return func(c *repositoryConfig) {
		c.codec = codec
	}
}

// WithRepositoryLogger sets the logger.
func WithRepositoryLogger(logger Logger) RepositoryOption {
	return func(c *repositoryConfig) {
		c.logger = logger
	}
}

// AggregateRepository loads aggregates by replaying their private stream and
// saves them by appending to it and then broadcasting the same events.
// It keeps no aggregate between calls.
type AggregateRepository[A AggregateRoot] struct {
	client       adapters.EventStreamClient
	events       *EventRegistry
	newAggregate func() A
	repositoryConfig
}

// NewAggregateRepository creates a repository for aggregates built by newAggregate.
func NewAggregateRepository[A AggregateRoot](client adapters.EventStreamClient, events *EventRegistry, newAggregate func() A, opts ...RepositoryOption) *AggregateRepository[A] {
	cfg := repositoryConfig{
		boundedContext: DefaultBoundedContext,
		codec:          NewJSONCodec(),
		logger:         &noopLogger{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &AggregateRepository[A]{
		client:           client,
		events:           events,
		newAggregate:     newAggregate,
		repositoryConfig: cfg,
	}
}

// BroadcastStream returns the stream this repository publishes to.
func (r *AggregateRepository[A]) BroadcastStream() string {
	return BroadcastStreamName(r.boundedContext, r.newAggregate().AggregateType())
}

// Load replays the full history of id.
func (r *AggregateRepository[A]) Load(ctx context.Context, id AggregateRootID) (A, error) {
	var zero A

	history, err := r.client.LoadHistory(ctx, AggregateStreamID(id))
	if err != nil {
		if errors.Is(err, adapters.ErrStreamNotFound) {
			return zero, &AggregateNotFoundError{ID: id}
		}
		return zero, fmt.Errorf("newton: load aggregate %s: %w", id, err)
	}
	if len(history) == 0 {
		return zero, &AggregateNotFoundError{ID: id}
	}

	agg := r.newAggregate()
	agg.SetAggregateID(id)

	for i, stored := range history {
		event, err := r.events.Decode(r.codec, stored.Type, stored.Data)
		if err != nil {
			return zero, fmt.Errorf("newton: replay %s event %d: %w", id, i+1, err)
		}
		if err := agg.ApplyEvent(event); err != nil {
			return zero, fmt.Errorf("newton: apply %s to %s: %w", stored.Type, id, err)
		}
	}

	agg.SetVersion(int64(len(history)))
	agg.ClearNewOperations()
	return agg, nil
}

// LoadVersion loads id and fails with *OptimisticLockError unless its version
// equals expected. Callers reload and retry on that error.
func (r *AggregateRepository[A]) LoadVersion(ctx context.Context, id AggregateRootID, expected int64) (A, error) {
	agg, err := r.Load(ctx, id)
	if err != nil {
		return agg, err
	}
	if agg.Version() != expected {
		var zero A
		return zero, NewOptimisticLockError(id, expected, agg.Version())
	}
	return agg, nil
}

// NewInstance builds an aggregate with factory and saves it at once, so an id
// collision surfaces here as an optimistic lock failure.
func (r *AggregateRepository[A]) NewInstance(ctx context.Context, factory func() (A, error)) (A, error) {
	var zero A

	agg, err := factory()
	if err != nil {
		return zero, err
	}
	if agg.AggregateID().IsZero() {
		agg.SetAggregateID(NewAggregateRootID())
	}
	if err := r.Save(ctx, agg); err != nil {
		return zero, err
	}
	return agg, nil
}

// Save appends the aggregate's buffered events to its private stream using
// its version as the expected version, then publishes them to the broadcast
// stream. A publish failure is reported with ErrBroadcastFailed; the appended
// events stay recorded.
func (r *AggregateRepository[A]) Save(ctx context.Context, agg A) error {
	if isNilAggregate(agg) {
		return ErrNilAggregate
	}

	pending := agg.NewOperations()
	if len(pending) == 0 {
		return nil
	}

	id := agg.AggregateID()
	metadata := adapters.Metadata{
		AggregateID:   id.String(),
		AggregateType: agg.AggregateType(),
		CorrelationID: CorrelationIDFromContext(ctx),
		CausationID:   CausationIDFromContext(ctx),
	}

	records := make([]adapters.EventRecord, len(pending))
	for i, event := range pending {
		record, err := EncodeEvent(r.codec, event, metadata)
		if err != nil {
			return err
		}
		records[i] = record
	}

	expected := agg.Version()
	if _, err := r.client.Append(ctx, AggregateStreamID(id), records, expected); err != nil {
		var conflict *adapters.ConcurrencyError
		if errors.As(err, &conflict) {
			return NewOptimisticLockError(id, expected, conflict.ActualVersion)
		}
		if errors.Is(err, adapters.ErrConcurrencyConflict) {
			return NewOptimisticLockError(id, expected, -1)
		}
		return fmt.Errorf("newton: append to %s: %w", AggregateStreamID(id), err)
	}

	agg.SetVersion(expected + int64(len(pending)))
	agg.ClearNewOperations()

	stream := BroadcastStreamName(r.boundedContext, agg.AggregateType())
	if err := r.client.Publish(ctx, stream, records); err != nil {
		r.logger.Error("Broadcast failed", "aggregate", id, "stream", stream, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrBroadcastFailed, stream, err)
	}

	r.logger.Debug("Saved aggregate", "aggregate", id, "type", agg.AggregateType(),
		"events", len(records), "version", agg.Version())
	return nil
}

func isNilAggregate(agg AggregateRoot) bool {
	if agg == nil {
		return true
	}
	v := reflect.ValueOf(agg)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// Replay streams the history of id and then ends.
func (r *AggregateRepository[A]) Replay(ctx context.Context, id AggregateRootID) (*EventStream, error) {
	return r.Subscribe(ctx, id, adapters.ReplayOnly)
}

// SubscribeColdHot streams the history of id followed by every new event.
func (r *AggregateRepository[A]) SubscribeColdHot(ctx context.Context, id AggregateRootID) (*EventStream, error) {
	return r.Subscribe(ctx, id, adapters.ReplayThenLive)
}

// SubscribeHot streams only events of id recorded from now on.
func (r *AggregateRepository[A]) SubscribeHot(ctx context.Context, id AggregateRootID) (*EventStream, error) {
	return r.Subscribe(ctx, id, adapters.LiveOnly)
}

// Subscribe streams the events of id in the given mode.
func (r *AggregateRepository[A]) Subscribe(ctx context.Context, id AggregateRootID, mode adapters.ReplayMode) (*EventStream, error) {
	return OpenEventStream(ctx, r.client, r.events, r.codec, AggregateStreamID(id), mode)
}

// EventStream is a lazy ordered sequence of decoded events.
// Events is closed when a replay-only stream ends, on Close, when the
// context is cancelled, or when an event cannot be decoded.
type EventStream struct {
	events chan Envelope
	queue  *fifo[Envelope]
	sub    adapters.Subscription

	mu       sync.Mutex
	err      error
	done     chan struct{}
	failed   chan struct{}
	once     sync.Once
	failOnce sync.Once
}

// OpenEventStream subscribes to any stream and decodes its events with registry.
func OpenEventStream(ctx context.Context, client adapters.EventStreamClient, registry *EventRegistry, codec Codec, streamName string, mode adapters.ReplayMode) (*EventStream, error) {
	s := &EventStream{
		events: make(chan Envelope),
		queue:  newFIFO[Envelope](),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
	}

	sub, err := client.Subscribe(ctx, streamName, mode, func(stored adapters.StoredEvent) {
		env, err := registry.DecodeStored(codec, stored)
		if err != nil {
			s.fail(err)
			return
		}
		s.queue.Push(env)
	})
	if err != nil {
		return nil, fmt.Errorf("newton: subscribe to %s: %w", streamName, err)
	}
	s.sub = sub

	go func() {
		select {
		case <-sub.Done():
		case <-s.failed:
			_ = sub.Close()
		}
		if err := sub.Err(); err != nil {
			s.setErr(err)
		}
		s.queue.Close()
	}()
	go s.pump()

	return s, nil
}

func (s *EventStream) pump() {
	defer close(s.events)
	for {
		env, ok := s.queue.Pop()
		if !ok {
			return
		}
		select {
		case s.events <- env:
		case <-s.done:
			return
		}
	}
}

func (s *EventStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *EventStream) fail(err error) {
	s.setErr(err)
	s.queue.Close()
	s.failOnce.Do(func() { close(s.failed) })
}

// Events returns the channel of decoded events.
func (s *EventStream) Events() <-chan Envelope {
	return s.events
}

// Err returns the error that ended the stream, if any.
func (s *EventStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the stream. It is safe to call more than once.
func (s *EventStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.queue.Close()
	})
	return s.sub.Close()
}

// Collect drains a finite stream into a slice.
func (s *EventStream) Collect(ctx context.Context) ([]Envelope, error) {
	var out []Envelope
	for {
		select {
		case env, ok := <-s.events:
			if !ok {
				return out, s.Err()
			}
			out = append(out, env)
		case <-ctx.Done():
			_ = s.Close()
			return out, ctx.Err()
		}
	}
}
