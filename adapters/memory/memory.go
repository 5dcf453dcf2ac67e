// Package memory provides in-memory implementations of the newton adapters.
// They are primarily intended for testing and development purposes.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-newton/adapters"
	"github.com/google/uuid"
)

// Version constants for optimistic concurrency control.
// These are re-exported from the adapters package for convenience.
const (
	AnyVersion   = adapters.AnyVersion
	NoStream     = adapters.NoStream
	StreamExists = adapters.StreamExists
)

// Ensure StreamClient implements all required interfaces.
var (
	_ adapters.EventStreamClient = (*StreamClient)(nil)
	_ adapters.Initializer       = (*StreamClient)(nil)
	_ adapters.HealthChecker     = (*StreamClient)(nil)
)

// StreamClient is an in-memory EventStreamClient.
// Private aggregate streams and broadcast streams share one namespace.
// It is thread-safe and suitable for unit testing.
type StreamClient struct {
	mu             sync.RWMutex
	streams        map[string][]adapters.StoredEvent
	globalPosition uint64
	subscribers    map[string][]*subscription
	closed         bool
}

// Option configures a StreamClient.
type Option func(*StreamClient)

// NewStreamClient creates a new in-memory event stream client.
func NewStreamClient(opts ...Option) *StreamClient {
	c := &StreamClient{
		streams:     make(map[string][]adapters.StoredEvent),
		subscribers: make(map[string][]*subscription),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Initialize is a no-op for the memory client.
func (c *StreamClient) Initialize(ctx context.Context) error {
	return nil
}

// LoadHistory returns a copy of the stream's events. Unknown streams are empty.
func (c *StreamClient) LoadHistory(ctx context.Context, streamID string) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if streamID == "" {
		return nil, ErrEmptyStreamID
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrAdapterClosed
	}

	events := c.streams[streamID]
	out := make([]adapters.StoredEvent, len(events))
	copy(out, events)
	return out, nil
}

// Append stores events to the specified stream with optimistic concurrency control.
func (c *StreamClient) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if streamID == "" {
		return nil, ErrEmptyStreamID
	}
	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrAdapterClosed
	}

	current, exists := c.streams[streamID]
	if err := adapters.CheckVersion(streamID, expectedVersion, int64(len(current)), exists); err != nil {
		return nil, err
	}

	return c.appendLocked(streamID, events), nil
}

// Publish appends events to a broadcast stream without a version check.
func (c *StreamClient) Publish(ctx context.Context, streamName string, events []adapters.EventRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if streamName == "" {
		return ErrEmptyStreamID
	}
	if len(events) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrAdapterClosed
	}

	c.appendLocked(streamName, events)
	return nil
}

// appendLocked stores events and hands them to the stream's subscribers.
// Subscribers are fed while the write lock is held, so a ReplayThenLive
// snapshot can never miss or repeat an event.
func (c *StreamClient) appendLocked(streamID string, events []adapters.EventRecord) []adapters.StoredEvent {
	now := time.Now()
	version := int64(len(c.streams[streamID]))
	stored := make([]adapters.StoredEvent, len(events))

	for i, event := range events {
		c.globalPosition++
		version++
		stored[i] = adapters.StoredEvent{
			ID:             uuid.New().String(),
			StreamID:       streamID,
			Type:           event.Type,
			Data:           append([]byte(nil), event.Data...),
			Metadata:       event.Metadata,
			Version:        version,
			GlobalPosition: c.globalPosition,
			Timestamp:      now,
		}
	}

	c.streams[streamID] = append(c.streams[streamID], stored...)
	for _, sub := range c.subscribers[streamID] {
		sub.push(stored...)
	}
	return stored
}

// Subscribe delivers the stream's events to handler on a dedicated goroutine.
func (c *StreamClient) Subscribe(ctx context.Context, streamName string, mode adapters.ReplayMode, handler adapters.EventHandler) (adapters.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if streamName == "" {
		return nil, ErrEmptyStreamID
	}
	if !mode.Valid() {
		return nil, adapters.ErrInvalidReplayMode
	}

	sub := newSubscription(c, streamName, handler)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrAdapterClosed
	}
	switch mode {
	case adapters.ReplayOnly:
		sub.push(c.streams[streamName]...)
		sub.finishWhenDrained()
	case adapters.ReplayThenLive:
		sub.push(c.streams[streamName]...)
		c.subscribers[streamName] = append(c.subscribers[streamName], sub)
	case adapters.LiveOnly:
		c.subscribers[streamName] = append(c.subscribers[streamName], sub)
	}
	c.mu.Unlock()

	go sub.run()
	go func() {
		select {
		case <-ctx.Done():
			sub.stop(ctx.Err())
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Close stops every subscription and rejects further calls.
func (c *StreamClient) Close() error {
	c.mu.Lock()
	c.closed = true
	var subs []*subscription
	for _, list := range c.subscribers {
		subs = append(subs, list...)
	}
	c.subscribers = make(map[string][]*subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.stop(ErrAdapterClosed)
	}
	return nil
}

// Ping checks if the client is healthy.
func (c *StreamClient) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrAdapterClosed
	}
	return nil
}

// Reset clears all streams. Useful for testing.
func (c *StreamClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.streams = make(map[string][]adapters.StoredEvent)
	c.globalPosition = 0
}

// EventCount returns the total number of events stored across all streams.
func (c *StreamClient) EventCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int(c.globalPosition)
}

// StreamNames returns the names of all non-empty streams.
func (c *StreamClient) StreamNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.streams))
	for name := range c.streams {
		names = append(names, name)
	}
	return names
}

// Streams returns every non-empty stream with its current version.
func (c *StreamClient) Streams(ctx context.Context) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]int64, len(c.streams))
	for name, events := range c.streams {
		if len(events) > 0 {
			out[name] = events[len(events)-1].Version
		}
	}
	return out, nil
}

// SubscriberCount returns the number of live subscriptions on a stream.
func (c *StreamClient) SubscriberCount(streamName string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers[streamName])
}

func (c *StreamClient) removeSubscriber(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.subscribers[sub.stream]
	for i, s := range list {
		if s == sub {
			c.subscribers[sub.stream] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(c.subscribers[sub.stream]) == 0 {
		delete(c.subscribers, sub.stream)
	}
}

// subscription feeds one handler from an unbounded queue so that a slow
// handler never blocks writers and never loses events.
type subscription struct {
	client  *StreamClient
	stream  string
	handler adapters.EventHandler

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []adapters.StoredEvent
	stopped  bool
	drainEnd bool
	err      error

	done chan struct{}
	once sync.Once
}

func newSubscription(client *StreamClient, stream string, handler adapters.EventHandler) *subscription {
	s := &subscription{
		client:  client,
		stream:  stream,
		handler: handler,
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscription) push(events ...adapters.StoredEvent) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	if !s.stopped {
		s.queue = append(s.queue, events...)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscription) finishWhenDrained() {
	s.mu.Lock()
	s.drainEnd = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscription) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped && !s.drainEnd {
			s.cond.Wait()
		}
		if s.stopped || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		event := s.queue[0]
		s.queue[0] = adapters.StoredEvent{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(event)
	}
}

func (s *subscription) stop(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.err = err
		s.queue = nil
		s.cond.Broadcast()
		s.mu.Unlock()

		s.client.removeSubscriber(s)
	})
}

// Close stops delivery. Events still queued are discarded.
func (s *subscription) Close() error {
	s.stop(nil)
	return nil
}

// Done is closed once the dispatcher goroutine has exited.
func (s *subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason delivery stopped, if any.
func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
