package newton

import (
	"sort"
	"sync"
)

// LifecycleOption configures a SagaLifecycleChannel.
type LifecycleOption func(*SagaLifecycleChannel)

// WithLifecycleLogger sets the logger.
func WithLifecycleLogger(logger Logger) LifecycleOption {
	return func(c *SagaLifecycleChannel) {
		c.logger = logger
	}
}

// SagaLifecycleChannel is an in-process publish/subscribe channel for saga
// start and end signals. Posts never block: they are queued and delivered in
// post order by the channel's own goroutine, so listeners never run on the
// goroutine that processes events.
type SagaLifecycleChannel struct {
	mu        sync.Mutex
	listeners map[uint64]func(SagaLifecycleEvent)
	nextID    uint64

	queue  *fifo[SagaLifecycleEvent]
	done   chan struct{}
	once   sync.Once
	logger Logger
}

// NewSagaLifecycleChannel creates a channel and starts its dispatcher.
func NewSagaLifecycleChannel(opts ...LifecycleOption) *SagaLifecycleChannel {
	c := &SagaLifecycleChannel{
		listeners: make(map[uint64]func(SagaLifecycleEvent)),
		queue:     newFIFO[SagaLifecycleEvent](),
		done:      make(chan struct{}),
		logger:    &noopLogger{},
	}

	for _, opt := range opts {
		opt(c)
	}

	go c.dispatch()
	return c
}

// Subscribe registers listener for every posted event and returns a function
// that removes it.
func (c *SagaLifecycleChannel) Subscribe(listener func(SagaLifecycleEvent)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = listener
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Post queues an event for delivery. Posts after Close are dropped.
func (c *SagaLifecycleChannel) Post(event SagaLifecycleEvent) {
	if !c.queue.Push(event) {
		c.logger.Debug("Lifecycle event dropped after close", "saga", event.SagaID, "kind", event.Kind)
	}
}

// Close stops accepting posts, delivers those already queued, and waits for
// the dispatcher to exit.
func (c *SagaLifecycleChannel) Close() {
	c.once.Do(c.queue.Close)
	<-c.done
}

// ListenerCount returns the number of registered listeners.
func (c *SagaLifecycleChannel) ListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// Pending returns the number of queued, undelivered events.
func (c *SagaLifecycleChannel) Pending() int {
	return c.queue.Len()
}

func (c *SagaLifecycleChannel) dispatch() {
	defer close(c.done)
	for {
		event, ok := c.queue.Pop()
		if !ok {
			return
		}
		for _, listener := range c.snapshot() {
			c.deliver(listener, event)
		}
	}
}

// snapshot returns the listeners in registration order.
func (c *SagaLifecycleChannel) snapshot() []func(SagaLifecycleEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]func(SagaLifecycleEvent), len(ids))
	for i, id := range ids {
		out[i] = c.listeners[id]
	}
	return out
}

func (c *SagaLifecycleChannel) deliver(listener func(SagaLifecycleEvent), event SagaLifecycleEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Lifecycle listener panicked", "saga", event.SagaID, "kind", event.Kind, "panic", r)
		}
	}()
	listener(event)
}
