package testutil

import (
	"context"
	"sync"

	"github.com/AshkanYarmoradi/go-newton/adapters"
)

// FaultyClient wraps an EventStreamClient and fails chosen operations.
// A nil error field passes the call through. Calls are counted either way.
type FaultyClient struct {
	adapters.EventStreamClient

	mu           sync.Mutex
	loadErr      error
	appendErr    error
	publishErr   error
	subscribeErr error
	calls        map[string]int
}

// NewFaultyClient wraps client.
func NewFaultyClient(client adapters.EventStreamClient) *FaultyClient {
	return &FaultyClient{
		EventStreamClient: client,
		calls:             make(map[string]int),
	}
}

// FailLoad makes LoadHistory return err.
func (c *FaultyClient) FailLoad(err error) *FaultyClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadErr = err
	return c
}

// FailAppend makes Append return err.
func (c *FaultyClient) FailAppend(err error) *FaultyClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendErr = err
	return c
}

// FailPublish makes Publish return err.
func (c *FaultyClient) FailPublish(err error) *FaultyClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
	return c
}

// FailSubscribe makes Subscribe return err.
func (c *FaultyClient) FailSubscribe(err error) *FaultyClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeErr = err
	return c
}

// Heal clears every injected failure.
func (c *FaultyClient) Heal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadErr, c.appendErr, c.publishErr, c.subscribeErr = nil, nil, nil, nil
}

// Calls returns how often op was called: "load", "append", "publish" or "subscribe".
func (c *FaultyClient) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *FaultyClient) enter(op string, err *error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[op]++
	return *err
}

// LoadHistory implements adapters.EventStreamClient.
func (c *FaultyClient) LoadHistory(ctx context.Context, streamID string) ([]adapters.StoredEvent, error) {
	if err := c.enter("load", &c.loadErr); err != nil {
		return nil, err
	}
	return c.EventStreamClient.LoadHistory(ctx, streamID)
}

// Append implements adapters.EventStreamClient.
func (c *FaultyClient) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if err := c.enter("append", &c.appendErr); err != nil {
		return nil, err
	}
	return c.EventStreamClient.Append(ctx, streamID, events, expectedVersion)
}

// Publish implements adapters.EventStreamClient.
func (c *FaultyClient) Publish(ctx context.Context, streamName string, events []adapters.EventRecord) error {
	if err := c.enter("publish", &c.publishErr); err != nil {
		return err
	}
	return c.EventStreamClient.Publish(ctx, streamName, events)
}

// Subscribe implements adapters.EventStreamClient.
func (c *FaultyClient) Subscribe(ctx context.Context, streamName string, mode adapters.ReplayMode, handler adapters.EventHandler) (adapters.Subscription, error) {
	if err := c.enter("subscribe", &c.subscribeErr); err != nil {
		return nil, err
	}
	return c.EventStreamClient.Subscribe(ctx, streamName, mode, handler)
}

var _ adapters.EventStreamClient = (*FaultyClient)(nil)
