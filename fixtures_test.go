package newton

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/AshkanYarmoradi/go-newton/adapters"
	"github.com/AshkanYarmoradi/go-newton/adapters/memory"
	"github.com/stretchr/testify/require"
)

// Shared domain for the package tests: orders, a warehouse inventory and the
// saga that reserves stock for every placed order.

type OrderPlaced struct {
	OrderID  string `json:"orderId"`
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

func (OrderPlaced) EventType() string { return "OrderPlaced" }

type ItemAdded struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

func (ItemAdded) EventType() string { return "ItemAdded" }

type StockAdded struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

func (StockAdded) EventType() string { return "StockAdded" }

type StockReserved struct {
	OrderID  string `json:"orderId"`
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

func (StockReserved) EventType() string { return "StockReserved" }

func (e StockReserved) EventKey() string { return e.OrderID }

type Order struct {
	AggregateBase
	Placed bool
	Items  map[string]int
}

func NewOrder() *Order {
	return &Order{Items: make(map[string]int)}
}

func (o *Order) AggregateType() string { return "Order" }

func (o *Order) ApplyEvent(event Event) error {
	switch e := event.(type) {
	case OrderPlaced:
		o.Placed = true
		o.Items[e.SKU] += e.Quantity
	case ItemAdded:
		o.Items[e.SKU] += e.Quantity
	default:
		return fmt.Errorf("order: unexpected event %s", event.EventType())
	}
	return nil
}

func (o *Order) Place(sku string, quantity int) error {
	if o.Placed {
		return errors.New("order already placed")
	}
	e := OrderPlaced{OrderID: o.AggregateID().String(), SKU: sku, Quantity: quantity}
	o.Raise(e)
	return o.ApplyEvent(e)
}

func (o *Order) AddItem(sku string, quantity int) error {
	e := ItemAdded{SKU: sku, Quantity: quantity}
	o.Raise(e)
	return o.ApplyEvent(e)
}

type Inventory struct {
	AggregateBase
	Available map[string]int
	Orders    []string
}

func NewInventory() *Inventory {
	return &Inventory{Available: make(map[string]int)}
}

func (i *Inventory) AggregateType() string { return "Inventory" }

func (i *Inventory) ApplyEvent(event Event) error {
	switch e := event.(type) {
	case StockAdded:
		i.Available[e.SKU] += e.Quantity
	case StockReserved:
		i.Available[e.SKU] -= e.Quantity
		i.Orders = append(i.Orders, e.OrderID)
	default:
		return fmt.Errorf("inventory: unexpected event %s", event.EventType())
	}
	return nil
}

func (i *Inventory) Restock(sku string, quantity int) error {
	e := StockAdded{SKU: sku, Quantity: quantity}
	i.Raise(e)
	return i.ApplyEvent(e)
}

func (i *Inventory) Reserve(orderID, sku string, quantity int) error {
	if i.Available[sku] < quantity {
		return fmt.Errorf("only %d of %s left", i.Available[sku], sku)
	}
	e := StockReserved{OrderID: orderID, SKU: sku, Quantity: quantity}
	i.Raise(e)
	return i.ApplyEvent(e)
}

func registerDomainEvents(r *EventRegistry) *EventRegistry {
	RegisterEvent[OrderPlaced](r)
	RegisterEvent[ItemAdded](r)
	RegisterEvent[StockAdded](r)
	RegisterEvent[StockReserved](r)
	return r
}

// ReserveStock reserves stock on an inventory aggregate.
type ReserveStock struct {
	OrderID  string `json:"orderId"`
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`

	id   AggregateRootID
	repo *AggregateRepository[*Inventory]
}

func (c *ReserveStock) SetID(id AggregateRootID) { c.id = id }

func (c *ReserveStock) Execute(ctx context.Context) ([]Event, error) {
	inv, err := c.repo.Load(ctx, c.id)
	if err != nil {
		return nil, err
	}
	if err := inv.Reserve(c.OrderID, c.SKU, c.Quantity); err != nil {
		return nil, err
	}
	raised := append([]Event(nil), inv.NewOperations()...)
	if err := c.repo.Save(ctx, inv); err != nil {
		return nil, err
	}
	return raised, nil
}

const warehouseID AggregateRootID = "warehouse-1"

// sagaCalls counts Start and Handle invocations across saga instances.
type sagaCalls struct {
	starts  atomic.Int32
	handles atomic.Int32
}

// OrderFulfillmentSaga reserves stock for a placed order and completes once
// the reservation is confirmed.
type OrderFulfillmentSaga struct {
	SagaBase
	OrderID  string `json:"orderId"`
	Reserved bool   `json:"reserved"`

	calls *sagaCalls
}

func fulfillmentFactory(calls *sagaCalls) SagaFactory {
	return func() Saga {
		return &OrderFulfillmentSaga{calls: calls}
	}
}

func (s *OrderFulfillmentSaga) SagaType() string { return "OrderFulfillment" }

func (s *OrderFulfillmentSaga) DeclareStreams() []string {
	return []string{
		BroadcastStreamName(DefaultBoundedContext, "Order"),
		BroadcastStreamName(DefaultBoundedContext, "Inventory"),
	}
}

func (s *OrderFulfillmentSaga) DeclareStartEventType() string { return "OrderPlaced" }

func (s *OrderFulfillmentSaga) Start(event Event) error {
	if s.calls != nil {
		s.calls.starts.Add(1)
	}
	placed, ok := event.(OrderPlaced)
	if !ok {
		return fmt.Errorf("unexpected start event %s", event.EventType())
	}
	s.OrderID = placed.OrderID
	s.InterestFor("StockReserved", placed.OrderID)
	s.IssueCommand("ReserveStock", warehouseID, map[string]interface{}{
		"orderId":  placed.OrderID,
		"sku":      placed.SKU,
		"quantity": placed.Quantity,
	})
	return nil
}

func (s *OrderFulfillmentSaga) Handle(event Event) error {
	if s.calls != nil {
		s.calls.handles.Add(1)
	}
	if _, ok := event.(StockReserved); ok {
		s.Reserved = true
		s.MarkComplete()
	}
	return nil
}

// testLogger records messages per level.
type testLogger struct {
	mu     sync.Mutex
	debugs []string
	infos  []string
	warns  []string
	errors []string
}

func newTestLogger() *testLogger {
	return &testLogger{}
}

func (l *testLogger) Debug(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugs = append(l.debugs, msg)
}

func (l *testLogger) Info(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *testLogger) Warn(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *testLogger) Error(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *testLogger) errorMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

func (l *testLogger) warnMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warns...)
}

func (l *testLogger) debugMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.debugs...)
}

// lifecycleRecorder collects lifecycle signals.
type lifecycleRecorder struct {
	mu     sync.Mutex
	events []SagaLifecycleEvent
}

func (r *lifecycleRecorder) record(e SagaLifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *lifecycleRecorder) all() []SagaLifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SagaLifecycleEvent(nil), r.events...)
}

func (r *lifecycleRecorder) count(kind SagaLifecycleKind) int {
	n := 0
	for _, e := range r.all() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// failingPublishClient stores events but refuses to broadcast them.
type failingPublishClient struct {
	*memory.StreamClient
	err error
}

func (c *failingPublishClient) Publish(ctx context.Context, streamName string, events []adapters.EventRecord) error {
	return c.err
}

// storedEvent encodes event as if it had been delivered on stream.
func storedEvent(t *testing.T, id, stream string, event Event, aggregateID string) adapters.StoredEvent {
	t.Helper()
	record, err := EncodeEvent(NewJSONCodec(), event, adapters.Metadata{AggregateID: aggregateID})
	require.NoError(t, err)
	return adapters.StoredEvent{
		ID:       id,
		StreamID: stream,
		Type:     record.Type,
		Data:     record.Data,
		Metadata: record.Metadata,
		Version:  1,
	}
}
