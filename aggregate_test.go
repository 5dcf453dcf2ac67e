package newton

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-newton/adapters"
	"github.com/AshkanYarmoradi/go-newton/adapters/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrderRepository(client adapters.EventStreamClient, opts ...RepositoryOption) *AggregateRepository[*Order] {
	return NewAggregateRepository(client, registerDomainEvents(NewEventRegistry()), NewOrder, opts...)
}

func placedOrder(t *testing.T, repo *AggregateRepository[*Order], id AggregateRootID) *Order {
	t.Helper()
	order := NewOrder()
	order.SetAggregateID(id)
	require.NoError(t, order.Place("sku-1", 2))
	require.NoError(t, order.AddItem("sku-2", 1))
	require.NoError(t, repo.Save(context.Background(), order))
	return order
}

func TestAggregateBase(t *testing.T) {
	order := NewOrder()

	assert.True(t, order.AggregateID().IsZero())
	assert.Equal(t, int64(0), order.Version())
	assert.False(t, order.HasNewOperations())

	order.SetAggregateID("order-1")
	require.NoError(t, order.Place("sku-1", 3))

	assert.Equal(t, AggregateRootID("order-1"), order.AggregateID())
	assert.True(t, order.HasNewOperations())
	assert.Equal(t, []Event{OrderPlaced{OrderID: "order-1", SKU: "sku-1", Quantity: 3}}, order.NewOperations())

	order.ClearNewOperations()
	assert.Empty(t, order.NewOperations())

	order.SetVersion(4)
	assert.Equal(t, int64(4), order.Version())
}

func TestAggregateRepository_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	client := memory.NewStreamClient()
	repo := newOrderRepository(client)

	order := placedOrder(t, repo, "order-1")

	assert.Equal(t, int64(2), order.Version())
	assert.Empty(t, order.NewOperations())

	loaded, err := repo.Load(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Version())
	assert.Equal(t, map[string]int{"sku-1": 2, "sku-2": 1}, loaded.Items)
	assert.Empty(t, loaded.NewOperations())

	history, err := client.LoadHistory(ctx, AggregateStreamID("order-1"))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "OrderPlaced", history[0].Type)
	assert.Equal(t, "ItemAdded", history[1].Type)
	assert.Equal(t, "order-1", history[0].Metadata.AggregateID)
	assert.Equal(t, "Order", history[0].Metadata.AggregateType)

	t.Run("version advances by the buffer length", func(t *testing.T) {
		require.NoError(t, loaded.AddItem("sku-3", 1))
		require.NoError(t, loaded.AddItem("sku-4", 1))
		require.NoError(t, loaded.AddItem("sku-5", 1))
		require.NoError(t, repo.Save(ctx, loaded))

		assert.Equal(t, int64(5), loaded.Version())

		reloaded, err := repo.Load(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, int64(5), reloaded.Version())
		assert.Equal(t, loaded.Items, reloaded.Items)
	})

	t.Run("nothing to save is a no-op", func(t *testing.T) {
		before := client.EventCount()
		require.NoError(t, repo.Save(ctx, loaded))
		assert.Equal(t, before, client.EventCount())
	})
}

func TestAggregateRepository_ReplayIsDeterministic(t *testing.T) {
	ctx := context.Background()
	repo := newOrderRepository(memory.NewStreamClient())
	placedOrder(t, repo, "order-1")

	first, err := repo.Load(ctx, "order-1")
	require.NoError(t, err)
	second, err := repo.Load(ctx, "order-1")
	require.NoError(t, err)

	assert.Equal(t, first.Items, second.Items)
	assert.Equal(t, first.Version(), second.Version())
	assert.Equal(t, first.Placed, second.Placed)
}

func TestAggregateRepository_LoadUnknown(t *testing.T) {
	repo := newOrderRepository(memory.NewStreamClient())

	_, err := repo.Load(context.Background(), "missing")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAggregateNotFound))
	var notFound *AggregateNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, AggregateRootID("missing"), notFound.ID)
}

func TestAggregateRepository_OptimisticLock(t *testing.T) {
	ctx := context.Background()
	repo := newOrderRepository(memory.NewStreamClient())
	placedOrder(t, repo, "order-1")

	t.Run("concurrent saves", func(t *testing.T) {
		a, err := repo.Load(ctx, "order-1")
		require.NoError(t, err)
		b, err := repo.Load(ctx, "order-1")
		require.NoError(t, err)

		require.NoError(t, a.AddItem("sku-9", 1))
		require.NoError(t, repo.Save(ctx, a))

		require.NoError(t, b.AddItem("sku-8", 1))
		err = repo.Save(ctx, b)

		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrOptimisticLock))
		assert.True(t, errors.Is(err, adapters.ErrConcurrencyConflict))
		var lock *OptimisticLockError
		require.ErrorAs(t, err, &lock)
		assert.Equal(t, AggregateRootID("order-1"), lock.AggregateID)
		assert.Equal(t, int64(2), lock.Expected)
		assert.Equal(t, int64(3), lock.Actual)

		assert.Equal(t, int64(2), b.Version(), "failed save leaves the version alone")
		assert.Len(t, b.NewOperations(), 1, "failed save keeps the buffer")
	})

	t.Run("load with expected version", func(t *testing.T) {
		_, err := repo.LoadVersion(ctx, "order-1", 1)

		var lock *OptimisticLockError
		require.ErrorAs(t, err, &lock)
		assert.Equal(t, int64(1), lock.Expected)
		assert.Equal(t, int64(3), lock.Actual)

		order, err := repo.LoadVersion(ctx, "order-1", 3)
		require.NoError(t, err)
		assert.Equal(t, int64(3), order.Version())
	})
}

func TestAggregateRepository_NewInstance(t *testing.T) {
	ctx := context.Background()
	repo := newOrderRepository(memory.NewStreamClient())

	order, err := repo.NewInstance(ctx, func() (*Order, error) {
		o := NewOrder()
		return o, o.Place("sku-1", 1)
	})
	require.NoError(t, err)

	assert.False(t, order.AggregateID().IsZero())
	assert.Equal(t, int64(1), order.Version())

	loaded, err := repo.Load(ctx, order.AggregateID())
	require.NoError(t, err)
	assert.True(t, loaded.Placed)

	t.Run("factory error", func(t *testing.T) {
		_, err := repo.NewInstance(ctx, func() (*Order, error) {
			return nil, errors.New("boom")
		})
		assert.EqualError(t, err, "boom")
	})

	t.Run("taken id", func(t *testing.T) {
		_, err := repo.NewInstance(ctx, func() (*Order, error) {
			o := NewOrder()
			o.SetAggregateID(order.AggregateID())
			return o, o.Place("sku-1", 1)
		})
		assert.True(t, errors.Is(err, ErrOptimisticLock))
	})
}

func TestAggregateRepository_Broadcast(t *testing.T) {
	ctx := context.Background()
	client := memory.NewStreamClient()
	repo := newOrderRepository(client, WithBoundedContext("shop"))

	assert.Equal(t, "shop/Order", repo.BroadcastStream())

	ctx = WithCorrelationID(ctx, "corr-1")
	ctx = WithCausationID(ctx, "cause-1")

	order := NewOrder()
	order.SetAggregateID("order-1")
	require.NoError(t, order.Place("sku-1", 1))
	require.NoError(t, repo.Save(ctx, order))

	broadcast, err := client.LoadHistory(ctx, "shop/Order")
	require.NoError(t, err)
	require.Len(t, broadcast, 1)
	assert.Equal(t, "OrderPlaced", broadcast[0].Type)
	assert.Equal(t, "order-1", broadcast[0].Metadata.AggregateID)
	assert.Equal(t, "corr-1", broadcast[0].Metadata.CorrelationID)
	assert.Equal(t, "cause-1", broadcast[0].Metadata.CausationID)
}

func TestAggregateRepository_BroadcastFailure(t *testing.T) {
	ctx := context.Background()
	client := &failingPublishClient{StreamClient: memory.NewStreamClient(), err: errors.New("topic down")}
	repo := newOrderRepository(client)

	order := NewOrder()
	order.SetAggregateID("order-1")
	require.NoError(t, order.Place("sku-1", 1))

	err := repo.Save(ctx, order)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBroadcastFailed))
	assert.Contains(t, err.Error(), "topic down")
	assert.Equal(t, int64(1), order.Version(), "events stay recorded")

	loaded, err := repo.Load(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, loaded.Placed)
}

func TestAggregateRepository_NilAggregate(t *testing.T) {
	repo := newOrderRepository(memory.NewStreamClient())
	assert.ErrorIs(t, repo.Save(context.Background(), nil), ErrNilAggregate)
}

func TestAggregateRepository_EventStreams(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	repo := newOrderRepository(memory.NewStreamClient())
	placedOrder(t, repo, "order-1")

	t.Run("replay", func(t *testing.T) {
		stream, err := repo.Replay(ctx, "order-1")
		require.NoError(t, err)

		envs, err := stream.Collect(ctx)
		require.NoError(t, err)
		require.Len(t, envs, 2)
		assert.Equal(t, OrderPlaced{OrderID: "order-1", SKU: "sku-1", Quantity: 2}, envs[0].Event)
		assert.Equal(t, ItemAdded{SKU: "sku-2", Quantity: 1}, envs[1].Event)
		assert.Equal(t, int64(1), envs[0].Version)
		assert.Equal(t, int64(2), envs[1].Version)
		assert.Equal(t, AggregateRootID("order-1"), envs[0].AggregateID())
	})

	t.Run("cold then hot", func(t *testing.T) {
		stream, err := repo.SubscribeColdHot(ctx, "order-1")
		require.NoError(t, err)
		defer stream.Close()

		order, err := repo.Load(ctx, "order-1")
		require.NoError(t, err)
		require.NoError(t, order.AddItem("sku-3", 4))
		require.NoError(t, repo.Save(ctx, order))

		var (
			types    []string
			versions []int64
		)
		for len(types) < 3 {
			select {
			case env := <-stream.Events():
				types = append(types, env.Type)
				versions = append(versions, env.Version)
			case <-ctx.Done():
				t.Fatal("timed out waiting for events")
			}
		}
		assert.Equal(t, []string{"OrderPlaced", "ItemAdded", "ItemAdded"}, types)
		assert.Equal(t, []int64{1, 2, 3}, versions)

		select {
		case env := <-stream.Events():
			t.Fatalf("unexpected event %s at version %d", env.Type, env.Version)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("hot only", func(t *testing.T) {
		stream, err := repo.SubscribeHot(ctx, "order-1")
		require.NoError(t, err)
		defer stream.Close()

		order, err := repo.Load(ctx, "order-1")
		require.NoError(t, err)
		require.NoError(t, order.AddItem("sku-4", 1))
		require.NoError(t, repo.Save(ctx, order))

		select {
		case env := <-stream.Events():
			assert.Equal(t, ItemAdded{SKU: "sku-4", Quantity: 1}, env.Event)
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
		}
	})

	t.Run("unregistered event ends the stream", func(t *testing.T) {
		client := memory.NewStreamClient()
		bare := NewAggregateRepository(client, NewEventRegistry(), NewOrder)
		full := newOrderRepository(client)
		placedOrder(t, full, "order-2")

		stream, err := bare.Replay(ctx, "order-2")
		require.NoError(t, err)

		_, err = stream.Collect(ctx)
		var notRegistered *EventTypeNotRegisteredError
		require.ErrorAs(t, err, &notRegistered)
		assert.Equal(t, "OrderPlaced", notRegistered.EventType)
	})
}
