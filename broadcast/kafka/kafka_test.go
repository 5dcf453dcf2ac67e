package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-newton/adapters"
	"github.com/AshkanYarmoradi/go-newton/adapters/memory"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	topic    string
	messages []kafkago.Message
	err      error
	closeErr error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return w.closeErr
}

type fakeWriters struct {
	mu      sync.Mutex
	writers map[string]*fakeWriter
	err     error
}

func (f *fakeWriters) factory(topic string) MessageWriter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writers == nil {
		f.writers = make(map[string]*fakeWriter)
	}
	w := &fakeWriter{topic: topic, err: f.err}
	f.writers[topic] = w
	return w
}

func header(msg kafkago.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestDefaultTopic(t *testing.T) {
	tests := []struct {
		stream string
		want   string
	}{
		{"newton/Order", "newton.Order"},
		{"sales/eu/Order", "sales.eu.Order"},
		{"plain", "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.stream, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultTopic(tt.stream))
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	m := New()
	assert.Equal(t, []string{"localhost:9092"}, m.brokers)
	assert.IsType(t, &kafkago.Hash{}, m.balancer)
	assert.Equal(t, 10*time.Millisecond, m.batchTimeout)

	w, ok := m.newWriter("newton.Order").(*kafkago.Writer)
	require.True(t, ok)
	assert.Equal(t, "newton.Order", w.Topic)
}

func TestNew_Options(t *testing.T) {
	balancer := &kafkago.RoundRobin{}
	m := New(
		WithBrokers("broker1:9092", "broker2:9092"),
		WithBalancer(balancer),
		WithBatchTimeout(time.Second),
		WithTopicPrefix("prod."),
	)

	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, m.brokers)
	assert.Equal(t, balancer, m.balancer)
	assert.Equal(t, time.Second, m.batchTimeout)
	assert.Equal(t, "prod.newton.Order", m.topic("newton/Order"))
}

func TestMirror_WritesMessages(t *testing.T) {
	var writers fakeWriters
	m := New(WithWriterFactory(writers.factory))

	err := m.Mirror(context.Background(), "newton/Order", []adapters.EventRecord{
		{
			Type: "OrderPlaced",
			Data: []byte(`{"orderId":"o-1"}`),
			Metadata: adapters.Metadata{
				AggregateID:   "o-1",
				AggregateType: "Order",
				CorrelationID: "corr-1",
				Custom:        map[string]string{"tenant": "acme"},
			},
		},
		{Type: "ItemAdded", Data: []byte(`{}`), Metadata: adapters.Metadata{AggregateID: "o-1"}},
	})
	require.NoError(t, err)

	w := writers.writers["newton.Order"]
	require.NotNil(t, w)
	require.Len(t, w.messages, 2)

	msg := w.messages[0]
	assert.Equal(t, "o-1", string(msg.Key))
	assert.JSONEq(t, `{"orderId":"o-1"}`, string(msg.Value))
	assert.Equal(t, "OrderPlaced", header(msg, HeaderEventType))
	assert.Equal(t, "newton/Order", header(msg, HeaderStream))
	assert.Equal(t, "Order", header(msg, HeaderAggregateType))
	assert.Equal(t, "corr-1", header(msg, HeaderCorrelationID))
	assert.Equal(t, "", header(msg, HeaderCausationID))
	assert.Equal(t, "acme", header(msg, "tenant"))

	t.Run("writer is reused", func(t *testing.T) {
		require.NoError(t, m.Mirror(context.Background(), "newton/Order", []adapters.EventRecord{{Type: "ItemAdded"}}))
		assert.Len(t, writers.writers, 1)
		assert.Len(t, w.messages, 3)
	})

	t.Run("empty batch", func(t *testing.T) {
		assert.NoError(t, m.Mirror(context.Background(), "newton/Shipment", nil))
		assert.Len(t, writers.writers, 1)
	})
}

func TestMirror_Errors(t *testing.T) {
	t.Run("write failure", func(t *testing.T) {
		writers := fakeWriters{err: errors.New("broker down")}
		m := New(WithWriterFactory(writers.factory))

		err := m.Mirror(context.Background(), "newton/Order", []adapters.EventRecord{{Type: "OrderPlaced"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "newton.Order")
		assert.Contains(t, err.Error(), "broker down")
	})

	t.Run("empty topic", func(t *testing.T) {
		var writers fakeWriters
		m := New(WithWriterFactory(writers.factory), WithTopicFunc(func(string) string { return "" }))

		err := m.Mirror(context.Background(), "newton/Order", []adapters.EventRecord{{Type: "OrderPlaced"}})
		assert.ErrorContains(t, err, "no topic")
	})
}

func TestMirror_Close(t *testing.T) {
	var writers fakeWriters
	m := New(WithWriterFactory(writers.factory))
	ctx := context.Background()
	require.NoError(t, m.Mirror(ctx, "newton/Order", []adapters.EventRecord{{Type: "A"}}))
	require.NoError(t, m.Mirror(ctx, "newton/Inventory", []adapters.EventRecord{{Type: "B"}}))

	writers.writers["newton.Order"].closeErr = errors.New("flush failed")

	err := m.Close()
	assert.ErrorContains(t, err, "flush failed")
	assert.True(t, writers.writers["newton.Order"].closed)
	assert.True(t, writers.writers["newton.Inventory"].closed)
	assert.Empty(t, m.writers)
}

func TestMirror_WithMirroredClient(t *testing.T) {
	var writers fakeWriters
	client := adapters.Mirrored(memory.NewStreamClient(), New(WithWriterFactory(writers.factory)))
	ctx := context.Background()

	_, err := client.Append(ctx, "aggregate/o-1", []adapters.EventRecord{{Type: "OrderPlaced"}}, adapters.NoStream)
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, "newton/Order", []adapters.EventRecord{{Type: "OrderPlaced"}}))

	require.Len(t, writers.writers, 1, "private streams are not mirrored")
	assert.Len(t, writers.writers["newton.Order"].messages, 1)
}
