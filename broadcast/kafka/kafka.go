// Package kafka mirrors newton broadcast streams to Kafka topics using
// github.com/segmentio/kafka-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-newton/adapters"
	kafkago "github.com/segmentio/kafka-go"
)

// Header keys set on every mirrored message.
const (
	HeaderEventType     = "newton-event-type"
	HeaderStream        = "newton-stream"
	HeaderAggregateType = "newton-aggregate-type"
	HeaderCorrelationID = "newton-correlation-id"
	HeaderCausationID   = "newton-causation-id"
)

// MessageWriter is the subset of *kafkago.Writer used by the mirror.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// TopicFunc maps a broadcast stream name to a Kafka topic.
type TopicFunc func(streamName string) string

// DefaultTopic turns "sales/Order" into "sales.Order".
func DefaultTopic(streamName string) string {
	return strings.ReplaceAll(streamName, "/", ".")
}

// Mirror copies broadcast events to Kafka. Events are keyed by aggregate id
// so one aggregate's events stay on one partition.
type Mirror struct {
	brokers      []string
	balancer     kafkago.Balancer
	batchTimeout time.Duration
	topic        TopicFunc
	newWriter    func(topic string) MessageWriter

	mu      sync.RWMutex
	writers map[string]MessageWriter
}

// Option configures a Kafka Mirror.
type Option func(*Mirror)

// WithBrokers sets the Kafka broker addresses.
func WithBrokers(brokers ...string) Option {
	return func(m *Mirror) {
		m.brokers = brokers
	}
}

// WithBalancer sets the message balancer (partitioner).
func WithBalancer(balancer kafkago.Balancer) Option {
	return func(m *Mirror) {
		m.balancer = balancer
	}
}

// WithBatchTimeout sets the batch timeout for the writers.
func WithBatchTimeout(d time.Duration) Option {
	return func(m *Mirror) {
		m.batchTimeout = d
	}
}

// WithTopicFunc sets how stream names map to topics.
func WithTopicFunc(fn TopicFunc) Option {
	return func(m *Mirror) {
		m.topic = fn
	}
}

// WithTopicPrefix prepends prefix to every default topic name.
func WithTopicPrefix(prefix string) Option {
	return func(m *Mirror) {
		m.topic = func(streamName string) string {
			return prefix + DefaultTopic(streamName)
		}
	}
}

// WithWriterFactory replaces how per-topic writers are created.
func WithWriterFactory(fn func(topic string) MessageWriter) Option {
	return func(m *Mirror) {
		m.newWriter = fn
	}
}

// New creates a new Kafka Mirror.
func New(opts ...Option) *Mirror {
	m := &Mirror{
		brokers:      []string{"localhost:9092"},
		balancer:     &kafkago.Hash{},
		batchTimeout: 10 * time.Millisecond,
		topic:        DefaultTopic,
		writers:      make(map[string]MessageWriter),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.newWriter == nil {
		m.newWriter = m.kafkaWriter
	}
	return m
}

// Mirror writes events to the topic of streamName.
func (m *Mirror) Mirror(ctx context.Context, streamName string, events []adapters.EventRecord) error {
	if len(events) == 0 {
		return nil
	}

	topic := m.topic(streamName)
	if topic == "" {
		return fmt.Errorf("newton/kafka: no topic for stream %q", streamName)
	}

	msgs := make([]kafkago.Message, len(events))
	for i, event := range events {
		msgs[i] = toMessage(streamName, event)
	}

	if err := m.writer(topic).WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("newton/kafka: failed to write to topic %s: %w", topic, err)
	}
	return nil
}

func toMessage(streamName string, event adapters.EventRecord) kafkago.Message {
	msg := kafkago.Message{
		Key:   []byte(event.Metadata.AggregateID),
		Value: event.Data,
	}

	add := func(key, value string) {
		if value != "" {
			msg.Headers = append(msg.Headers, kafkago.Header{Key: key, Value: []byte(value)})
		}
	}
	add(HeaderEventType, event.Type)
	add(HeaderStream, streamName)
	add(HeaderAggregateType, event.Metadata.AggregateType)
	add(HeaderCorrelationID, event.Metadata.CorrelationID)
	add(HeaderCausationID, event.Metadata.CausationID)
	for k, v := range event.Metadata.Custom {
		add(k, v)
	}
	return msg
}

// Close closes all writers. Every writer is closed even if some fail.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for topic, w := range m.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("newton/kafka: close %s: %w", topic, err))
		}
		delete(m.writers, topic)
	}
	return errors.Join(errs...)
}

// writer returns or creates the writer for topic.
func (m *Mirror) writer(topic string) MessageWriter {
	m.mu.RLock()
	if w, ok := m.writers[topic]; ok {
		m.mu.RUnlock()
		return w
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.writers[topic]; ok {
		return w
	}

	w := m.newWriter(topic)
	m.writers[topic] = w
	return w
}

func (m *Mirror) kafkaWriter(topic string) MessageWriter {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(m.brokers...),
		Topic:                  topic,
		Balancer:               m.balancer,
		BatchTimeout:           m.batchTimeout,
		AllowAutoTopicCreation: true,
	}
}

var _ adapters.BroadcastMirror = (*Mirror)(nil)
