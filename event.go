package newton

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-newton/adapters"
)

// Event is an immutable domain fact. EventType is the stable tag under which
// the event is registered, stored and routed.
type Event interface {
	EventType() string
}

// KeyedEvent is implemented by events that carry their own routing key.
// Saga interests with a key match against it instead of the aggregate id.
type KeyedEvent interface {
	Event
	EventKey() string
}

// Envelope is a decoded event together with what the transport recorded about it.
type Envelope struct {
	Event     Event
	ID        string
	StreamID  string
	Type      string
	Version   int64
	Position  uint64
	Metadata  adapters.Metadata
	Timestamp time.Time
}

// AggregateID returns the id of the aggregate that produced the event.
func (e Envelope) AggregateID() AggregateRootID {
	return AggregateRootID(e.Metadata.AggregateID)
}

// Key returns the routing key of the event: its own key when it has one,
// otherwise the producing aggregate id.
func (e Envelope) Key() string {
	if keyed, ok := e.Event.(KeyedEvent); ok {
		return keyed.EventKey()
	}
	return e.Metadata.AggregateID
}

type eventDecoder func(codec Codec, data []byte) (Event, error)

// EventRegistry maps event type tags to decoders.
// Populate it at startup with RegisterEvent.
type EventRegistry struct {
	mu       sync.RWMutex
	decoders map[string]eventDecoder
}

// NewEventRegistry creates a new empty EventRegistry.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{
		decoders: make(map[string]eventDecoder),
	}
}

// RegisterEvent registers T under the tag returned by its EventType method
// and returns that tag. T is usually a struct value type.
func RegisterEvent[T Event](r *EventRegistry) string {
	var zero T
	eventType := zero.EventType()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.decoders[eventType] = func(codec Codec, data []byte) (Event, error) {
		var e T
		if err := codec.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	}
	return eventType
}

// IsRegistered reports whether eventType has a decoder.
func (r *EventRegistry) IsRegistered(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[eventType]
	return ok
}

// RegisteredTypes returns the registered tags in sorted order.
func (r *EventRegistry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.decoders))
	for t := range r.decoders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Decode turns an encoded payload back into an Event.
func (r *EventRegistry) Decode(codec Codec, eventType string, data []byte) (Event, error) {
	r.mu.RLock()
	decode, ok := r.decoders[eventType]
	r.mu.RUnlock()

	if !ok {
		return nil, &EventTypeNotRegisteredError{EventType: eventType}
	}

	event, err := decode(codec, data)
	if err != nil {
		return nil, fmt.Errorf("newton: decode %s with %s: %w", eventType, codec.Name(), err)
	}
	return event, nil
}

// DecodeStored decodes a stored event into an Envelope.
func (r *EventRegistry) DecodeStored(codec Codec, stored adapters.StoredEvent) (Envelope, error) {
	event, err := r.Decode(codec, stored.Type, stored.Data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Event:     event,
		ID:        stored.ID,
		StreamID:  stored.StreamID,
		Type:      stored.Type,
		Version:   stored.Version,
		Position:  stored.GlobalPosition,
		Metadata:  stored.Metadata,
		Timestamp: stored.Timestamp,
	}, nil
}

// EncodeEvent builds the record for an event.
func EncodeEvent(codec Codec, event Event, metadata adapters.Metadata) (adapters.EventRecord, error) {
	data, err := codec.Marshal(event)
	if err != nil {
		return adapters.EventRecord{}, fmt.Errorf("newton: encode %s with %s: %w", event.EventType(), codec.Name(), err)
	}
	return adapters.EventRecord{
		Type:     event.EventType(),
		Data:     data,
		Metadata: metadata,
	}, nil
}
