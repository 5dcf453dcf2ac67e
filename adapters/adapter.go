// Package adapters defines the contracts newton consumes from its event
// transport and saga storage, plus the helpers shared by their implementations.
package adapters

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for adapter implementations.
// Adapters should return these (or errors that match via errors.Is)
// so callers can handle failures the same way for every backend.
var (
	// ErrConcurrencyConflict is returned when the expected stream version does not match.
	ErrConcurrencyConflict = errors.New("newton: concurrency conflict")

	// ErrStreamNotFound is returned when a stream does not exist.
	ErrStreamNotFound = errors.New("newton: stream not found")

	// ErrEmptyStreamID is returned when an empty stream ID is provided.
	ErrEmptyStreamID = errors.New("newton: stream ID is required")

	// ErrNoEvents is returned when attempting to append zero events.
	ErrNoEvents = errors.New("newton: no events to append")

	// ErrInvalidVersion is returned when an invalid version is specified.
	ErrInvalidVersion = errors.New("newton: invalid version")

	// ErrAdapterClosed is returned when operations are attempted on a closed adapter.
	ErrAdapterClosed = errors.New("newton: adapter is closed")

	// ErrInvalidReplayMode is returned for an unknown ReplayMode.
	ErrInvalidReplayMode = errors.New("newton: invalid replay mode")

	// ErrSagaNotFound indicates the requested saga record does not exist.
	ErrSagaNotFound = errors.New("newton: saga not found")

	// ErrSagaAlreadyExists indicates a saga record with the same ID already exists.
	ErrSagaAlreadyExists = errors.New("newton: saga already exists")
)

// Metadata travels with every event record.
type Metadata struct {
	// AggregateID is the aggregate that produced the event.
	AggregateID string `json:"aggregateId,omitempty"`

	// AggregateType is the type of the producing aggregate.
	AggregateType string `json:"aggregateType,omitempty"`

	// CorrelationID links related events across services.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID identifies the event or command that caused this event.
	CausationID string `json:"causationId,omitempty"`

	// Custom holds any additional metadata.
	Custom map[string]string `json:"custom,omitempty"`
}

// EventRecord is an event to be appended or published.
type EventRecord struct {
	// Type is the event type tag.
	Type string

	// Data is the encoded event payload.
	Data []byte

	// Metadata contains contextual information.
	Metadata Metadata
}

// StoredEvent is an event as recorded by the transport.
type StoredEvent struct {
	// ID is the unique event identifier.
	ID string

	// StreamID is the stream this event belongs to.
	StreamID string

	// Type is the event type tag.
	Type string

	// Data is the encoded event payload.
	Data []byte

	// Metadata contains contextual information.
	Metadata Metadata

	// Version is the position within the stream (1-based).
	Version int64

	// GlobalPosition orders events across all streams.
	GlobalPosition uint64

	// Timestamp is when the event was stored.
	Timestamp time.Time
}

// ReplayMode selects where a subscription starts.
type ReplayMode int

const (
	// ReplayOnly delivers the stream history and then ends.
	ReplayOnly ReplayMode = iota

	// ReplayThenLive delivers the history followed by every new event,
	// with no gap and no duplicate at the boundary.
	ReplayThenLive

	// LiveOnly delivers only events recorded after the subscription starts.
	LiveOnly
)

// String returns the string representation of the replay mode.
func (m ReplayMode) String() string {
	switch m {
	case ReplayOnly:
		return "replay"
	case ReplayThenLive:
		return "replay-then-live"
	case LiveOnly:
		return "live"
	default:
		return "unknown"
	}
}

// ParseReplayMode parses the names produced by ReplayMode.String.
func ParseReplayMode(s string) (ReplayMode, error) {
	switch s {
	case "replay":
		return ReplayOnly, nil
	case "replay-then-live", "cold-hot":
		return ReplayThenLive, nil
	case "live", "hot":
		return LiveOnly, nil
	default:
		return 0, ErrInvalidReplayMode
	}
}

// Valid reports whether m is a known mode.
func (m ReplayMode) Valid() bool {
	return m >= ReplayOnly && m <= LiveOnly
}

// EventHandler receives events from a subscription.
// It is called on a goroutine owned by the transport, one event at a time,
// in stream order.
type EventHandler func(event StoredEvent)

// Subscription is a running stream subscription.
type Subscription interface {
	// Close stops delivery. It is safe to call more than once.
	Close() error

	// Done is closed when delivery has stopped: after Close, after the
	// context passed to Subscribe is cancelled, or when a ReplayOnly
	// subscription has delivered the whole history.
	Done() <-chan struct{}

	// Err returns the error that stopped delivery, if any.
	Err() error
}

// EventStreamClient is the durable event transport newton runs on.
// It keeps one private stream per aggregate and any number of broadcast streams.
type EventStreamClient interface {
	// LoadHistory returns the ordered events of a stream.
	// An unknown stream yields an empty slice or ErrStreamNotFound.
	LoadHistory(ctx context.Context, streamID string) ([]StoredEvent, error)

	// Append durably stores events on a stream with optimistic concurrency control.
	// expectedVersion specifies the current version the caller expects:
	//   - AnyVersion (-1): Skip version check
	//   - NoStream (0): Stream must not exist
	//   - StreamExists (-2): Stream must exist
	//   - Any positive number: Stream must be at this exact version
	Append(ctx context.Context, streamID string, events []EventRecord, expectedVersion int64) ([]StoredEvent, error)

	// Publish broadcasts events on a named stream without a version check.
	Publish(ctx context.Context, streamName string, events []EventRecord) error

	// Subscribe delivers the events of a stream to handler in stream order.
	Subscribe(ctx context.Context, streamName string, mode ReplayMode, handler EventHandler) (Subscription, error)

	// Close releases any resources held by the client.
	Close() error
}

// Initializer is implemented by clients and stores that need schema setup.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// HealthChecker provides health check capabilities.
type HealthChecker interface {
	// Ping checks if the adapter can reach its backend.
	Ping(ctx context.Context) error
}

// SagaRecord is the persisted form of a saga instance.
type SagaRecord struct {
	// ID is the unique saga identifier.
	ID string `json:"id"`

	// Type is the registered saga type.
	Type string `json:"type"`

	// Data is the encoded saga state.
	Data []byte `json:"data"`

	// Complete is true once the saga has reached its terminal state.
	Complete bool `json:"complete"`

	// TriggerType is the type of the event that started the saga.
	TriggerType string `json:"triggerType,omitempty"`

	// TriggerData is the encoded payload of the starting event.
	TriggerData []byte `json:"triggerData,omitempty"`

	// Version is incremented on every successful write.
	Version int64 `json:"version"`

	// CreatedAt is when the saga was first stored.
	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt is when the saga was last stored.
	UpdatedAt time.Time `json:"updatedAt"`
}

// InterestRecord is one entry of the interest index.
type InterestRecord struct {
	SagaID    string `json:"sagaId"`
	SagaType  string `json:"sagaType"`
	EventType string `json:"eventType"`
	Key       string `json:"key,omitempty"`
}

// SagaStore persists saga records and the reverse index of their interests.
type SagaStore interface {
	// Insert stores a new record. The record's version becomes 1.
	// Returns ErrSagaAlreadyExists if the ID is taken.
	Insert(ctx context.Context, record *SagaRecord) error

	// Update replaces Data and Complete if the stored version equals
	// record.Version, then increments record.Version. Trigger fields are
	// kept from the insert.
	// Returns ErrSagaNotFound or a ConcurrencyError.
	Update(ctx context.Context, record *SagaRecord) error

	// Get returns a record by ID, or ErrSagaNotFound.
	Get(ctx context.Context, sagaID string) (*SagaRecord, error)

	// AddInterests indexes interests. Duplicates are ignored.
	AddInterests(ctx context.Context, interests []InterestRecord) error

	// RemoveInterests drops every interest owned by the saga.
	RemoveInterests(ctx context.Context, sagaID string) error

	// InterestsFor returns the interests registered for an event type,
	// in registration order.
	InterestsFor(ctx context.Context, eventType string) ([]InterestRecord, error)
}

// BroadcastMirror copies broadcast events to an external system.
type BroadcastMirror interface {
	Mirror(ctx context.Context, streamName string, events []EventRecord) error
}
