package newton

import (
	"sort"
	"sync"
)

// Saga is a long-running process that reacts to events across aggregates,
// issues commands, and completes exactly once.
//
// The orchestrator drives a saga through Start and Handle, persists it, and
// then runs the commands buffered in NewOperations. Sagas declare which later
// events they want through NewSagaInterests.
type Saga interface {
	// ID returns the saga instance identifier.
	ID() string

	// SetID sets the identifier. The orchestrator calls it before Start.
	SetID(id string)

	// SagaType returns the registered saga type.
	SagaType() string

	// IsComplete returns true once the saga has finished.
	IsComplete() bool

	// Start is called with the event that created the saga.
	Start(event Event) error

	// Handle is called with every later event matching one of the saga's interests.
	Handle(event Event) error

	// NewOperations returns commands issued since the last save.
	NewOperations() []CommandIntent

	// ClearNewOperations empties the command buffer.
	ClearNewOperations()

	// NewSagaInterests returns interests declared since the last save.
	NewSagaInterests() []SagaInterest

	// ClearNewSagaInterests empties the interest buffer.
	ClearNewSagaInterests()
}

// StreamDeclarer is required of every registered saga. It names the broadcast
// streams whose events can start or advance the saga.
type StreamDeclarer interface {
	DeclareStreams() []string
}

// StartEventDeclarer names the event type that starts a saga.
// Sagas without it can only be started with SagaOrchestrator.StartSaga.
type StartEventDeclarer interface {
	DeclareStartEventType() string
}

// SagaInterest records that a saga instance wants events of a type.
// An empty Key matches every event of the type; otherwise the key must equal
// the event's routing key (see Envelope.Key).
type SagaInterest struct {
	SagaID    string `json:"sagaId"`
	SagaType  string `json:"sagaType"`
	EventType string `json:"eventType"`
	Key       string `json:"key,omitempty"`
}

// SagaBase provides the bookkeeping every saga needs.
// Embed it and implement SagaType, Start and Handle.
// The exported fields are persisted with the saga state; the buffers are not.
type SagaBase struct {
	SagaID   string `json:"id" msgpack:"id"`
	Complete bool   `json:"complete" msgpack:"complete"`

	newOperations    []CommandIntent
	newSagaInterests []SagaInterest
}

// ID returns the saga identifier.
func (s *SagaBase) ID() string {
	return s.SagaID
}

// SetID sets the saga identifier.
func (s *SagaBase) SetID(id string) {
	s.SagaID = id
}

// IsComplete returns true once MarkComplete has been called.
func (s *SagaBase) IsComplete() bool {
	return s.Complete
}

// MarkComplete moves the saga to its terminal state.
func (s *SagaBase) MarkComplete() {
	s.Complete = true
}

// Issue buffers a command to run after the saga is saved.
func (s *SagaBase) Issue(intent CommandIntent) {
	s.newOperations = append(s.newOperations, intent)
}

// IssueCommand buffers a command of commandType targeting id.
func (s *SagaBase) IssueCommand(commandType string, id AggregateRootID, payload interface{}) {
	s.Issue(CommandIntent{
		Type:          commandType,
		ID:            id,
		Payload:       payload,
		OriginatingID: AggregateRootID(s.SagaID),
	})
}

// Interest declares interest in every event of eventType.
func (s *SagaBase) Interest(eventType string) {
	s.InterestFor(eventType, "")
}

// InterestFor declares interest in events of eventType whose key equals key.
func (s *SagaBase) InterestFor(eventType, key string) {
	s.newSagaInterests = append(s.newSagaInterests, SagaInterest{
		SagaID:    s.SagaID,
		EventType: eventType,
		Key:       key,
	})
}

// NewOperations returns the buffered commands.
func (s *SagaBase) NewOperations() []CommandIntent {
	return s.newOperations
}

// ClearNewOperations empties the command buffer.
func (s *SagaBase) ClearNewOperations() {
	s.newOperations = nil
}

// NewSagaInterests returns the buffered interests.
func (s *SagaBase) NewSagaInterests() []SagaInterest {
	return s.newSagaInterests
}

// ClearNewSagaInterests empties the interest buffer.
func (s *SagaBase) ClearNewSagaInterests() {
	s.newSagaInterests = nil
}

// SagaFactory creates an empty saga instance.
type SagaFactory func() Saga

// SagaRegistration binds a saga type to its factory.
type SagaRegistration struct {
	Type    string
	Factory SagaFactory
}

// SagaRegistry maps saga types to factories. It is shared by the orchestrator
// and the saga repository.
type SagaRegistry struct {
	mu        sync.RWMutex
	factories map[string]SagaFactory
}

// NewSagaRegistry creates a new empty SagaRegistry.
func NewSagaRegistry() *SagaRegistry {
	return &SagaRegistry{
		factories: make(map[string]SagaFactory),
	}
}

// Register binds sagaType to factory.
func (r *SagaRegistry) Register(sagaType string, factory SagaFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[sagaType] = factory
}

// New creates an empty saga of sagaType.
func (r *SagaRegistry) New(sagaType string) (Saga, error) {
	r.mu.RLock()
	factory, ok := r.factories[sagaType]
	r.mu.RUnlock()

	if !ok {
		return nil, NewConfigurationError("saga", sagaType, "saga type not registered")
	}
	return factory(), nil
}

// Has reports whether sagaType is registered.
func (r *SagaRegistry) Has(sagaType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[sagaType]
	return ok
}

// Types returns the registered saga types in sorted order.
func (r *SagaRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// SagaStartCache maps a starting event type to the saga types it creates.
// Each list keeps registration order and has no duplicates.
type SagaStartCache struct {
	mu      sync.RWMutex
	byEvent map[string][]string
}

// NewSagaStartCache creates an empty cache.
func NewSagaStartCache() *SagaStartCache {
	return &SagaStartCache{byEvent: make(map[string][]string)}
}

// Add records that eventType starts sagaType.
func (c *SagaStartCache) Add(eventType, sagaType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.byEvent[eventType] {
		if existing == sagaType {
			return
		}
	}
	c.byEvent[eventType] = append(c.byEvent[eventType], sagaType)
}

// Find returns the saga types started by eventType.
func (c *SagaStartCache) Find(eventType string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	types := c.byEvent[eventType]
	out := make([]string, len(types))
	copy(out, types)
	return out
}

// SagaInterestMatcher decides whether an interest applies to an event.
type SagaInterestMatcher func(interest SagaInterest, event Envelope) bool

// DefaultInterestMatcher matches an empty key against every event and any
// other key against the event's routing key.
func DefaultInterestMatcher(interest SagaInterest, event Envelope) bool {
	if interest.Key == "" {
		return true
	}
	return interest.Key == event.Key()
}

// SagaLifecycleKind distinguishes lifecycle signals.
type SagaLifecycleKind int

const (
	// SagaStarted is posted after a new saga has been persisted.
	SagaStarted SagaLifecycleKind = iota + 1

	// SagaEnded is posted once, when a saga completes.
	SagaEnded
)

// String returns the kind name.
func (k SagaLifecycleKind) String() string {
	switch k {
	case SagaStarted:
		return "started"
	case SagaEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// SagaLifecycleEvent signals the start or end of a saga instance.
// It is delivered through a SagaLifecycleChannel, never through the event streams.
type SagaLifecycleEvent struct {
	Kind     SagaLifecycleKind
	SagaID   string
	SagaType string
}
