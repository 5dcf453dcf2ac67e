package newton

// AggregateRoot is a mutable projection built from an ordered event history.
type AggregateRoot interface {
	// AggregateID returns the identity of this instance.
	AggregateID() AggregateRootID

	// SetAggregateID sets the identity. It is called before replay.
	SetAggregateID(id AggregateRootID)

	// AggregateType names the aggregate kind, e.g. "Order".
	// It selects the broadcast stream the aggregate publishes to.
	AggregateType() string

	// Version returns the number of persisted events applied so far.
	Version() int64

	// SetVersion sets the version after replay or save.
	SetVersion(v int64)

	// ApplyEvent mutates state from an event. It must be deterministic.
	ApplyEvent(event Event) error

	// NewOperations returns events raised but not yet persisted.
	NewOperations() []Event

	// ClearNewOperations empties the buffer after a successful save.
	ClearNewOperations()
}

// AggregateBase provides a default partial implementation of AggregateRoot.
// Embed it and implement AggregateType and ApplyEvent.
type AggregateBase struct {
	id            AggregateRootID
	version       int64
	newOperations []Event
}

// AggregateID returns the aggregate's unique identifier.
func (a *AggregateBase) AggregateID() AggregateRootID {
	return a.id
}

// SetAggregateID sets the aggregate's ID.
func (a *AggregateBase) SetAggregateID(id AggregateRootID) {
	a.id = id
}

// Version returns the current version of the aggregate.
func (a *AggregateBase) Version() int64 {
	return a.version
}

// SetVersion sets the aggregate version.
func (a *AggregateBase) SetVersion(v int64) {
	a.version = v
}

// NewOperations returns events that haven't been persisted yet.
func (a *AggregateBase) NewOperations() []Event {
	return a.newOperations
}

// ClearNewOperations removes all buffered events.
func (a *AggregateBase) ClearNewOperations() {
	a.newOperations = nil
}

// Raise buffers an event for the next save.
// The aggregate should also update its own state from the event,
// usually by calling its ApplyEvent.
func (a *AggregateBase) Raise(event Event) {
	a.newOperations = append(a.newOperations, event)
}

// HasNewOperations returns true if there are events waiting to be persisted.
func (a *AggregateBase) HasNewOperations() bool {
	return len(a.newOperations) > 0
}
