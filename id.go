package newton

import (
	"github.com/google/uuid"
)

// AggregateRootID identifies an aggregate. It doubles as the key of the
// aggregate's private stream.
type AggregateRootID string

// NewAggregateRootID returns a random identifier.
func NewAggregateRootID() AggregateRootID {
	return AggregateRootID(uuid.New().String())
}

// String returns the identifier as a string.
func (id AggregateRootID) String() string {
	return string(id)
}

// IsZero reports whether the identifier is empty.
func (id AggregateRootID) IsZero() bool {
	return id == ""
}

// sagaNamespace scopes deterministic saga ids.
var sagaNamespace = uuid.MustParse("6f0b7a4c-2f0e-5d7e-9b1a-3c7d2e8f4a10")

// DeterministicSagaID derives a saga id from its type and the id of the event
// that started it. Redelivering the same event yields the same id.
func DeterministicSagaID(sagaType, triggerEventID string) string {
	return uuid.NewSHA1(sagaNamespace, []byte(sagaType+"\x00"+triggerEventID)).String()
}
