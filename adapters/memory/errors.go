package memory

import (
	"github.com/AshkanYarmoradi/go-newton/adapters"
)

// Sentinel errors of the memory adapter, shared with the adapters package so
// that errors.Is works across drivers.
var (
	ErrAdapterClosed       = adapters.ErrAdapterClosed
	ErrEmptyStreamID       = adapters.ErrEmptyStreamID
	ErrNoEvents            = adapters.ErrNoEvents
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict
)

// ConcurrencyError is returned by Publish when the expected version is stale.
type ConcurrencyError = adapters.ConcurrencyError
