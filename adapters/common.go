package adapters

import (
	"fmt"
)

// Expected versions understood by Append besides an exact stream length.
const (
	// AnyVersion appends regardless of the stream's length. Broadcast
	// publishing uses it.
	AnyVersion int64 = -1

	// NoStream appends only to an empty or missing stream. It equals the
	// version of a fresh aggregate.
	NoStream int64 = 0

	// StreamExists appends only to a stream with at least one event.
	StreamExists int64 = -2
)

// ConcurrencyError reports that an Append or a saga Update lost a race: the
// stream or record had moved past the version the writer read.
type ConcurrencyError struct {
	StreamID        string
	ExpectedVersion int64
	ActualVersion   int64
}

func NewConcurrencyError(streamID string, expected, actual int64) *ConcurrencyError {
	return &ConcurrencyError{StreamID: streamID, ExpectedVersion: expected, ActualVersion: actual}
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("newton: concurrency conflict on %q: expected version %d, got %d",
		e.StreamID, e.ExpectedVersion, e.ActualVersion)
}

// Is matches ErrConcurrencyConflict.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// StreamNotFoundError is returned for StreamExists appends to a missing stream.
type StreamNotFoundError struct {
	StreamID string
}

func NewStreamNotFoundError(streamID string) *StreamNotFoundError {
	return &StreamNotFoundError{StreamID: streamID}
}

func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("newton: stream %q not found", e.StreamID)
}

// Is matches ErrStreamNotFound.
func (e *StreamNotFoundError) Is(target error) bool {
	return target == ErrStreamNotFound
}

// CheckVersion applies the optimistic concurrency rule every EventStreamClient
// shares. current is the stream length and exists whether it has been created.
func CheckVersion(streamID string, expected, current int64, exists bool) error {
	if expected == AnyVersion {
		return nil
	}
	if expected == StreamExists {
		if exists {
			return nil
		}
		return NewStreamNotFoundError(streamID)
	}
	if expected < 0 {
		return ErrInvalidVersion
	}
	if !exists {
		current = 0
	}
	if current != expected {
		return NewConcurrencyError(streamID, expected, current)
	}
	return nil
}

// CopyRecord returns a copy of record that shares no byte slices with it, so
// in-memory stores never hand out their own buffers.
func CopyRecord(record *SagaRecord) *SagaRecord {
	if record == nil {
		return nil
	}
	cp := *record
	cp.Data = append([]byte(nil), record.Data...)
	if record.TriggerData != nil {
		cp.TriggerData = append([]byte(nil), record.TriggerData...)
	}
	return &cp
}
