package newton

import (
	"errors"
	"fmt"

	"github.com/AshkanYarmoradi/go-newton/adapters"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these errors.
var (
	// ErrAggregateNotFound indicates an aggregate has no recorded history.
	ErrAggregateNotFound = errors.New("newton: aggregate not found")

	// ErrOptimisticLock indicates the aggregate version did not match the expected version.
	ErrOptimisticLock = errors.New("newton: optimistic lock failure")

	// ErrSagaNotFound indicates the requested saga does not exist.
	ErrSagaNotFound = adapters.ErrSagaNotFound

	// ErrSagaAlreadyExists indicates a saga with the same ID already exists.
	ErrSagaAlreadyExists = adapters.ErrSagaAlreadyExists

	// ErrConfiguration indicates a registration or wiring problem.
	ErrConfiguration = errors.New("newton: configuration error")

	// ErrCommandCreate indicates a command could not be built from its intent.
	ErrCommandCreate = errors.New("newton: command creation failed")

	// ErrBroadcastFailed indicates events were stored but could not be broadcast.
	ErrBroadcastFailed = errors.New("newton: broadcast failed")

	// ErrNilAggregate indicates a nil aggregate was passed.
	ErrNilAggregate = errors.New("newton: nil aggregate")

	// ErrOrchestratorRunning indicates Start was called twice.
	ErrOrchestratorRunning = errors.New("newton: orchestrator already running")

	// ErrWaitTimeout indicates a saga did not complete before the wait ended.
	ErrWaitTimeout = errors.New("newton: timed out waiting for saga")

	// ErrOrchestratorStopped indicates work was submitted to a stopped orchestrator.
	ErrOrchestratorStopped = errors.New("newton: orchestrator is not running")
)

// AggregateNotFoundError reports an aggregate id with an empty history.
type AggregateNotFoundError struct {
	ID AggregateRootID
}

// Error returns the error message.
func (e *AggregateNotFoundError) Error() string {
	return fmt.Sprintf("newton: aggregate %q not found", e.ID)
}

// Is reports whether this error matches the target error.
func (e *AggregateNotFoundError) Is(target error) bool {
	return target == ErrAggregateNotFound
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *AggregateNotFoundError) Unwrap() error {
	return ErrAggregateNotFound
}

// OptimisticLockError reports a version mismatch on load or save.
type OptimisticLockError struct {
	AggregateID AggregateRootID
	Expected    int64
	Actual      int64
}

// NewOptimisticLockError creates a new OptimisticLockError.
func NewOptimisticLockError(id AggregateRootID, expected, actual int64) *OptimisticLockError {
	return &OptimisticLockError{AggregateID: id, Expected: expected, Actual: actual}
}

// Error returns the error message.
func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("newton: optimistic lock on aggregate %q: expected version %d, actual version %d",
		e.AggregateID, e.Expected, e.Actual)
}

// Is reports whether this error matches the target error.
func (e *OptimisticLockError) Is(target error) bool {
	return target == ErrOptimisticLock || target == adapters.ErrConcurrencyConflict
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *OptimisticLockError) Unwrap() error {
	return ErrOptimisticLock
}

// SagaNotFoundError reports a saga id that has no persisted record.
type SagaNotFoundError struct {
	SagaID string
}

// Error returns the error message.
func (e *SagaNotFoundError) Error() string {
	return fmt.Sprintf("newton: saga %q not found", e.SagaID)
}

// Is reports whether this error matches the target error.
func (e *SagaNotFoundError) Is(target error) bool {
	return target == ErrSagaNotFound
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *SagaNotFoundError) Unwrap() error {
	return ErrSagaNotFound
}

// ConfigurationError reports a registration or wiring problem.
// Subject names the kind of thing that is misconfigured ("command", "saga", "event").
type ConfigurationError struct {
	Subject string
	Name    string
	Reason  string
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(subject, name, reason string) *ConfigurationError {
	return &ConfigurationError{Subject: subject, Name: name, Reason: reason}
}

// Error returns the error message.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("newton: %s %q: %s", e.Subject, e.Name, e.Reason)
}

// Is reports whether this error matches the target error.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// EventTypeNotRegisteredError reports a decode of an unknown event type.
type EventTypeNotRegisteredError struct {
	EventType string
}

// Error returns the error message.
func (e *EventTypeNotRegisteredError) Error() string {
	return fmt.Sprintf("newton: event type %q not registered", e.EventType)
}

// Is reports whether this error matches the target error.
func (e *EventTypeNotRegisteredError) Is(target error) bool {
	return target == ErrConfiguration
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *EventTypeNotRegisteredError) Unwrap() error {
	return ErrConfiguration
}

// CommandCreateError reports a failure to build a command from an intent.
type CommandCreateError struct {
	CommandType string
	Cause       error
}

// Error returns the error message.
func (e *CommandCreateError) Error() string {
	return fmt.Sprintf("newton: cannot create command %q: %v", e.CommandType, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *CommandCreateError) Is(target error) bool {
	return target == ErrCommandCreate
}

// Unwrap returns the underlying cause.
func (e *CommandCreateError) Unwrap() error {
	return e.Cause
}

// PanicError carries a value recovered from a panicking command.
type PanicError struct {
	Value interface{}
	Stack string
}

// Error returns the error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("newton: command panicked: %v", e.Value)
}

// Unwrap returns the panic value if it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
