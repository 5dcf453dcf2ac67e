package newton

import (
	"context"
	"errors"
)

// CommandFailedEventType is the event type of CommandFailedEvent.
const CommandFailedEventType = "CommandFailedEvent"

// CommandIntent requests a side effect against some aggregate.
// It is plain data so that sagas can buffer and persist it.
type CommandIntent struct {
	// Type is the registered command type.
	Type string `json:"type"`

	// Payload is bound to the command before execution.
	Payload interface{} `json:"payload,omitempty"`

	// ID is the target aggregate, if any.
	ID AggregateRootID `json:"id,omitempty"`

	// AdditionalProperties are bound onto the command by field name.
	// An unknown property fails command creation.
	AdditionalProperties map[string]interface{} `json:"additionalProperties,omitempty"`

	// OriginatingID is the aggregate or saga on whose behalf the command runs.
	OriginatingID AggregateRootID `json:"originatingId,omitempty"`
}

// NewCommandIntent creates an intent for commandType with a payload.
func NewCommandIntent(commandType string, payload interface{}) CommandIntent {
	return CommandIntent{Type: commandType, Payload: payload}
}

// WithID returns a copy of the intent targeting id.
func (i CommandIntent) WithID(id AggregateRootID) CommandIntent {
	i.ID = id
	return i
}

// WithProperty returns a copy of the intent with one additional property set.
func (i CommandIntent) WithProperty(name string, value interface{}) CommandIntent {
	props := make(map[string]interface{}, len(i.AdditionalProperties)+1)
	for k, v := range i.AdditionalProperties {
		props[k] = v
	}
	props[name] = value
	i.AdditionalProperties = props
	return i
}

// WithOriginatingID returns a copy of the intent carrying the originating id.
func (i CommandIntent) WithOriginatingID(id AggregateRootID) CommandIntent {
	i.OriginatingID = id
	return i
}

// Command is an executable unit of work that produces events.
// Collaborators such as repositories are injected by the factory's closure.
type Command interface {
	Execute(ctx context.Context) ([]Event, error)
}

// CommandFunc adapts a function to Command.
type CommandFunc func(ctx context.Context) ([]Event, error)

// Execute calls f.
func (f CommandFunc) Execute(ctx context.Context) ([]Event, error) {
	return f(ctx)
}

// CommandFactory creates a fresh command instance for each dispatch.
type CommandFactory func() Command

// IdentifiableCommand receives the target id of the intent.
type IdentifiableCommand interface {
	SetID(id AggregateRootID)
}

// PayloadCommand binds the payload itself instead of using a codec round-trip.
type PayloadCommand interface {
	ApplyPayload(payload interface{}) error
}

// OriginAwareCommand receives the originating id of the intent.
type OriginAwareCommand interface {
	SetOriginatingID(id AggregateRootID)
}

// CommandResult is the outcome of a dispatch. A failed execution is reported
// through Failure rather than as an error.
type CommandResult struct {
	Events  []Event
	Failure *CommandFailedEvent
}

// IsSuccess returns true if the command executed without failure.
func (r CommandResult) IsSuccess() bool {
	return r.Failure == nil
}

// IsFailure returns true if the command failed during execution.
func (r CommandResult) IsFailure() bool {
	return r.Failure != nil
}

// CommandFailedEvent describes a command that failed during execution.
type CommandFailedEvent struct {
	CommandType string `json:"commandType"`
	Message     string `json:"message"`
	Cause       error  `json:"-"`
}

// EventType implements Event.
func (e CommandFailedEvent) EventType() string {
	return CommandFailedEventType
}

// Error implements error so a failure can be returned or wrapped when needed.
func (e *CommandFailedEvent) Error() string {
	return "newton: command " + e.CommandType + " failed: " + e.Message
}

// Unwrap returns the cause.
func (e *CommandFailedEvent) Unwrap() error {
	return e.Cause
}

// Panicked reports whether the command panicked.
func (e *CommandFailedEvent) Panicked() bool {
	var p *PanicError
	return errors.As(e.Cause, &p)
}

func newFailedResult(commandType string, cause error) CommandResult {
	return CommandResult{
		Events: []Event{},
		Failure: &CommandFailedEvent{
			CommandType: commandType,
			Message:     cause.Error(),
			Cause:       cause,
		},
	}
}
