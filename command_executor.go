package newton

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
)

// CommandDispatcher runs command intents. *CommandExecutor implements it.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, intent CommandIntent) (CommandResult, error)
}

// DispatchFunc executes a built command. Middleware wraps it.
type DispatchFunc func(ctx context.Context, commandType string, cmd Command) ([]Event, error)

// Middleware decorates command execution.
type Middleware func(next DispatchFunc) DispatchFunc

// ChainMiddleware composes middleware so the first one is outermost.
func ChainMiddleware(middleware ...Middleware) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		for i := len(middleware) - 1; i >= 0; i-- {
			next = middleware[i](next)
		}
		return next
	}
}

// ExecutorOption configures a CommandExecutor.
type ExecutorOption func(*CommandExecutor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger Logger) ExecutorOption {
	return func(e *CommandExecutor) {
		e.logger = logger
	}
}

// WithExecutorCodec sets the codec used to bind payloads.
func WithExecutorCodec(codec Codec) ExecutorOption {
	return func(e *CommandExecutor) {
		e.codec = codec
	}
}

// WithExecutorMiddleware adds middleware to the executor.
func WithExecutorMiddleware(middleware ...Middleware) ExecutorOption {
	return func(e *CommandExecutor) {
		e.middleware = append(e.middleware, middleware...)
	}
}

// CommandExecutor resolves intents to registered commands, builds and runs
// them, and reports execution failures as data.
type CommandExecutor struct {
	mu         sync.RWMutex
	factories  map[string]CommandFactory
	middleware []Middleware
	codec      Codec
	logger     Logger
}

// NewCommandExecutor creates a new CommandExecutor.
func NewCommandExecutor(opts ...ExecutorOption) *CommandExecutor {
	e := &CommandExecutor{
		factories: make(map[string]CommandFactory),
		codec:     NewJSONCodec(),
		logger:    &noopLogger{},
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Register binds commandType to factory, replacing any previous binding.
func (e *CommandExecutor) Register(commandType string, factory CommandFactory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.factories[commandType] = factory
}

// Use adds middleware to the executor.
func (e *CommandExecutor) Use(middleware ...Middleware) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.middleware = append(e.middleware, middleware...)
}

// HasCommand returns true if commandType is registered.
func (e *CommandExecutor) HasCommand(commandType string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.factories[commandType]
	return ok
}

// CommandTypes returns the registered command types in sorted order.
func (e *CommandExecutor) CommandTypes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	types := make([]string, 0, len(e.factories))
	for t := range e.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Dispatch builds and executes the command named by intent.Type.
//
// An unknown type returns *ConfigurationError and a binding failure returns
// *CommandCreateError; both are returned before anything runs. Once the
// command is built, errors and panics are reported in CommandResult.Failure
// and the returned error is nil.
func (e *CommandExecutor) Dispatch(ctx context.Context, intent CommandIntent) (CommandResult, error) {
	e.mu.RLock()
	factory, ok := e.factories[intent.Type]
	middleware := e.middleware
	e.mu.RUnlock()

	if !ok {
		return CommandResult{Events: []Event{}}, NewConfigurationError("command", intent.Type, "no command registered")
	}

	cmd, err := e.build(factory, intent)
	if err != nil {
		return CommandResult{Events: []Event{}}, &CommandCreateError{CommandType: intent.Type, Cause: err}
	}

	run := ChainMiddleware(middleware...)(execute)
	events, err := e.safeRun(ctx, run, intent.Type, cmd)
	if err != nil {
		e.logger.Error("Command failed", "type", intent.Type, "id", intent.ID, "error", err)
		return newFailedResult(intent.Type, err), nil
	}

	if events == nil {
		events = []Event{}
	}
	return CommandResult{Events: events}, nil
}

// execute is the innermost DispatchFunc. Panics are turned into errors here so
// that middleware observes them like any other failure.
func execute(ctx context.Context, commandType string, cmd Command) (events []Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return cmd.Execute(ctx)
}

// safeRun guards against middleware that panics.
func (e *CommandExecutor) safeRun(ctx context.Context, run DispatchFunc, commandType string, cmd Command) (events []Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			events = nil
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return run(ctx, commandType, cmd)
}

func (e *CommandExecutor) build(factory CommandFactory, intent CommandIntent) (cmd Command, err error) {
	defer func() {
		if r := recover(); r != nil {
			cmd = nil
			err = fmt.Errorf("factory panicked: %v", r)
		}
	}()

	cmd = factory()
	if cmd == nil {
		return nil, fmt.Errorf("factory returned nil")
	}

	if c, ok := cmd.(IdentifiableCommand); ok && !intent.ID.IsZero() {
		c.SetID(intent.ID)
	}
	if c, ok := cmd.(OriginAwareCommand); ok && !intent.OriginatingID.IsZero() {
		c.SetOriginatingID(intent.OriginatingID)
	}

	if intent.Payload != nil {
		if c, ok := cmd.(PayloadCommand); ok {
			if err := c.ApplyPayload(intent.Payload); err != nil {
				return nil, fmt.Errorf("apply payload: %w", err)
			}
		} else if err := e.bindPayload(cmd, intent.Payload); err != nil {
			return nil, fmt.Errorf("bind payload: %w", err)
		}
	}

	if len(intent.AdditionalProperties) > 0 {
		if err := bindProperties(cmd, intent.AdditionalProperties); err != nil {
			return nil, fmt.Errorf("bind properties: %w", err)
		}
	}

	return cmd, nil
}

// bindPayload copies the payload into the command through the codec.
func (e *CommandExecutor) bindPayload(cmd Command, payload interface{}) error {
	data, err := e.codec.Marshal(payload)
	if err != nil {
		return err
	}
	return e.codec.Unmarshal(data, cmd)
}

// bindProperties sets command fields by name. Properties that match no field
// are rejected.
func bindProperties(cmd Command, props map[string]interface{}) error {
	data, err := json.Marshal(props)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cmd)
}
