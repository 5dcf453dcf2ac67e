// Package sagas provides BDD-style fixtures for unit-testing newton sagas.
//
// The fixture drives a saga the way the orchestrator does, without a stream
// client or a saga store: it starts the saga with a triggering event, hands
// it later events, and collects the commands and interests the saga buffers.
//
//	sagas.TestSaga(t, fulfillment.NewSaga()).
//		GivenStarted(fulfillment.OrderPlaced{OrderID: "o-1", SKU: "apple", Quantity: 2}).
//		When(fulfillment.StockReserved{OrderID: "o-1", SKU: "apple", Quantity: 2}).
//		ThenCommandTypes("ConfirmOrder").
//		ThenCompleted()
package sagas

import (
	"errors"
	"reflect"
	"testing"

	"github.com/AshkanYarmoradi/go-newton"
)

// TB is an alias for testing.TB to enable easier mocking in tests.
type TB = testing.TB

// DefaultSagaID is assigned to sagas that have no id yet.
const DefaultSagaID = "saga-under-test"

// SagaTestFixture provides BDD-style testing for sagas.
type SagaTestFixture struct {
	t         TB
	saga      newton.Saga
	started   bool
	commands  []newton.CommandIntent
	interests []newton.SagaInterest
	err       error
}

// TestSaga creates a new saga test fixture.
func TestSaga(t TB, saga newton.Saga) *SagaTestFixture {
	t.Helper()
	if saga.ID() == "" {
		saga.SetID(DefaultSagaID)
	}
	return &SagaTestFixture{
		t:    t,
		saga: saga,
	}
}

// WithID sets the saga id.
func (f *SagaTestFixture) WithID(id string) *SagaTestFixture {
	f.saga.SetID(id)
	return f
}

// GivenStarted starts the saga with event.
func (f *SagaTestFixture) GivenStarted(event newton.Event) *SagaTestFixture {
	f.t.Helper()

	if f.started {
		f.t.Fatalf("Saga %s already started", f.saga.ID())
	}
	f.started = true
	f.err = f.saga.Start(event)
	f.collect()
	return f
}

// GivenEvents hands events to the started saga, collecting its output.
func (f *SagaTestFixture) GivenEvents(events ...newton.Event) *SagaTestFixture {
	f.t.Helper()

	for _, event := range events {
		if !f.handle(event) {
			break
		}
	}
	return f
}

// When discards what was collected so far and hands event to the saga.
// Then assertions see only what this event produced.
func (f *SagaTestFixture) When(event newton.Event) *SagaTestFixture {
	f.t.Helper()

	if f.err != nil {
		f.t.Fatalf("Saga failed before When: %v", f.err)
	}
	f.commands = nil
	f.interests = nil
	f.handle(event)
	return f
}

func (f *SagaTestFixture) handle(event newton.Event) bool {
	f.t.Helper()

	if !f.started {
		f.t.Fatalf("Saga must be started before it handles %s", event.EventType())
	}
	if f.err != nil {
		return false
	}
	f.err = f.saga.Handle(event)
	f.collect()
	return f.err == nil
}

// collect drains the saga buffers the way the saga repository does on save.
func (f *SagaTestFixture) collect() {
	f.commands = append(f.commands, f.saga.NewOperations()...)
	for _, in := range f.saga.NewSagaInterests() {
		in.SagaID = f.saga.ID()
		in.SagaType = f.saga.SagaType()
		f.interests = append(f.interests, in)
	}
	f.saga.ClearNewOperations()
	f.saga.ClearNewSagaInterests()
}

// Reload round-trips the saga through codec into a fresh instance from
// factory, as if it had been saved and loaded between two events. Fields the
// saga forgets to export fail later assertions.
func (f *SagaTestFixture) Reload(codec newton.Codec, factory newton.SagaFactory) *SagaTestFixture {
	f.t.Helper()

	data, err := codec.Marshal(f.saga)
	if err != nil {
		f.t.Fatalf("Cannot encode saga: %v", err)
	}
	reloaded := factory()
	if err := codec.Unmarshal(data, reloaded); err != nil {
		f.t.Fatalf("Cannot decode saga: %v", err)
	}
	f.saga = reloaded
	return f
}

func (f *SagaTestFixture) requireNoError() {
	f.t.Helper()
	if f.err != nil {
		f.t.Fatalf("Saga returned error: %v", f.err)
	}
}

// ThenCommands asserts the saga issued exactly the expected commands.
func (f *SagaTestFixture) ThenCommands(expected ...newton.CommandIntent) *SagaTestFixture {
	f.t.Helper()
	f.requireNoError()

	if len(f.commands) != len(expected) {
		f.t.Fatalf("Expected %d commands, got %d.\nExpected: %+v\nActual: %+v",
			len(expected), len(f.commands), expected, f.commands)
	}

	for i, exp := range expected {
		if !reflect.DeepEqual(f.commands[i], exp) {
			f.t.Errorf("Command %d mismatch:\nExpected: %+v\nActual: %+v",
				i, exp, f.commands[i])
		}
	}

	return f
}

// ThenCommandTypes asserts the types of the issued commands, in order.
func (f *SagaTestFixture) ThenCommandTypes(types ...string) *SagaTestFixture {
	f.t.Helper()
	f.requireNoError()

	actual := make([]string, len(f.commands))
	for i, c := range f.commands {
		actual[i] = c.Type
	}
	if !reflect.DeepEqual(actual, types) && (len(actual) != 0 || len(types) != 0) {
		f.t.Errorf("Command types mismatch:\nExpected: %v\nActual: %v", types, actual)
	}

	return f
}

// ThenNoCommands asserts that no commands were issued.
func (f *SagaTestFixture) ThenNoCommands() *SagaTestFixture {
	f.t.Helper()
	f.requireNoError()

	if len(f.commands) > 0 {
		f.t.Errorf("Expected no commands, got %d: %+v", len(f.commands), f.commands)
	}

	return f
}

// ThenCommandTargets asserts that the command at index targets id.
func (f *SagaTestFixture) ThenCommandTargets(index int, id newton.AggregateRootID) *SagaTestFixture {
	f.t.Helper()

	if index < 0 || index >= len(f.commands) {
		f.t.Fatalf("No command at index %d, got %d commands", index, len(f.commands))
	}
	if f.commands[index].ID != id {
		f.t.Errorf("Command %d targets %q, expected %q", index, f.commands[index].ID, id)
	}
	if f.commands[index].OriginatingID != newton.AggregateRootID(f.saga.ID()) {
		f.t.Errorf("Command %d originates from %q, expected saga %q",
			index, f.commands[index].OriginatingID, f.saga.ID())
	}

	return f
}

// ThenInterestedIn asserts the saga declared interest in eventType with key.
// An empty key means every event of the type.
func (f *SagaTestFixture) ThenInterestedIn(eventType, key string) *SagaTestFixture {
	f.t.Helper()

	for _, in := range f.interests {
		if in.EventType == eventType && in.Key == key {
			return f
		}
	}
	f.t.Errorf("Saga declared no interest in %s with key %q; interests: %+v", eventType, key, f.interests)
	return f
}

// ThenInterests asserts the declared interests, in order.
func (f *SagaTestFixture) ThenInterests(expected ...newton.SagaInterest) *SagaTestFixture {
	f.t.Helper()

	if len(f.interests) != len(expected) {
		f.t.Fatalf("Expected %d interests, got %d.\nExpected: %+v\nActual: %+v",
			len(expected), len(f.interests), expected, f.interests)
	}
	for i, exp := range expected {
		if f.interests[i] != exp {
			f.t.Errorf("Interest %d mismatch:\nExpected: %+v\nActual: %+v", i, exp, f.interests[i])
		}
	}
	return f
}

// ThenCompleted asserts that the saga has completed.
func (f *SagaTestFixture) ThenCompleted() *SagaTestFixture {
	f.t.Helper()

	if !f.saga.IsComplete() {
		f.t.Error("Expected saga to be complete, but it is not")
	}

	return f
}

// ThenNotCompleted asserts that the saga has not completed.
func (f *SagaTestFixture) ThenNotCompleted() *SagaTestFixture {
	f.t.Helper()

	if f.saga.IsComplete() {
		f.t.Error("Expected saga to not be complete, but it is")
	}

	return f
}

// ThenState runs check against the saga.
func (f *SagaTestFixture) ThenState(check func(t TB, saga newton.Saga)) *SagaTestFixture {
	f.t.Helper()
	check(f.t, f.saga)
	return f
}

// ThenError asserts that the saga failed. A non-nil expected must match the
// failure with errors.Is or by message.
func (f *SagaTestFixture) ThenError(expected error) *SagaTestFixture {
	f.t.Helper()

	if f.err == nil {
		f.t.Fatal("Expected error but got success")
	}

	if expected != nil && !errors.Is(f.err, expected) && f.err.Error() != expected.Error() {
		f.t.Errorf("Expected error %v, got %v", expected, f.err)
	}

	return f
}

// Commands returns the collected commands for additional assertions.
func (f *SagaTestFixture) Commands() []newton.CommandIntent {
	return f.commands
}

// Interests returns the collected interests.
func (f *SagaTestFixture) Interests() []newton.SagaInterest {
	return f.interests
}

// Saga returns the saga under test.
func (f *SagaTestFixture) Saga() newton.Saga {
	return f.saga
}

// Err returns the last error returned by the saga.
func (f *SagaTestFixture) Err() error {
	return f.err
}
