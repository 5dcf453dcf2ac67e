// Package bdd provides Given-When-Then fixtures for newton aggregates and
// commands.
//
// Aggregate fixtures replay history into an aggregate, run a behavior and
// compare the events it raised:
//
//	bdd.Given(t, fulfillment.NewOrder(), fulfillment.OrderPlaced{OrderID: "o-1", SKU: "apple", Quantity: 1}).
//		When(func(o *fulfillment.Order) error { return o.Confirm() }).
//		Then(fulfillment.OrderConfirmed{OrderID: "o-1"})
//
// Command fixtures dispatch an intent through a CommandExecutor and inspect
// the CommandResult.
package bdd

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/AshkanYarmoradi/go-newton"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// TestFixture provides BDD-style testing for aggregates.
type TestFixture[A newton.AggregateRoot] struct {
	t           TB
	aggregate   A
	givenEvents []newton.Event
	result      error
	executed    bool
}

// Given sets up the aggregate with historical events. They are applied when
// When runs, as the repository would replay them.
func Given[A newton.AggregateRoot](t TB, aggregate A, events ...newton.Event) *TestFixture[A] {
	t.Helper()
	return &TestFixture[A]{
		t:           t,
		aggregate:   aggregate,
		givenEvents: events,
	}
}

// When replays the given events and runs behavior against the aggregate.
func (f *TestFixture[A]) When(behavior func(agg A) error) *TestFixture[A] {
	f.t.Helper()

	if f.aggregate.AggregateID().IsZero() {
		f.aggregate.SetAggregateID("aggregate-under-test")
	}
	for _, event := range f.givenEvents {
		if err := f.aggregate.ApplyEvent(event); err != nil {
			f.t.Fatalf("Failed to apply given event %s: %v", event.EventType(), err)
		}
	}
	f.aggregate.SetVersion(int64(len(f.givenEvents)))
	f.aggregate.ClearNewOperations()

	f.result = behavior(f.aggregate)
	f.executed = true

	return f
}

func (f *TestFixture[A]) requireExecuted(step string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatalf("bdd: %s() must be called after When() - no behavior was executed", step)
	}
}

// Then asserts that the aggregate raised exactly the expected events.
func (f *TestFixture[A]) Then(expectedEvents ...newton.Event) *TestFixture[A] {
	f.t.Helper()
	f.requireExecuted("Then")

	if f.result != nil {
		f.t.Fatalf("Expected success but got error: %v", f.result)
	}

	raised := f.aggregate.NewOperations()
	if len(raised) != len(expectedEvents) {
		f.t.Fatalf("Expected %d events, got %d.\nExpected: %+v\nActual: %+v",
			len(expectedEvents), len(raised), expectedEvents, raised)
	}

	for i, expected := range expectedEvents {
		if !reflect.DeepEqual(raised[i], expected) {
			f.t.Errorf("Event %d mismatch:\nExpected: %+v\nActual: %+v",
				i, expected, raised[i])
		}
	}
	return f
}

// ThenError asserts that the behavior failed with an error matching expectedErr.
func (f *TestFixture[A]) ThenError(expectedErr error) {
	f.t.Helper()
	f.requireExecuted("ThenError")

	if f.result == nil {
		f.t.Fatal("Expected error but got success")
	}

	if !errors.Is(f.result, expectedErr) {
		f.t.Errorf("Expected error %v, got %v", expectedErr, f.result)
	}
}

// ThenErrorContains asserts that the error message contains a substring.
func (f *TestFixture[A]) ThenErrorContains(substring string) {
	f.t.Helper()
	f.requireExecuted("ThenErrorContains")

	if f.result == nil {
		f.t.Fatal("Expected error but got success")
	}

	if !strings.Contains(f.result.Error(), substring) {
		f.t.Errorf("Expected error containing %q, got %q", substring, f.result.Error())
	}
}

// ThenNoEvents asserts that the behavior succeeded without raising events.
func (f *TestFixture[A]) ThenNoEvents() {
	f.t.Helper()
	f.requireExecuted("ThenNoEvents")

	if f.result != nil {
		f.t.Fatalf("Expected success but got error: %v", f.result)
	}

	if raised := f.aggregate.NewOperations(); len(raised) > 0 {
		f.t.Errorf("Expected no events, got %d: %+v", len(raised), raised)
	}
}

// ThenState runs check against the aggregate.
func (f *TestFixture[A]) ThenState(check func(t TB, agg A)) *TestFixture[A] {
	f.t.Helper()
	f.requireExecuted("ThenState")
	check(f.t, f.aggregate)
	return f
}

// Aggregate returns the aggregate under test.
func (f *TestFixture[A]) Aggregate() A {
	return f.aggregate
}

// CommandTestFixture dispatches a command intent through an executor.
type CommandTestFixture struct {
	t        TB
	ctx      context.Context
	executor newton.CommandDispatcher
	result   newton.CommandResult
	err      error
	executed bool
}

// GivenCommand creates a command fixture over executor.
func GivenCommand(t TB, executor newton.CommandDispatcher) *CommandTestFixture {
	t.Helper()
	return &CommandTestFixture{
		t:        t,
		ctx:      context.Background(),
		executor: executor,
	}
}

// WithContext sets the context the command is dispatched with.
func (f *CommandTestFixture) WithContext(ctx context.Context) *CommandTestFixture {
	f.ctx = ctx
	return f
}

// When dispatches intent.
func (f *CommandTestFixture) When(intent newton.CommandIntent) *CommandTestFixture {
	f.t.Helper()
	f.result, f.err = f.executor.Dispatch(f.ctx, intent)
	f.executed = true
	return f
}

func (f *CommandTestFixture) requireExecuted(step string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatalf("bdd: %s() must be called after When() - no command was dispatched", step)
	}
}

// ThenSucceeds asserts the command was dispatched and executed without failure.
func (f *CommandTestFixture) ThenSucceeds() *CommandTestFixture {
	f.t.Helper()
	f.requireExecuted("ThenSucceeds")

	if f.err != nil {
		f.t.Fatalf("Expected dispatch to succeed, got error: %v", f.err)
	}
	if f.result.IsFailure() {
		f.t.Fatalf("Expected command to succeed, got failure: %v", f.result.Failure)
	}
	return f
}

// ThenEvents asserts the command returned exactly the expected events.
func (f *CommandTestFixture) ThenEvents(expected ...newton.Event) *CommandTestFixture {
	f.t.Helper()
	f.ThenSucceeds()

	if len(f.result.Events) != len(expected) {
		f.t.Fatalf("Expected %d events, got %d.\nExpected: %+v\nActual: %+v",
			len(expected), len(f.result.Events), expected, f.result.Events)
	}
	for i, exp := range expected {
		if !reflect.DeepEqual(f.result.Events[i], exp) {
			f.t.Errorf("Event %d mismatch:\nExpected: %+v\nActual: %+v", i, exp, f.result.Events[i])
		}
	}
	return f
}

// ThenFails asserts the command ran and failed with an error matching
// expectedErr. A nil expectedErr accepts any failure.
func (f *CommandTestFixture) ThenFails(expectedErr error) *CommandTestFixture {
	f.t.Helper()
	f.requireExecuted("ThenFails")

	if f.err != nil {
		f.t.Fatalf("Expected a command failure, got dispatch error: %v", f.err)
	}
	if f.result.IsSuccess() {
		f.t.Fatal("Expected command to fail but it succeeded")
	}
	if len(f.result.Events) != 0 {
		f.t.Errorf("Failed command returned %d events", len(f.result.Events))
	}
	if expectedErr != nil && !errors.Is(f.result.Failure, expectedErr) {
		f.t.Errorf("Expected failure %v, got %v", expectedErr, f.result.Failure)
	}
	return f
}

// ThenRejected asserts the intent was rejected before execution, for example
// because its type is unknown or its payload does not bind.
func (f *CommandTestFixture) ThenRejected(expectedErr error) *CommandTestFixture {
	f.t.Helper()
	f.requireExecuted("ThenRejected")

	if f.err == nil {
		f.t.Fatal("Expected dispatch to be rejected but it was not")
	}
	if expectedErr != nil && !errors.Is(f.err, expectedErr) {
		f.t.Errorf("Expected rejection %v, got %v", expectedErr, f.err)
	}
	return f
}

// Result returns the dispatch result.
func (f *CommandTestFixture) Result() newton.CommandResult {
	return f.result
}
