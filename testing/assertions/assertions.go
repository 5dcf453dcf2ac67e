// Package assertions provides event assertions for newton tests: typed checks
// on raised events, diffs between expected and actual histories, and checks
// on what a transport recorded.
package assertions

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/AshkanYarmoradi/go-newton"
	"github.com/AshkanYarmoradi/go-newton/adapters"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// AssertEventTypes checks the event type tags, in order.
func AssertEventTypes(t TB, events []newton.Event, types ...string) {
	t.Helper()

	if len(events) != len(types) {
		t.Fatalf("Expected %d events, got %d: %v", len(types), len(events), EventTypes(events))
	}

	for i, expectedType := range types {
		if actual := events[i].EventType(); actual != expectedType {
			t.Errorf("Event %d: expected type %s, got %s", i, expectedType, actual)
		}
	}
}

// AssertEventData checks that event is a T equal to expected.
func AssertEventData[T newton.Event](t TB, event newton.Event, expected T) {
	t.Helper()

	actual, ok := event.(T)
	if !ok {
		t.Fatalf("Event is not of expected type %T, got %T", expected, event)
	}

	if !reflect.DeepEqual(actual, expected) {
		t.Errorf("Event data mismatch:\nExpected: %+v\nActual: %+v", expected, actual)
	}
}

// AssertNoEvents checks that no events were produced.
func AssertNoEvents(t TB, events []newton.Event) {
	t.Helper()

	if len(events) > 0 {
		t.Errorf("Expected no events, got %d: %v", len(events), EventTypes(events))
	}
}

// AssertLastEvent checks the last event matches the expected data.
func AssertLastEvent[T newton.Event](t TB, events []newton.Event, expected T) {
	t.Helper()

	if len(events) == 0 {
		t.Fatal("Expected at least one event, got none")
	}

	AssertEventData(t, events[len(events)-1], expected)
}

// AssertContainsEvent checks that some event is a T equal to expected.
func AssertContainsEvent[T newton.Event](t TB, events []newton.Event, expected T) {
	t.Helper()

	if CountMatches(events, MatchEvent(expected)) == 0 {
		t.Errorf("Events do not contain expected event: %+v", expected)
	}
}

// EventTypes returns the type tags of events.
func EventTypes(events []newton.Event) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.EventType()
	}
	return types
}

// EventDiff represents a difference between expected and actual events.
type EventDiff struct {
	Index    int
	Expected newton.Event
	Actual   newton.Event
	Type     DiffType
}

// DiffType represents the type of difference.
type DiffType int

const (
	// DiffMismatch means both events exist but differ.
	DiffMismatch DiffType = iota
	// DiffMissing means an expected event is absent.
	DiffMissing
	// DiffExtra means an unexpected event is present.
	DiffExtra
)

// String returns a human-readable representation of the diff type.
func (d DiffType) String() string {
	switch d {
	case DiffMismatch:
		return "mismatch"
	case DiffMissing:
		return "missing"
	case DiffExtra:
		return "extra"
	default:
		return "unknown"
	}
}

// DiffEvents compares two event slices position by position.
func DiffEvents(expected, actual []newton.Event) []EventDiff {
	var diffs []EventDiff

	for i := 0; i < len(expected) || i < len(actual); i++ {
		switch {
		case i >= len(expected):
			diffs = append(diffs, EventDiff{Index: i, Actual: actual[i], Type: DiffExtra})
		case i >= len(actual):
			diffs = append(diffs, EventDiff{Index: i, Expected: expected[i], Type: DiffMissing})
		case !reflect.DeepEqual(expected[i], actual[i]):
			diffs = append(diffs, EventDiff{Index: i, Expected: expected[i], Actual: actual[i], Type: DiffMismatch})
		}
	}

	return diffs
}

// FormatDiffs formats event diffs as a human-readable string.
func FormatDiffs(diffs []EventDiff) string {
	if len(diffs) == 0 {
		return "no differences"
	}

	var buf strings.Builder
	buf.WriteString("Event differences:\n")

	for _, diff := range diffs {
		fmt.Fprintf(&buf, "  Event %d (%s):\n", diff.Index, diff.Type)
		switch diff.Type {
		case DiffExtra:
			fmt.Fprintf(&buf, "    + %s %+v (unexpected)\n", diff.Actual.EventType(), diff.Actual)
		case DiffMissing:
			fmt.Fprintf(&buf, "    - %s %+v (missing)\n", diff.Expected.EventType(), diff.Expected)
		case DiffMismatch:
			fmt.Fprintf(&buf, "    - %s %+v\n", diff.Expected.EventType(), diff.Expected)
			fmt.Fprintf(&buf, "    + %s %+v\n", diff.Actual.EventType(), diff.Actual)
		}
	}

	return buf.String()
}

// AssertEventsEqual compares two event slices and fails if they differ.
func AssertEventsEqual(t TB, expected, actual []newton.Event) {
	t.Helper()

	if diffs := DiffEvents(expected, actual); len(diffs) > 0 {
		t.Error(FormatDiffs(diffs))
	}
}

// EventMatcher is a function that checks if an event matches certain criteria.
type EventMatcher func(event newton.Event) bool

// MatchEventType matches events by type tag.
func MatchEventType(eventType string) EventMatcher {
	return func(event newton.Event) bool {
		return event.EventType() == eventType
	}
}

// MatchEvent matches events equal to expected.
func MatchEvent[T newton.Event](expected T) EventMatcher {
	return func(event newton.Event) bool {
		actual, ok := event.(T)
		return ok && reflect.DeepEqual(actual, expected)
	}
}

// CountMatches returns the number of events that match the matcher.
func CountMatches(events []newton.Event, matcher EventMatcher) int {
	count := 0
	for _, event := range events {
		if matcher(event) {
			count++
		}
	}
	return count
}

// AssertNoneMatch checks that no events match the matcher.
func AssertNoneMatch(t TB, events []newton.Event, matcher EventMatcher) {
	t.Helper()

	for i, event := range events {
		if matcher(event) {
			t.Errorf("Event %d unexpectedly matched: %+v", i, event)
		}
	}
}

// AssertStreamVersions checks that stored events carry versions 1..n in order.
func AssertStreamVersions(t TB, stored []adapters.StoredEvent) {
	t.Helper()

	for i, e := range stored {
		if e.Version != int64(i+1) {
			t.Errorf("Stored event %d (%s) has version %d, expected %d", i, e.Type, e.Version, i+1)
		}
	}
}

// AssertStoredTypes checks the type tags of stored events, in order.
func AssertStoredTypes(t TB, stored []adapters.StoredEvent, types ...string) {
	t.Helper()

	actual := make([]string, len(stored))
	for i, e := range stored {
		actual[i] = e.Type
	}
	if !reflect.DeepEqual(actual, types) && (len(actual) > 0 || len(types) > 0) {
		t.Errorf("Stored event types mismatch:\nExpected: %v\nActual: %v", types, actual)
	}
}

// AssertCorrelated checks that every stored event carries correlationID.
func AssertCorrelated(t TB, stored []adapters.StoredEvent, correlationID string) {
	t.Helper()

	for i, e := range stored {
		if e.Metadata.CorrelationID != correlationID {
			t.Errorf("Stored event %d (%s) has correlation id %q, expected %q",
				i, e.Type, e.Metadata.CorrelationID, correlationID)
		}
	}
}

// DecodeAll decodes stored events with registry and codec, failing t on the
// first error.
func DecodeAll(t TB, registry *newton.EventRegistry, codec newton.Codec, stored []adapters.StoredEvent) []newton.Event {
	t.Helper()

	events := make([]newton.Event, len(stored))
	for i, s := range stored {
		event, err := registry.Decode(codec, s.Type, s.Data)
		if err != nil {
			t.Fatalf("Cannot decode stored event %d (%s): %v", i, s.Type, err)
		}
		events[i] = event
	}
	return events
}
