package assertions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-newton"
	"github.com/AshkanYarmoradi/go-newton/adapters"
	"github.com/AshkanYarmoradi/go-newton/adapters/memory"
	"github.com/AshkanYarmoradi/go-newton/testing/testutil"
)

type itemPicked struct {
	SKU string `json:"sku"`
}

func (itemPicked) EventType() string { return "ItemPicked" }

type parcelPacked struct {
	Weight int `json:"weight"`
}

func (parcelPacked) EventType() string { return "ParcelPacked" }

func sample() []newton.Event {
	return []newton.Event{itemPicked{SKU: "apple"}, itemPicked{SKU: "pear"}, parcelPacked{Weight: 3}}
}

func TestTypedAssertions(t *testing.T) {
	events := sample()

	AssertEventTypes(t, events, "ItemPicked", "ItemPicked", "ParcelPacked")
	AssertEventData(t, events[0], itemPicked{SKU: "apple"})
	AssertLastEvent(t, events, parcelPacked{Weight: 3})
	AssertContainsEvent(t, events, itemPicked{SKU: "pear"})
	AssertNoEvents(t, nil)
	AssertNoneMatch(t, events, MatchEventType("ParcelShipped"))
	assert.Equal(t, 2, CountMatches(events, MatchEventType("ItemPicked")))
	assert.Equal(t, []string{"ItemPicked", "ItemPicked", "ParcelPacked"}, EventTypes(events))
}

func TestTypedAssertions_Failures(t *testing.T) {
	events := sample()

	tests := []struct {
		name  string
		fatal bool
		run   func(m *testutil.MockT)
	}{
		{"type count", true, func(m *testutil.MockT) { AssertEventTypes(m, events, "ItemPicked") }},
		{"type order", false, func(m *testutil.MockT) {
			AssertEventTypes(m, events, "ParcelPacked", "ItemPicked", "ItemPicked")
		}},
		{"wrong go type", true, func(m *testutil.MockT) { AssertEventData(m, events[2], itemPicked{}) }},
		{"wrong data", false, func(m *testutil.MockT) { AssertEventData(m, events[0], itemPicked{SKU: "kiwi"}) }},
		{"last of none", true, func(m *testutil.MockT) { AssertLastEvent(m, nil, itemPicked{}) }},
		{"not contained", false, func(m *testutil.MockT) { AssertContainsEvent(m, events, parcelPacked{Weight: 9}) }},
		{"some events", false, func(m *testutil.MockT) { AssertNoEvents(m, events) }},
		{"matched", false, func(m *testutil.MockT) { AssertNoneMatch(m, events, MatchEvent(parcelPacked{Weight: 3})) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := testutil.RunWithMockT(tt.run)
			assert.True(t, mt.Failed())
			assert.Equal(t, tt.fatal, mt.IsFatal())
		})
	}
}

func TestDiffEvents(t *testing.T) {
	expected := []newton.Event{itemPicked{SKU: "apple"}, itemPicked{SKU: "pear"}}
	actual := []newton.Event{itemPicked{SKU: "apple"}, itemPicked{SKU: "kiwi"}, parcelPacked{Weight: 1}}

	diffs := DiffEvents(expected, actual)
	require.Len(t, diffs, 2)
	assert.Equal(t, DiffMismatch, diffs[0].Type)
	assert.Equal(t, 1, diffs[0].Index)
	assert.Equal(t, DiffExtra, diffs[1].Type)

	diffs = DiffEvents(actual, expected)
	require.Len(t, diffs, 2)
	assert.Equal(t, DiffMissing, diffs[1].Type)

	out := FormatDiffs(DiffEvents(expected, actual))
	assert.Contains(t, out, "Event 1 (mismatch)")
	assert.Contains(t, out, "+ ParcelPacked")
	assert.Equal(t, "no differences", FormatDiffs(nil))
	assert.Equal(t, "unknown", DiffType(9).String())

	mt := testutil.RunWithMockT(func(m *testutil.MockT) { AssertEventsEqual(m, expected, actual) })
	assert.True(t, mt.Failed())
	AssertEventsEqual(t, expected, expected)
}

func TestStoredAssertions(t *testing.T) {
	ctx := context.Background()
	codec := newton.NewJSONCodec()
	registry := newton.NewEventRegistry()
	newton.RegisterEvent[itemPicked](registry)
	newton.RegisterEvent[parcelPacked](registry)

	client := memory.NewStreamClient()
	defer client.Close()

	var records []adapters.EventRecord
	for _, e := range sample() {
		record, err := newton.EncodeEvent(codec, e, adapters.Metadata{CorrelationID: "corr-1"})
		require.NoError(t, err)
		records = append(records, record)
	}
	_, err := client.Append(ctx, "aggregate/parcel-1", records, adapters.NoStream)
	require.NoError(t, err)

	stored, err := client.LoadHistory(ctx, "aggregate/parcel-1")
	require.NoError(t, err)

	AssertStreamVersions(t, stored)
	AssertStoredTypes(t, stored, "ItemPicked", "ItemPicked", "ParcelPacked")
	AssertCorrelated(t, stored, "corr-1")
	AssertEventsEqual(t, sample(), DecodeAll(t, registry, codec, stored))

	t.Run("failures", func(t *testing.T) {
		bad := append([]adapters.StoredEvent(nil), stored...)
		bad[1].Version = 7

		for name, run := range map[string]func(m *testutil.MockT){
			"versions":    func(m *testutil.MockT) { AssertStreamVersions(m, bad) },
			"types":       func(m *testutil.MockT) { AssertStoredTypes(m, stored, "ItemPicked") },
			"correlation": func(m *testutil.MockT) { AssertCorrelated(m, stored, "corr-2") },
			"decode": func(m *testutil.MockT) {
				DecodeAll(m, newton.NewEventRegistry(), codec, stored)
			},
		} {
			t.Run(name, func(t *testing.T) {
				assert.True(t, testutil.RunWithMockT(run).Failed())
			})
		}
	})
}
