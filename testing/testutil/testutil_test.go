package testutil

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-newton/adapters"
	"github.com/AshkanYarmoradi/go-newton/adapters/memory"
)

func TestDefaultConfig(t *testing.T) {
	t.Run("uses default when env not set", func(t *testing.T) {
		t.Setenv(DatabaseURLEnv, "")

		cfg := DefaultConfig()
		assert.Contains(t, cfg.PostgresURL, "newton_test")
		assert.Equal(t, 30, cfg.Retries)
	})

	t.Run("uses env var when set", func(t *testing.T) {
		t.Setenv(DatabaseURLEnv, "postgres://custom:5432/db")

		assert.Equal(t, "postgres://custom:5432/db", DefaultConfig().PostgresURL)
	})
}

func TestUniqueSchema(t *testing.T) {
	a := UniqueSchema("Orders")
	b := UniqueSchema("Orders")

	assert.True(t, strings.HasPrefix(a, "orders_"))
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(UniqueSchema(""), "newton_test_"))
}

func TestRequirePostgres_SkipsWithoutURL(t *testing.T) {
	t.Setenv(DatabaseURLEnv, "")

	mt := RunWithMockT(func(m *MockT) {
		RequirePostgres(m)
	})
	assert.True(t, mt.Skipped())
	assert.False(t, mt.Failed())
}

func TestMockT(t *testing.T) {
	t.Run("error does not stop", func(t *testing.T) {
		reached := false
		mt := RunWithMockT(func(m *MockT) {
			m.Errorf("bad %d", 1)
			reached = true
		})
		assert.True(t, reached)
		assert.True(t, mt.Failed())
		assert.False(t, mt.IsFatal())
		assert.Equal(t, []string{"bad 1"}, mt.Messages())
	})

	t.Run("fatal stops", func(t *testing.T) {
		reached := false
		mt := RunWithMockT(func(m *MockT) {
			m.Fatal("stop")
			reached = true
		})
		assert.False(t, reached)
		assert.True(t, mt.IsFatal())
		assert.Equal(t, []string{"stop"}, mt.Messages())
	})

	t.Run("cleanups run in reverse", func(t *testing.T) {
		var order []int
		RunWithMockT(func(m *MockT) {
			m.Cleanup(func() { order = append(order, 1) })
			m.Cleanup(func() { order = append(order, 2) })
		})
		assert.Equal(t, []int{2, 1}, order)
	})
}

func TestFaultyClient(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	client := NewFaultyClient(memory.NewStreamClient())
	defer client.Close()

	events := []adapters.EventRecord{{Type: "OrderPlaced", Data: []byte(`{}`)}}

	client.FailAppend(boom)
	_, err := client.Append(ctx, "aggregate/o-1", events, adapters.NoStream)
	assert.ErrorIs(t, err, boom)

	client.Heal()
	_, err = client.Append(ctx, "aggregate/o-1", events, adapters.NoStream)
	require.NoError(t, err)
	assert.Equal(t, 2, client.Calls("append"))

	client.FailLoad(boom).FailPublish(boom).FailSubscribe(boom)
	_, err = client.LoadHistory(ctx, "aggregate/o-1")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, client.Publish(ctx, "newton/Order", events), boom)
	_, err = client.Subscribe(ctx, "newton/Order", adapters.LiveOnly, func(adapters.StoredEvent) {})
	assert.ErrorIs(t, err, boom)

	client.Heal()
	history, err := client.LoadHistory(ctx, "aggregate/o-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, 2, client.Calls("load"))
	assert.Equal(t, 1, client.Calls("publish"))
	assert.Equal(t, 1, client.Calls("subscribe"))
}

func TestPostgresDB_Integration(t *testing.T) {
	db := TestDB(t)
	ctx := context.Background()

	schema := TestSchema(t, db, "testutil")
	_, err := db.ExecContext(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)

	var exists bool
	err = db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)", schema).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, CleanupSchema(ctx, db, schema))
	err = db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)", schema).Scan(&exists)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPostgresDB_Unreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping network test in short mode")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := PostgresDB(ctx, &TestConfig{
		PostgresURL: "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1",
		Retries:     3,
	})
	require.Error(t, err)
}
