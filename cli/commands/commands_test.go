package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-newton"
	"github.com/AshkanYarmoradi/go-newton/adapters/memory"
	"github.com/AshkanYarmoradi/go-newton/cli/config"
	"github.com/AshkanYarmoradi/go-newton/examples/fulfillment"
)

// syncBuffer is a bytes.Buffer safe for the writes of background goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testEnv runs root commands against one shared in-memory runtime, so that
// state written by one command is visible to the next.
type testEnv struct {
	t          *testing.T
	configPath string
	client     *memory.StreamClient
	store      *memory.SagaStore
	stderr     *syncBuffer
}

type configOption func(*config.Config)

func newTestEnv(t *testing.T, opts ...configOption) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Project.Name = "shop-test"
	for _, opt := range opts {
		opt(cfg)
	}
	path := filepath.Join(t.TempDir(), config.ConfigFileName)
	require.NoError(t, cfg.SaveFile(path))

	e := &testEnv{
		t:          t,
		configPath: path,
		client:     memory.NewStreamClient(),
		store:      memory.NewSagaStore(),
		stderr:     &syncBuffer{},
	}
	t.Cleanup(func() { _ = e.client.Close() })
	return e
}

func (e *testEnv) factory(_ context.Context, cfg *config.Config, logger newton.Logger) (*Runtime, error) {
	codec, err := CodecFor(cfg.Codec)
	if err != nil {
		return nil, err
	}
	return &Runtime{Config: cfg, Client: e.client, Store: e.store, Codec: codec, Logger: logger}, nil
}

func (e *testEnv) run(args ...string) (string, error) {
	e.t.Helper()

	cmd := newRootCommand(e.factory)
	out := &syncBuffer{}
	cmd.SetOut(out)
	cmd.SetErr(e.stderr)
	cmd.SetArgs(append([]string{"--config", e.configPath, "--no-color"}, args...))

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *testEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	require.NoError(e.t, err, "newton %s", strings.Join(args, " "))
	return out
}

func TestVersionCommand(t *testing.T) {
	out := newTestEnv(t).mustRun("version")

	assert.Contains(t, out, "newton")
	assert.Contains(t, out, Version)
	assert.Contains(t, out, runtime.Version())
	assert.Contains(t, out, runtime.GOOS+"/"+runtime.GOARCH)
}

func TestRootCommand_Help(t *testing.T) {
	out := newTestEnv(t).mustRun("--help")

	for _, sub := range []string{"init", "migrate", "stream", "saga", "demo", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestConfigErrors(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		e := newTestEnv(t)
		e.configPath = filepath.Join(t.TempDir(), "absent.yaml")

		_, err := e.run("migrate")
		assert.ErrorIs(t, err, ErrNoConfig)
	})

	t.Run("invalid", func(t *testing.T) {
		e := newTestEnv(t, func(c *config.Config) {
			c.Codec = "xml"
			c.Database.Driver = "mysql"
		})

		_, err := e.run("stream", "list")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "codec")
		assert.Contains(t, err.Error(), "database.driver")
	})
}

func TestInitCommand(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/shop")
	e := newTestEnv(t)
	dir := filepath.Join(t.TempDir(), "shop")

	out := e.mustRun("init", dir, "--non-interactive", "-d", "postgres", "--codec", "msgpack", "-b", "sales")
	assert.Contains(t, out, "Created newton.yaml")
	assert.Contains(t, out, "newton migrate")

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "shop", cfg.Project.Name)
	assert.Equal(t, "sales", cfg.BoundedContext)
	assert.Equal(t, config.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/shop", cfg.Database.URL)
	assert.Equal(t, config.CodecMsgpack, cfg.Codec)

	t.Run("existing config is kept", func(t *testing.T) {
		out := e.mustRun("init", dir, "--non-interactive", "--codec", "json")
		assert.Contains(t, out, "already exists")

		cfg, err := config.Load(dir)
		require.NoError(t, err)
		assert.Equal(t, config.CodecMsgpack, cfg.Codec)
	})

	t.Run("invalid flags", func(t *testing.T) {
		_, err := e.run("init", filepath.Join(t.TempDir(), "bad"), "--non-interactive", "--codec", "xml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "codec")
	})
}

func TestMigrateCommand_Memory(t *testing.T) {
	out := newTestEnv(t).mustRun("migrate")
	assert.Contains(t, out, "Memory driver doesn't require migrations")
}

func TestEmptyStore(t *testing.T) {
	e := newTestEnv(t)

	assert.Contains(t, e.mustRun("stream", "list"), "No streams found")
	assert.Contains(t, e.mustRun("stream", "replay", "aggregate/o-1"), "No events on aggregate/o-1")
	assert.Contains(t, e.mustRun("saga", "list"), "No sagas found")
	assert.Contains(t, e.mustRun("saga", "interests", "StockReserved"), "No saga is waiting for StockReserved")

	_, err := e.run("saga", "show", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = e.run("stream", "replay", "x", "--mode", "sideways")
	assert.Error(t, err)
}

func TestDemoCommand(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.BoundedContext = "shop" })

	out := e.mustRun("demo", "--plain", "--orders", "3", "--stock", "5", "--quantity", "2")
	assert.Equal(t, 2, strings.Count(out, fulfillment.StatusConfirmed), out)
	assert.Equal(t, 1, strings.Count(out, fulfillment.StatusCancelled), out)
	assert.Contains(t, out, "Available apple:")
	assert.Contains(t, out, "1")

	t.Run("stream list", func(t *testing.T) {
		out := e.mustRun("stream", "list")
		assert.Contains(t, out, "shop/Order")
		assert.Contains(t, out, "shop/Inventory")
		assert.Contains(t, out, "aggregate/"+string(fulfillment.WarehouseID))

		filtered := e.mustRun("stream", "list", "--prefix", "shop/")
		assert.NotContains(t, filtered, "aggregate/")
	})

	t.Run("stream replay", func(t *testing.T) {
		out := e.mustRun("stream", "replay", "aggregate/"+string(fulfillment.WarehouseID), "--data")
		assert.Contains(t, out, "StockAdded")
		assert.Contains(t, out, "StockReserved")
		assert.Contains(t, out, "StockRejected")
		assert.Contains(t, out, `"sku":"apple"`)
		assert.Contains(t, out, "mode replay")

		limited := e.mustRun("stream", "replay", "shop/Order", "--mode", "replay-then-live", "--limit", "2", "--wait", "1s")
		assert.Contains(t, limited, "2 event(s)")

		live := e.mustRun("stream", "replay", "shop/Order", "--mode", "live", "--wait", "50ms")
		assert.Contains(t, live, "No events on shop/Order")
	})

	t.Run("saga list and show", func(t *testing.T) {
		out := e.mustRun("saga", "list", "--type", fulfillment.SagaType)
		assert.Equal(t, 3, strings.Count(out, "complete"), out)
		assert.Equal(t, 3, strings.Count(out, "OrderPlaced"), out)

		records := e.store.All()
		require.Len(t, records, 3)

		show := e.mustRun("saga", "show", records[0].ID)
		assert.Contains(t, show, records[0].ID)
		assert.Contains(t, show, fulfillment.SagaType)
		assert.Contains(t, show, `"orderId"`)
		assert.Contains(t, show, "State (json)")
	})

	t.Run("interests are dropped on completion", func(t *testing.T) {
		out := e.mustRun("saga", "interests", "StockReserved")
		assert.Contains(t, out, "No saga is waiting")
	})
}

func TestDemoCommand_RejectsBadFlags(t *testing.T) {
	_, err := newTestEnv(t).run("demo", "--plain", "--orders", "0")
	assert.Error(t, err)
}

func TestDemoCommand_Msgpack(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Codec = config.CodecMsgpack })

	out := e.mustRun("demo", "--plain", "--orders", "1")
	assert.Contains(t, out, fulfillment.StatusConfirmed)

	show := e.mustRun("saga", "show", e.store.All()[0].ID)
	assert.Contains(t, show, "State (msgpack)")
	assert.Contains(t, show, "bytes")
}

func TestDemoCommand_Observability(t *testing.T) {
	e := newTestEnv(t)

	out := e.mustRun("demo", "--plain", "--orders", "1", "--trace", "--metrics")
	assert.Contains(t, out, "newton_commands_total")
	assert.Contains(t, e.stderr.String(), `"SpanContext"`)
}

func TestDemoCommand_Spinner(t *testing.T) {
	e := newTestEnv(t)

	out := e.mustRun("demo", "--orders", "1")
	assert.Contains(t, out, "Done")
	assert.Contains(t, out, fulfillment.StatusConfirmed)
}

func TestDemoCommand_PostgresUnreachable(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.ConfigFileName)
	cfg := config.DefaultConfig()
	cfg.Database.Driver = config.DriverPostgres
	cfg.Database.URL = "postgres://newton@127.0.0.1:1/newton?sslmode=disable&connect_timeout=1"
	require.NoError(t, cfg.SaveFile(path))

	cmd := NewRootCommand()
	cmd.SetOut(&syncBuffer{})
	cmd.SetErr(&syncBuffer{})
	cmd.SetArgs([]string{"--config", path, "demo", "--plain"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to postgres")
}

func TestExecute_ReportsErrors(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	args := os.Args
	os.Args = []string{"newton", "stream", "list"}
	t.Cleanup(func() { os.Args = args })

	assert.ErrorIs(t, Execute(), ErrNoConfig)
}
