// Package postgres provides PostgreSQL implementations of the newton event
// transport and saga store.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-newton/adapters"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// DefaultSchema is the schema used when none is configured.
const DefaultSchema = "newton"

// Sentinel errors for the postgres adapter.
// These are aliases to the adapters package errors for compatibility with errors.Is().
var (
	ErrAdapterClosed       = adapters.ErrAdapterClosed
	ErrEmptyStreamID       = adapters.ErrEmptyStreamID
	ErrNoEvents            = adapters.ErrNoEvents
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict
	ErrStreamNotFound      = adapters.ErrStreamNotFound
	ErrInvalidVersion      = adapters.ErrInvalidVersion
)

// Ensure StreamClient implements required interfaces.
var (
	_ adapters.EventStreamClient = (*StreamClient)(nil)
	_ adapters.Initializer       = (*StreamClient)(nil)
	_ adapters.HealthChecker     = (*StreamClient)(nil)
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validateIdentifier checks that name is a plain PostgreSQL identifier.
func validateIdentifier(name, kind string) error {
	if name == "" {
		return fmt.Errorf("newton/postgres: %s name cannot be empty", kind)
	}
	if len(name) > 63 {
		return fmt.Errorf("newton/postgres: %s name exceeds 63 characters", kind)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("newton/postgres: %s name %q contains invalid characters", kind, name)
	}
	return nil
}

func quoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

func qualified(schema, table string) string {
	return quoteIdentifier(schema) + "." + quoteIdentifier(table)
}

// StreamClient is a PostgreSQL EventStreamClient. Private and broadcast
// streams share one events table; subscriptions poll it.
type StreamClient struct {
	db           *sql.DB
	ownsDB       bool
	schema       string
	pollInterval time.Duration
	batchSize    int

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
}

// Option configures a StreamClient.
type Option func(*StreamClient)

// WithSchema sets the database schema name.
func WithSchema(schema string) Option {
	return func(c *StreamClient) {
		c.schema = schema
	}
}

// WithPollInterval sets how often subscriptions look for new events.
func WithPollInterval(d time.Duration) Option {
	return func(c *StreamClient) {
		c.pollInterval = d
	}
}

// WithBatchSize sets how many events a subscription reads per query.
func WithBatchSize(n int) Option {
	return func(c *StreamClient) {
		c.batchSize = n
	}
}

// WithMaxConnections sets the maximum number of open connections.
func WithMaxConnections(n int) Option {
	return func(c *StreamClient) {
		c.db.SetMaxOpenConns(n)
	}
}

// WithMaxIdleConnections sets the maximum number of idle connections.
func WithMaxIdleConnections(n int) Option {
	return func(c *StreamClient) {
		c.db.SetMaxIdleConns(n)
	}
}

// WithConnectionMaxLifetime sets the maximum connection lifetime.
func WithConnectionMaxLifetime(d time.Duration) Option {
	return func(c *StreamClient) {
		c.db.SetConnMaxLifetime(d)
	}
}

// NewStreamClient opens connStr with the pgx driver.
func NewStreamClient(connStr string, opts ...Option) (*StreamClient, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("newton/postgres: failed to open database: %w", err)
	}

	c := NewStreamClientWithDB(db, opts...)
	c.ownsDB = true
	return c, nil
}

// NewStreamClientWithDB creates a client on an existing connection pool.
// Close does not close db.
func NewStreamClientWithDB(db *sql.DB, opts ...Option) *StreamClient {
	c := &StreamClient{
		db:           db,
		schema:       DefaultSchema,
		pollInterval: 100 * time.Millisecond,
		batchSize:    500,
		subs:         make(map[*subscription]struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *StreamClient) table(name string) string {
	return qualified(c.schema, name)
}

// Initialize creates the schema and tables.
func (c *StreamClient) Initialize(ctx context.Context) error {
	return c.Migrate(ctx)
}

// Migrate creates the schema, the streams table and the events table.
// It is idempotent.
func (c *StreamClient) Migrate(ctx context.Context) error {
	if err := validateIdentifier(c.schema, "schema"); err != nil {
		return err
	}

	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + quoteIdentifier(c.schema),
		`CREATE TABLE IF NOT EXISTS ` + c.table("streams") + ` (
			stream_id   VARCHAR(500) PRIMARY KEY,
			version     BIGINT NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + c.table("events") + ` (
			global_position BIGSERIAL PRIMARY KEY,
			event_id        UUID NOT NULL DEFAULT gen_random_uuid(),
			stream_id       VARCHAR(500) NOT NULL,
			version         BIGINT NOT NULL,
			event_type      VARCHAR(500) NOT NULL,
			data            BYTEA NOT NULL,
			metadata        JSONB,
			timestamp       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(stream_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON ` + c.table("events") + `(event_type)`,
	}

	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("newton/postgres: migrate: %w", err)
		}
	}
	return nil
}

func (c *StreamClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LoadHistory returns the events of streamID in order. An unknown stream
// yields an empty slice.
func (c *StreamClient) LoadHistory(ctx context.Context, streamID string) ([]adapters.StoredEvent, error) {
	if c.isClosed() {
		return nil, ErrAdapterClosed
	}
	if streamID == "" {
		return nil, ErrEmptyStreamID
	}

	events, err := c.loadFrom(ctx, streamID, 0, 0)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []adapters.StoredEvent{}
	}
	return events, nil
}

// loadFrom reads events of streamID with a version above after. A limit of
// zero reads everything.
func (c *StreamClient) loadFrom(ctx context.Context, streamID string, after int64, limit int) ([]adapters.StoredEvent, error) {
	query := `
		SELECT event_id, stream_id, version, event_type, data, metadata, global_position, timestamp
		FROM ` + c.table("events") + `
		WHERE stream_id = $1 AND version > $2
		ORDER BY version`
	args := []interface{}{streamID, after}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("newton/postgres: failed to load events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// streamVersion returns the current version of streamID and whether it exists.
func (c *StreamClient) streamVersion(ctx context.Context, streamID string) (int64, bool, error) {
	var version int64
	err := c.db.QueryRowContext(ctx, `SELECT version FROM `+c.table("streams")+` WHERE stream_id = $1`, streamID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("newton/postgres: failed to get stream version: %w", err)
	}
	return version, true, nil
}

// Append stores events on streamID with optimistic concurrency control.
func (c *StreamClient) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if c.isClosed() {
		return nil, ErrAdapterClosed
	}
	if streamID == "" {
		return nil, ErrEmptyStreamID
	}
	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("newton/postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	exists := true
	err = tx.QueryRowContext(ctx, `
		SELECT version FROM `+c.table("streams")+`
		WHERE stream_id = $1
		FOR UPDATE`, streamID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return nil, fmt.Errorf("newton/postgres: failed to get stream version: %w", err)
	}

	if err := adapters.CheckVersion(streamID, expectedVersion, current, exists); err != nil {
		return nil, err
	}

	if !exists {
		// ON CONFLICT covers a concurrent first append that committed after our read.
		res, err := tx.ExecContext(ctx, `
			INSERT INTO `+c.table("streams")+` (stream_id, version)
			VALUES ($1, 0)
			ON CONFLICT (stream_id) DO NOTHING`, streamID)
		if err != nil {
			return nil, fmt.Errorf("newton/postgres: failed to create stream: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 && expectedVersion != adapters.AnyVersion {
			return nil, adapters.NewConcurrencyError(streamID, expectedVersion, -1)
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT version FROM `+c.table("streams")+`
			WHERE stream_id = $1
			FOR UPDATE`, streamID).Scan(&current); err != nil {
			return nil, fmt.Errorf("newton/postgres: failed to lock stream: %w", err)
		}
	}

	stored := make([]adapters.StoredEvent, len(events))
	for i, event := range events {
		current++

		metadata, err := json.Marshal(event.Metadata)
		if err != nil {
			return nil, fmt.Errorf("newton/postgres: failed to marshal metadata: %w", err)
		}

		se := adapters.StoredEvent{
			StreamID: streamID,
			Type:     event.Type,
			Data:     event.Data,
			Metadata: event.Metadata,
			Version:  current,
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO `+c.table("events")+` (stream_id, version, event_type, data, metadata)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING global_position, event_id, timestamp`,
			streamID, current, event.Type, event.Data, metadata,
		).Scan(&se.GlobalPosition, &se.ID, &se.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("newton/postgres: failed to insert event: %w", err)
		}
		stored[i] = se
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE `+c.table("streams")+`
		SET version = $1, updated_at = NOW()
		WHERE stream_id = $2`, current, streamID); err != nil {
		return nil, fmt.Errorf("newton/postgres: failed to update stream version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("newton/postgres: failed to commit transaction: %w", err)
	}

	return stored, nil
}

// Publish appends events to a broadcast stream without a version check.
func (c *StreamClient) Publish(ctx context.Context, streamName string, events []adapters.EventRecord) error {
	if len(events) == 0 {
		return nil
	}
	_, err := c.Append(ctx, streamName, events, adapters.AnyVersion)
	return err
}

// Subscribe starts a polling subscription on streamName.
func (c *StreamClient) Subscribe(ctx context.Context, streamName string, mode adapters.ReplayMode, handler adapters.EventHandler) (adapters.Subscription, error) {
	if streamName == "" {
		return nil, ErrEmptyStreamID
	}
	if !mode.Valid() {
		return nil, adapters.ErrInvalidReplayMode
	}
	if c.isClosed() {
		return nil, ErrAdapterClosed
	}

	head, _, err := c.streamVersion(ctx, streamName)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		client:  c,
		stream:  streamName,
		handler: handler,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	switch mode {
	case adapters.ReplayOnly:
		sub.until = head
	case adapters.ReplayThenLive:
		sub.until = -1
	case adapters.LiveOnly:
		sub.after = head
		sub.until = -1
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrAdapterClosed
	}
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

func (c *StreamClient) forget(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sub)
}

// SubscriberCount returns the number of running subscriptions.
func (c *StreamClient) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close stops every subscription. The connection pool is closed only when
// the client opened it.
func (c *StreamClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.stop(ErrAdapterClosed)
		<-sub.done
	}

	if c.ownsDB {
		return c.db.Close()
	}
	return nil
}

// Ping checks database connectivity.
func (c *StreamClient) Ping(ctx context.Context) error {
	if c.isClosed() {
		return ErrAdapterClosed
	}
	return c.db.PingContext(ctx)
}

// DB returns the underlying database connection.
func (c *StreamClient) DB() *sql.DB {
	return c.db
}

// Schema returns the schema name.
func (c *StreamClient) Schema() string {
	return c.schema
}

// Streams returns every stream with its current version, ordered by name.
func (c *StreamClient) Streams(ctx context.Context) (map[string]int64, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT stream_id, version FROM `+c.table("streams")+` ORDER BY stream_id`)
	if err != nil {
		return nil, fmt.Errorf("newton/postgres: failed to list streams: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var version int64
		if err := rows.Scan(&id, &version); err != nil {
			return nil, fmt.Errorf("newton/postgres: failed to scan stream: %w", err)
		}
		out[id] = version
	}
	return out, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]adapters.StoredEvent, error) {
	var events []adapters.StoredEvent

	for rows.Next() {
		var event adapters.StoredEvent
		var metadata []byte

		if err := rows.Scan(
			&event.ID,
			&event.StreamID,
			&event.Version,
			&event.Type,
			&event.Data,
			&metadata,
			&event.GlobalPosition,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("newton/postgres: failed to scan event: %w", err)
		}

		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("newton/postgres: failed to unmarshal metadata: %w", err)
			}
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("newton/postgres: error iterating events: %w", err)
	}

	return events, nil
}
