package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/AshkanYarmoradi/go-newton/adapters"
)

// Ensure interface compliance at compile time
var (
	_ adapters.SagaStore   = (*SagaStore)(nil)
	_ adapters.Initializer = (*SagaStore)(nil)
)

// SagaStore provides a PostgreSQL implementation of adapters.SagaStore.
type SagaStore struct {
	db     *sql.DB
	schema string
	prefix string
}

// SagaStoreOption configures a SagaStore.
type SagaStoreOption func(*SagaStore)

// WithSagaSchema sets the PostgreSQL schema for the saga tables.
func WithSagaSchema(schema string) SagaStoreOption {
	return func(s *SagaStore) {
		s.schema = schema
	}
}

// WithSagaTablePrefix prefixes the saga and interest table names.
func WithSagaTablePrefix(prefix string) SagaStoreOption {
	return func(s *SagaStore) {
		s.prefix = prefix
	}
}

// NewSagaStore creates a new PostgreSQL SagaStore.
func NewSagaStore(db *sql.DB, opts ...SagaStoreOption) *SagaStore {
	s := &SagaStore{
		db:     db,
		schema: DefaultSchema,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// NewSagaStoreFromClient creates a SagaStore sharing the client's connection and schema.
func NewSagaStoreFromClient(client *StreamClient, opts ...SagaStoreOption) *SagaStore {
	allOpts := append([]SagaStoreOption{WithSagaSchema(client.schema)}, opts...)
	return NewSagaStore(client.db, allOpts...)
}

func (s *SagaStore) sagasTable() string {
	return qualified(s.schema, s.prefix+"sagas")
}

func (s *SagaStore) interestsTable() string {
	return qualified(s.schema, s.prefix+"saga_interests")
}

// Initialize creates the saga tables if they don't exist.
func (s *SagaStore) Initialize(ctx context.Context) error {
	if err := validateIdentifier(s.schema, "schema"); err != nil {
		return err
	}
	if s.prefix != "" {
		if err := validateIdentifier(s.prefix, "table prefix"); err != nil {
			return err
		}
	}

	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + quoteIdentifier(s.schema),
		`CREATE TABLE IF NOT EXISTS ` + s.sagasTable() + ` (
			id           VARCHAR(255) PRIMARY KEY,
			type         VARCHAR(255) NOT NULL,
			data         BYTEA NOT NULL,
			complete     BOOLEAN NOT NULL DEFAULT FALSE,
			trigger_type VARCHAR(500) NOT NULL DEFAULT '',
			trigger_data BYTEA,
			version      BIGINT NOT NULL DEFAULT 1,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.interestsTable() + ` (
			position   BIGSERIAL PRIMARY KEY,
			saga_id    VARCHAR(255) NOT NULL,
			saga_type  VARCHAR(255) NOT NULL,
			event_type VARCHAR(500) NOT NULL,
			key        VARCHAR(500) NOT NULL DEFAULT '',
			UNIQUE(saga_id, saga_type, event_type, key)
		)`,
		`CREATE INDEX IF NOT EXISTS ` + quoteIdentifier("idx_"+s.prefix+"saga_interests_event_type") +
			` ON ` + s.interestsTable() + ` (event_type)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("newton/postgres: failed to create saga tables: %w", err)
		}
	}
	return nil
}

// Insert stores a new saga record with version 1.
func (s *SagaStore) Insert(ctx context.Context, record *adapters.SagaRecord) error {
	if record == nil || record.ID == "" {
		return ErrEmptyStreamID
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO `+s.sagasTable()+` (id, type, data, complete, trigger_type, trigger_data, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at, updated_at`,
		record.ID, record.Type, record.Data, record.Complete, record.TriggerType, record.TriggerData,
	).Scan(&record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", adapters.ErrSagaAlreadyExists, record.ID)
	}
	if err != nil {
		return fmt.Errorf("newton/postgres: failed to insert saga: %w", err)
	}

	record.Version = 1
	return nil
}

// Update replaces data and completion when the stored version matches.
func (s *SagaStore) Update(ctx context.Context, record *adapters.SagaRecord) error {
	if record == nil || record.ID == "" {
		return ErrEmptyStreamID
	}

	err := s.db.QueryRowContext(ctx, `
		UPDATE `+s.sagasTable()+`
		SET data = $1, complete = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3 AND version = $4
		RETURNING version, updated_at`,
		record.Data, record.Complete, record.ID, record.Version,
	).Scan(&record.Version, &record.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("newton/postgres: failed to update saga: %w", err)
	}

	var actual int64
	err = s.db.QueryRowContext(ctx, `SELECT version FROM `+s.sagasTable()+` WHERE id = $1`, record.ID).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", adapters.ErrSagaNotFound, record.ID)
	}
	if err != nil {
		return fmt.Errorf("newton/postgres: failed to read saga version: %w", err)
	}
	return adapters.NewConcurrencyError(record.ID, record.Version, actual)
}

// Get returns a saga record by ID.
func (s *SagaStore) Get(ctx context.Context, sagaID string) (*adapters.SagaRecord, error) {
	if sagaID == "" {
		return nil, ErrEmptyStreamID
	}

	var record adapters.SagaRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, data, complete, trigger_type, trigger_data, version, created_at, updated_at
		FROM `+s.sagasTable()+`
		WHERE id = $1`, sagaID,
	).Scan(
		&record.ID,
		&record.Type,
		&record.Data,
		&record.Complete,
		&record.TriggerType,
		&record.TriggerData,
		&record.Version,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", adapters.ErrSagaNotFound, sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("newton/postgres: failed to get saga: %w", err)
	}
	return &record, nil
}

// List returns saga records of a type, newest first. An empty type lists all.
func (s *SagaStore) List(ctx context.Context, sagaType string, limit int) ([]*adapters.SagaRecord, error) {
	query := `
		SELECT id, type, data, complete, trigger_type, trigger_data, version, created_at, updated_at
		FROM ` + s.sagasTable() + `
		WHERE ($1 = '' OR type = $1)
		ORDER BY created_at DESC, id`
	args := []interface{}{sagaType}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("newton/postgres: failed to list sagas: %w", err)
	}
	defer rows.Close()

	var out []*adapters.SagaRecord
	for rows.Next() {
		var record adapters.SagaRecord
		if err := rows.Scan(
			&record.ID,
			&record.Type,
			&record.Data,
			&record.Complete,
			&record.TriggerType,
			&record.TriggerData,
			&record.Version,
			&record.CreatedAt,
			&record.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("newton/postgres: failed to scan saga: %w", err)
		}
		out = append(out, &record)
	}
	return out, rows.Err()
}

// AddInterests indexes interests in one transaction. Duplicates are ignored.
func (s *SagaStore) AddInterests(ctx context.Context, interests []adapters.InterestRecord) error {
	if len(interests) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("newton/postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO `+s.interestsTable()+` (saga_id, saga_type, event_type, key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`)
	if err != nil {
		return fmt.Errorf("newton/postgres: failed to prepare interest insert: %w", err)
	}
	defer stmt.Close()

	for _, in := range interests {
		if _, err := stmt.ExecContext(ctx, in.SagaID, in.SagaType, in.EventType, in.Key); err != nil {
			return fmt.Errorf("newton/postgres: failed to insert interest: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("newton/postgres: failed to commit interests: %w", err)
	}
	return nil
}

// RemoveInterests drops every interest owned by the saga.
func (s *SagaStore) RemoveInterests(ctx context.Context, sagaID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+s.interestsTable()+` WHERE saga_id = $1`, sagaID); err != nil {
		return fmt.Errorf("newton/postgres: failed to remove interests: %w", err)
	}
	return nil
}

// InterestsFor returns the interests for an event type in registration order.
func (s *SagaStore) InterestsFor(ctx context.Context, eventType string) ([]adapters.InterestRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT saga_id, saga_type, event_type, key
		FROM `+s.interestsTable()+`
		WHERE event_type = $1
		ORDER BY position`, eventType)
	if err != nil {
		return nil, fmt.Errorf("newton/postgres: failed to query interests: %w", err)
	}
	defer rows.Close()

	out := make([]adapters.InterestRecord, 0)
	for rows.Next() {
		var in adapters.InterestRecord
		if err := rows.Scan(&in.SagaID, &in.SagaType, &in.EventType, &in.Key); err != nil {
			return nil, fmt.Errorf("newton/postgres: failed to scan interest: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("newton/postgres: error iterating interests: %w", err)
	}
	return out, nil
}
