package newton

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/AshkanYarmoradi/go-newton/adapters"
)

// SagaRepository persists saga instances and the index of their interests.
type SagaRepository interface {
	// SaveNewSaga stores a saga for the first time together with the event
	// that started it. A taken id returns an error matching ErrSagaAlreadyExists.
	SaveNewSaga(ctx context.Context, saga Saga, trigger Envelope) error

	// Save stores a changed saga.
	Save(ctx context.Context, saga Saga) error

	// Load returns the saga with id, decoded as sagaType.
	Load(ctx context.Context, id, sagaType string) (Saga, error)

	// GetInterestsFor returns the interests registered for an event type.
	GetInterestsFor(ctx context.Context, eventType string) ([]SagaInterest, error)
}

// SagaRepositoryOption configures a StoredSagaRepository.
type SagaRepositoryOption func(*StoredSagaRepository)

// WithSagaCodec sets the codec for saga state.
func WithSagaCodec(codec Codec) SagaRepositoryOption {
	return func(r *StoredSagaRepository) {
		r.codec = codec
	}
}

// WithSagaRepositoryLogger sets the logger.
func WithSagaRepositoryLogger(logger Logger) SagaRepositoryOption {
	return func(r *StoredSagaRepository) {
		r.logger = logger
	}
}

// StoredSagaRepository implements SagaRepository on an adapters.SagaStore.
type StoredSagaRepository struct {
	store    adapters.SagaStore
	sagas    *SagaRegistry
	codec    Codec
	logger   Logger
	versions *versionCache
}

// NewSagaRepository creates a repository over store. Saga types are resolved
// through sagas.
func NewSagaRepository(store adapters.SagaStore, sagas *SagaRegistry, opts ...SagaRepositoryOption) *StoredSagaRepository {
	r := &StoredSagaRepository{
		store:    store,
		sagas:    sagas,
		codec:    NewJSONCodec(),
		logger:   &noopLogger{},
		versions: newVersionCache(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// SaveNewSaga indexes the new interests of the saga and inserts it. A saga
// that completed while starting is stored without interests.
func (r *StoredSagaRepository) SaveNewSaga(ctx context.Context, saga Saga, trigger Envelope) error {
	data, err := r.codec.Marshal(saga)
	if err != nil {
		return fmt.Errorf("newton: encode saga %s: %w", saga.SagaType(), err)
	}

	record := &adapters.SagaRecord{
		ID:          saga.ID(),
		Type:        saga.SagaType(),
		Data:        data,
		Complete:    saga.IsComplete(),
		TriggerType: trigger.Type,
	}
	if trigger.Event != nil {
		if payload, err := r.codec.Marshal(trigger.Event); err == nil {
			record.TriggerData = payload
		}
		if record.TriggerType == "" {
			record.TriggerType = trigger.Event.EventType()
		}
	}

	// A taken id is reported before anything is indexed, so a redelivered
	// trigger cannot resurrect the interests of a saga that moved on.
	if _, err := r.store.Get(ctx, saga.ID()); err == nil {
		return fmt.Errorf("%w: %s", ErrSagaAlreadyExists, saga.ID())
	} else if !errors.Is(err, adapters.ErrSagaNotFound) {
		return fmt.Errorf("newton: load saga %s: %w", saga.ID(), err)
	}

	// Interests go in before the row. If indexing fails nothing is stored and
	// the trigger can start the saga again on redelivery.
	if saga.IsComplete() {
		saga.ClearNewSagaInterests()
	} else if err := r.persistInterests(ctx, saga); err != nil {
		return err
	}

	if err := r.store.Insert(ctx, record); err != nil {
		return err
	}
	if !saga.IsComplete() {
		r.versions.set(saga.ID(), record.Version)
	}
	return nil
}

// Save indexes new interests, then updates the saga using the version seen by
// the last Load or save. Once the saga is complete its interests are dropped.
func (r *StoredSagaRepository) Save(ctx context.Context, saga Saga) error {
	data, err := r.codec.Marshal(saga)
	if err != nil {
		return fmt.Errorf("newton: encode saga %s: %w", saga.SagaType(), err)
	}

	version, ok := r.versions.get(saga.ID())
	if !ok {
		current, err := r.store.Get(ctx, saga.ID())
		if err != nil {
			if errors.Is(err, adapters.ErrSagaNotFound) {
				return &SagaNotFoundError{SagaID: saga.ID()}
			}
			return err
		}
		version = current.Version
	}

	record := &adapters.SagaRecord{
		ID:       saga.ID(),
		Type:     saga.SagaType(),
		Data:     data,
		Complete: saga.IsComplete(),
		Version:  version,
	}
	if saga.IsComplete() {
		saga.ClearNewSagaInterests()
	} else if err := r.persistInterests(ctx, saga); err != nil {
		return err
	}

	if err := r.store.Update(ctx, record); err != nil {
		r.versions.forget(saga.ID())
		return err
	}

	if !saga.IsComplete() {
		r.versions.set(saga.ID(), record.Version)
		return nil
	}

	r.versions.forget(saga.ID())
	r.logger.Debug("Dropping interests of completed saga", "saga", saga.ID(), "type", saga.SagaType())
	// Leftover interests of a complete saga are skipped on load, so a failed
	// removal does not undo the save.
	if err := r.store.RemoveInterests(ctx, saga.ID()); err != nil {
		r.logger.Warn("Failed to drop interests of completed saga", "saga", saga.ID(), "error", err)
	}
	return nil
}

func (r *StoredSagaRepository) persistInterests(ctx context.Context, saga Saga) error {
	interests := saga.NewSagaInterests()
	if len(interests) == 0 {
		return nil
	}

	records := make([]adapters.InterestRecord, len(interests))
	for i, in := range interests {
		records[i] = adapters.InterestRecord{
			SagaID:    saga.ID(),
			SagaType:  saga.SagaType(),
			EventType: in.EventType,
			Key:       in.Key,
		}
	}
	if err := r.store.AddInterests(ctx, records); err != nil {
		return fmt.Errorf("newton: index interests of saga %s: %w", saga.ID(), err)
	}

	saga.ClearNewSagaInterests()
	return nil
}

// Load decodes the stored saga as sagaType.
func (r *StoredSagaRepository) Load(ctx context.Context, id, sagaType string) (Saga, error) {
	saga, err := r.sagas.New(sagaType)
	if err != nil {
		return nil, err
	}

	record, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, adapters.ErrSagaNotFound) {
			return nil, &SagaNotFoundError{SagaID: id}
		}
		return nil, fmt.Errorf("newton: load saga %s: %w", id, err)
	}

	if err := r.codec.Unmarshal(record.Data, saga); err != nil {
		return nil, fmt.Errorf("newton: decode saga %s as %s: %w", id, sagaType, err)
	}
	saga.SetID(record.ID)
	if !record.Complete {
		r.versions.set(id, record.Version)
	}

	return saga, nil
}

// GetInterestsFor returns the indexed interests for eventType.
func (r *StoredSagaRepository) GetInterestsFor(ctx context.Context, eventType string) ([]SagaInterest, error) {
	records, err := r.store.InterestsFor(ctx, eventType)
	if err != nil {
		return nil, fmt.Errorf("newton: interests for %s: %w", eventType, err)
	}

	out := make([]SagaInterest, len(records))
	for i, rec := range records {
		out[i] = SagaInterest{
			SagaID:    rec.SagaID,
			SagaType:  rec.SagaType,
			EventType: rec.EventType,
			Key:       rec.Key,
		}
	}
	return out, nil
}

var _ SagaRepository = (*StoredSagaRepository)(nil)

// versionCache remembers the store version of each saga this repository last
// read or wrote, so that Save can update optimistically.
type versionCache struct {
	mu       sync.Mutex
	versions map[string]int64
}

func newVersionCache() *versionCache {
	return &versionCache{versions: make(map[string]int64)}
}

func (c *versionCache) get(id string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.versions[id]
	return v, ok
}

func (c *versionCache) set(id string, v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[id] = v
}

func (c *versionCache) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.versions, id)
}
