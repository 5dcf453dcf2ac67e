package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-newton/adapters"
)

// Ensure interface compliance at compile time
var _ adapters.SagaStore = (*SagaStore)(nil)

// SagaStore provides an in-memory implementation of adapters.SagaStore.
// This is primarily intended for testing and development purposes.
type SagaStore struct {
	mu        sync.RWMutex
	sagas     map[string]*adapters.SagaRecord
	interests []adapters.InterestRecord
}

// NewSagaStore creates a new in-memory SagaStore.
func NewSagaStore() *SagaStore {
	return &SagaStore{
		sagas: make(map[string]*adapters.SagaRecord),
	}
}

// Insert stores a new saga record and sets its version to 1.
func (s *SagaStore) Insert(ctx context.Context, record *adapters.SagaRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record == nil || record.ID == "" {
		return ErrEmptyStreamID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sagas[record.ID]; exists {
		return fmt.Errorf("%w: %s", adapters.ErrSagaAlreadyExists, record.ID)
	}

	now := time.Now()
	stored := adapters.CopyRecord(record)
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.sagas[record.ID] = stored

	record.Version = stored.Version
	record.CreatedAt = now
	record.UpdatedAt = now
	return nil
}

// Update replaces a saga record using optimistic concurrency on Version.
func (s *SagaStore) Update(ctx context.Context, record *adapters.SagaRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record == nil || record.ID == "" {
		return ErrEmptyStreamID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.sagas[record.ID]
	if !exists {
		return fmt.Errorf("%w: %s", adapters.ErrSagaNotFound, record.ID)
	}
	if existing.Version != record.Version {
		return adapters.NewConcurrencyError(record.ID, record.Version, existing.Version)
	}

	stored := adapters.CopyRecord(record)
	stored.TriggerType = existing.TriggerType
	stored.TriggerData = existing.TriggerData
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now()
	stored.Version = existing.Version + 1
	s.sagas[record.ID] = stored

	record.Version = stored.Version
	record.UpdatedAt = stored.UpdatedAt
	return nil
}

// Get returns a copy of the saga record.
func (s *SagaStore) Get(ctx context.Context, sagaID string) (*adapters.SagaRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sagaID == "" {
		return nil, ErrEmptyStreamID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.sagas[sagaID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", adapters.ErrSagaNotFound, sagaID)
	}
	return adapters.CopyRecord(record), nil
}

// AddInterests indexes interests, ignoring ones already present.
func (s *SagaStore) AddInterests(ctx context.Context, interests []adapters.InterestRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, in := range interests {
		if s.hasInterestLocked(in) {
			continue
		}
		s.interests = append(s.interests, in)
	}
	return nil
}

func (s *SagaStore) hasInterestLocked(in adapters.InterestRecord) bool {
	for _, e := range s.interests {
		if e == in {
			return true
		}
	}
	return false
}

// RemoveInterests drops every interest owned by the saga.
func (s *SagaStore) RemoveInterests(ctx context.Context, sagaID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]adapters.InterestRecord, 0, len(s.interests))
	for _, e := range s.interests {
		if e.SagaID != sagaID {
			kept = append(kept, e)
		}
	}
	s.interests = kept
	return nil
}

// InterestsFor returns the interests for an event type in registration order.
func (s *SagaStore) InterestsFor(ctx context.Context, eventType string) ([]adapters.InterestRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]adapters.InterestRecord, 0)
	for _, e := range s.interests {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}

// Clear removes all sagas and interests (useful for testing).
func (s *SagaStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sagas = make(map[string]*adapters.SagaRecord)
	s.interests = nil
}

// Count returns the total number of sagas stored.
func (s *SagaStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sagas)
}

// InterestCount returns the number of indexed interests.
func (s *SagaStore) InterestCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.interests)
}

// All returns copies of all saga records (useful for testing).
func (s *SagaStore) All() []*adapters.SagaRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*adapters.SagaRecord, 0, len(s.sagas))
	for _, record := range s.sagas {
		result = append(result, adapters.CopyRecord(record))
	}
	return result
}

// List returns saga records of a type, newest first. An empty type lists all.
func (s *SagaStore) List(ctx context.Context, sagaType string, limit int) ([]*adapters.SagaRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]*adapters.SagaRecord, 0, len(s.sagas))
	for _, record := range s.sagas {
		if sagaType == "" || record.Type == sagaType {
			out = append(out, adapters.CopyRecord(record))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close releases any resources (no-op for in-memory implementation).
func (s *SagaStore) Close() error {
	return nil
}
