package newton

import (
	"context"
	"errors"
	"sync"
	"time"
)

// SagaMonitor follows one saga instance through a SagaLifecycleChannel.
// It buffers the lifecycle events it has seen so that listeners registered
// after the saga ended still observe the end, exactly once.
type SagaMonitor struct {
	channel  *SagaLifecycleChannel
	repo     SagaRepository
	sagaID   string
	sagaType string

	mu          sync.Mutex
	history     []SagaLifecycleEvent
	finished    bool
	listeners   []func(Saga, error)
	done        chan struct{}
	unsubscribe func()
}

// NewSagaMonitor subscribes to channel and then checks the persisted saga.
// A saga that is already complete is reported as ended at once.
// An unknown saga returns *SagaNotFoundError.
func NewSagaMonitor(ctx context.Context, channel *SagaLifecycleChannel, repo SagaRepository, sagaID, sagaType string) (*SagaMonitor, error) {
	m := &SagaMonitor{
		channel:  channel,
		repo:     repo,
		sagaID:   sagaID,
		sagaType: sagaType,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	m.unsubscribe = channel.Subscribe(m.receive)
	m.mu.Unlock()

	saga, err := repo.Load(ctx, sagaID, sagaType)
	if err != nil {
		m.Close()
		return nil, err
	}
	if saga.IsComplete() {
		m.receive(SagaLifecycleEvent{Kind: SagaEnded, SagaID: sagaID, SagaType: sagaType})
	}

	return m, nil
}

// ID returns the monitored saga id.
func (m *SagaMonitor) ID() string {
	return m.sagaID
}

// receive records a lifecycle event. The finished flag is decided under the
// lock and listeners run outside it.
func (m *SagaMonitor) receive(event SagaLifecycleEvent) {
	if event.SagaID != m.sagaID {
		return
	}

	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return
	}
	m.history = append(m.history, event)
	if event.Kind != SagaEnded {
		m.mu.Unlock()
		return
	}
	m.finished = true
	listeners := m.listeners
	m.listeners = nil
	unsubscribe := m.unsubscribe
	close(m.done)
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if len(listeners) == 0 {
		return
	}

	saga, err := m.load()
	for _, listener := range listeners {
		listener(saga, err)
	}
}

// OnFinished registers listener to run once with the final persisted saga.
// If the saga has already ended, listener runs before OnFinished returns.
func (m *SagaMonitor) OnFinished(listener func(saga Saga, err error)) {
	m.mu.Lock()
	if !m.finished {
		m.listeners = append(m.listeners, listener)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	listener(m.load())
}

// History returns the lifecycle events seen so far.
func (m *SagaMonitor) History() []SagaLifecycleEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SagaLifecycleEvent, len(m.history))
	copy(out, m.history)
	return out
}

// IsFinished returns true once the end of the saga has been observed.
func (m *SagaMonitor) IsFinished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

// Done is closed when the saga ends.
func (m *SagaMonitor) Done() <-chan struct{} {
	return m.done
}

// WaitForCompletion blocks until the saga ends or timeout elapses, and
// returns the persisted saga in both cases. On timeout the error is
// ErrWaitTimeout unless the saga is already stored as complete; the saga
// itself keeps running.
func (m *SagaMonitor) WaitForCompletion(timeout time.Duration) (Saga, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.Wait(ctx)
}

// Wait is WaitForCompletion bounded by ctx.
func (m *SagaMonitor) Wait(ctx context.Context) (Saga, error) {
	select {
	case <-m.done:
		return m.load()
	case <-ctx.Done():
	}

	saga, err := m.load()
	if err != nil {
		return nil, errors.Join(ErrWaitTimeout, err)
	}
	if saga.IsComplete() {
		return saga, nil
	}
	return saga, ErrWaitTimeout
}

// Close stops monitoring. Listeners that have not run yet never will.
func (m *SagaMonitor) Close() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.listeners = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (m *SagaMonitor) load() (Saga, error) {
	return m.repo.Load(context.Background(), m.sagaID, m.sagaType)
}
