package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-newton/adapters"
)

// subscription polls one stream and hands events to its handler in order.
type subscription struct {
	client  *StreamClient
	stream  string
	handler adapters.EventHandler

	// after is the last delivered version.
	after int64

	// until is the last version a ReplayOnly subscription delivers, or -1.
	until int64

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	mu  sync.Mutex
	err error
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	defer s.client.forget(s)

	ticker := time.NewTicker(s.client.pollInterval)
	defer ticker.Stop()

	for {
		caughtUp, err := s.poll(ctx)
		if err != nil {
			s.stop(err)
			return
		}
		if caughtUp && s.until >= 0 {
			return
		}
		if !caughtUp {
			// More rows are waiting; skip the tick.
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				s.stop(ctx.Err())
				return
			default:
			}
			continue
		}

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.stop(ctx.Err())
			return
		case <-ticker.C:
		}
	}
}

// poll delivers one batch and reports whether the subscription is caught up.
func (s *subscription) poll(ctx context.Context) (bool, error) {
	if s.until >= 0 && s.after >= s.until {
		return true, nil
	}

	events, err := s.client.loadFrom(ctx, s.stream, s.after, s.client.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, err
	}

	for _, event := range events {
		if s.until >= 0 && event.Version > s.until {
			return true, nil
		}
		select {
		case <-s.stopCh:
			return true, nil
		default:
		}
		s.handler(event)
		s.after = event.Version
	}

	return len(events) < s.client.batchSize, nil
}

func (s *subscription) stop(err error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.stopCh)
	})
}

// Close stops polling and waits for the handler to return.
func (s *subscription) Close() error {
	s.stop(nil)
	<-s.done
	return nil
}

// Done is closed once polling has stopped.
func (s *subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that stopped the subscription.
func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
