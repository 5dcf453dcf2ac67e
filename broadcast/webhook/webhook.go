// Package webhook mirrors newton broadcast streams to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AshkanYarmoradi/go-newton/adapters"
)

// Batch is the JSON body posted for every Mirror call.
type Batch struct {
	Stream string  `json:"stream"`
	Events []Event `json:"events"`
}

// Event is one mirrored event. Data is the encoded payload as produced by
// the codec, base64 in JSON.
type Event struct {
	Type     string            `json:"type"`
	Data     []byte            `json:"data"`
	Metadata adapters.Metadata `json:"metadata"`
}

// Mirror posts each batch of broadcast events to a single URL.
type Mirror struct {
	url            string
	client         *http.Client
	defaultHeaders map[string]string
}

// Option configures a webhook Mirror.
type Option func(*Mirror)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Mirror) {
		m.client = client
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Mirror) {
		m.client.Timeout = d
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(m *Mirror) {
		m.defaultHeaders[key] = value
	}
}

// New creates a webhook Mirror posting to url.
func New(url string, opts ...Option) *Mirror {
	m := &Mirror{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		defaultHeaders: map[string]string{
			"Content-Type": "application/json",
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Mirror posts events as one Batch. Any status of 400 or above is an error.
func (m *Mirror) Mirror(ctx context.Context, streamName string, events []adapters.EventRecord) error {
	if len(events) == 0 {
		return nil
	}
	if m.url == "" {
		return errors.New("newton/webhook: no URL configured")
	}

	batch := Batch{Stream: streamName, Events: make([]Event, len(events))}
	for i, e := range events {
		batch.Events[i] = Event{Type: e.Type, Data: e.Data, Metadata: e.Metadata}
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("newton/webhook: failed to encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("newton/webhook: failed to create request: %w", err)
	}
	for k, v := range m.defaultHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Newton-Stream", streamName)
	if id := events[0].Metadata.CorrelationID; id != "" {
		req.Header.Set("X-Newton-Correlation-Id", id)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("newton/webhook: request failed for %s: %w", m.url, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("newton/webhook: server error %d from %s", resp.StatusCode, m.url)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("newton/webhook: client error %d from %s", resp.StatusCode, m.url)
	}
	return nil
}

var _ adapters.BroadcastMirror = (*Mirror)(nil)
