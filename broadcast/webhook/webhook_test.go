package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-newton/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMirror_PostsBatch(t *testing.T) {
	var got Batch
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		headers = r.Header.Clone()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	m := New(server.URL, WithHeader("Authorization", "Bearer token"))
	err := m.Mirror(context.Background(), "newton/Order", []adapters.EventRecord{
		{Type: "OrderPlaced", Data: []byte(`{"orderId":"o-1"}`), Metadata: adapters.Metadata{AggregateID: "o-1", CorrelationID: "corr-1"}},
		{Type: "ItemAdded", Data: []byte(`{}`)},
	})
	require.NoError(t, err)

	assert.Equal(t, "newton/Order", got.Stream)
	require.Len(t, got.Events, 2)
	assert.Equal(t, "OrderPlaced", got.Events[0].Type)
	assert.JSONEq(t, `{"orderId":"o-1"}`, string(got.Events[0].Data))
	assert.Equal(t, "o-1", got.Events[0].Metadata.AggregateID)

	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "Bearer token", headers.Get("Authorization"))
	assert.Equal(t, "newton/Order", headers.Get("X-Newton-Stream"))
	assert.Equal(t, "corr-1", headers.Get("X-Newton-Correlation-Id"))
}

func TestMirror_StatusCodes(t *testing.T) {
	tests := []struct {
		status  int
		wantErr string
	}{
		{http.StatusOK, ""},
		{399, ""},
		{http.StatusBadRequest, "client error 400"},
		{http.StatusServiceUnavailable, "server error 503"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := New(server.URL).Mirror(context.Background(), "newton/Order", []adapters.EventRecord{{Type: "OrderPlaced"}})
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestMirror_EdgeCases(t *testing.T) {
	ctx := context.Background()

	t.Run("empty batch sends nothing", func(t *testing.T) {
		called := false
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
		defer server.Close()

		require.NoError(t, New(server.URL).Mirror(ctx, "newton/Order", nil))
		assert.False(t, called)
	})

	t.Run("no url", func(t *testing.T) {
		err := New("").Mirror(ctx, "newton/Order", []adapters.EventRecord{{Type: "A"}})
		assert.ErrorContains(t, err, "no URL")
	})

	t.Run("cancelled context", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer server.Close()

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := New(server.URL).Mirror(cctx, "newton/Order", []adapters.EventRecord{{Type: "A"}})
		assert.ErrorContains(t, err, "request failed")
	})
}

func TestOptions(t *testing.T) {
	client := &http.Client{}
	m := New("http://example.com", WithHTTPClient(client), WithTimeout(5*time.Second))
	assert.Same(t, client, m.client)
	assert.Equal(t, 5*time.Second, client.Timeout)
}
