package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, apiURL string) *Client {
	t.Helper()
	cfg := DefaultConfig(apiURL, "llama3", 2)
	cfg.TransportBackoff = time.Millisecond
	cfg.TimeoutBackoff = time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	cfg.OuterTimeout = 5 * time.Second
	c := New(cfg)
	require.NoError(t, c.Init())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGenerate_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama3", body.Model)
		assert.False(t, body.Stream)

		resp := chatResponse{}
		resp.Message.Content = `{"a1":{"included":true,"reason":"Included: x","relevance_score":90}}`
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	content, err := c.Generate(context.Background(), "screen these articles", "")
	require.NoError(t, err)
	assert.Contains(t, content, "a1")
}

func TestGenerate_RetriesOn404ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		resp := chatResponse{}
		resp.Message.Content = `{}`
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Generate(context.Background(), "prompt", "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls)
}

func TestGenerate_NonRetryable4xxFailsImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Generate(context.Background(), "prompt", "")
	assert.Error(t, err)
	assert.EqualValues(t, 1, calls)
}

func TestGenerate_ExhaustsRetriesOn5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Generate(context.Background(), "prompt", "")
	assert.Error(t, err)
	assert.EqualValues(t, 3, calls) // initial + 2 retries (MaxRetries=2)
}

func TestGenerate_CancellationAbortsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Generate(ctx, "prompt", "")
	assert.Error(t, err)
}
