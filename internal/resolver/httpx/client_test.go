package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("applies defaults for zero values", func(t *testing.T) {
		client := New(Config{})

		assert.Equal(t, 30*time.Second, client.Timeout())
		assert.Equal(t, 3, client.MaxRetries())
	})

	t.Run("honors custom config", func(t *testing.T) {
		client := New(Config{Timeout: 10 * time.Second, MaxRetries: 5})

		assert.Equal(t, 10*time.Second, client.Timeout())
		assert.Equal(t, 5, client.MaxRetries())
	})
}

func TestGet(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "GET", r.Method)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}))
		defer server.Close()

		client := New(DefaultConfig())
		resp, err := client.Get(context.Background(), server.URL, nil)

		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode())
	})

	t.Run("custom headers are forwarded", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "mirror.example", r.Header.Get("Referer"))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client := New(DefaultConfig())
		_, err := client.Get(context.Background(), server.URL, map[string]string{"Referer": "mirror.example"})

		require.NoError(t, err)
	})

	t.Run("4xx surfaces as error with response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client := New(DefaultConfig())
		resp, err := client.Get(context.Background(), server.URL, nil)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
		require.NotNil(t, resp)
	})

	t.Run("retries transient server errors", func(t *testing.T) {
		attempts := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts++
			if attempts < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client := New(Config{Timeout: 10 * time.Second, MaxRetries: 3})
		resp, err := client.Get(context.Background(), server.URL, nil)

		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode())
		assert.Equal(t, 3, attempts)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(100 * time.Millisecond)
		}))
		defer server.Close()

		client := New(Config{Timeout: 10 * time.Second, MaxRetries: 0})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := client.Get(ctx, server.URL, nil)
		require.Error(t, err)
	})
}

func TestGetWithParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "dune", r.URL.Query().Get("query"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"Dune"}`))
	}))
	defer server.Close()

	client := New(DefaultConfig())
	resp, err := client.GetWithParams(context.Background(), server.URL, map[string]string{"query": "dune"})

	require.NoError(t, err)
	assert.Contains(t, string(resp.Body()), "Dune")
}
