package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientSend(t *testing.T) {
	t.Run("posts the request and returns the body text", func(t *testing.T) {
		var received Request
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			w.Write([]byte("Hello back!"))
		}))
		defer server.Close()

		client := NewHTTPClient(server.URL)
		reply, err := client.Send(context.Background(), Request{
			Prompt:   "hello",
			History:  []Turn{{Role: "assistant", Content: "hi"}},
			Identity: "tester",
		})
		require.NoError(t, err)
		assert.Equal(t, "Hello back!", reply)
		assert.Equal(t, "hello", received.Prompt)
		assert.Equal(t, "tester", received.Identity)
		require.Len(t, received.History, 1)
	})

	t.Run("nil history marshals as an empty array", func(t *testing.T) {
		var raw map[string]json.RawMessage
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
			w.Write([]byte("ok"))
		}))
		defer server.Close()

		client := NewHTTPClient(server.URL)
		_, err := client.Send(context.Background(), Request{Prompt: "hello"})
		require.NoError(t, err)
		assert.JSONEq(t, "[]", string(raw["history"]))
	})

	t.Run("non-2xx is an error carrying status and body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "service melting", http.StatusInternalServerError)
		}))
		defer server.Close()

		client := NewHTTPClient(server.URL)
		_, err := client.Send(context.Background(), Request{Prompt: "hello"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "500")
		assert.Contains(t, err.Error(), "service melting")
	})

	t.Run("long error bodies are excerpted", func(t *testing.T) {
		long := make([]byte, 1000)
		for i := range long {
			long[i] = 'x'
		}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			w.Write(long)
		}))
		defer server.Close()

		client := NewHTTPClient(server.URL)
		_, err := client.Send(context.Background(), Request{Prompt: "hello"})
		require.Error(t, err)
		assert.Less(t, len(err.Error()), 400)
	})

	t.Run("cancellation surfaces the context error unchanged", func(t *testing.T) {
		started := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Drain the body so the server starts its background read and can
			// observe the client disconnect, cancelling r.Context().
			io.Copy(io.Discard, r.Body)
			close(started)
			<-r.Context().Done()
		}))
		defer server.Close()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-started
			cancel()
		}()

		client := NewHTTPClient(server.URL)
		_, err := client.Send(ctx, Request{Prompt: "hello"})
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	})

	t.Run("timeout option applies", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
		}))
		defer server.Close()

		client := NewHTTPClient(server.URL, WithTimeout(20*time.Millisecond))
		_, err := client.Send(context.Background(), Request{Prompt: "hello"})
		assert.Error(t, err)
	})

	t.Run("unreachable endpoint is a transport error", func(t *testing.T) {
		client := NewHTTPClient("http://127.0.0.1:1/api/assistant")
		_, err := client.Send(context.Background(), Request{Prompt: "hello"})
		require.Error(t, err)
		assert.False(t, errors.Is(err, context.Canceled))
	})
}
