package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/dbcast/internal/httpapi"
	"github.com/rmacdonaldsmith/dbcast/internal/identity"
	"github.com/rmacdonaldsmith/dbcast/pkg/dispatcher"
)

const pagesInsert = `{"timestamp":"2025-03-01T12:00:00Z","table":"pages","action":"insert","record":{"id":3}}`

// startServer runs the full HTTP stack behind httptest.
func startServer(t *testing.T) (*httpapi.TestServerSetup, *httptest.Server) {
	t.Helper()
	setup := httpapi.NewTestServerSetup(t)
	server := httptest.NewServer(setup.Handler)
	t.Cleanup(server.Close)
	return setup, server
}

func newTestClient(t *testing.T, url, token string) *Client {
	t.Helper()
	client, err := NewClient(Config{ServerURL: url, Token: token, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	require.NoError(t, err)
	return client
}

func TestNewClient(t *testing.T) {
	t.Run("valid_config", func(t *testing.T) {
		client, err := NewClient(Config{ServerURL: "http://localhost:3000", Token: "abc"})
		require.NoError(t, err)
		assert.True(t, client.IsAuthenticated())
		assert.Equal(t, "abc", client.GetToken())
		assert.Equal(t, 30*time.Second, client.Timeout())
		assert.Equal(t, 3, client.config.MaxRetries)
	})

	t.Run("missing_server_url", func(t *testing.T) {
		client, err := NewClient(Config{})
		assert.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "ServerURL is required")
	})

	t.Run("invalid_server_url", func(t *testing.T) {
		client, err := NewClient(Config{ServerURL: "://invalid-url"})
		assert.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "invalid ServerURL")
	})
}

func TestClient_RequiresToken(t *testing.T) {
	client := newTestClient(t, "http://localhost:3000", "")
	ctx := context.Background()

	_, err := client.PublishEvent(ctx, pagesInsert)
	assert.ErrorIs(t, err, ErrNoToken)
	_, err = client.Metrics(ctx)
	assert.ErrorIs(t, err, ErrNoToken)
	_, err = client.Sockets(ctx)
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestClient_Status(t *testing.T) {
	_, server := startServer(t)
	client := newTestClient(t, server.URL, "")

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "test", status.Version)
}

func TestClient_PublishEvent(t *testing.T) {
	setup, server := startServer(t)

	t.Run("publisher", func(t *testing.T) {
		token := setup.GenerateTestToken(t, identity.TokenRequest{Subject: "writer", Publisher: true})
		client := newTestClient(t, server.URL, token)

		resp, err := client.PublishEvent(context.Background(), []byte(pagesInsert))
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Equal(t, 6, resp.EventsPublished)
		assert.Equal(t, "db", resp.Channels[0])
	})

	t.Run("struct_body", func(t *testing.T) {
		token := setup.GenerateTestToken(t, identity.TokenRequest{Subject: "writer", Publisher: true})
		client := newTestClient(t, server.URL, token)

		resp, err := client.PublishEvent(context.Background(), map[string]any{
			"timestamp": "2025-03-01T12:00:00Z",
			"table":     "users",
			"action":    "delete",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"db", "db.users", "db.users.delete", "db.*.delete"}, resp.Channels)
	})

	t.Run("not_publisher", func(t *testing.T) {
		token := setup.GenerateTestToken(t, identity.TokenRequest{Subject: "reader"})
		client := newTestClient(t, server.URL, token)

		_, err := client.PublishEvent(context.Background(), []byte(pagesInsert))
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	})

	t.Run("validation_error", func(t *testing.T) {
		token := setup.GenerateTestToken(t, identity.TokenRequest{Subject: "root", Admin: true})
		client := newTestClient(t, server.URL, token)

		_, err := client.PublishEvent(context.Background(), []byte(`{"timestamp":"2025-03-01T12:00:00Z","table":"pages","action":"upsert"}`))
		assert.ErrorIs(t, err, dispatcher.ErrValidation)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, []string{"Action must be one of: insert, update, delete"}, apiErr.Details)
	})
}

func TestClient_MetricsAndSockets(t *testing.T) {
	setup, server := startServer(t)
	ctx := context.Background()

	user := newTestClient(t, server.URL, setup.GenerateTestToken(t, identity.TokenRequest{Subject: "reader"}))
	metrics, err := user.Metrics(ctx)
	require.NoError(t, err)
	assert.Zero(t, metrics.ConnectedClients)

	_, err = user.Sockets(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "Admin privileges required", apiErr.Message)

	admin := newTestClient(t, server.URL, setup.GenerateTestToken(t, identity.TokenRequest{Subject: "root", Admin: true}))
	sockets, err := admin.Sockets(ctx)
	require.NoError(t, err)
	assert.Zero(t, sockets.TotalConnections)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "")
	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(Config{ServerURL: server.URL, MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	require.NoError(t, err)

	_, err = client.Status(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "boom", apiErr.Message)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"Too Many Requests","message":"Rate limit exceeded for dbChange events","code":429,"kind":"RateLimitExceeded"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "token")
	_, err := client.PublishEvent(context.Background(), []byte(pagesInsert))
	assert.ErrorIs(t, err, dispatcher.ErrRateLimitExceeded)
	assert.False(t, errors.Is(err, dispatcher.ErrValidation))
	assert.Equal(t, int32(1), calls.Load())
}
