package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rmacdonaldsmith/dbcast/internal/dispatcher"
	"github.com/rmacdonaldsmith/dbcast/internal/identity"
	"github.com/rmacdonaldsmith/dbcast/internal/ratelimit"
	"github.com/rmacdonaldsmith/dbcast/internal/transport"
)

// TestServerSetup holds common test dependencies
type TestServerSetup struct {
	Dispatcher *dispatcher.RoutingDispatcher
	Hub        *transport.Hub
	Auth       *identity.JWTAuth
	Server     *Server
	Handler    http.Handler
}

// NewTestServerSetup wires a dispatcher, hub and HTTP server for tests
func NewTestServerSetup(t *testing.T) *TestServerSetup {
	t.Helper()

	auth := identity.NewJWTAuth("test-secret-key")
	hub := transport.NewHub(nil)
	limiter := ratelimit.New(ratelimit.Config{})

	d, err := dispatcher.New(dispatcher.NewConfig().WithLimiter(limiter), auth, hub)
	if err != nil {
		t.Fatalf("Failed to create dispatcher: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start dispatcher: %v", err)
	}

	ws, err := transport.NewServer(transport.Config{}, hub, d)
	if err != nil {
		t.Fatalf("Failed to create websocket server: %v", err)
	}

	server := NewServer(Config{ListenAddr: ":0", Version: "test"}, Deps{
		Dispatcher: d,
		Verifier:   auth,
		Hub:        hub,
		WebSocket:  ws,
	})

	t.Cleanup(func() {
		_ = d.Close()
		_ = limiter.Close()
	})

	return &TestServerSetup{
		Dispatcher: d,
		Hub:        hub,
		Auth:       auth,
		Server:     server,
		Handler:    server.Routes(),
	}
}

// GenerateTestToken creates a token for testing
func (setup *TestServerSetup) GenerateTestToken(t *testing.T, req identity.TokenRequest) string {
	t.Helper()

	token, _, err := setup.Auth.GenerateToken(req)
	if err != nil {
		t.Fatalf("Failed to generate test token: %v", err)
	}
	return token
}

// Do runs a request against the router and returns the recorder
func (setup *TestServerSetup) Do(method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	setup.Handler.ServeHTTP(rec, req)
	return rec
}
