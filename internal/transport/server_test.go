package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/dbcast/internal/dispatcher"
	"github.com/rmacdonaldsmith/dbcast/internal/identity"
	"github.com/rmacdonaldsmith/dbcast/internal/ratelimit"
	dispatcherpkg "github.com/rmacdonaldsmith/dbcast/pkg/dispatcher"
)

const testSecret = "ws-test-secret"

type testEnv struct {
	auth   *identity.JWTAuth
	hub    *Hub
	server *Server
	http   *httptest.Server
	disp   *dispatcher.RoutingDispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	auth := identity.NewJWTAuth(testSecret)
	hub := NewHub(nil)
	limiter := ratelimit.New(ratelimit.Config{})
	d, err := dispatcher.New(dispatcher.NewConfig().WithLimiter(limiter), auth, hub)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	srv, err := NewServer(Config{PingInterval: time.Second, PongWait: 5 * time.Second}, hub, d)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
		_ = d.Close()
		_ = limiter.Close()
	})
	return &testEnv{auth: auth, hub: hub, server: srv, http: ts, disp: d}
}

func (e *testEnv) token(t *testing.T, req identity.TokenRequest) string {
	t.Helper()
	tok, _, err := e.auth.GenerateToken(req)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{Event: event, Data: payload}))
}

func read(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestServer_RejectsMissingOrBadToken(t *testing.T) {
	env := newTestEnv(t)
	base := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/"

	for _, url := range []string{base, base + "?token=garbage"} {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		var body dispatcherpkg.ErrorPayload
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		_ = resp.Body.Close()
		assert.Equal(t, dispatcherpkg.KindAuthentication, body.Error.Kind)
	}
	assert.Equal(t, 0, env.disp.Stats().Sessions)
}

func TestServer_AcceptsBearerHeader(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, identity.TokenRequest{Subject: "u", Tables: []string{"pages"}})

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": []string{"Bearer " + tok}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer conn.Close()

	send(t, conn, EventSubscribe, "db.pages")
	got := read(t, conn)
	assert.Equal(t, EventSubscribed, got.Event)
}

func TestServer_SubscribePublishEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	subscriber := env.dial(t, env.token(t, identity.TokenRequest{Subject: "reader", Tables: []string{"pages", "users"}}))
	publisher := env.dial(t, env.token(t, identity.TokenRequest{Subject: "writer", Publisher: true}))

	send(t, subscriber, EventSubscribe, map[string]string{"channel": "db"})
	ack := read(t, subscriber)
	require.Equal(t, EventSubscribed, ack.Event)

	var sub dispatcherpkg.SubscribeAck
	require.NoError(t, json.Unmarshal(ack.Data, &sub))
	assert.Equal(t, []string{"db.pages", "db.users"}, sub.ResolvedChannels)

	event := map[string]any{
		"timestamp": "2025-03-01T12:00:00Z",
		"table":     "pages",
		"action":    "insert",
		"record":    map[string]any{"id": 3},
	}
	send(t, publisher, EventDBChange, event)

	pubAck := read(t, publisher)
	require.Equal(t, EventDBChangeAck, pubAck.Event)
	var pa dispatcherpkg.PublishAck
	require.NoError(t, json.Unmarshal(pubAck.Data, &pa))
	assert.Equal(t, 6, pa.EventsPublished)

	// The subscriber is only in db.pages and db.users, so exactly one frame arrives.
	got := read(t, subscriber)
	assert.Equal(t, "db.pages", got.Event)
	var body map[string]any
	require.NoError(t, json.Unmarshal(got.Data, &body))
	assert.Equal(t, "pages", body["table"])
	assert.Equal(t, "insert", body["action"])
}

func TestServer_ErrorsStayOnConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, env.token(t, identity.TokenRequest{Subject: "u", Tables: []string{"pages"}}))

	send(t, conn, EventSubscribe, "db.audit")
	got := read(t, conn)
	require.Equal(t, EventError, got.Event)
	var p dispatcherpkg.ErrorPayload
	require.NoError(t, json.Unmarshal(got.Data, &p))
	assert.Equal(t, dispatcherpkg.KindAuthorizationDenied, p.Error.Kind)

	send(t, conn, EventSubscribe, "db.pages.upsert")
	got = read(t, conn)
	require.NoError(t, json.Unmarshal(got.Data, &p))
	assert.Equal(t, dispatcherpkg.KindGrammar, p.Error.Kind)

	send(t, conn, EventDBChange, map[string]any{"table": "pages", "action": "upsert"})
	got = read(t, conn)
	require.NoError(t, json.Unmarshal(got.Data, &p))
	assert.Equal(t, dispatcherpkg.KindValidation, p.Error.Kind)
	assert.Contains(t, p.Error.Details, "Timestamp is required")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	got = read(t, conn)
	assert.Equal(t, EventError, got.Event)

	send(t, conn, "teleport", nil)
	got = read(t, conn)
	assert.Equal(t, EventError, got.Event)

	// Still connected and usable.
	send(t, conn, EventUnsubscribe, "db.audit")
	got = read(t, conn)
	assert.Equal(t, EventUnsubscribed, got.Event)
}

func TestServer_ClosedDispatcherReportsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, env.token(t, identity.TokenRequest{Subject: "u", Tables: []string{"pages"}}))
	require.NoError(t, env.disp.Close())

	send(t, conn, EventSubscribe, "db.pages")
	got := read(t, conn)
	require.Equal(t, EventError, got.Event)

	var p dispatcherpkg.ErrorPayload
	require.NoError(t, json.Unmarshal(got.Data, &p))
	assert.Equal(t, dispatcherpkg.KindUnavailable, p.Error.Kind)
	assert.Equal(t, "dispatcher is closed", p.Error.Message)
}

func TestServer_DisconnectReleasesRooms(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, env.token(t, identity.TokenRequest{Subject: "u", Tables: []string{"pages"}}))

	send(t, conn, EventSubscribe, "db.pages")
	_ = read(t, conn)
	require.Equal(t, 1, env.hub.Stats().Rooms)

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return env.hub.Stats().Connections == 0 && env.hub.Stats().Rooms == 0 && env.disp.Stats().Sessions == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ShutdownClosesConnections(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, env.token(t, identity.TokenRequest{Subject: "u"}))

	require.Eventually(t, func() bool { return env.hub.Stats().Connections == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{PingInterval: time.Minute, PongWait: time.Second}
	cfg.SetDefaults()
	assert.Error(t, cfg.Validate())

	cfg = Config{}
	cfg.SetDefaults()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 256, cfg.SendBuffer)
}

func TestDecodeChannel(t *testing.T) {
	assert.Equal(t, "db", decodeChannel(json.RawMessage(`"db"`)))
	assert.Equal(t, "db.pages", decodeChannel(json.RawMessage(`{"channel":"db.pages"}`)))
	assert.Equal(t, "", decodeChannel(json.RawMessage(`42`)))
	assert.Equal(t, "", decodeChannel(nil))
}
