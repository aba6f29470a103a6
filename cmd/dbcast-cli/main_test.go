package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/dbcast/internal/httpapi"
	"github.com/rmacdonaldsmith/dbcast/internal/identity"
	"github.com/rmacdonaldsmith/dbcast/pkg/authz"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func startServer(t *testing.T) (*httpapi.TestServerSetup, string) {
	t.Helper()
	setup := httpapi.NewTestServerSetup(t)
	server := httptest.NewServer(setup.Handler)
	t.Cleanup(server.Close)
	return setup, server.URL
}

func TestTokenCommand(t *testing.T) {
	out, err := runCLI(t, "token", "--secret", "test-secret-key", "--subject", "alice", "--tables", "pages, users", "--quiet")
	require.NoError(t, err)

	claims, err := identity.NewJWTAuth("test-secret-key").ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, []string{"pages", "users"}, claims.AuthSubject().Tables())
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	t.Setenv("DBCAST_AUTH_JWTSECRET", "")
	_, err := runCLI(t, "token", "--subject", "alice")
	assert.Error(t, err)
}

func TestStatusCommand(t *testing.T) {
	_, url := startServer(t)

	out, err := runCLI(t, "--server", url, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "✅ Healthy")
	assert.Contains(t, out, "Version: test")
}

func TestPublishCommand(t *testing.T) {
	setup, url := startServer(t)
	tok := setup.GenerateTestToken(t, identity.TokenRequest{Subject: "writer", Publisher: true})

	out, err := runCLI(t, "--server", url, "--token", tok, "publish", "--table", "pages", "--action", "update", "--id", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "Event published to 6 channels")
	assert.Contains(t, out, "db.pages.update.7")
	assert.Contains(t, out, "db.pages.*.7")
}

func TestPublishCommand_ValidationError(t *testing.T) {
	setup, url := startServer(t)
	tok := setup.GenerateTestToken(t, identity.TokenRequest{Subject: "writer", Publisher: true})

	_, err := runCLI(t, "--server", url, "--token", tok, "publish", "--table", "pages", "--action", "upsert")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Action must be one of: insert, update, delete")
}

func TestPublishCommand_RequiresToken(t *testing.T) {
	t.Setenv("DBCAST_TOKEN", "")
	_, url := startServer(t)
	_, err := runCLI(t, "--server", url, "publish", "--table", "pages", "--action", "insert")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token")
}

func TestBuildEvent(t *testing.T) {
	body, err := buildEvent(nil, "", "pages", "insert", "3", `{"title":"x"}`)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"record":{"id":3,"title":"x"}`)

	body, err = buildEvent(strings.NewReader(`{"table":"t"}`), "-", "", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, `{"table":"t"}`, string(body))

	_, err = buildEvent(nil, "", "pages", "insert", "abc", "")
	assert.Error(t, err)
}

func TestSubscribeCommand(t *testing.T) {
	setup, url := startServer(t)
	reader := setup.GenerateTestToken(t, identity.TokenRequest{Subject: "reader", Tables: []string{"pages"}})

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := runCLI(t, "--server", url, "--token", reader, "subscribe", "db.pages", "--limit", "1")
		done <- result{out, err}
	}()

	require.Eventually(t, func() bool { return len(setup.Hub.Members("db.pages")) == 1 }, 3*time.Second, 10*time.Millisecond)

	_, err := setup.Dispatcher.PublishAs(context.Background(),
		authz.NewSubject("writer", authz.Flags{Publisher: true}, nil),
		[]byte(`{"timestamp":"2025-03-01T12:00:00Z","table":"pages","action":"insert"}`))
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Contains(t, r.out, "Event #1 on db.pages")
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe did not exit after --limit events")
	}
}

func TestAdminCommands(t *testing.T) {
	setup, url := startServer(t)
	admin := setup.GenerateTestToken(t, identity.TokenRequest{Subject: "root", Admin: true})
	user := setup.GenerateTestToken(t, identity.TokenRequest{Subject: "reader"})

	out, err := runCLI(t, "--server", url, "--token", user, "admin", "metrics")
	require.NoError(t, err)
	assert.Contains(t, out, "Connected clients: 0")

	_, err = runCLI(t, "--server", url, "--token", user, "admin", "sockets")
	assert.Error(t, err)

	out, err = runCLI(t, "--server", url, "--token", admin, "admin", "sockets")
	require.NoError(t, err)
	assert.Contains(t, out, "0 connected sockets")
}
