package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/dbcast/internal/ratelimit"
	"github.com/rmacdonaldsmith/dbcast/pkg/authz"
)

// fakeVerifier maps credentials to subjects.
type fakeVerifier map[string]authz.Subject

func (v fakeVerifier) Verify(_ context.Context, credential string) (authz.Subject, error) {
	s, ok := v[credential]
	if !ok {
		return authz.Subject{}, errors.New("token is invalid")
	}
	return s, nil
}

type broadcast struct {
	Room    string
	Event   string
	Payload []byte
}

// recordingTransport records every call made to it.
type recordingTransport struct {
	mu         sync.Mutex
	joins      map[string][]string
	leaves     map[string][]string
	broadcasts []broadcast
	joinErr    error
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{joins: map[string][]string{}, leaves: map[string][]string{}}
}

func (t *recordingTransport) Join(connID, room string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.joinErr != nil {
		return t.joinErr
	}
	t.joins[connID] = append(t.joins[connID], room)
	return nil
}

func (t *recordingTransport) Leave(connID, room string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaves[connID] = append(t.leaves[connID], room)
	return nil
}

func (t *recordingTransport) Broadcast(room, event string, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcasts = append(t.broadcasts, broadcast{Room: room, Event: event, Payload: payload})
}

func (t *recordingTransport) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.broadcasts)
	for _, rooms := range t.joins {
		n += len(rooms)
	}
	for _, rooms := range t.leaves {
		n += len(rooms)
	}
	return n
}

func (t *recordingTransport) rooms() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.broadcasts))
	for i, b := range t.broadcasts {
		out[i] = b.Room
	}
	return out
}

const (
	userToken      = "user-token"
	adminToken     = "admin-token"
	publisherToken = "publisher-token"
)

func testVerifier() fakeVerifier {
	return fakeVerifier{
		userToken:      authz.NewSubject("user-1", authz.Flags{}, []string{"pages", "users"}),
		adminToken:     authz.NewSubject("admin-1", authz.Flags{Admin: true}, []string{"pages"}),
		publisherToken: authz.NewSubject("pub-1", authz.Flags{Publisher: true}, nil),
	}
}

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestDispatcher builds a started dispatcher with a fresh limiter.
func newTestDispatcher(t *testing.T, cfg *Config) (*RoutingDispatcher, *recordingTransport) {
	t.Helper()
	if cfg == nil {
		cfg = NewConfig()
	}
	if cfg.Limiter == nil {
		cfg.WithLimiter(ratelimit.New(ratelimit.Config{Window: time.Minute}))
	}
	cfg.Now = func() time.Time { return fixedNow }

	transport := newRecordingTransport()
	d, err := New(cfg, testVerifier(), transport)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		_ = d.Close()
		_ = cfg.Limiter.Close()
	})
	return d, transport
}

func connect(t *testing.T, d *RoutingDispatcher, connID, token string) {
	t.Helper()
	_, err := d.Connect(context.Background(), connID, token)
	require.NoError(t, err)
}
