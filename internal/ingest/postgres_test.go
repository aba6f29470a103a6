package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	execs  []string
	notes  chan *pgconn.Notification
	fail   chan error
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{notes: make(chan *pgconn.Notification, 8), fail: make(chan error, 1)}
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, sql)
	return pgconn.NewCommandTag("LISTEN"), nil
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-c.notes:
		return n, nil
	case err := <-c.fail:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Execs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.execs...)
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func waitForCalls(t *testing.T, pub *fakePublisher, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(pub.Calls()) >= n }, 2*time.Second, 5*time.Millisecond)
}

func TestNewPostgresListener_RequiresConnString(t *testing.T) {
	_, err := NewPostgresListener(PostgresConfig{}, NewHandler(newFakePublisher(), "", nil), nil)
	assert.ErrorIs(t, err, ErrMissingConnString)
}

func TestPostgresListener_PublishesNotifications(t *testing.T) {
	pub := newFakePublisher()
	conn := newFakeConn()
	dial := func(context.Context, string) (NotificationConn, error) { return conn, nil }

	l, err := NewPostgresListener(PostgresConfig{ConnString: "postgres://test", Channel: "db_changes"},
		NewHandler(pub, "", nil), nil, WithDialer(dial))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	conn.notes <- &pgconn.Notification{Channel: "other", Payload: `{"ignored":true}`}
	conn.notes <- &pgconn.Notification{Channel: "db_changes", Payload: `{"table":"pages"}`}
	waitForCalls(t, pub, 1)

	calls := pub.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, SourcePostgres, calls[0].source)
	assert.Equal(t, `{"table":"pages"}`, calls[0].payload)
	assert.Equal(t, []string{`LISTEN "db_changes"`}, conn.Execs())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
	assert.True(t, conn.Closed())
}

func TestPostgresListener_ReconnectsAfterFailure(t *testing.T) {
	pub := newFakePublisher()

	var (
		mu       sync.Mutex
		attempts int
		conns    []*fakeConn
	)
	dial := func(context.Context, string) (NotificationConn, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return nil, errors.New("connection refused")
		}
		c := newFakeConn()
		conns = append(conns, c)
		return c, nil
	}
	current := func() *fakeConn {
		mu.Lock()
		defer mu.Unlock()
		if len(conns) == 0 {
			return nil
		}
		return conns[len(conns)-1]
	}

	l, err := NewPostgresListener(PostgresConfig{
		ConnString:     "postgres://test",
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, NewHandler(pub, "", nil), nil, WithDialer(dial))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	require.Eventually(t, func() bool { return current() != nil }, 2*time.Second, time.Millisecond)
	first := current()
	first.fail <- errors.New("conn reset")

	require.Eventually(t, func() bool { return current() != first }, 2*time.Second, time.Millisecond)
	assert.True(t, first.Closed())

	current().notes <- &pgconn.Notification{Channel: "db_changes", Payload: `{"table":"users"}`}
	waitForCalls(t, pub, 1)

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}
