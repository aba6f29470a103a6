package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var ErrMissingConnString = errors.New("postgres connection string is required")

// PostgresConfig configures a LISTEN/NOTIFY listener.
type PostgresConfig struct {
	ConnString     string
	Channel        string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// SetDefaults fills unset fields.
func (c *PostgresConfig) SetDefaults() {
	if c.Channel == "" {
		c.Channel = "db_changes"
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Validate checks the config.
func (c *PostgresConfig) Validate() error {
	if c.ConnString == "" {
		return ErrMissingConnString
	}
	return nil
}

// NotificationConn is the subset of *pgx.Conn the listener uses.
type NotificationConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// DialFunc opens a dedicated connection for LISTEN.
type DialFunc func(ctx context.Context, connString string) (NotificationConn, error)

func dialPGX(ctx context.Context, connString string) (NotificationConn, error) {
	return pgx.Connect(ctx, connString)
}

// PostgresListener runs LISTEN on one channel and publishes each NOTIFY
// payload as a change event. Lost connections are re-established with
// exponential backoff.
type PostgresListener struct {
	cfg     PostgresConfig
	handler *Handler
	dial    DialFunc
	log     *zap.Logger
}

// PostgresOption customizes a PostgresListener.
type PostgresOption func(*PostgresListener)

// WithDialer replaces the pgx dialer.
func WithDialer(d DialFunc) PostgresOption {
	return func(l *PostgresListener) { l.dial = d }
}

// NewPostgresListener creates a listener.
func NewPostgresListener(cfg PostgresConfig, h *Handler, logger *zap.Logger, opts ...PostgresOption) (*PostgresListener, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &PostgresListener{cfg: cfg, handler: h, dial: dialPGX, log: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Run blocks until ctx is cancelled, reconnecting as needed. It returns
// ctx.Err() on shutdown.
func (l *PostgresListener) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.InitialBackoff
	b.MaxInterval = l.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	operation := func() error {
		err := l.listen(ctx, b.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		l.log.Warn("postgres listener disconnected, retrying",
			zap.String("channel", l.cfg.Channel),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
}

// listen holds one connection until it fails. onListening is called once
// LISTEN succeeds.
func (l *PostgresListener) listen(ctx context.Context, onListening func()) error {
	conn, err := l.dial(ctx, l.cfg.ConnString)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.cfg.Channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen on %s: %w", l.cfg.Channel, err)
	}
	onListening()
	l.log.Info("postgres ingest listening", zap.String("channel", l.cfg.Channel))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		if n == nil || n.Channel != l.cfg.Channel {
			continue
		}
		_, _ = l.handler.Handle(ctx, SourcePostgres, []byte(n.Payload))
	}
}
