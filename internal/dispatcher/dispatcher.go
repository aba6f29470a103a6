// Package dispatcher implements the routing dispatcher: it authenticates
// connections once, then validates, rate limits and authorizes their
// subscribe, unsubscribe and publish requests before driving the transport.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/dbcast/internal/metrics"
	"github.com/rmacdonaldsmith/dbcast/internal/ratelimit"
	"github.com/rmacdonaldsmith/dbcast/pkg/authz"
	"github.com/rmacdonaldsmith/dbcast/pkg/changeevent"
	"github.com/rmacdonaldsmith/dbcast/pkg/channel"
	dispatcherpkg "github.com/rmacdonaldsmith/dbcast/pkg/dispatcher"
)

// Rate limit classes. The limiter key is "<class>:<subject id>".
const (
	ClassSubscribe = "subscribe"
	ClassPublish   = "publish"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = dispatcherpkg.NewError(dispatcherpkg.KindUnavailable, "dispatcher is closed")
	// ErrDraining is returned by Connect while the dispatcher is stopped.
	ErrDraining = dispatcherpkg.NewError(dispatcherpkg.KindUnavailable, "dispatcher is not accepting connections")
)

// session is the authorization context bound to one connection.
type session struct {
	subject     authz.Subject
	connectedAt time.Time
}

// RoutingDispatcher implements dispatcher.Dispatcher.
type RoutingDispatcher struct {
	cfg       *Config
	verifier  dispatcherpkg.IdentityVerifier
	transport dispatcherpkg.Transport
	limiter   *ratelimit.Limiter
	ownsLimit bool
	log       *zap.Logger

	sessions sync.Map // connID -> *session

	mu       sync.RWMutex
	started  bool
	draining bool
	closed   bool

	subscribes   atomic.Int64
	unsubscribes atomic.Int64
	publishes    atomic.Int64
	broadcasts   atomic.Int64
	rejected     atomic.Int64
}

// New creates a dispatcher. It does not start the limiter sweep; call Start.
func New(cfg *Config, verifier dispatcherpkg.IdentityVerifier, transport dispatcherpkg.Transport) (*RoutingDispatcher, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if verifier == nil {
		return nil, errors.New("identity verifier cannot be nil")
	}
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}

	d := &RoutingDispatcher{
		cfg:       cfg,
		verifier:  verifier,
		transport: transport,
		limiter:   cfg.Limiter,
		log:       cfg.Logger.Named("dispatcher"),
	}
	if d.limiter == nil {
		d.limiter = ratelimit.New(ratelimit.Config{Window: cfg.RateLimitWindow, Logger: cfg.Logger.Named("ratelimit")})
		d.ownsLimit = true
	}
	return d, nil
}

// Start starts the rate limiter sweep and resumes accepting connections.
func (d *RoutingDispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	d.draining = false
	if d.started {
		return nil
	}
	if err := d.limiter.Start(ctx); err != nil {
		return fmt.Errorf("failed to start rate limiter: %w", err)
	}
	d.started = true
	return nil
}

// Stop stops accepting new connections. Existing sessions keep working until
// they disconnect or Close is called.
func (d *RoutingDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.draining = true
	return nil
}

// Close drops every session and releases the limiter if the dispatcher owns it.
func (d *RoutingDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.started = false

	d.sessions.Range(func(k, _ any) bool {
		d.sessions.Delete(k)
		return true
	})

	if d.ownsLimit {
		if err := d.limiter.Close(); err != nil {
			return fmt.Errorf("failed to close rate limiter: %w", err)
		}
	}
	return nil
}

func (d *RoutingDispatcher) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// Connect verifies credential and binds the resulting subject to connID.
func (d *RoutingDispatcher) Connect(ctx context.Context, connID, credential string) (authz.Subject, error) {
	d.mu.RLock()
	closed, draining := d.closed, d.draining
	d.mu.RUnlock()
	if closed {
		return authz.Subject{}, ErrClosed
	}
	if draining {
		return authz.Subject{}, ErrDraining
	}

	subject, err := d.verifier.Verify(ctx, credential)
	if err != nil {
		d.log.Warn("authentication failed", zap.String("conn", connID), zap.Error(err))
		metrics.Requests.WithLabelValues("connect", metrics.ResultDenied).Inc()
		d.rejected.Add(1)
		return authz.Subject{}, dispatcherpkg.NewError(dispatcherpkg.KindAuthentication, "Authentication failed", err.Error())
	}

	if _, loaded := d.sessions.LoadOrStore(connID, &session{subject: subject, connectedAt: d.cfg.Now()}); loaded {
		return authz.Subject{}, dispatcherpkg.NewError(dispatcherpkg.KindAuthentication, "Connection is already authenticated")
	}

	metrics.Requests.WithLabelValues("connect", metrics.ResultOK).Inc()
	d.log.Info("connection authenticated",
		zap.String("conn", connID),
		zap.String("subject", subject.ID()),
		zap.Bool("admin", subject.IsAdmin()),
		zap.Bool("publisher", subject.IsPublisher()),
		zap.Strings("tables", subject.Tables()),
	)
	return subject, nil
}

// Disconnect removes the session. Room membership is released by the transport.
func (d *RoutingDispatcher) Disconnect(connID string) {
	if v, ok := d.sessions.LoadAndDelete(connID); ok {
		s := v.(*session)
		d.log.Info("connection closed",
			zap.String("conn", connID),
			zap.String("subject", s.subject.ID()),
			zap.Duration("duration", d.cfg.Now().Sub(s.connectedAt)),
		)
	}
}

// Session returns the subject bound to connID.
func (d *RoutingDispatcher) Session(connID string) (authz.Subject, bool) {
	v, ok := d.sessions.Load(connID)
	if !ok {
		return authz.Subject{}, false
	}
	return v.(*session).subject, true
}

func (d *RoutingDispatcher) subjectFor(connID string) (authz.Subject, error) {
	if d.isClosed() {
		return authz.Subject{}, ErrClosed
	}
	subject, ok := d.Session(connID)
	if !ok {
		return authz.Subject{}, dispatcherpkg.NewError(dispatcherpkg.KindNotConnected, "Connection is not authenticated")
	}
	return subject, nil
}

func (d *RoutingDispatcher) allow(class string, subject authz.Subject, limit int) bool {
	if d.limiter.Allow(class+":"+subject.ID(), limit) {
		return true
	}
	metrics.RateLimited.WithLabelValues(class).Inc()
	return false
}

func (d *RoutingDispatcher) reject(op string, err error) error {
	d.rejected.Add(1)
	result := metrics.ResultDenied
	if dispatcherpkg.KindOf(err) == "" {
		result = metrics.ResultError
	}
	metrics.Requests.WithLabelValues(op, result).Inc()
	return err
}

func grammarError(err error) error {
	return dispatcherpkg.NewError(dispatcherpkg.KindGrammar, "Invalid channel format", err.Error())
}

// Subscribe validates the requested channel, applies the subscribe rate limit
// for non-admins, resolves it against the subject's tables and joins every
// resolved channel. An empty resolution is reported as AuthorizationDenied
// and joins nothing.
func (d *RoutingDispatcher) Subscribe(ctx context.Context, connID, requested string) (dispatcherpkg.SubscribeAck, error) {
	subject, err := d.subjectFor(connID)
	if err != nil {
		return dispatcherpkg.SubscribeAck{}, d.reject(ClassSubscribe, err)
	}

	ch, err := channel.Parse(requested)
	if err != nil {
		return dispatcherpkg.SubscribeAck{}, d.reject(ClassSubscribe, grammarError(err))
	}

	if !subject.IsAdmin() && !d.allow(ClassSubscribe, subject, d.cfg.SubscribeLimit) {
		return dispatcherpkg.SubscribeAck{}, d.reject(ClassSubscribe,
			dispatcherpkg.NewError(dispatcherpkg.KindRateLimitExceeded, "Rate limit exceeded for subscribe operations"))
	}

	resolved := authz.Resolve(subject, ch)
	if len(resolved) == 0 {
		d.log.Info("subscribe denied", zap.String("conn", connID), zap.String("subject", subject.ID()), zap.String("channel", requested))
		return dispatcherpkg.SubscribeAck{}, d.reject(ClassSubscribe,
			dispatcherpkg.NewError(dispatcherpkg.KindAuthorizationDenied, "Not authorized for this channel", requested))
	}

	for _, room := range resolved {
		if err := d.transport.Join(connID, room); err != nil {
			return dispatcherpkg.SubscribeAck{}, d.reject(ClassSubscribe, fmt.Errorf("failed to join %s: %w", room, err))
		}
	}

	d.subscribes.Add(1)
	metrics.Requests.WithLabelValues(ClassSubscribe, metrics.ResultOK).Inc()
	d.log.Info("subscribed", zap.String("conn", connID), zap.String("channel", requested), zap.Strings("resolved", resolved))

	return dispatcherpkg.SubscribeAck{Success: true, Channel: requested, ResolvedChannels: resolved}, nil
}

// Unsubscribe resolves the request like Subscribe and leaves every resolved
// channel. When nothing resolves it still leaves the literal channel, so a
// client can always clean up a name it asked for. Unsubscribe is never rate
// limited.
func (d *RoutingDispatcher) Unsubscribe(ctx context.Context, connID, requested string) (dispatcherpkg.UnsubscribeAck, error) {
	const op = "unsubscribe"

	subject, err := d.subjectFor(connID)
	if err != nil {
		return dispatcherpkg.UnsubscribeAck{}, d.reject(op, err)
	}

	ch, err := channel.Parse(requested)
	if err != nil {
		return dispatcherpkg.UnsubscribeAck{}, d.reject(op, grammarError(err))
	}

	rooms := authz.Resolve(subject, ch)
	if len(rooms) == 0 {
		rooms = []string{requested}
	}

	for _, room := range rooms {
		if err := d.transport.Leave(connID, room); err != nil {
			return dispatcherpkg.UnsubscribeAck{}, d.reject(op, fmt.Errorf("failed to leave %s: %w", room, err))
		}
	}

	d.unsubscribes.Add(1)
	metrics.Requests.WithLabelValues(op, metrics.ResultOK).Inc()
	d.log.Info("unsubscribed", zap.String("conn", connID), zap.String("channel", requested), zap.Strings("left", rooms))

	return dispatcherpkg.UnsubscribeAck{Success: true, Channel: requested, UnsubscribedChannels: rooms}, nil
}

// Publish validates and fans out a change event sent over a connection.
func (d *RoutingDispatcher) Publish(ctx context.Context, connID string, payload []byte) (dispatcherpkg.PublishAck, error) {
	subject, err := d.subjectFor(connID)
	if err != nil {
		return dispatcherpkg.PublishAck{}, d.reject(ClassPublish, err)
	}
	return d.publish(ctx, subject, payload, dispatcherpkg.SourceFrom(ctx, dispatcherpkg.SourceSocket))
}

// PublishAs validates and fans out a change event for a subject that has no
// socket session.
func (d *RoutingDispatcher) PublishAs(ctx context.Context, subject authz.Subject, payload []byte) (dispatcherpkg.PublishAck, error) {
	if d.isClosed() {
		return dispatcherpkg.PublishAck{}, ErrClosed
	}
	return d.publish(ctx, subject, payload, dispatcherpkg.SourceFrom(ctx, dispatcherpkg.SourceAPI))
}

// publish runs validate, rate check, expand, broadcast. Nothing reaches the
// transport unless validation and the rate check both pass.
func (d *RoutingDispatcher) publish(ctx context.Context, subject authz.Subject, payload []byte, source string) (dispatcherpkg.PublishAck, error) {
	timer := prometheus.NewTimer(metrics.PublishDuration.WithLabelValues(source))
	defer timer.ObserveDuration()

	event, err := changeevent.Parse(payload)
	if err != nil {
		var verr *changeevent.ValidationError
		if errors.As(err, &verr) {
			return dispatcherpkg.PublishAck{}, d.reject(ClassPublish,
				dispatcherpkg.NewError(dispatcherpkg.KindValidation, "Invalid event data", verr.Errors...))
		}
		return dispatcherpkg.PublishAck{}, d.reject(ClassPublish, fmt.Errorf("failed to parse event: %w", err))
	}

	if !subject.CanPublish() && !d.allow(ClassPublish, subject, d.cfg.PublishLimit) {
		return dispatcherpkg.PublishAck{}, d.reject(ClassPublish,
			dispatcherpkg.NewError(dispatcherpkg.KindRateLimitExceeded, "Rate limit exceeded for dbChange events"))
	}

	channels := event.Channels()
	body := event.Payload()
	for _, ch := range channels {
		d.transport.Broadcast(ch, ch, body)
	}

	d.publishes.Add(1)
	d.broadcasts.Add(int64(len(channels)))
	metrics.Broadcasts.Add(float64(len(channels)))
	metrics.Requests.WithLabelValues(ClassPublish, metrics.ResultOK).Inc()
	d.log.Info("event published",
		zap.String("subject", subject.ID()),
		zap.String("source", source),
		zap.String("table", event.Table()),
		zap.String("action", event.Action().String()),
		zap.Int("channels", len(channels)),
	)

	return dispatcherpkg.PublishAck{
		Success:         true,
		EventsPublished: len(channels),
		Channels:        channels,
		Timestamp:       d.cfg.Now().UTC(),
	}, nil
}

// Stats returns a snapshot of dispatcher counters.
func (d *RoutingDispatcher) Stats() dispatcherpkg.Stats {
	sessions := 0
	d.sessions.Range(func(_, _ any) bool {
		sessions++
		return true
	})
	return dispatcherpkg.Stats{
		Sessions:        sessions,
		RateLimitedKeys: d.limiter.Len(),
		Subscribes:      d.subscribes.Load(),
		Unsubscribes:    d.unsubscribes.Load(),
		Publishes:       d.publishes.Load(),
		Broadcasts:      d.broadcasts.Load(),
		Rejected:        d.rejected.Load(),
	}
}

var _ dispatcherpkg.Dispatcher = (*RoutingDispatcher)(nil)
