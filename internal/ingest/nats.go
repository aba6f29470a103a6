package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/dbcast/pkg/dispatcher"
)

// ErrAlreadyStarted is returned by Start on a running source.
var ErrAlreadyStarted = errors.New("ingest source already started")

// NATSConfig configures a NATS subject subscription.
type NATSConfig struct {
	URL     string
	Subject string
	// Queue, when set, joins a queue group so replicas share the stream.
	Queue string
	Name  string
}

// SetDefaults fills unset fields.
func (c *NATSConfig) SetDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Subject == "" {
		c.Subject = "dbcast.changes"
	}
	if c.Name == "" {
		c.Name = "dbcast-ingest"
	}
}

// NATSSource subscribes to a NATS subject and publishes every message as a
// change event. Requests carrying a reply subject get the publish ack or
// error payload back.
type NATSSource struct {
	cfg     NATSConfig
	handler *Handler
	log     *zap.Logger

	mu  sync.Mutex
	nc  *nats.Conn
	sub *nats.Subscription
	ctx context.Context
}

// NewNATSSource creates an unstarted source.
func NewNATSSource(cfg NATSConfig, h *Handler, logger *zap.Logger) *NATSSource {
	cfg.SetDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSource{cfg: cfg, handler: h, log: logger, ctx: context.Background()}
}

func (s *NATSSource) options() []nats.Option {
	return []nats.Option{
		nats.Name(s.cfg.Name),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			s.log.Info("NATS connection closed")
		}),
	}
}

// Start connects and subscribes. Messages are handled with ctx until Close.
func (s *NATSSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nc != nil {
		return ErrAlreadyStarted
	}

	nc, err := nats.Connect(s.cfg.URL, s.options()...)
	if err != nil {
		return fmt.Errorf("connect to NATS server: %w", err)
	}

	s.ctx = ctx
	var sub *nats.Subscription
	if s.cfg.Queue != "" {
		sub, err = nc.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, s.onMessage)
	} else {
		sub, err = nc.Subscribe(s.cfg.Subject, s.onMessage)
	}
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe to %s: %w", s.cfg.Subject, err)
	}

	s.nc, s.sub = nc, sub
	s.log.Info("NATS ingest started",
		zap.String("url", s.cfg.URL),
		zap.String("subject", s.cfg.Subject),
		zap.String("queue", s.cfg.Queue))
	return nil
}

func (s *NATSSource) onMessage(msg *nats.Msg) {
	ack, err := s.handler.Handle(s.ctx, SourceNATS, msg.Data)
	if msg.Reply == "" {
		return
	}

	var reply any = ack
	if err != nil {
		reply = dispatcher.NewErrorPayload(err)
	}
	data, merr := json.Marshal(reply)
	if merr != nil {
		s.log.Error("failed to encode NATS reply", zap.Error(merr))
		return
	}
	if rerr := msg.Respond(data); rerr != nil {
		s.log.Warn("failed to send NATS reply", zap.String("reply", msg.Reply), zap.Error(rerr))
	}
}

// Close drains the subscription and closes the connection. Safe to call
// more than once.
func (s *NATSSource) Close() error {
	s.mu.Lock()
	nc := s.nc
	s.nc, s.sub = nil, nil
	s.mu.Unlock()

	if nc == nil {
		return nil
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
