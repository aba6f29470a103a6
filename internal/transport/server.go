package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/dbcast/pkg/dispatcher"
)

// Config holds WebSocket server settings.
type Config struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	ReadLimit    int64
	SendBuffer   int

	// AllowedOrigins lists accepted Origin headers. Empty or "*" accepts any.
	AllowedOrigins []string

	Logger *zap.Logger
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Validate checks that the ping interval fits inside the pong wait.
func (c *Config) Validate() error {
	if c.PingInterval >= c.PongWait {
		return errors.New("ping interval must be shorter than pong wait")
	}
	return nil
}

// Server upgrades HTTP requests to WebSocket connections, authenticates them
// through the dispatcher and runs their read and write pumps.
type Server struct {
	cfg        Config
	hub        *Hub
	dispatcher dispatcher.Dispatcher
	upgrader   websocket.Upgrader
	log        *zap.Logger
	baseCtx    context.Context
	cancel     context.CancelFunc
}

// NewServer creates a WebSocket server.
func NewServer(cfg Config, hub *Hub, d dispatcher.Dispatcher) (*Server, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		hub:        hub,
		dispatcher: d,
		log:        cfg.Logger.Named("websocket"),
		baseCtx:    ctx,
		cancel:     cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// credential reads the bearer token from the Authorization header or the
// token query parameter.
func credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// ServeHTTP authenticates and upgrades the request. It blocks until the
// connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := uuid.NewString()
	log := s.log.With(zap.String("conn", connID), zap.String("remote", r.RemoteAddr))

	subject, err := s.dispatcher.Connect(s.baseCtx, connID, credential(r))
	if err != nil {
		log.Info("websocket connection rejected", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(dispatcher.HTTPStatus(err))
		_ = json.NewEncoder(w).Encode(dispatcher.NewErrorPayload(err))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.dispatcher.Disconnect(connID)
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Client{
		id:          connID,
		conn:        conn,
		subject:     subject,
		connectedAt: time.Now(),
		address:     r.RemoteAddr,
		userAgent:   r.UserAgent(),
		server:      s,
		log:         log,
		send:        make(chan []byte, s.cfg.SendBuffer),
		done:        make(chan struct{}),
	}
	if err := s.hub.Register(c); err != nil {
		s.dispatcher.Disconnect(connID)
		_ = conn.Close()
		log.Error("failed to register connection", zap.Error(err))
		return
	}
	log.Info("websocket connected", zap.String("subject", subject.ID()))

	go c.writePump()
	c.readPump(s.baseCtx)

	s.hub.Unregister(connID)
	s.dispatcher.Disconnect(connID)
	c.Close()
	<-c.done
	log.Info("websocket disconnected", zap.String("subject", subject.ID()))
}

// Shutdown closes every connection and cancels in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.hub.CloseAll()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.hub.Stats().Connections == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
