package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/dbcast/pkg/authz"
	"github.com/rmacdonaldsmith/dbcast/pkg/dispatcher"
)

// Client is one authenticated WebSocket connection.
type Client struct {
	id          string
	conn        *websocket.Conn
	subject     authz.Subject
	connectedAt time.Time
	address     string
	userAgent   string

	server *Server
	log    *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
	done   chan struct{}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Enqueue queues a frame for the write pump. It never blocks.
func (c *Client) Enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which sends a close frame and closes the
// socket. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Info describes the connection.
func (c *Client) Info() MemberInfo {
	return MemberInfo{
		ID:               c.id,
		UserID:           c.subject.ID(),
		IsAdmin:          c.subject.IsAdmin(),
		IsPublisher:      c.subject.IsPublisher(),
		AuthorizedTables: c.subject.Tables(),
		ConnectedAt:      c.connectedAt,
		Address:          c.address,
		UserAgent:        c.userAgent,
	}
}

// readPump reads frames until the connection fails or closes.
func (c *Client) readPump(ctx context.Context) {
	cfg := c.server.cfg

	c.conn.SetReadLimit(cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.handle(ctx, data)
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Client) writePump() {
	cfg := c.server.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle dispatches one inbound frame and replies to this connection only.
func (c *Client) handle(ctx context.Context, data []byte) {
	var in Envelope
	if err := json.Unmarshal(data, &in); err != nil {
		c.reply(EventError, dispatcher.ErrorPayload{Error: dispatcher.ErrorBody{Message: "Invalid message format"}})
		return
	}

	d := c.server.dispatcher
	switch in.Event {
	case EventSubscribe:
		ack, err := d.Subscribe(ctx, c.id, decodeChannel(in.Data))
		c.respond(EventSubscribed, ack, err)

	case EventUnsubscribe:
		ack, err := d.Unsubscribe(ctx, c.id, decodeChannel(in.Data))
		c.respond(EventUnsubscribed, ack, err)

	case EventDBChange:
		ack, err := d.Publish(ctx, c.id, in.Data)
		c.respond(EventDBChangeAck, ack, err)

	default:
		c.reply(EventError, dispatcher.ErrorPayload{Error: dispatcher.ErrorBody{Message: "Unknown event", Details: []string{in.Event}}})
	}
}

func (c *Client) respond(event string, ack any, err error) {
	if err != nil {
		if dispatcher.KindOf(err) == "" {
			c.log.Error("request failed", zap.String("event", event), zap.Error(err))
		}
		c.reply(EventError, dispatcher.NewErrorPayload(err))
		return
	}
	c.reply(event, ack)
}

func (c *Client) reply(event string, v any) {
	frame, err := EncodeValue(event, v)
	if err != nil {
		c.log.Error("failed to encode reply", zap.Error(err))
		return
	}
	if !c.Enqueue(frame) {
		c.log.Warn("reply dropped", zap.String("event", event))
	}
}
