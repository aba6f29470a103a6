package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Outbound event names understood by the server socket.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventDBChange    = "dbChange"

	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventDBChangeAck  = "dbChangeAck"
	EventError        = "error"
)

// ErrNotConnected is returned when writing while the socket is down.
var ErrNotConnected = errors.New("stream is not connected")

// Message is one frame received from the server. For broadcasts Event is
// the channel the change was published on and Data the change event.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// IsBroadcast reports whether the frame is a change event rather than an
// ack or error.
func (m Message) IsBroadcast() bool {
	switch m.Event {
	case EventSubscribed, EventUnsubscribed, EventDBChangeAck, EventError:
		return false
	}
	return true
}

// StreamClient holds a WebSocket connection to /ws and keeps its channel
// subscriptions across reconnects.
type StreamClient struct {
	client   *Client
	config   StreamConfig
	messages chan Message
	errors   chan error
	done     chan struct{}
	cancel   context.CancelFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]struct{}
	order    []string

	writeMu sync.Mutex
}

// StreamConfig configures the streaming client
type StreamConfig struct {
	// Channels to subscribe to on every (re)connect
	Channels []string

	// BufferSize for the message channel
	BufferSize int

	// ReconnectDelay for automatic reconnection
	ReconnectDelay time.Duration

	// MaxReconnectAttempts (0 = infinite)
	MaxReconnectAttempts int

	// HandshakeTimeout bounds the WebSocket upgrade
	HandshakeTimeout time.Duration
}

// SetDefaults sets reasonable default values for StreamConfig
func (sc *StreamConfig) SetDefaults() {
	if sc.BufferSize == 0 {
		sc.BufferSize = 100
	}
	if sc.ReconnectDelay == 0 {
		sc.ReconnectDelay = 2 * time.Second
	}
	if sc.HandshakeTimeout == 0 {
		sc.HandshakeTimeout = 10 * time.Second
	}
}

// Stream opens a WebSocket to the server in the background and subscribes
// to config.Channels once connected.
func (c *Client) Stream(ctx context.Context, config StreamConfig) (*StreamClient, error) {
	if c.token == "" {
		return nil, ErrNoToken
	}

	config.SetDefaults()
	streamCtx, cancel := context.WithCancel(ctx)

	sc := &StreamClient{
		client:   c,
		config:   config,
		messages: make(chan Message, config.BufferSize),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
		cancel:   cancel,
		channels: make(map[string]struct{}),
	}
	for _, ch := range config.Channels {
		sc.remember(ch)
	}

	go sc.run(streamCtx)
	return sc, nil
}

// Messages returns the channel for receiving frames
func (sc *StreamClient) Messages() <-chan Message {
	return sc.messages
}

// Errors returns the channel for receiving errors
func (sc *StreamClient) Errors() <-chan error {
	return sc.errors
}

// Done returns a channel that's closed when streaming ends
func (sc *StreamClient) Done() <-chan struct{} {
	return sc.done
}

// Connected reports whether a socket is currently open.
func (sc *StreamClient) Connected() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn != nil
}

// Subscribe asks the server to join channel. The channel is re-subscribed
// after a reconnect. While disconnected only the intent is recorded.
func (sc *StreamClient) Subscribe(channel string) error {
	sc.remember(channel)
	err := sc.send(EventSubscribe, channel)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Unsubscribe leaves channel and forgets it for future reconnects.
func (sc *StreamClient) Unsubscribe(channel string) error {
	sc.forget(channel)
	err := sc.send(EventUnsubscribe, channel)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Publish sends a change event over the socket. The server answers with
// dbChangeAck or error.
func (sc *StreamClient) Publish(event any) error {
	data, err := encodeBody(event)
	if err != nil {
		return err
	}
	return sc.send(EventDBChange, json.RawMessage(data))
}

// Close stops the streaming client and cleans up resources
func (sc *StreamClient) Close() error {
	sc.cancel()

	sc.mu.Lock()
	conn := sc.conn
	sc.mu.Unlock()
	if conn != nil {
		sc.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		sc.writeMu.Unlock()
		_ = conn.Close()
	}

	<-sc.done
	return nil
}

func (sc *StreamClient) remember(channel string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if _, ok := sc.channels[channel]; ok {
		return
	}
	sc.channels[channel] = struct{}{}
	sc.order = append(sc.order, channel)
}

func (sc *StreamClient) forget(channel string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if _, ok := sc.channels[channel]; !ok {
		return
	}
	delete(sc.channels, channel)
	for i, ch := range sc.order {
		if ch == channel {
			sc.order = append(sc.order[:i], sc.order[i+1:]...)
			break
		}
	}
}

func (sc *StreamClient) subscriptions() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]string(nil), sc.order...)
}

func (sc *StreamClient) send(event string, data any) error {
	sc.mu.Lock()
	conn := sc.conn
	sc.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if err := conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

func (sc *StreamClient) report(ctx context.Context, err error) {
	select {
	case sc.errors <- err:
	case <-ctx.Done():
	default:
	}
}

// run handles the connect loop with reconnection
func (sc *StreamClient) run(ctx context.Context) {
	defer close(sc.done)
	defer close(sc.messages)
	defer close(sc.errors)

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := sc.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			sc.report(ctx, fmt.Errorf("streaming error: %w", err))

			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
				return
			}
		}

		if sc.config.MaxReconnectAttempts > 0 && attempts >= sc.config.MaxReconnectAttempts {
			sc.report(ctx, fmt.Errorf("max reconnect attempts (%d) exceeded", sc.config.MaxReconnectAttempts))
			return
		}
		attempts++

		select {
		case <-time.After(sc.config.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (sc *StreamClient) socketURL() string {
	u := sc.client.baseURL.ResolveReference(&url.URL{Path: "/ws"})
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

// connectAndRead dials, replays subscriptions and reads until the socket
// fails.
func (sc *StreamClient) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: sc.config.HandshakeTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+sc.client.token)

	conn, resp, err := dialer.DialContext(ctx, sc.socketURL(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			return decodeError(resp.StatusCode, body)
		}
		return fmt.Errorf("failed to connect to stream: %w", err)
	}

	sc.mu.Lock()
	sc.conn = conn
	sc.mu.Unlock()
	defer func() {
		sc.mu.Lock()
		sc.conn = nil
		sc.mu.Unlock()
		_ = conn.Close()
	}()

	for _, ch := range sc.subscriptions() {
		if err := sc.send(EventSubscribe, ch); err != nil {
			return err
		}
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("error reading stream: %w", err)
		}

		select {
		case sc.messages <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
