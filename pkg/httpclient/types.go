package httpclient

import (
	"fmt"
	"strings"
	"time"

	"github.com/rmacdonaldsmith/dbcast/pkg/dispatcher"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the dbcast server (e.g., "http://localhost:3000")
	ServerURL string

	// Token is the bearer token sent with every request
	Token string

	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxRetries for requests that fail with a network error or a 5xx
	MaxRetries int

	// InitialBackoff and MaxBackoff bound the retry delay
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 2 * time.Second
	}
}

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Version     string    `json:"version"`
	Environment string    `json:"environment"`
	Uptime      float64   `json:"uptime"`
}

// PublishResponse is the body of POST /api/events
type PublishResponse struct {
	Success         bool      `json:"success"`
	Message         string    `json:"message"`
	EventsPublished int       `json:"eventsPublished"`
	Channels        []string  `json:"channels"`
	Timestamp       time.Time `json:"timestamp"`
}

// TransportStats are the hub counters reported by the server
type TransportStats struct {
	Connections int   `json:"connections"`
	Rooms       int   `json:"rooms"`
	Broadcasts  int64 `json:"broadcasts"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
}

// MetricsResponse is the body of GET /api/metrics
type MetricsResponse struct {
	ConnectedClients int              `json:"connectedClients"`
	Rooms            int              `json:"rooms"`
	Dispatcher       dispatcher.Stats `json:"dispatcher"`
	Transport        TransportStats   `json:"transport"`
	Goroutines       int              `json:"goroutines"`
	Timestamp        time.Time        `json:"timestamp"`
}

// ConnectionInfo describes one connected socket
type ConnectionInfo struct {
	ID               string        `json:"id"`
	UserID           string        `json:"userId"`
	IsAdmin          bool          `json:"isAdmin"`
	IsPublisher      bool          `json:"isPublisher"`
	AuthorizedTables []string      `json:"authorizedTables"`
	ConnectedAt      time.Time     `json:"connectedAt"`
	ConnectedSince   time.Duration `json:"connectedSince"`
	Address          string        `json:"address,omitempty"`
	UserAgent        string        `json:"userAgent,omitempty"`
	Rooms            []string      `json:"rooms"`
}

// RoomInfo describes one room and its members
type RoomInfo struct {
	Name        string   `json:"name"`
	MemberCount int      `json:"memberCount"`
	Members     []string `json:"members"`
}

// SocketStatsResponse is the body of GET /api/sockets
type SocketStatsResponse struct {
	TotalConnections int                 `json:"totalConnections"`
	ConnectedSockets []ConnectionInfo    `json:"connectedSockets"`
	Rooms            map[string]RoomInfo `json:"rooms"`
	Timestamp        time.Time           `json:"timestamp"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Code    int             `json:"code"`
	Kind    dispatcher.Kind `json:"kind,omitempty"`
	Details []string        `json:"details,omitempty"`
}

// APIError is returned for any response with status 400 or above.
type APIError struct {
	StatusCode int
	Kind       dispatcher.Kind
	Message    string
	Details    []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, ", ") + ")"
	}
	return msg
}

// Is matches dispatcher sentinels by kind, so callers can write
// errors.Is(err, dispatcher.ErrRateLimitExceeded).
func (e *APIError) Is(target error) bool {
	if e.Kind == "" {
		return false
	}
	return dispatcher.KindOf(target) == e.Kind
}
