package httpapi

import (
	"time"

	"github.com/rmacdonaldsmith/dbcast/internal/transport"
	"github.com/rmacdonaldsmith/dbcast/pkg/dispatcher"
)

// Request/Response types for the HTTP API

// StatusResponse is returned by GET /api/status
type StatusResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Version     string    `json:"version"`
	Environment string    `json:"environment"`
	Uptime      float64   `json:"uptime"`
}

// PublishResponse is returned by POST /api/events
type PublishResponse struct {
	Success         bool      `json:"success"`
	Message         string    `json:"message"`
	EventsPublished int       `json:"eventsPublished"`
	Channels        []string  `json:"channels"`
	Timestamp       time.Time `json:"timestamp"`
}

// MemoryStats is a subset of runtime.MemStats
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"totalAlloc"`
	Sys        uint64 `json:"sys"`
	HeapInuse  uint64 `json:"heapInuse"`
	NumGC      uint32 `json:"numGC"`
}

// MetricsResponse is returned by GET /api/metrics
type MetricsResponse struct {
	ConnectedClients int              `json:"connectedClients"`
	Rooms            int              `json:"rooms"`
	Dispatcher       dispatcher.Stats `json:"dispatcher"`
	Transport        transport.Stats  `json:"transport"`
	Goroutines       int              `json:"goroutines"`
	Memory           MemoryStats      `json:"memory"`
	Timestamp        time.Time        `json:"timestamp"`
}

// SocketStatsResponse is returned by GET /api/sockets
type SocketStatsResponse struct {
	TotalConnections int                           `json:"totalConnections"`
	ConnectedSockets []transport.ConnectionInfo    `json:"connectedSockets"`
	Rooms            map[string]transport.RoomInfo `json:"rooms"`
	Timestamp        time.Time                     `json:"timestamp"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Code    int             `json:"code"`
	Kind    dispatcher.Kind `json:"kind,omitempty"`
	Details []string        `json:"details,omitempty"`
}
