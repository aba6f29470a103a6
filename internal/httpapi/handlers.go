package httpapi

import (
	"errors"
	"io"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/dbcast/internal/transport"
	"github.com/rmacdonaldsmith/dbcast/pkg/dispatcher"
)

// maxEventBytes bounds the body of POST /api/events.
const maxEventBytes = 1 << 20

// Handlers contains all HTTP request handlers
type Handlers struct {
	dispatcher  dispatcher.Dispatcher
	hub         *transport.Hub
	version     string
	environment string
	startedAt   time.Time
	now         func() time.Time
	log         *zap.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(d dispatcher.Dispatcher, hub *transport.Hub, version, environment string, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		dispatcher:  d,
		hub:         hub,
		version:     version,
		environment: environment,
		startedAt:   time.Now(),
		now:         time.Now,
		log:         logger,
	}
}

// Status handles GET /api/status
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	writeJSON(w, StatusResponse{
		Status:      "healthy",
		Timestamp:   now.UTC(),
		Version:     h.version,
		Environment: h.environment,
		Uptime:      now.Sub(h.startedAt).Seconds(),
	}, http.StatusOK)
}

// PublishEvent handles POST /api/events. The body is a change event.
func (h *Handlers) PublishEvent(w http.ResponseWriter, r *http.Request) {
	subject, ok := GetSubject(r)
	if !ok {
		writeError(w, "Authentication token required", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	ctx := dispatcher.WithSource(r.Context(), dispatcher.SourceAPI)
	ack, err := h.dispatcher.PublishAs(ctx, subject, body)
	if err != nil {
		if dispatcher.KindOf(err) == "" {
			h.log.Error("publish failed", zap.String("subject", subject.ID()), zap.Error(err))
			writeError(w, "Failed to publish event", http.StatusInternalServerError)
			return
		}
		writeDispatchError(w, err)
		return
	}

	writeJSON(w, PublishResponse{
		Success:         true,
		Message:         "Event published successfully",
		EventsPublished: ack.EventsPublished,
		Channels:        ack.Channels,
		Timestamp:       ack.Timestamp,
	}, http.StatusOK)
}

// Metrics handles GET /api/metrics
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	hubStats := h.hub.Stats()
	writeJSON(w, MetricsResponse{
		ConnectedClients: hubStats.Connections,
		Rooms:            hubStats.Rooms,
		Dispatcher:       h.dispatcher.Stats(),
		Transport:        hubStats,
		Goroutines:       runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:      mem.Alloc,
			TotalAlloc: mem.TotalAlloc,
			Sys:        mem.Sys,
			HeapInuse:  mem.HeapInuse,
			NumGC:      mem.NumGC,
		},
		Timestamp: h.now().UTC(),
	}, http.StatusOK)
}

// SocketStats handles GET /api/sockets
func (h *Handlers) SocketStats(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	conns := h.hub.Connections(now)
	if conns == nil {
		conns = []transport.ConnectionInfo{}
	}

	rooms := make(map[string]transport.RoomInfo)
	for _, room := range h.hub.RoomList() {
		rooms[room.Name] = room
	}

	writeJSON(w, SocketStatsResponse{
		TotalConnections: len(conns),
		ConnectedSockets: conns,
		Rooms:            rooms,
		Timestamp:        now.UTC(),
	}, http.StatusOK)
}
