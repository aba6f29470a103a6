// Package transport implements the room hub and the WebSocket server that
// carries the subscribe, unsubscribe and dbChange protocol.
package transport

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/dbcast/internal/metrics"
	"github.com/rmacdonaldsmith/dbcast/pkg/dispatcher"
)

var (
	// ErrUnknownConnection is returned for a connection id that is not registered
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrDuplicateConnection is returned when registering an id twice
	ErrDuplicateConnection = errors.New("connection already registered")
)

// Member is a connection the hub can deliver to.
type Member interface {
	ID() string

	// Enqueue queues an encoded frame without blocking and reports whether
	// it was accepted.
	Enqueue(frame []byte) bool

	// Close terminates the connection.
	Close()

	// Info describes the connection for diagnostics.
	Info() MemberInfo
}

// MemberInfo describes a connection.
type MemberInfo struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	IsAdmin          bool      `json:"isAdmin"`
	IsPublisher      bool      `json:"isPublisher"`
	AuthorizedTables []string  `json:"authorizedTables"`
	ConnectedAt      time.Time `json:"connectedAt"`
	Address          string    `json:"address,omitempty"`
	UserAgent        string    `json:"userAgent,omitempty"`
}

// ConnectionInfo is a MemberInfo plus the rooms the connection is in.
type ConnectionInfo struct {
	MemberInfo
	ConnectedSince time.Duration `json:"connectedSince"`
	Rooms          []string      `json:"rooms"`
}

// RoomInfo describes one room.
type RoomInfo struct {
	Name        string   `json:"name"`
	MemberCount int      `json:"memberCount"`
	Members     []string `json:"members"`
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Connections int   `json:"connections"`
	Rooms       int   `json:"rooms"`
	Broadcasts  int64 `json:"broadcasts"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
}

type memberState struct {
	member Member
	mu     sync.Mutex
	rooms  map[string]struct{}
	gone   bool
}

type room struct {
	mu      sync.RWMutex
	members map[string]Member
	dead    bool
}

// Hub tracks connections and their room memberships. Rooms are locked
// individually so broadcasts to different channels do not contend.
//
// Lock order is connection, then room.
type Hub struct {
	log   *zap.Logger
	conns sync.Map // connID -> *memberState
	rooms sync.Map // name -> *room

	broadcasts atomic.Int64
	delivered  atomic.Int64
	dropped    atomic.Int64
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{log: logger.Named("hub")}
}

// Register adds a connection with no room memberships.
func (h *Hub) Register(m Member) error {
	st := &memberState{member: m, rooms: make(map[string]struct{})}
	if _, loaded := h.conns.LoadOrStore(m.ID(), st); loaded {
		return ErrDuplicateConnection
	}
	metrics.Connections.Inc()
	return nil
}

// Unregister removes the connection from every room. Once it returns no
// broadcast reaches the connection.
func (h *Hub) Unregister(connID string) {
	v, ok := h.conns.LoadAndDelete(connID)
	if !ok {
		return
	}
	st := v.(*memberState)

	st.mu.Lock()
	st.gone = true
	for name := range st.rooms {
		h.removeFromRoom(name, connID)
	}
	st.rooms = nil
	st.mu.Unlock()

	metrics.Connections.Dec()
}

// Join adds the connection to the named room.
func (h *Hub) Join(connID, name string) error {
	v, ok := h.conns.Load(connID)
	if !ok {
		return ErrUnknownConnection
	}
	st := v.(*memberState)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.gone {
		return ErrUnknownConnection
	}
	if _, in := st.rooms[name]; in {
		return nil
	}

	for {
		rv, _ := h.rooms.LoadOrStore(name, &room{members: make(map[string]Member)})
		r := rv.(*room)
		r.mu.Lock()
		if r.dead {
			r.mu.Unlock()
			continue
		}
		r.members[connID] = st.member
		r.mu.Unlock()
		break
	}
	st.rooms[name] = struct{}{}
	return nil
}

// Leave removes the connection from the named room. Leaving a room the
// connection is not in is a no-op.
func (h *Hub) Leave(connID, name string) error {
	v, ok := h.conns.Load(connID)
	if !ok {
		return ErrUnknownConnection
	}
	st := v.(*memberState)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.gone {
		return ErrUnknownConnection
	}
	if _, in := st.rooms[name]; !in {
		return nil
	}
	delete(st.rooms, name)
	h.removeFromRoom(name, connID)
	return nil
}

// removeFromRoom drops connID from the room and deletes the room once empty.
func (h *Hub) removeFromRoom(name, connID string) {
	rv, ok := h.rooms.Load(name)
	if !ok {
		return
	}
	r := rv.(*room)
	r.mu.Lock()
	delete(r.members, connID)
	if len(r.members) == 0 && !r.dead {
		r.dead = true
		h.rooms.CompareAndDelete(name, r)
	}
	r.mu.Unlock()
}

// Broadcast wraps payload in an envelope labelled event and queues it to
// every member of the room. Slow members whose queue is full miss the frame.
func (h *Hub) Broadcast(name, event string, payload []byte) {
	h.broadcasts.Add(1)

	rv, ok := h.rooms.Load(name)
	if !ok {
		return
	}
	frame, err := Encode(event, payload)
	if err != nil {
		h.log.Error("failed to encode broadcast", zap.String("room", name), zap.Error(err))
		return
	}

	r := rv.(*room)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, m := range r.members {
		if m.Enqueue(frame) {
			h.delivered.Add(1)
			metrics.Deliveries.WithLabelValues(metrics.ResultOK).Inc()
			continue
		}
		h.dropped.Add(1)
		metrics.Deliveries.WithLabelValues("dropped").Inc()
		h.log.Warn("dropped frame for slow connection", zap.String("conn", id), zap.String("room", name))
	}
}

// Send queues a single frame to one connection.
func (h *Hub) Send(connID, event string, v any) error {
	st, ok := h.conns.Load(connID)
	if !ok {
		return ErrUnknownConnection
	}
	frame, err := EncodeValue(event, v)
	if err != nil {
		return err
	}
	if !st.(*memberState).member.Enqueue(frame) {
		h.dropped.Add(1)
		return errors.New("send queue full")
	}
	return nil
}

// Rooms returns the rooms of a connection, sorted.
func (h *Hub) Rooms(connID string) []string {
	v, ok := h.conns.Load(connID)
	if !ok {
		return nil
	}
	st := v.(*memberState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return sortedKeys(st.rooms)
}

// Members returns the connection ids in a room, sorted.
func (h *Hub) Members(name string) []string {
	rv, ok := h.rooms.Load(name)
	if !ok {
		return nil
	}
	r := rv.(*room)
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Connections describes every registered connection, ordered by id.
func (h *Hub) Connections(now time.Time) []ConnectionInfo {
	var out []ConnectionInfo
	h.conns.Range(func(_, v any) bool {
		st := v.(*memberState)
		info := st.member.Info()
		st.mu.Lock()
		rooms := sortedKeys(st.rooms)
		st.mu.Unlock()
		out = append(out, ConnectionInfo{
			MemberInfo:     info,
			ConnectedSince: now.Sub(info.ConnectedAt),
			Rooms:          rooms,
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RoomList describes every non-empty room, ordered by name.
func (h *Hub) RoomList() []RoomInfo {
	var names []string
	h.rooms.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)

	out := make([]RoomInfo, 0, len(names))
	for _, name := range names {
		members := h.Members(name)
		if len(members) == 0 {
			continue
		}
		out = append(out, RoomInfo{Name: name, MemberCount: len(members), Members: members})
	}
	return out
}

// CloseAll closes every registered connection.
func (h *Hub) CloseAll() {
	h.conns.Range(func(_, v any) bool {
		v.(*memberState).member.Close()
		return true
	})
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	s := Stats{
		Broadcasts: h.broadcasts.Load(),
		Delivered:  h.delivered.Load(),
		Dropped:    h.dropped.Load(),
	}
	h.conns.Range(func(_, _ any) bool {
		s.Connections++
		return true
	})
	h.rooms.Range(func(_, _ any) bool {
		s.Rooms++
		return true
	})
	return s
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ dispatcher.Transport = (*Hub)(nil)
