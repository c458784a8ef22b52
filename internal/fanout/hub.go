package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hiveops/hive/internal/ingest"
	"github.com/hiveops/hive/internal/metrics"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultSendBuffer   = 64
	busPublishTimeout   = 5 * time.Second
)

// ErrSlowConsumer reports a session whose send queue is full.
var ErrSlowConsumer = errors.New("fanout: send queue full")

// TeamRoom is the room every session of a team joins.
func TeamRoom(teamID string) string { return "team:" + teamID }

// EventsRoom carries batched event summaries; sessions join it on an
// explicit subscribe.
func EventsRoom(teamID string) string { return TeamRoom(teamID) + ":llm-events" }

// AlertsRoom carries budget alerts.
func AlertsRoom(teamID string) string { return TeamRoom(teamID) + ":alerts" }

// PolicyRoom carries policy update notifications.
func PolicyRoom(teamID string) string { return TeamRoom(teamID) + ":policy" }

// InstanceRoom addresses a single SDK instance.
func InstanceRoom(teamID, instanceID string) string {
	return TeamRoom(teamID) + ":instance:" + instanceID
}

// Conn is the write side of a websocket connection. *websocket.Conn
// satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one registered connection. The identity fields are set at
// registration and never change.
type Session struct {
	ID         string
	TeamID     string
	UserID     string
	InstanceID string

	hub   *Hub
	conn  Conn
	send  chan []byte
	stop  chan struct{}
	once  sync.Once
	rooms map[string]struct{}
}

// Send queues a message for this session alone.
func (s *Session) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.send <- payload:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (s *Session) writePump() {
	for {
		select {
		case <-s.stop:
			return
		case msg := <-s.send:
			if s.hub.writeTimeout > 0 {
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.writeTimeout))
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.hub.logger.Debug("fanout: write failed, evicting session",
					"session_id", s.ID, "team_id", s.TeamID, "error", err)
				s.hub.Unregister(s)
				return
			}
		}
	}
}

// Hub owns the room membership maps and fans messages out to sessions.
// Emits are fire-and-forget: full queues evict the session, bus publish
// errors are logged and dropped.
type Hub struct {
	origin       string
	bus          Bus
	logger       *slog.Logger
	metrics      *metrics.Registry
	writeTimeout time.Duration
	sendBuffer   int

	mu       sync.RWMutex
	sessions map[*Session]struct{}
	rooms    map[string]map[*Session]struct{}
}

// HubOption configures optional hub behaviour.
type HubOption func(*Hub)

// WithBus attaches a cross-process bus. Frames published by other hubs
// are re-broadcast locally.
func WithBus(bus Bus) HubOption {
	return func(h *Hub) { h.bus = bus }
}

// WithLogger overrides the hub logger.
func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

// WithMetrics wires the hub's session gauge and emit counters.
func WithMetrics(m *metrics.Registry) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithWriteTimeout bounds each websocket write.
func WithWriteTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.writeTimeout = d }
}

// WithSendBuffer sets the per-session queue depth.
func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithOrigin overrides the hub's bus identity.
func WithOrigin(origin string) HubOption {
	return func(h *Hub) { h.origin = origin }
}

// NewHub creates a hub and, when a bus is attached, subscribes to it.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		origin:       uuid.NewString(),
		logger:       slog.Default(),
		writeTimeout: defaultWriteTimeout,
		sendBuffer:   defaultSendBuffer,
		sessions:     make(map[*Session]struct{}),
		rooms:        make(map[string]map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.bus != nil {
		h.bus.Subscribe(h.handleFrame)
	}
	return h
}

// Register adds a connection and joins it to the team's standing rooms.
// The events room needs an explicit SubscribeEvents.
func (h *Hub) Register(conn Conn, teamID, userID, instanceID string) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		TeamID:     teamID,
		UserID:     userID,
		InstanceID: instanceID,
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, h.sendBuffer),
		stop:       make(chan struct{}),
		rooms:      make(map[string]struct{}),
	}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.joinLocked(s, TeamRoom(teamID))
	h.joinLocked(s, AlertsRoom(teamID))
	h.joinLocked(s, PolicyRoom(teamID))
	if instanceID != "" {
		h.joinLocked(s, InstanceRoom(teamID, instanceID))
	}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.FanoutSessions.Inc()
	}
	go s.writePump()
	return s
}

// SubscribeEvents joins the session to its team's llm-events room.
func (h *Hub) SubscribeEvents(s *Session) {
	h.mu.Lock()
	h.joinLocked(s, EventsRoom(s.TeamID))
	h.mu.Unlock()
}

// Unregister evicts a session from all rooms and closes the connection.
// Safe to call more than once.
func (h *Hub) Unregister(s *Session) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		h.mu.Lock()
		if _, ok := h.sessions[s]; ok {
			delete(h.sessions, s)
			for room := range s.rooms {
				h.leaveLocked(s, room)
			}
			if h.metrics != nil {
				h.metrics.FanoutSessions.Dec()
			}
		}
		h.mu.Unlock()
		close(s.stop)
		_ = s.conn.Close()
	})
}

// Close evicts every session. The bus, if any, is owned by the caller.
func (h *Hub) Close() {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	for _, s := range sessions {
		h.Unregister(s)
	}
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RoomCount returns how many sessions a room currently holds.
func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// EmitEventBatch sends a flushed envelope to the team's llm-events room.
// It implements the batcher's emitter.
func (h *Hub) EmitEventBatch(teamID string, envelope ingest.BatchEnvelope) {
	h.emit(EventsRoom(teamID), envelope)
}

// EmitPolicyUpdate notifies a team's sessions that a policy changed.
func (h *Hub) EmitPolicyUpdate(teamID, policyID string, policy any) {
	h.emit(PolicyRoom(teamID), wsMessage{
		Type:      "policy-update",
		TeamID:    teamID,
		PolicyID:  policyID,
		Data:      policy,
		Timestamp: time.Now().UTC(),
	})
}

// EmitAlert sends a budget alert to the team's alerts room. It implements
// the alert pipeline's emitter.
func (h *Hub) EmitAlert(teamID, policyID string, payload map[string]any) {
	h.emit(AlertsRoom(teamID), wsMessage{
		Type:      "alert",
		TeamID:    teamID,
		PolicyID:  policyID,
		Data:      payload,
		Timestamp: time.Now().UTC(),
	})
}

// EmitToInstance addresses one SDK instance.
func (h *Hub) EmitToInstance(teamID, instanceID string, payload any) {
	h.emit(InstanceRoom(teamID, instanceID), wsMessage{
		Type:       "command",
		TeamID:     teamID,
		InstanceID: instanceID,
		Data:       payload,
		Timestamp:  time.Now().UTC(),
	})
}

type wsMessage struct {
	Type       string    `json:"type"`
	TeamID     string    `json:"team_id"`
	PolicyID   string    `json:"policy_id,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	Data       any       `json:"data"`
	Timestamp  time.Time `json:"timestamp"`
}

func (h *Hub) emit(room string, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		h.logger.Warn("fanout: dropping unencodable message", "room", room, "error", err)
		return
	}
	h.broadcastLocal(room, payload)
	if h.metrics != nil {
		h.metrics.FanoutEmits.WithLabelValues(roomKind(room)).Inc()
	}
	if h.bus == nil {
		return
	}
	frame := Frame{Origin: h.origin, Room: room, Payload: payload}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), busPublishTimeout)
		defer cancel()
		if err := h.bus.Publish(ctx, frame); err != nil {
			h.logger.Warn("fanout: bus publish failed", "room", room, "error", err)
		}
	}()
}

// handleFrame re-broadcasts frames published by other hub instances.
func (h *Hub) handleFrame(f Frame) {
	if f.Origin == h.origin {
		return
	}
	h.broadcastLocal(f.Room, f.Payload)
}

func (h *Hub) broadcastLocal(room string, payload []byte) {
	h.mu.RLock()
	var slow []*Session
	for s := range h.rooms[room] {
		select {
		case s.send <- payload:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range slow {
		h.logger.Warn("fanout: send queue full, evicting session",
			"session_id", s.ID, "team_id", s.TeamID, "room", room)
		h.Unregister(s)
	}
}

// joinLocked adds a registered session to a room. Caller holds h.mu.
func (h *Hub) joinLocked(s *Session, room string) {
	if _, ok := h.sessions[s]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
	s.rooms[room] = struct{}{}
}

// leaveLocked removes a session from a room, dropping the room when it
// empties. Caller holds h.mu.
func (h *Hub) leaveLocked(s *Session, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	delete(s.rooms, room)
}

func roomKind(room string) string {
	switch {
	case strings.HasSuffix(room, ":llm-events"):
		return "events"
	case strings.HasSuffix(room, ":alerts"):
		return "alerts"
	case strings.HasSuffix(room, ":policy"):
		return "policy"
	case strings.Contains(room, ":instance:"):
		return "instance"
	default:
		return "team"
	}
}
