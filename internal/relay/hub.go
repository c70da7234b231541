// Package relay routes client commands into the session state machine and
// fans the resulting events out to the right subset of a room's
// connections. All commands for a session are applied in arrival order
// through one hub; no state-machine violation ever takes the hub down.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mzanetti/pairview/internal/archive"
	"github.com/mzanetti/pairview/internal/observability"
	"github.com/mzanetti/pairview/internal/protocol"
	"github.com/mzanetti/pairview/internal/reliability"
	"github.com/mzanetti/pairview/internal/session"
)

// Conn is one client connection. Send must not block: it enqueues and
// reports false when the outbound buffer is saturated.
type Conn interface {
	Send(msg any) bool
	Close()
}

type client struct {
	conn      Conn
	userID    string
	sessionID string
	role      session.Role
}

type room struct {
	members   map[Conn]*client
	awareness map[string]protocol.AwarenessRecord
	persisted bool
}

// Hub owns the connection->identity association and the per-session fanout
// sets. Session state itself lives in the registry and is only ever reached
// by id.
type Hub struct {
	mu       sync.Mutex
	registry *session.Registry
	store    archive.Store
	metrics  *observability.Metrics
	log      zerolog.Logger
	rooms    map[string]*room
	clients  map[Conn]*client

	persistAttempts int
	persistBase     time.Duration
	persistCap      time.Duration
}

func NewHub(registry *session.Registry, store archive.Store, metrics *observability.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		registry:        registry,
		store:           store,
		metrics:         metrics,
		log:             logger,
		rooms:           make(map[string]*room),
		clients:         make(map[Conn]*client),
		persistAttempts: 3,
		persistBase:     200 * time.Millisecond,
		persistCap:      2 * time.Second,
	}
}

// HandleMessage dispatches one parsed client command. The variant set is
// closed; protocol.ParseClientMessage guarantees anything else never
// reaches this switch.
func (h *Hub) HandleMessage(conn Conn, msg any) {
	start := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	defer func() {
		h.metrics.ObserveStage(observability.StageDispatch, float64(time.Since(start).Microseconds())/1000)
	}()

	switch m := msg.(type) {
	case protocol.CreateSession:
		h.handleCreate(conn, m)
	case protocol.JoinSession:
		h.handleJoin(conn, m)
	case protocol.StartSession:
		h.handleStart(conn, m)
	case protocol.EndSession:
		h.handleEnd(conn, m)
	case protocol.SubmitOperation:
		h.handleSubmitOperation(conn, m)
	case protocol.SignalRelay:
		h.handlePassThrough(conn, m.SessionID, m)
	case protocol.DocDelta:
		h.handlePassThrough(conn, m.SessionID, m)
	case protocol.VideoReady:
		h.handlePassThrough(conn, m.SessionID, m)
	case protocol.UploadStatus:
		h.handlePassThrough(conn, m.SessionID, m)
	case protocol.AwarenessUpdate:
		h.handleAwareness(conn, m)
	default:
		h.sendError(conn, "", protocol.CodeInvalid, "unknown command")
	}
}

func (h *Hub) handleCreate(conn Conn, m protocol.CreateSession) {
	if _, bound := h.clients[conn]; bound {
		h.sendError(conn, "", protocol.CodeInvalid, "connection already bound to a session")
		return
	}

	snap := h.registry.Create(m.UserID)
	c := &client{conn: conn, userID: m.UserID, sessionID: snap.ID, role: session.RoleInterviewer}
	h.clients[conn] = c
	h.rooms[snap.ID] = &room{
		members:   map[Conn]*client{conn: c},
		awareness: make(map[string]protocol.AwarenessRecord),
	}

	h.metrics.SessionEvents.WithLabelValues("created").Inc()
	h.metrics.ActiveSessions.Set(float64(h.registry.Len()))
	h.log.Info().Str("sessionId", snap.ID).Str("userId", m.UserID).Msg("session created")

	h.send(conn, protocol.SessionSnapshot{Type: protocol.TypeSessionSnapshot, Session: snap})
}

func (h *Hub) handleJoin(conn Conn, m protocol.JoinSession) {
	if c, bound := h.clients[conn]; bound && c.sessionID != m.SessionID {
		h.sendError(conn, m.SessionID, protocol.CodeInvalid, "connection already bound to another session")
		return
	}

	decision, snap, err := h.registry.Join(m.SessionID, m.UserID, m.Role)
	if err != nil {
		h.sendError(conn, m.SessionID, protocol.CodeRoomNotFound, "room not found")
		return
	}
	if !decision.Allowed {
		h.sendError(conn, m.SessionID, protocol.CodeJoinRejected, decision.Reason)
		return
	}

	rm := h.rooms[m.SessionID]
	if rm == nil {
		rm = &room{
			members:   make(map[Conn]*client),
			awareness: make(map[string]protocol.AwarenessRecord),
		}
		h.rooms[m.SessionID] = rm
	}
	c := &client{conn: conn, userID: m.UserID, sessionID: m.SessionID, role: m.Role}
	h.clients[conn] = c
	rm.members[conn] = c

	h.metrics.SessionEvents.WithLabelValues("joined").Inc()
	h.log.Info().Str("sessionId", m.SessionID).Str("userId", m.UserID).Str("role", string(m.Role)).Msg("user joined")

	h.broadcast(m.SessionID, protocol.SessionSnapshot{Type: protocol.TypeSessionSnapshot, Session: snap}, nil)
	h.broadcast(m.SessionID, protocol.UserJoined{
		Type:      protocol.TypeUserJoined,
		SessionID: m.SessionID,
		UserID:    m.UserID,
		Role:      m.Role,
	}, conn)
}

func (h *Hub) handleStart(conn Conn, m protocol.StartSession) {
	snap, started, err := h.registry.Start(m.SessionID, m.UserID)
	if err != nil {
		h.sendError(conn, m.SessionID, protocol.CodeRoomNotFound, "room not found")
		return
	}
	if !started {
		h.sendError(conn, m.SessionID, protocol.CodeUnauthorized, "Unauthorized")
		return
	}

	h.metrics.SessionEvents.WithLabelValues("started").Inc()
	h.log.Info().Str("sessionId", m.SessionID).Msg("session started")
	h.broadcast(m.SessionID, protocol.SessionSnapshot{Type: protocol.TypeSessionSnapshot, Session: snap}, nil)
}

func (h *Hub) handleEnd(conn Conn, m protocol.EndSession) {
	role, ok := h.registry.RoleOf(m.SessionID, m.UserID)
	if !ok {
		snapshotMissing := true
		if _, err := h.registry.Snapshot(m.SessionID); err == nil {
			snapshotMissing = false
		}
		if snapshotMissing {
			h.sendError(conn, m.SessionID, protocol.CodeRoomNotFound, "room not found")
			return
		}
	}
	if role != session.RoleInterviewer {
		h.sendError(conn, m.SessionID, protocol.CodeUnauthorized, "Unauthorized")
		return
	}

	h.archiveAndBroadcast(m.SessionID, "ended")
}

func (h *Hub) handleSubmitOperation(conn Conn, m protocol.SubmitOperation) {
	op := m.Op
	op.Source = m.UserID

	accepted, err := h.registry.AddOperation(m.SessionID, op)
	if err != nil {
		h.sendError(conn, m.SessionID, protocol.CodeRoomNotFound, "room not found")
		return
	}
	if !accepted {
		// Expected during disconnect races: the session archived while the
		// edit was in flight. Never surfaced to the user.
		h.metrics.RelayDrops.WithLabelValues("stale_operation").Inc()
		h.metrics.ObserveIndicator("stale_operation_dropped")
		h.log.Debug().Str("sessionId", m.SessionID).Str("userId", m.UserID).Msg("stale operation dropped")
		return
	}

	h.broadcast(m.SessionID, protocol.OperationEvent{
		Type:      protocol.TypeOperation,
		SessionID: m.SessionID,
		Op:        op,
	}, conn)
}

// handlePassThrough forwards opaque payloads (media signaling, CRDT deltas,
// recording status beacons) verbatim to the rest of the room.
func (h *Hub) handlePassThrough(conn Conn, sessionID string, original any) {
	c, bound := h.clients[conn]
	if !bound || c.sessionID != sessionID {
		h.sendError(conn, sessionID, protocol.CodeUnauthorized, "not a participant of this session")
		return
	}

	payload, err := json.Marshal(original)
	if err != nil {
		h.sendError(conn, sessionID, protocol.CodeInvalid, "unencodable payload")
		return
	}
	h.broadcast(sessionID, protocol.SignalEvent{
		Type:      protocol.TypeSignal,
		SessionID: sessionID,
		From:      c.userID,
		Payload:   payload,
	}, conn)
}

func (h *Hub) handleAwareness(conn Conn, m protocol.AwarenessUpdate) {
	c, bound := h.clients[conn]
	if !bound || c.sessionID != m.SessionID {
		h.sendError(conn, m.SessionID, protocol.CodeUnauthorized, "not a participant of this session")
		return
	}

	rm := h.rooms[m.SessionID]
	if rm == nil {
		return
	}
	record := m.Record
	record.UserID = m.UserID
	if record.LastUpdate == 0 {
		record.LastUpdate = time.Now().UnixMilli()
	}
	// Replaced wholesale, never merged, never persisted.
	rm.awareness[m.UserID] = record

	h.broadcast(m.SessionID, protocol.AwarenessEvent{
		Type:      protocol.TypeAwareness,
		SessionID: m.SessionID,
		UserID:    m.UserID,
		Record:    record,
	}, conn)
}

// HandleDisconnect runs the departure sequence for conn. If the session was
// ACTIVE the archived snapshot is broadcast before any role cleanup, so no
// peer ever observes a role-cleared-but-still-active state.
func (h *Hub) HandleDisconnect(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, bound := h.clients[conn]
	delete(h.clients, conn)
	if !bound {
		return
	}

	rm := h.rooms[c.sessionID]
	if rm != nil {
		delete(rm.members, conn)
		delete(rm.awareness, c.userID)
		h.broadcast(c.sessionID, protocol.AwarenessEvent{
			Type:      protocol.TypeAwareness,
			SessionID: c.sessionID,
			UserID:    c.userID,
			Removed:   true,
		}, nil)
	}

	snap, err := h.registry.Snapshot(c.sessionID)
	if err == nil && snap.State == session.StateActive {
		h.archiveAndBroadcast(c.sessionID, "auto_archived")
	}

	if _, err := h.registry.RemoveParticipant(c.sessionID, c.userID); err == nil {
		// The audit copy of the role bindings is already in the archived
		// snapshot; free the live slot and show peers the updated state.
		updated, err := h.registry.ClearRole(c.sessionID, c.userID)
		if err == nil {
			h.broadcast(c.sessionID, protocol.UserLeft{
				Type:      protocol.TypeUserLeft,
				SessionID: c.sessionID,
				UserID:    c.userID,
				Role:      c.role,
			}, nil)
			h.broadcast(c.sessionID, protocol.SessionSnapshot{Type: protocol.TypeSessionSnapshot, Session: updated}, nil)
		}
	}

	h.log.Info().Str("sessionId", c.sessionID).Str("userId", c.userID).Msg("client disconnected")
	h.maybeEvict(c.sessionID)
}

// archiveAndBroadcast freezes the session, shows every member the archived
// snapshot, and hands the snapshot to the archive store in the background.
func (h *Hub) archiveAndBroadcast(sessionID, event string) {
	snap, err := h.registry.Archive(sessionID)
	if err != nil {
		return
	}

	h.metrics.SessionEvents.WithLabelValues(event).Inc()
	h.log.Info().Str("sessionId", sessionID).Str("event", event).Msg("session archived")
	h.broadcast(sessionID, protocol.SessionSnapshot{Type: protocol.TypeSessionSnapshot, Session: snap}, nil)

	go h.persistSnapshot(snap)
}

// persistSnapshot is the registry->archive handoff: best-effort with a
// short capped backoff. On repeated failure the room stays resident so the
// snapshot query endpoint can still serve it.
func (h *Hub) persistSnapshot(snap session.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	err := reliability.Do(ctx, h.persistAttempts, h.persistBase, h.persistCap, func() error {
		return h.store.SaveSnapshot(ctx, snap)
	})
	h.metrics.ObserveStage(observability.StageArchive, float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		h.metrics.ArchiveErrors.Inc()
		h.log.Error().Err(err).Str("sessionId", snap.ID).Msg("archive handoff failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if rm := h.rooms[snap.ID]; rm != nil {
		rm.persisted = true
	}
	h.maybeEvict(snap.ID)
}

// maybeEvict drops an archived, persisted, empty room from the registry.
// Callers hold h.mu.
func (h *Hub) maybeEvict(sessionID string) {
	rm := h.rooms[sessionID]
	if rm == nil || len(rm.members) > 0 || !rm.persisted {
		return
	}
	snap, err := h.registry.Snapshot(sessionID)
	if err != nil || snap.State != session.StateArchived {
		return
	}
	delete(h.rooms, sessionID)
	h.registry.Evict(sessionID)
	h.metrics.ActiveSessions.Set(float64(h.registry.Len()))
	h.log.Info().Str("sessionId", sessionID).Msg("archived session evicted from registry")
}

// broadcast fans msg out to every member of the room except the excluded
// connection. Slow consumers are dropped-from, not waited-on.
func (h *Hub) broadcast(sessionID string, msg any, except Conn) {
	rm := h.rooms[sessionID]
	if rm == nil {
		return
	}
	start := time.Now()
	for conn := range rm.members {
		if conn == except {
			continue
		}
		h.send(conn, msg)
	}
	h.metrics.ObserveStage(observability.StageBroadcast, float64(time.Since(start).Microseconds())/1000)
}

func (h *Hub) send(conn Conn, msg any) {
	if conn.Send(msg) {
		h.metrics.WSMessages.WithLabelValues("outbound", messageType(msg)).Inc()
		return
	}
	h.metrics.RelayDrops.WithLabelValues("buffer_full").Inc()
	h.log.Warn().Str("type", messageType(msg)).Msg("client event buffer full, dropping event")
}

func (h *Hub) sendError(conn Conn, sessionID, code, reason string) {
	h.send(conn, protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Reason:    reason,
	})
}

func messageType(msg any) string {
	switch m := msg.(type) {
	case protocol.SessionSnapshot:
		return string(m.Type)
	case protocol.UserJoined:
		return string(m.Type)
	case protocol.UserLeft:
		return string(m.Type)
	case protocol.OperationEvent:
		return string(m.Type)
	case protocol.AwarenessEvent:
		return string(m.Type)
	case protocol.SignalEvent:
		return string(m.Type)
	case protocol.ErrorEvent:
		return string(m.Type)
	default:
		return "unknown"
	}
}
