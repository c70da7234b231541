package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mzanetti/pairview/internal/archive"
	"github.com/mzanetti/pairview/internal/config"
	"github.com/mzanetti/pairview/internal/observability"
	"github.com/mzanetti/pairview/internal/protocol"
	"github.com/mzanetti/pairview/internal/relay"
	"github.com/mzanetti/pairview/internal/session"
)

type Server struct {
	cfg      config.Config
	registry *session.Registry
	hub      *relay.Hub
	store    archive.Store
	metrics  *observability.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, registry *session.Registry, hub *relay.Hub, store archive.Store, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		hub:      hub,
		store:    store,
		metrics:  metrics,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so another site cannot drive a candidate's
				// interview session if the relay is exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/sessions/ws", s.handleSessionWS)
	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get("/v1/perf/relay", s.handleRelayPerf)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"sessions": s.registry.Len(),
	})
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

// handleCreateSession creates a room over plain HTTP for clients that
// bootstrap before opening the websocket. The creator is bound to the
// interviewer role and attaches to the relay by joining with the same id.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil {
		defer r.Body.Close()
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	snap := s.registry.Create(req.UserID)
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	s.metrics.ActiveSessions.Set(float64(s.registry.Len()))
	s.log.Info().Str("sessionId", snap.ID).Str("userId", req.UserID).Msg("session created over http")

	respondJSON(w, http.StatusCreated, snap)
}

// handleGetSession serves live sessions from the registry and falls back to
// the archive store for sessions already evicted.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	snap, err := s.registry.Snapshot(id)
	if err == nil {
		respondJSON(w, http.StatusOK, snap)
		return
	}
	if !errors.Is(err, session.ErrNotFound) {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	snap, err = s.store.GetSnapshot(r.Context(), id)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", "no such session")
			return
		}
		respondError(w, http.StatusInternalServerError, "archive_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRelayPerf(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.RelayPerfSnapshot())
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	client := &wsConn{
		conn: conn,
		out:  make(chan any, s.cfg.ClientBufferSize),
		done: make(chan struct{}),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-client.done:
				return
			case msg := <-client.out:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.RelayDrops.WithLabelValues("write_error").Inc()
					client.Close()
					_ = conn.Close()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			client.Send(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   protocol.CodeInvalid,
				Reason: err.Error(),
			})
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", messageTypeOf(parsed)).Inc()
		s.hub.HandleMessage(client, parsed)
	}

	s.hub.HandleDisconnect(client)
	client.Close()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// wsConn adapts a gorilla websocket connection to the relay's Conn interface.
// Send never blocks: events queue on a bounded channel drained by the single
// writer goroutine, and a saturated queue reports false so the hub can count
// the drop.
type wsConn struct {
	conn      *websocket.Conn
	out       chan any
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Send(msg any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) string {
	switch m := v.(type) {
	case protocol.CreateSession:
		return string(m.Type)
	case protocol.JoinSession:
		return string(m.Type)
	case protocol.StartSession:
		return string(m.Type)
	case protocol.EndSession:
		return string(m.Type)
	case protocol.SubmitOperation:
		return string(m.Type)
	case protocol.SignalRelay:
		return string(m.Type)
	case protocol.DocDelta:
		return string(m.Type)
	case protocol.VideoReady:
		return string(m.Type)
	case protocol.UploadStatus:
		return string(m.Type)
	case protocol.AwarenessUpdate:
		return string(m.Type)
	default:
		return "unknown"
	}
}
