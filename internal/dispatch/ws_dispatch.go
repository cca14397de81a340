package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/protocol"
)

const (
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
)

var ErrNoSession = errors.New("no ws session")

// Handler consumes inbound events. Calls for one session are sequential, so a
// single connection's events are handled in arrival order.
type Handler interface {
	HandleEvent(ctx context.Context, from models.Identity, env protocol.Envelope)
}

// WSSession represents one authenticated client connection.
type WSSession struct {
	id   models.Identity
	conn *websocket.Conn
	mu   sync.Mutex
	once sync.Once
}

func (s *WSSession) Identity() models.Identity { return s.id }

func (s *WSSession) Send(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(env)
}

func (s *WSSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *WSSession) close() {
	s.once.Do(func() { _ = s.conn.Close() })
}

// WSRegistry holds one live session per identity. A reconnecting client
// replaces its previous session.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[models.Identity]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[models.Identity]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(id models.Identity, conn *websocket.Conn) *WSSession {
	s := &WSSession{id: id, conn: conn}
	r.mu.Lock()
	prev, replaced := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()
	if replaced {
		prev.close()
		r.logger.Info("session replaced", "identity", id.String())
	} else {
		observability.ConnectionsActive.WithLabelValues(string(id.Role)).Inc()
	}
	return s
}

// Remove drops s if it is still the registered session for its identity.
func (r *WSRegistry) Remove(s *WSSession) {
	r.mu.Lock()
	cur, ok := r.sessions[s.id]
	if ok && cur == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
	if ok && cur == s {
		observability.ConnectionsActive.WithLabelValues(string(s.id.Role)).Dec()
	}
	s.close()
}

func (r *WSRegistry) Online(id models.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

func (r *WSRegistry) SendTo(id models.Identity, env protocol.Envelope) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(env); err != nil {
		r.logger.Warn("ws send error", "identity", id.String(), "type", env.Type, "error", err)
		return err
	}
	return nil
}

// Serve runs the read loop for s until the connection fails or ctx ends.
func (r *WSRegistry) Serve(ctx context.Context, s *WSSession, h Handler) {
	defer r.Remove(s)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				s.close()
				return
			case <-t.C:
				if err := s.ping(); err != nil {
					s.close()
					return
				}
			}
		}
	}()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Info("ws read closed", "identity", s.id.String(), "error", err)
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(payload, &env); err != nil || env.Type == "" {
			observability.MalformedEventsTotal.WithLabelValues("envelope").Inc()
			r.logger.Warn("malformed envelope discarded", "identity", s.id.String())
			_ = s.Send(protocol.MustNew(protocol.EventError, protocol.Error{Code: protocol.CodeMalformed, Message: "malformed envelope"}))
			continue
		}
		h.HandleEvent(ctx, s.id, env)
	}
}
