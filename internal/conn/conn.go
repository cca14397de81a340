// Package conn maintains the client's single authenticated websocket to the
// backend: bounded reconnection, identity re-presentation on every dial, and
// lifecycle signals for the rest of the client.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/protocol"
)

const (
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
)

var (
	ErrUnauthorized = errors.New("credential rejected by server")
	ErrOffline      = errors.New("reconnection attempts exhausted")
	ErrNotConnected = errors.New("not connected")
)

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateOffline:
		return "offline"
	}
	return "unknown"
}

type SignalKind int

const (
	SignalConnected SignalKind = iota
	SignalDisconnected
	SignalReconnecting
	SignalConnectionError
	SignalOffline
)

func (k SignalKind) changesState() bool {
	return k == SignalConnected || k == SignalDisconnected || k == SignalOffline
}

func (k SignalKind) String() string {
	return [...]string{"connected", "disconnected", "reconnecting", "connection-error", "offline"}[k]
}

// Signal is a local connection lifecycle notification.
type Signal struct {
	Kind SignalKind
	// Reconnect is set on SignalConnected when an earlier connection existed.
	Reconnect bool
	Attempt   int
	Err       error
}

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, Max: 8 * time.Second, Attempts: 5}
}

// Delay returns the wait before the given 1-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

type Config struct {
	URL string
	// Header returns the handshake headers, including the bearer credential.
	// It is called on every dial so a refreshed token is picked up.
	Header  func() http.Header
	Dialer  Dialer
	Backoff Backoff
	Logger  *slog.Logger
}

type Manager struct {
	cfg     Config
	inbound chan protocol.Envelope
	signals chan Signal

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	wmu   sync.Mutex
}

func New(cfg Config) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if cfg.Backoff.Attempts <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Header == nil {
		cfg.Header = func() http.Header { return http.Header{} }
	}
	return &Manager{
		cfg:     cfg,
		inbound: make(chan protocol.Envelope, 64),
		signals: make(chan Signal, 16),
	}
}

func (m *Manager) Inbound() <-chan protocol.Envelope { return m.inbound }
func (m *Manager) Signals() <-chan Signal { return m.signals }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Run dials and keeps the connection alive until ctx ends, authentication
// fails, or the backoff budget is exhausted. It always returns a non-nil error.
func (m *Manager) Run(ctx context.Context) error {
	m.setState(StateConnecting)
	connectedOnce := false
	attempt := 0
	for {
		c, err := m.dial(ctx)
		switch {
		case err == nil:
			attempt = 0
			m.attach(c)
			m.setState(StateConnected)
			m.emit(ctx, Signal{Kind: SignalConnected, Reconnect: connectedOnce})
			connectedOnce = true
			err = m.serve(ctx, c)
			m.detach(c)
			if ctx.Err() != nil {
				m.setState(StateOffline)
				return ctx.Err()
			}
			m.cfg.Logger.Warn("connection lost", "error", err)
			m.emit(ctx, Signal{Kind: SignalDisconnected, Err: err})
		case errors.Is(err, ErrUnauthorized):
			m.emit(ctx, Signal{Kind: SignalConnectionError, Err: err})
			m.setState(StateOffline)
			m.emit(ctx, Signal{Kind: SignalOffline, Err: err})
			return err
		case ctx.Err() != nil:
			m.setState(StateOffline)
			return ctx.Err()
		default:
			m.cfg.Logger.Warn("dial failed", "attempt", attempt, "error", err)
			m.emit(ctx, Signal{Kind: SignalConnectionError, Err: err})
		}

		attempt++
		if attempt > m.cfg.Backoff.Attempts {
			m.setState(StateOffline)
			m.emit(ctx, Signal{Kind: SignalOffline, Err: ErrOffline})
			return ErrOffline
		}
		m.setState(StateReconnecting)
		m.emit(ctx, Signal{Kind: SignalReconnecting, Attempt: attempt})
		t := time.NewTimer(m.cfg.Backoff.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			m.setState(StateOffline)
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	c, resp, err := m.cfg.Dialer.DialContext(ctx, m.cfg.URL, m.cfg.Header())
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
		}
		return nil, err
	}
	return c, nil
}

func (m *Manager) attach(c *websocket.Conn) {
	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()
}

func (m *Manager) detach(c *websocket.Conn) {
	m.mu.Lock()
	if m.conn == c {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = c.Close()
}

// serve pumps frames from c into Inbound until the connection fails.
func (m *Manager) serve(ctx context.Context, c *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.SetReadLimit(maxMessageSize)
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error { return c.SetReadDeadline(time.Now().Add(pongWait)) })

	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				m.wmu.Lock()
				_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				m.wmu.Unlock()
				_ = c.Close()
				return
			case <-t.C:
				m.wmu.Lock()
				err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				m.wmu.Unlock()
				if err != nil {
					_ = c.Close()
					return
				}
			}
		}
	}()

	for {
		_, payload, err := c.ReadMessage()
		if err != nil {
			return err
		}
		var env protocol.Envelope
		if err := json.Unmarshal(payload, &env); err != nil || env.Type == "" {
			m.cfg.Logger.Warn("malformed frame dropped", "bytes", len(payload))
			continue
		}
		select {
		case m.inbound <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send writes env on the current connection. Events are not buffered across
// reconnects; callers rely on reconciliation instead.
func (m *Manager) Send(env protocol.Envelope) error {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	m.wmu.Lock()
	defer m.wmu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteJSON(env)
}

// emit never drops a signal that changes what the session believes about the
// connection; those wait for a reader until ctx ends. Progress signals are
// dropped when the buffer is full.
func (m *Manager) emit(ctx context.Context, s Signal) {
	select {
	case m.signals <- s:
		return
	default:
	}
	if !s.Kind.changesState() {
		m.cfg.Logger.Warn("signal dropped", "kind", s.Kind.String())
		return
	}
	select {
	case m.signals <- s:
	case <-ctx.Done():
		m.cfg.Logger.Warn("signal dropped", "kind", s.Kind.String(), "error", ctx.Err())
	}
}
