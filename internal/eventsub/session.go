// Package eventsub implements the SessionMachine: the persistent
// EventSub WebSocket connection, its reconnect/backoff state diagram,
// envelope deduplication, and per-frame dispatch.
package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ashgrove/subpub/internal/metrics"
	"github.com/ashgrove/subpub/internal/notify"
)

// defaultURL is the platform's EventSub WebSocket endpoint.
const defaultURL = "wss://eventsub.wss.twitch.tv/ws"

// keepaliveTimeoutSeconds is sent as a query parameter on dial, per
// spec.md's fixed connection parameter.
const keepaliveTimeoutSeconds = 600

// seenCacheCapacity bounds the dedup window; the platform's observed
// duplicate-delivery window is smaller than this, so this must never be
// reduced below 15.
const seenCacheCapacity = 15

// reconnectBackoffUnit and defaultMaxReconnect implement the state
// diagram's "sleep reconnect_count*5 seconds, give up after
// max_reconnect" disconnected-state behavior.
const reconnectBackoffUnit = 5 * time.Second

const defaultMaxReconnect = 20

// ErrWebSocketClosed is returned by Run once the reconnect budget is
// exhausted. A close frame from the peer ends Run with a nil error.
var ErrWebSocketClosed = errors.New("eventsub: websocket closed")

// state names the SessionMachine's current position in the diagram.
type state int

const (
	stateIdle state = iota
	stateConnecting
	stateEstablished
	stateReconnecting
	stateDisconnected
	stateClosed
)

// frame is the generic EventSub envelope shape; Payload is decoded again
// per message_type by the caller that needs its fields.
type frame struct {
	Metadata struct {
		MessageID        string `json:"message_id"`
		MessageType      string `json:"message_type"`
		MessageTimestamp string `json:"message_timestamp"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type welcomePayload struct {
	Session struct {
		ID                      string `json:"id"`
		ReconnectURL            string `json:"reconnect_url"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	} `json:"session"`
}

type reconnectPayload struct {
	Session struct {
		ReconnectURL string `json:"reconnect_url"`
	} `json:"session"`
}

type notificationPayload struct {
	Subscription struct {
		Type string `json:"type"`
	} `json:"subscription"`
	Event map[string]any `json:"event"`
}

// Reconciler is the subset of reconcile.Reconciler the SessionMachine
// invokes on every session_welcome.
type Reconciler interface {
	Reconcile(ctx context.Context, sessionID string, desired map[string][]*string) error
}

// Handler is the subset of notify.Handler the SessionMachine dispatches
// notification frames to.
type Handler interface {
	Handle(ctx context.Context, meta notify.Metadata, payload notify.Payload)
}

// Config configures one SessionMachine.
type Config struct {
	URL          string // overrides defaultURL; empty uses the platform default
	MaxReconnect int    // 0 uses defaultMaxReconnect
	Desired      map[string][]*string
	Reconciler   Reconciler
	Handler      Handler
}

// Machine runs the persistent EventSub connection described by
// spec.md's state diagram.
type Machine struct {
	cfg Config

	mu             sync.Mutex
	st             state
	conn           *websocket.Conn
	sessionID      string
	reconnectCount int

	seen *lru.Cache[string, struct{}]

	pendingReconnectURL string

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New returns a Machine ready for Run.
func New(cfg Config) (*Machine, error) {
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if cfg.MaxReconnect == 0 {
		cfg.MaxReconnect = defaultMaxReconnect
	}
	seen, err := lru.New[string, struct{}](seenCacheCapacity)
	if err != nil {
		return nil, err
	}
	return &Machine{
		cfg:    cfg,
		st:     stateIdle,
		seen:   seen,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Run dials the EventSub socket and drives the state diagram until ctx
// is canceled, Close is called, or the reconnect budget is exhausted.
// It returns ErrWebSocketClosed in the latter case.
func (m *Machine) Run(ctx context.Context) error {
	defer close(m.doneCh)

	for {
		select {
		case <-m.stopCh:
			m.setState(stateClosed)
			return nil
		case <-ctx.Done():
			m.setState(stateClosed)
			return ctx.Err()
		default:
		}

		m.setState(stateConnecting)
		conn, err := m.dial(ctx, m.cfg.URL)
		if err != nil {
			if disErr := m.disconnectedBackoff(ctx); disErr != nil {
				return disErr
			}
			continue
		}

		sessionID, err := m.awaitWelcome(ctx, conn)
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "welcome not received")
			if disErr := m.disconnectedBackoff(ctx); disErr != nil {
				return disErr
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.sessionID = sessionID
		m.reconnectCount = 0
		m.mu.Unlock()
		m.setState(stateEstablished)
		metrics.WSConnectionsActive.Set(1)

		if m.cfg.Reconciler != nil {
			if err := m.cfg.Reconciler.Reconcile(ctx, sessionID, m.cfg.Desired); err != nil {
				slog.Warn("eventsub: reconcile failed", "error", err)
			}
		}

	established:
		next, nextErr := m.readLoop(ctx, conn)
		metrics.WSConnectionsActive.Set(0)

		switch next {
		case loopStopped:
			m.setState(stateClosed)
			return nil
		case loopReconnect:
			newConn, newSessionID, err := m.handleReconnect(ctx)
			if err != nil {
				if disErr := m.disconnectedBackoff(ctx); disErr != nil {
					return disErr
				}
				continue
			}
			m.mu.Lock()
			m.conn = newConn
			m.sessionID = newSessionID
			m.reconnectCount = 0
			m.mu.Unlock()
			m.setState(stateEstablished)
			metrics.WSConnectionsActive.Set(1)

			if m.cfg.Reconciler != nil {
				if err := m.cfg.Reconciler.Reconcile(ctx, newSessionID, m.cfg.Desired); err != nil {
					slog.Warn("eventsub: reconcile after reconnect failed", "error", err)
				}
			}
			// Resume reading on the reconnect socket.
			conn = newConn
			goto established
		case loopDisconnected:
			slog.Warn("eventsub: connection lost, will reconnect", "error", nextErr)
			if disErr := m.disconnectedBackoff(ctx); disErr != nil {
				return disErr
			}
			continue
		}
	}
}

type loopResult int

const (
	loopDisconnected loopResult = iota
	loopReconnect
	loopStopped
)

func (m *Machine) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialAddr := fmt.Sprintf("%s?keepalive_timeout_seconds=%d", url, keepaliveTimeoutSeconds)
	conn, _, err := websocket.Dial(ctx, dialAddr, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (m *Machine) awaitWelcome(ctx context.Context, conn *websocket.Conn) (string, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return "", err
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("eventsub: decode welcome frame: %w", err)
	}
	if f.Metadata.MessageType != "session_welcome" {
		return "", fmt.Errorf("eventsub: first frame was %q, not session_welcome", f.Metadata.MessageType)
	}
	var w welcomePayload
	if err := json.Unmarshal(f.Payload, &w); err != nil {
		return "", fmt.Errorf("eventsub: decode welcome payload: %w", err)
	}
	return w.Session.ID, nil
}

// readLoop is the single reader goroutine for one socket: it decodes
// each frame, dedups, and dispatches by message_type.
func (m *Machine) readLoop(ctx context.Context, conn *websocket.Conn) (loopResult, error) {
	for {
		select {
		case <-m.stopCh:
			_ = conn.Close(websocket.StatusNormalClosure, "stopped")
			return loopStopped, nil
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "context canceled")
			return loopStopped, ctx.Err()
		default:
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return loopDisconnected, err
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Error("eventsub: malformed frame", "error", err)
			continue
		}
		metrics.WSFramesTotal.WithLabelValues(f.Metadata.MessageType).Inc()

		if f.Metadata.MessageID != "" {
			if m.seen.Contains(f.Metadata.MessageID) {
				metrics.WSDuplicateFramesTotal.Inc()
				continue
			}
			m.seen.Add(f.Metadata.MessageID, struct{}{})
		}

		switch f.Metadata.MessageType {
		case "notification":
			var np notificationPayload
			if err := json.Unmarshal(f.Payload, &np); err != nil {
				slog.Error("eventsub: decode notification payload", "error", err)
				continue
			}
			meta := notify.Metadata{MessageID: f.Metadata.MessageID, MessageTimestamp: f.Metadata.MessageTimestamp}
			payload := notify.Payload{
				Subscription: struct{ Type string }{Type: np.Subscription.Type},
				Event:        np.Event,
			}
			go m.cfg.Handler.Handle(ctx, meta, payload)

		case "session_keepalive":
			// no-op

		case "session_reconnect":
			var rp reconnectPayload
			if err := json.Unmarshal(f.Payload, &rp); err != nil {
				slog.Error("eventsub: decode reconnect payload", "error", err)
				return loopDisconnected, err
			}
			m.mu.Lock()
			m.pendingReconnectURL = rp.Session.ReconnectURL
			m.mu.Unlock()
			return loopReconnect, nil

		case "close":
			_ = conn.Close(websocket.StatusNormalClosure, "peer requested close")
			return loopStopped, nil

		default:
			slog.Error("eventsub: unknown message_type", "message_type", f.Metadata.MessageType)
		}
	}
}

// handleReconnect dials payload's reconnect_url and waits for its
// session_welcome, atomically swapping in the new socket and session id
// on success. If the new socket fails before welcome, the caller treats
// this as Disconnected and falls back to the normal backoff loop.
func (m *Machine) handleReconnect(ctx context.Context) (*websocket.Conn, string, error) {
	m.setState(stateReconnecting)

	m.mu.Lock()
	oldConn := m.conn
	reconnectURL := m.pendingReconnectURL
	m.mu.Unlock()

	if reconnectURL == "" {
		reconnectURL = m.cfg.URL
	}

	conn, _, err := websocket.Dial(ctx, reconnectURL, nil)
	if err != nil {
		if oldConn != nil {
			_ = oldConn.Close(websocket.StatusInternalError, "reconnect failed")
		}
		return nil, "", err
	}

	sessionID, err := m.awaitWelcome(ctx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "reconnect welcome not received")
		if oldConn != nil {
			_ = oldConn.Close(websocket.StatusNormalClosure, "superseded")
		}
		return nil, "", err
	}

	if oldConn != nil {
		_ = oldConn.Close(websocket.StatusNormalClosure, "replaced by reconnect")
	}
	metrics.WSReconnectsTotal.Inc()
	return conn, sessionID, nil
}

// disconnectedBackoff implements the Disconnected->Connecting edge:
// sleep reconnect_count*5 seconds, increment reconnect_count, give up
// once it exceeds MaxReconnect.
func (m *Machine) disconnectedBackoff(ctx context.Context) error {
	m.setState(stateDisconnected)

	m.mu.Lock()
	m.reconnectCount++
	n := m.reconnectCount
	m.mu.Unlock()

	if n > m.cfg.MaxReconnect {
		m.setState(stateClosed)
		return ErrWebSocketClosed
	}

	wait := time.Duration(n) * reconnectBackoffUnit
	select {
	case <-time.After(wait):
		return nil
	case <-m.stopCh:
		m.setState(stateClosed)
		return nil
	case <-ctx.Done():
		m.setState(stateClosed)
		return ctx.Err()
	}
}

func (m *Machine) setState(s state) {
	m.mu.Lock()
	m.st = s
	m.mu.Unlock()
}

// SessionID returns the current session id, or "" before the first
// welcome.
func (m *Machine) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Close flips the run flag, closes the socket, and waits for Run to
// return, up to a 5-second grace period.
func (m *Machine) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
	}

	select {
	case <-m.doneCh:
	case <-time.After(5 * time.Second):
		slog.Warn("eventsub: close grace period exceeded")
	}
}
