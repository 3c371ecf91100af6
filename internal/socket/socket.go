// Package socket maintains the single websocket connection to the
// PanicSense server.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panicsense/panicwatch/internal/applog"
	"github.com/panicsense/panicwatch/internal/types"
	"nhooyr.io/websocket"
)

// DeriveURL turns the server origin into the websocket endpoint:
// the scheme is upgraded (http→ws, https→wss) and the socket path
// replaces whatever path the origin carried.
func DeriveURL(origin, path string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse server url %q: %w", origin, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server url %q: unsupported scheme %q", origin, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q: missing host", origin)
	}
	u.Path = path
	u.RawQuery = ""
	return u.String(), nil
}

// Manager owns one live connection to the server for the lifetime of the
// session. It exposes connection state, the most recently decoded message,
// and a send operation that is a silent no-op while disconnected.
type Manager struct {
	wsURL       string
	reconnect   bool
	dialTimeout time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	last   *types.ServerMsg
	closed bool

	msgs chan types.ServerMsg
}

// New creates a Manager for the given server origin and socket path.
// Run must be called to establish the connection.
func New(origin, path string) (*Manager, error) {
	wsURL, err := DeriveURL(origin, path)
	if err != nil {
		return nil, err
	}
	return &Manager{
		wsURL:       wsURL,
		reconnect:   true,
		dialTimeout: 10 * time.Second,
		msgs:        make(chan types.ServerMsg, 64),
	}, nil
}

// SetReconnect controls whether Run re-dials after a dropped connection.
// Call it before Run.
func (m *Manager) SetReconnect(v bool) {
	m.reconnect = v
}

// Messages returns the channel of decoded server messages. It is closed
// when the manager stops for good.
func (m *Manager) Messages() <-chan types.ServerMsg {
	return m.msgs
}

// Connected reports whether the connection is currently open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Last returns the most recently decoded message, or nil.
func (m *Manager) Last() *types.ServerMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Send serializes and transmits a message if the connection is open.
// While disconnected it is a no-op: nothing is queued, no error surfaces.
func (m *Manager) Send(ctx context.Context, msg types.ClientMsg) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	applog.Info("socket.send", "type", msg.Type)
	return conn.Write(ctx, websocket.MessageText, data)
}

// Run dials the server and pumps decoded messages until Close is called
// or the context is cancelled. Dropped connections are re-dialed with
// capped exponential backoff; the delay resets after a successful dial.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.msgs)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if m.isClosed() {
			return nil
		}

		dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
		conn, _, err := websocket.Dial(dialCtx, m.wsURL, nil)
		cancel()
		if err != nil {
			applog.Error("socket.dial", err, "url", m.wsURL)
			if !m.reconnect {
				return fmt.Errorf("dial %s: %w", m.wsURL, err)
			}
		} else {
			bo.Reset()
			m.readLoop(ctx, conn)
			if !m.reconnect {
				return nil
			}
		}

		if m.isClosed() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.CloseNow()
		return
	}
	m.conn = conn
	m.mu.Unlock()

	applog.Info("socket.connected", "url", m.wsURL)

	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		conn.CloseNow()
		applog.Info("socket.disconnected")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg types.ServerMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			applog.Error("socket.decode", err)
			continue
		}
		m.mu.Lock()
		m.last = &msg
		m.mu.Unlock()
		select {
		case m.msgs <- msg:
		default:
		}
	}
}

// Close tears the connection down exactly once. No further messages are
// processed afterward.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.CloseNow()
	}
	applog.Info("socket.closed")
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
