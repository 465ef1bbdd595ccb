package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lif-app/lifsync/internal/bus"
	"github.com/lif-app/lifsync/internal/session"
	"go.uber.org/zap"
)

// ErrChannelUnavailable is returned by Emit while the channel is
// disconnected. Realtime events are best-effort signals, never the source of
// truth, so there is no outbound queue: the caller retries or drops.
var ErrChannelUnavailable = errors.New("realtime channel unavailable")

// Frame is the JSON envelope carried on the wire in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Handler processes the payload of one inbound event. Handlers run on the
// read-loop goroutine in wire-arrival order; a slow handler delays the whole
// channel.
type Handler func(data json.RawMessage)

type handlerEntry struct {
	id int
	fn Handler
}

// Manager owns the single long-lived realtime connection for a session.
// It is the only writer of connection state; every other component is
// subscribe/emit-only. Connection lifecycle is announced on the event bus
// as channel.connected / channel.disconnected so the sync engine can
// REST-resync after an outage (events missed while down are not replayed).
type Manager struct {
	url    string
	creds  session.CredentialProvider
	bus    *bus.Bus
	logger *zap.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	closed       bool
	dialing      bool
	reconnecting bool
	rooms        []string

	writeMu sync.Mutex

	hmu      sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   int

	backoffMin time.Duration
	backoffMax time.Duration
}

// NewManager creates a channel manager. No connection is attempted until
// Connect.
func NewManager(url string, creds session.CredentialProvider, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		url:        url,
		creds:      creds,
		bus:        b,
		logger:     logger,
		handlers:   make(map[string][]handlerEntry),
		backoffMin: time.Second,
		backoffMax: 30 * time.Second,
	}
}

// Connect establishes the connection. Idempotent: an already-connected
// manager returns immediately, and concurrent attempts collapse into one —
// the single connection is never doubled. Without a stored credential no
// dial is attempted and session.ErrNoCredential is returned — the channel
// never connects unauthenticated.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connected || m.dialing {
		m.mu.Unlock()
		return nil
	}
	m.dialing = true
	m.closed = false
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.dialing = false
		m.mu.Unlock()
	}()

	token, err := m.creds.Token()
	if err != nil {
		return err
	}
	return m.dial(ctx, token)
}

func (m *Manager) dial(ctx context.Context, token string) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, m.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	// A dial that lost the race to another (user Connect vs. the reconnect
	// loop) yields; the winner's connection stands.
	if m.closed || m.connected {
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.conn = conn
	m.connected = true
	rooms := append([]string(nil), m.rooms...)
	m.mu.Unlock()

	// Server-side room membership does not survive a reconnect: re-declare
	// interest before anyone is told the channel is up.
	if len(rooms) > 0 {
		if err := m.Emit(EvJoinChats, rooms); err != nil {
			m.logger.Warn("rejoin rooms failed", zap.Error(err))
		}
	}

	go m.readLoop(conn)

	m.logger.Info("realtime channel connected", zap.Int("rooms", len(rooms)))
	m.bus.Publish(bus.Event{Kind: "channel.connected", Timestamp: time.Now()})
	return nil
}

// Subscribe registers a handler for an inbound event name. Multiple handlers
// per event are invoked in subscription order. The returned function removes
// the handler.
func (m *Manager) Subscribe(event string, fn Handler) func() {
	m.hmu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, fn: fn})
	m.hmu.Unlock()

	return func() {
		m.hmu.Lock()
		entries := m.handlers[event]
		for i, e := range entries {
			if e.id == id {
				m.handlers[event] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		m.hmu.Unlock()
	}
}

// Emit publishes a fire-and-forget event. Fails with ErrChannelUnavailable
// while disconnected.
func (m *Manager) Emit(event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	ok := m.connected
	m.mu.Unlock()
	if !ok || conn == nil {
		return ErrChannelUnavailable
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return ErrChannelUnavailable
	}
	return nil
}

// JoinRooms declares the set of conversations this client wants events for.
// The set is remembered and re-issued automatically after every reconnect.
// Joining while disconnected is not an error: the set applies on the next
// connect.
func (m *Manager) JoinRooms(ids []string) error {
	m.mu.Lock()
	m.rooms = append([]string(nil), ids...)
	connected := m.connected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	return m.Emit(EvJoinChats, ids)
}

// Connected reports the current channel state.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Disconnect releases the connection and stops reconnect attempts.
// Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	wasConnected := m.connected
	m.connected = false
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		m.logger.Info("realtime channel disconnected")
		m.bus.Publish(bus.Event{Kind: "channel.disconnected", Timestamp: time.Now()})
	}
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.onReadError(conn, err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			m.logger.Warn("malformed realtime frame", zap.Error(err))
			continue
		}
		m.dispatch(frame)
	}
}

func (m *Manager) dispatch(frame Frame) {
	m.hmu.RLock()
	entries := append([]handlerEntry(nil), m.handlers[frame.Event]...)
	m.hmu.RUnlock()

	for _, e := range entries {
		e.fn(frame.Data)
	}
}

func (m *Manager) onReadError(conn *websocket.Conn, err error) {
	m.mu.Lock()
	// A stale read loop from a previous connection must not flap state.
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.connected = false
	closed := m.closed
	alreadyReconnecting := m.reconnecting
	if !closed {
		m.reconnecting = true
	}
	m.mu.Unlock()

	if closed {
		return
	}

	m.logger.Warn("realtime channel lost", zap.Error(err))
	m.bus.Publish(bus.Event{Kind: "channel.disconnected", Timestamp: time.Now()})

	if !alreadyReconnecting {
		go m.reconnectLoop()
	}
}

// reconnectLoop retries with capped exponential backoff until the channel is
// back or Disconnect is called. Exactly one loop runs at a time.
func (m *Manager) reconnectLoop() {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	backoff := m.backoffMin

	for {
		time.Sleep(backoff)

		m.mu.Lock()
		if m.closed || m.connected {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		token, err := m.creds.Token()
		if err != nil {
			// Credential gone (logged out); reconnecting without one is
			// forbidden.
			m.logger.Warn("reconnect aborted", zap.Error(err))
			return
		}

		if err := m.dial(context.Background(), token); err != nil {
			m.logger.Warn("reconnect attempt failed", zap.Error(err), zap.Duration("backoff", backoff))
			backoff *= 2
			if backoff > m.backoffMax {
				backoff = m.backoffMax
			}
			continue
		}
		return
	}
}
