// Package events implements live fan-out of turn/trace events to external
// websocket listeners: a connection registry, a per-channel subscriber
// set, and catchup-on-subscribe that replays a bounded in-memory ring of
// recently broadcast events for the channel.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ringLimit bounds how many recent events a late subscriber can catch up
// on per channel.
const ringLimit = 200

// ClientMessage is a client-to-server control frame.
type ClientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// Connection is a single websocket client.
//
// subscriptions is read and written only from the goroutine running
// HandleConnection's read loop and its deferred cleanup, so it needs no
// lock of its own.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// Manager fans turn/trace events out to subscribed websocket connections.
// One Manager instance per orchestrator process.
type Manager struct {
	connections map[string]*Connection
	mu          sync.RWMutex

	channels  map[string]map[string]bool
	ring      map[string][]json.RawMessage
	channelMu sync.RWMutex

	writeTimeout time.Duration
}

// NewManager creates a Manager whose websocket writes are bounded by
// writeTimeout so a stalled client cannot block Broadcast indefinitely.
func NewManager(writeTimeout time.Duration) *Manager {
	return &Manager{
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
		ring:         make(map[string][]json.RawMessage),
		writeTimeout: writeTimeout,
	}
}

// HandleConnection manages one websocket connection's lifecycle. Called by
// the cmd/orchestratord websocket endpoint after upgrade; blocks until the
// connection closes.
func (m *Manager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{"type": "connection.established", "connection_id": connID})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("invalid event client message", "connection_id", connID, "error", err)
			continue
		}
		m.handle(c, &msg)
	}
}

func (m *Manager) handle(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required"})
			return
		}
		m.subscribe(c, msg.Channel)
		m.sendJSON(c, map[string]string{"type": "subscription.confirmed", "channel": msg.Channel})
		m.catchup(c, msg.Channel)
	case "unsubscribe":
		if msg.Channel != "" {
			m.unsubscribe(c, msg.Channel)
		}
	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// Broadcast publishes v on channel, to every currently subscribed
// connection and into the channel's catchup ring. Channel is typically
// "execution:{id}" or "execution:{id}:turn:{n}".
func (m *Manager) Broadcast(channel string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to marshal event", "channel", channel, "error", err)
		return
	}

	m.channelMu.Lock()
	ring := append(m.ring[channel], payload)
	if len(ring) > ringLimit {
		ring = ring[len(ring)-ringLimit:]
	}
	m.ring[channel] = ring
	connIDs := m.channels[channel]
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.channelMu.Unlock()

	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, payload); err != nil {
			slog.Warn("failed to send event", "connection_id", conn.ID, "error", err)
		}
	}
}

func (m *Manager) subscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if m.channels[channel] == nil {
		m.channels[channel] = make(map[string]bool)
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()
	c.subscriptions[channel] = true
}

func (m *Manager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, ok := m.channels[channel]; ok {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			delete(m.ring, channel)
		}
	}
	m.channelMu.Unlock()
	delete(c.subscriptions, channel)
}

// catchup replays the channel's in-memory ring to a newly subscribed
// connection, so it doesn't miss events broadcast before it subscribed.
func (m *Manager) catchup(c *Connection, channel string) {
	m.channelMu.RLock()
	ring := append([]json.RawMessage(nil), m.ring[channel]...)
	m.channelMu.RUnlock()

	for _, payload := range ring {
		if err := m.sendRaw(c, payload); err != nil {
			return
		}
	}
}

func (m *Manager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *Manager) unregister(c *Connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}
	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()
	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *Manager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = m.sendRaw(c, data)
}

func (m *Manager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}

// ActiveConnections reports the number of live connections, for health
// reporting from cmd/orchestratord.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}
