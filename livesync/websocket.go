// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package livesync

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event types of the wake protocol.
const (
	EventSync      = "sync"
	EventHeartbeat = "heartbeat"
	EventError     = "error"
)

const writeTimeout = 10 * time.Second

// Event is the wire shape of one wake-protocol message: an event name and
// a data object.
type Event struct {
	Event string    `json:"event"`
	Data  EventData `json:"data"`
}

// EventData is the payload of a wake-protocol message.
type EventData struct {
	Cursor    int64  `json:"cursor,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message,omitempty"`
}

// WebSocketConn adapts a gorilla websocket connection to the registry's
// Conn contract. gorilla allows a single concurrent writer, so every send
// goes through one mutex.
type WebSocketConn struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	nowFn  func() time.Time
	closed bool
}

var _ Conn = (*WebSocketConn)(nil)

// NewWebSocketConn wraps an upgraded websocket connection.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws, nowFn: time.Now}
}

// SendSync implements Conn.
func (c *WebSocketConn) SendSync(cursor int64) error {
	return c.send(Event{Event: EventSync, Data: EventData{Cursor: cursor}})
}

// SendHeartbeat implements Conn.
func (c *WebSocketConn) SendHeartbeat() error {
	return c.send(Event{Event: EventHeartbeat})
}

// SendError implements Conn.
func (c *WebSocketConn) SendError(msg string) error {
	return c.send(Event{Event: EventError, Data: EventData{Message: msg}})
}

// Close implements Conn. It sends a close frame and tears the socket down;
// closing twice is harmless.
func (c *WebSocketConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	deadline := c.nowFn().Add(writeTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	return Error.Wrap(c.ws.Close())
}

// IsOpen implements Conn.
func (c *WebSocketConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *WebSocketConn) send(event Event) error {
	event.Data.Timestamp = c.nowFn().UnixMilli()
	payload, err := json.Marshal(event)
	if err != nil {
		return Error.Wrap(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Error.New("connection closed")
	}
	if err := c.ws.SetWriteDeadline(c.nowFn().Add(writeTimeout)); err != nil {
		return Error.Wrap(err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.closed = true
		_ = c.ws.Close()
		return Error.Wrap(err)
	}
	return nil
}
