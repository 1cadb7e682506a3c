package runnertransport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after sending a
	// ping. Generous relative to the runner's own 30s heartbeat cadence.
	pongWait = 90 * time.Second

	// pingPeriod must be less than pongWait so the runner has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps incoming frames. job.result payloads carry captured
	// stdout/stderr, so the ceiling is generous relative to a control frame.
	maxMessageSize = 1 << 20 // 1 MiB

	// sendBufferSize is the capacity of the per-connection outbound buffer.
	sendBufferSize = 16
)

// upgrader performs the HTTP → WebSocket protocol upgrade for runner
// connections. CheckOrigin always returns true — runners are not browsers,
// and authentication happens via the hello frame's secret, not same-origin
// cookies.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Connection represents one connected runner's WebSocket session. It owns
// two goroutines: readPump (decodes incoming frames and routes them to the
// manager) and writePump (serialises outgoing frames onto the wire).
//
// send is the handoff point between Manager.dispatchFrame and writePump. It
// is closed exactly once, by the manager, when the connection is
// unregistered — this causes writePump to drain and exit cleanly.
type Connection struct {
	mgr  *Manager
	conn *websocket.Conn

	OwnerID  string
	RunnerID string

	send chan Frame

	logger *zap.Logger
}

// Upgrade upgrades the HTTP connection to WebSocket and returns a Connection
// not yet registered with the manager — the caller must read the hello frame
// first to learn OwnerID/RunnerID before calling Manager.Register.
func Upgrade(mgr *Manager, w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*Connection, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Connection{
		mgr:    mgr,
		conn:   conn,
		send:   make(chan Frame, sendBufferSize),
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// ReadHello blocks for the first frame on the connection and decodes it as a
// hello frame. The caller enforces deadline before calling this so a slow or
// silent peer cannot hold the upgrade open indefinitely.
func (c *Connection) ReadHello(deadline time.Time) (HelloPayload, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return HelloPayload{}, err
	}
	var f Frame
	if err := c.conn.ReadJSON(&f); err != nil {
		return HelloPayload{}, err
	}
	var hello HelloPayload
	if err := json.Unmarshal(f.Payload, &hello); err != nil {
		return HelloPayload{}, err
	}
	return hello, nil
}

// Run starts the read and write pumps. It blocks until the connection
// closes, so callers invoke it from its own goroutine after registration.
func (c *Connection) Run() {
	go c.writePump()
	c.readPump()
}

// readPump decodes incoming frames (heartbeat, job.result, job.error) and
// hands them to the manager for routing. It is the only goroutine that reads
// from conn — gorilla/websocket connections support one concurrent reader.
func (c *Connection) readPump() {
	defer func() {
		c.mgr.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("runnertransport: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("runnertransport: unexpected close", zap.Error(err))
			}
			return
		}
		c.mgr.handleFrame(c, f)
	}
}

// writePump forwards frames from the send channel to the wire and emits
// periodic pings so readPump can detect a stale peer.
//
// writePump is the only goroutine that writes to conn — gorilla/websocket
// connections are not safe for concurrent writes.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("runnertransport: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				c.logger.Warn("runnertransport: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("runnertransport: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("runnertransport: ping error", zap.Error(err))
				return
			}
		}
	}
}

// Close closes the underlying connection. Safe to call from any goroutine.
func (c *Connection) Close() {
	_ = c.conn.Close()
}
