// Package connection maintains the runner's persistent WebSocket connection
// to a conductor server: dial, hello handshake, periodic heartbeats, and
// relaying job.request/job.result/job.error frames to and from the local
// executor. It reconnects with exponential backoff and jitter whenever the
// connection drops, mirroring the same reconnect-loop shape the teacher's
// gRPC-based agent used, re-expressed over gorilla/websocket since the
// server speaks WS, not gRPC.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/conductorhq/conductor/runner/internal/executor"
	"github.com/conductorhq/conductor/runner/internal/metrics"
	"github.com/conductorhq/conductor/runner/internal/wire"
	"github.com/conductorhq/conductor/shared/types"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2

	heartbeatPeriod = 30 * time.Second
	writeWait       = 10 * time.Second
	// pongWait must exceed the server's own ping period (81s, see
	// runnertransport.pingPeriod) so a healthy connection never times out
	// between two server pings.
	pongWait       = 90 * time.Second
	maxMessageSize = 1 << 20 // 1 MiB
	sendBufferSize = 16

	stateFileName = "runner-state.json"
)

// Config configures the connection manager.
type Config struct {
	// ServerURL is the conductor server's base address, e.g.
	// "ws://localhost:8080" or "wss://conductor.example.com". Accepts
	// http(s):// too — the scheme is normalized to ws(s):// automatically.
	ServerURL string

	// RunnerID and Secret are issued once by POST /api/v1/runners and must
	// match a Runner row the server already has — the runner process never
	// generates or registers its own identity.
	RunnerID string
	Secret   string

	Capabilities []string

	// StateDir, if set, is where the runner caches its last-known identity
	// so a restart without --runner-id on the command line can resume the
	// same identity rather than failing to start.
	StateDir string

	Version string
}

type runnerState struct {
	RunnerID    string    `json:"runner_id"`
	LastConnect time.Time `json:"last_connect"`
}

// Manager owns the WebSocket connection to the server.
type Manager struct {
	cfg    Config
	exec   *executor.Executor
	logger *zap.Logger

	mu   sync.RWMutex
	send chan wire.Frame // non-nil only while a connection is live
}

// New creates a Manager. exec receives job.request dispatches via Enqueue;
// Manager itself implements executor.ResultSink so exec.Run can report back
// through it.
func New(cfg Config, exec *executor.Executor, logger *zap.Logger) *Manager {
	return &Manager{cfg: cfg, exec: exec, logger: logger.Named("connection")}
}

// Run dials the server and maintains the connection until ctx is cancelled,
// reconnecting with exponential backoff and jitter after every drop.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial
	for {
		if ctx.Err() != nil {
			return
		}

		connected, err := m.connect(ctx)
		if err != nil {
			m.logger.Warn("connection attempt failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}

		if connected {
			backoff = backoffInitial
		} else {
			backoff = nextBackoff(backoff)
		}

		wait := jitter(backoff)
		m.logger.Info("reconnecting", zap.Duration("after", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// connect performs one dial-hello-pump cycle. It returns connected=true once
// the dial succeeded and the hello frame was written (the server sends no
// reply to hello), regardless of how the connection later ended, so Run
// knows whether to reset the backoff.
func (m *Manager) connect(ctx context.Context) (connected bool, err error) {
	dialURL, err := buildDialURL(m.cfg.ServerURL)
	if err != nil {
		return false, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", dialURL, err)
	}
	defer conn.Close()

	hello := wire.HelloPayload{
		RunnerID:     m.cfg.RunnerID,
		Secret:       m.cfg.Secret,
		Capabilities: m.cfg.Capabilities,
		Version:      m.cfg.Version,
	}
	payload, err := json.Marshal(hello)
	if err != nil {
		return false, fmt.Errorf("marshal hello: %w", err)
	}
	if err := writeFrame(conn, wire.Frame{Type: types.FrameHello, Payload: payload}); err != nil {
		return false, fmt.Errorf("send hello: %w", err)
	}

	m.logger.Info("connected to server", zap.String("server", m.cfg.ServerURL), zap.String("runner_id", m.cfg.RunnerID))
	m.saveState()

	send := make(chan wire.Frame, sendBufferSize)
	m.mu.Lock()
	m.send = send
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.send = nil
		m.mu.Unlock()
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go m.writeLoop(connCtx, conn, send, errCh)
	m.readLoop(conn, errCh)

	select {
	case err := <-errCh:
		return true, err
	default:
		return true, nil
	}
}

// writeLoop forwards outgoing frames (job.result, job.error) and emits
// periodic heartbeats until ctx is cancelled or a write fails.
func (m *Manager) writeLoop(ctx context.Context, conn *websocket.Conn, send <-chan wire.Frame, errCh chan<- error) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case f := <-send:
			if err := writeFrame(conn, f); err != nil {
				reportErr(errCh, err)
				return
			}

		case <-ticker.C:
			hb := metrics.Collect()
			hbPayload, err := json.Marshal(hb)
			if err != nil {
				m.logger.Warn("failed to marshal heartbeat", zap.Error(err))
				continue
			}
			if err := writeFrame(conn, wire.Frame{Type: types.FrameHeartbeat, Payload: hbPayload}); err != nil {
				reportErr(errCh, err)
				return
			}
		}
	}
}

// readLoop decodes incoming job.request frames and hands them to the
// executor. It runs on the calling goroutine (connect's own), since
// gorilla/websocket permits only one reader per connection.
func (m *Manager) readLoop(conn *websocket.Conn, errCh chan<- error) {
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		reportErr(errCh, err)
		return
	}
	// The server pings on a timer; the custom ping handler below keeps the
	// read deadline alive on every ping, mirroring the server's own pong
	// handler (runnertransport.Connection.readPump).
	conn.SetPingHandler(func(data string) error {
		if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return err
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var f wire.Frame
		if err := conn.ReadJSON(&f); err != nil {
			reportErr(errCh, err)
			return
		}

		switch f.Type {
		case types.FrameJobRequest:
			m.handleJobRequest(f.Payload)
		default:
			m.logger.Warn("unexpected frame type", zap.String("type", string(f.Type)))
		}
	}
}

func (m *Manager) handleJobRequest(payload json.RawMessage) {
	var req wire.JobRequestPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		m.logger.Warn("malformed job.request", zap.Error(err))
		return
	}

	job := executor.JobAssignment{
		JobID:          req.JobID,
		Command:        req.Command,
		TimeoutSeconds: req.TimeoutSeconds,
	}
	if err := m.exec.Enqueue(job); err != nil {
		m.logger.Warn("job rejected", zap.String("job_id", req.JobID), zap.Error(err))
		m.SendError(wire.JobErrorPayload{JobID: req.JobID, Message: err.Error()})
	}
}

// SendResult implements executor.ResultSink.
func (m *Manager) SendResult(res wire.JobResultPayload) {
	m.dispatch(types.FrameJobResult, res)
}

// SendError implements executor.ResultSink.
func (m *Manager) SendError(res wire.JobErrorPayload) {
	m.dispatch(types.FrameJobError, res)
}

func (m *Manager) dispatch(frameType types.FrameType, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("failed to marshal outgoing frame", zap.String("type", string(frameType)), zap.Error(err))
		return
	}

	m.mu.RLock()
	send := m.send
	m.mu.RUnlock()
	if send == nil {
		m.logger.Warn("dropping frame: not connected", zap.String("type", string(frameType)))
		return
	}

	select {
	case send <- wire.Frame{Type: frameType, Payload: payload}:
	default:
		m.logger.Warn("send buffer full, dropping frame", zap.String("type", string(frameType)))
	}
}

func writeFrame(conn *websocket.Conn, f wire.Frame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(f)
}

func reportErr(errCh chan<- error, err error) {
	select {
	case errCh <- err:
	default:
	}
}

// buildDialURL normalizes a server address (bare host:port, http(s)://, or
// already ws(s)://) into the runner WebSocket endpoint's full URL.
func buildDialURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		u, err = url.Parse("ws://" + serverURL)
		if err != nil {
			return "", fmt.Errorf("invalid server address %q: %w", serverURL, err)
		}
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		u.Scheme = "ws"
	}

	u.Path = "/api/v1/runners/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// saveState persists the runner's identity to StateDir so a restart without
// --runner-id can recover it via LoadRunnerID.
func (m *Manager) saveState() {
	if m.cfg.StateDir == "" {
		return
	}
	if err := os.MkdirAll(m.cfg.StateDir, 0o700); err != nil {
		m.logger.Warn("failed to create state dir", zap.Error(err))
		return
	}

	state := runnerState{RunnerID: m.cfg.RunnerID, LastConnect: time.Now().UTC()}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		m.logger.Warn("failed to marshal runner state", zap.Error(err))
		return
	}
	if err := os.WriteFile(filepath.Join(m.cfg.StateDir, stateFileName), data, 0o600); err != nil {
		m.logger.Warn("failed to persist runner state", zap.Error(err))
	}
}

// LoadRunnerID reads the last-persisted runner ID from stateDir, or returns
// "" if none is cached. Used as a fallback when --runner-id is omitted on a
// restart.
func LoadRunnerID(stateDir string) string {
	if stateDir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(stateDir, stateFileName))
	if err != nil {
		return ""
	}
	var state runnerState
	if err := json.Unmarshal(data, &state); err != nil {
		return ""
	}
	return state.RunnerID
}

func nextBackoff(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * backoffFactor)
	if next > backoffMax {
		next = backoffMax
	}
	return next
}

// jitter randomizes a backoff duration by ±jitterFraction so many runners
// reconnecting after a shared outage don't all retry in lockstep.
func jitter(d time.Duration) time.Duration {
	delta := time.Duration(float64(d) * jitterFraction)
	if delta <= 0 {
		return d
	}
	return d - delta + time.Duration(rand.Int63n(int64(2*delta)))
}
