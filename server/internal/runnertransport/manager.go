package runnertransport

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conductorhq/conductor/shared/types"
)

// ErrRunnerOffline is returned by Dispatch when no connection is currently
// registered for the target (owner_id, runner_id) pair.
var ErrRunnerOffline = errors.New("runnertransport: runner is not connected")

// ErrAuthFailed is returned when a hello frame's secret does not match the
// runner's stored credential, or the runner is unknown or revoked.
var ErrAuthFailed = errors.New("runnertransport: authentication failed")

// helloDeadline bounds how long a freshly-upgraded connection may take to
// send its hello frame before the manager gives up and closes it.
const helloDeadline = 10 * time.Second

// Authenticator resolves a runner's identity and verifies its shared secret.
// SecretHash is the stored SHA-256 hex digest; implementations compare it to
// sha256(secret) using a constant-time comparison, never ==.
type Authenticator interface {
	Authenticate(ctx context.Context, runnerID string) (ownerID string, secretHash string, revoked bool, err error)
}

// StatusSink receives connection lifecycle and heartbeat notifications so the
// caller can persist Runner.Status / Runner.LastSeenAt / Runner.Metadata.
type StatusSink interface {
	MarkOnline(ctx context.Context, ownerID, runnerID string, capabilities []string)
	MarkOffline(ctx context.Context, ownerID, runnerID string)
	MarkHeartbeat(ctx context.Context, ownerID, runnerID string, hb HeartbeatPayload)
}

// JobOutcome is the result delivered to Dispatch's caller once the runner
// responds with either a job.result or a job.error frame.
type JobOutcome struct {
	Result *JobResultPayload
	Err    *JobErrorPayload
}

// connKey identifies one logical runner connection. A runner belongs to
// exactly one owner, but the pair is carried explicitly rather than trusting
// RunnerID alone — it is the join key the rest of the system (WorkerJob,
// Runner row) already uses.
type connKey struct {
	ownerID  string
	runnerID string
}

// Manager is the connection registry and dispatch point for all runner
// WebSocket sessions.
//
// # Design: single-writer event loop
//
// All mutations to the connection registry (register, unregister) are
// serialised through a single goroutine — the Run loop — via channels, the
// same pattern used for fan-out in the stream assembler's hub. Dispatch and
// handleFrame read the registry and waiter map from other goroutines, so
// both are protected by mu; the critical sections are kept to map
// lookups/copies only, never a blocking send.
type Manager struct {
	auth   Authenticator
	status StatusSink
	logger *zap.Logger

	mu      sync.RWMutex
	conns   map[connKey]*Connection
	waiters map[string]chan JobOutcome // keyed by job_id

	register   chan *Connection
	unregister chan *Connection
}

// NewManager creates an idle Manager. Call Run in a goroutine to start it.
func NewManager(auth Authenticator, status StatusSink, logger *zap.Logger) *Manager {
	return &Manager{
		auth:       auth,
		status:     status,
		logger:     logger,
		conns:      make(map[connKey]*Connection),
		waiters:    make(map[string]chan JobOutcome),
		register:   make(chan *Connection, 16),
		unregister: make(chan *Connection, 16),
	}
}

// Run starts the manager's event loop. It must be called exactly once, in
// its own goroutine, and exits when ctx is cancelled during graceful
// shutdown.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case c := <-m.register:
			key := connKey{c.OwnerID, c.RunnerID}

			m.mu.Lock()
			old, displaced := m.conns[key]
			m.conns[key] = c
			m.mu.Unlock()
			// Displacement: a second hello for the same (owner, runner) pair
			// means the old connection is stale (reconnect without a clean
			// close, e.g. after a network partition). Close it rather than
			// logging and carrying on, so dispatch never races between two
			// live sockets for the same runner.
			if displaced {
				m.logger.Warn("runnertransport: displacing stale connection",
					zap.String("owner_id", c.OwnerID), zap.String("runner_id", c.RunnerID))
				old.Close()
			}

		case c := <-m.unregister:
			key := connKey{c.OwnerID, c.RunnerID}

			m.mu.Lock()
			// Only remove the registry entry if it still points at this
			// connection — a displaced connection's own unregister must not
			// clobber the new one that replaced it.
			removed := false
			if cur, ok := m.conns[key]; ok && cur == c {
				delete(m.conns, key)
				removed = true
			}
			m.mu.Unlock()
			if removed && m.status != nil {
				m.status.MarkOffline(context.Background(), c.OwnerID, c.RunnerID)
			}
			close(c.send)

		case <-ctx.Done():
			m.mu.Lock()
			for _, c := range m.conns {
				close(c.send)
			}
			m.conns = make(map[connKey]*Connection)
			m.mu.Unlock()
			return
		}
	}
}

// HandleUpgrade upgrades an HTTP request to the runner WebSocket protocol,
// authenticates the hello frame, registers the connection, and blocks
// running its pumps until it disconnects. Call from the /runners/ws route.
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) error {
	c, err := Upgrade(m, w, r, m.logger)
	if err != nil {
		return fmt.Errorf("runnertransport: upgrade failed: %w", err)
	}

	hello, err := c.ReadHello(time.Now().Add(helloDeadline))
	if err != nil {
		c.Close()
		return fmt.Errorf("runnertransport: hello read failed: %w", err)
	}

	ownerID, secretHash, revoked, err := m.auth.Authenticate(r.Context(), hello.RunnerID)
	if err != nil || revoked || !validSecret(hello.Secret, secretHash) {
		c.Close()
		return ErrAuthFailed
	}

	c.OwnerID = ownerID
	c.RunnerID = hello.RunnerID
	m.register <- c

	if m.status != nil {
		m.status.MarkOnline(r.Context(), ownerID, hello.RunnerID, hello.Capabilities)
	}

	c.Run()
	return nil
}

// validSecret compares the raw secret's hash against the stored hash using a
// constant-time comparison so timing cannot leak how many prefix bytes
// matched.
func validSecret(rawSecret, storedHash string) bool {
	computed := sha256Hex(rawSecret)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// Dispatch sends a job.request frame to the connected runner identified by
// (ownerID, runnerID) and returns a channel that receives exactly one
// JobOutcome when the runner replies. If the connection drops before a reply
// arrives, nothing is sent on the channel and it is not closed: the waiter
// stays registered under the job id until a reply for that id arrives.
func (m *Manager) Dispatch(ctx context.Context, ownerID, runnerID string, req JobRequestPayload) (<-chan JobOutcome, error) {
	m.mu.RLock()
	c, ok := m.conns[connKey{ownerID, runnerID}]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrRunnerOffline
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("runnertransport: marshal job request: %w", err)
	}

	waiter := make(chan JobOutcome, 1)
	m.mu.Lock()
	m.waiters[req.JobID] = waiter
	m.mu.Unlock()

	select {
	case c.send <- Frame{Type: types.FrameJobRequest, Payload: payload}:
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.waiters, req.JobID)
		m.mu.Unlock()
		return nil, ctx.Err()
	case <-time.After(writeWait):
		m.mu.Lock()
		delete(m.waiters, req.JobID)
		m.mu.Unlock()
		return nil, ErrRunnerOffline
	}

	return waiter, nil
}

// handleFrame routes a decoded frame from conn to the appropriate waiter or
// status callback. Called from the connection's readPump goroutine.
func (m *Manager) handleFrame(c *Connection, f Frame) {
	switch f.Type {
	case types.FrameHeartbeat:
		var hb HeartbeatPayload
		if err := json.Unmarshal(f.Payload, &hb); err != nil {
			m.logger.Warn("runnertransport: malformed heartbeat", zap.Error(err))
			return
		}
		if m.status != nil {
			m.status.MarkHeartbeat(context.Background(), c.OwnerID, c.RunnerID, hb)
		}

	case types.FrameJobResult:
		var res JobResultPayload
		if err := json.Unmarshal(f.Payload, &res); err != nil {
			m.logger.Warn("runnertransport: malformed job.result", zap.Error(err))
			return
		}
		m.resolveWaiter(res.JobID, JobOutcome{Result: &res})

	case types.FrameJobError:
		var jerr JobErrorPayload
		if err := json.Unmarshal(f.Payload, &jerr); err != nil {
			m.logger.Warn("runnertransport: malformed job.error", zap.Error(err))
			return
		}
		m.resolveWaiter(jerr.JobID, JobOutcome{Err: &jerr})

	default:
		m.logger.Warn("runnertransport: unexpected frame type", zap.String("type", string(f.Type)))
	}
}

func (m *Manager) resolveWaiter(jobID string, outcome JobOutcome) {
	m.mu.Lock()
	waiter, ok := m.waiters[jobID]
	if ok {
		delete(m.waiters, jobID)
	}
	m.mu.Unlock()

	if !ok {
		// No waiter is registered under this job id — an unknown job, or a
		// second reply for one already resolved. Drop the reply.
		return
	}
	waiter <- outcome
}

