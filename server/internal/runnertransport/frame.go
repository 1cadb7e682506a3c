// Package runnertransport implements the WebSocket transport between the
// server and user-owned runners. It uses gorilla/websocket under the hood
// and exposes a connection manager keyed by (owner_id, runner_id) that the
// worker dispatcher uses to deliver job requests and collect their results.
//
// Frame kinds:
//
//	hello        — sent once by the runner on connect, carries capabilities
//	heartbeat    — sent periodically by the runner with a metrics snapshot
//	job.request  — sent by the server to dispatch one command execution
//	job.result   — sent by the runner when a job finishes, whatever its exit code
//	job.error    — sent by the runner when a job cannot be executed at all
package runnertransport

import (
	"encoding/json"

	"github.com/conductorhq/conductor/shared/types"
)

// Frame is the envelope for every message exchanged on the runner connection
// in both directions.
//
// JSON example:
//
//	{"type":"job.request","payload":{"job_id":"018f...","command":"uptime"}}
type Frame struct {
	Type    types.FrameType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// HelloPayload is sent once by the runner immediately after the connection
// upgrade completes. RunnerID and Secret authenticate the connection;
// Capabilities advertise what kinds of jobs this runner may be dispatched.
type HelloPayload struct {
	RunnerID     string   `json:"runner_id"`
	Secret       string   `json:"secret"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

// HeartbeatPayload is sent periodically by the runner to report liveness and
// a host metrics snapshot. The connection manager refreshes the runner's
// LastSeenAt on receipt.
type HeartbeatPayload struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
}

// JobRequestPayload is sent by the server to dispatch one command execution
// to a connected runner.
type JobRequestPayload struct {
	JobID          string `json:"job_id"`
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// JobResultPayload is sent by the runner when a dispatched job finishes,
// whether it exited zero or non-zero. ExitCode distinguishes the two —
// JobError is reserved for conditions the runner could not even execute.
type JobResultPayload struct {
	JobID    string `json:"job_id"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// JobErrorPayload is sent by the runner when a job could not be executed at
// all (capability mismatch, local validation failure).
type JobErrorPayload struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}
