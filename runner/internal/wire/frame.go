// Package wire defines the JSON frame envelope and payload shapes exchanged
// with the conductor server over the runner WebSocket connection.
//
// These types mirror server/internal/runnertransport's frame definitions
// byte-for-byte on the wire, but the runner is a separate Go module (the
// server and runner deploy independently, following the same split the
// teacher repo used for its server/agent pair) so the shapes are declared
// here rather than imported — only the FrameType enum itself is shared, via
// github.com/conductorhq/conductor/shared/types.
package wire

import (
	"encoding/json"

	"github.com/conductorhq/conductor/shared/types"
)

// Frame is the envelope for every message exchanged on the connection in
// both directions.
type Frame struct {
	Type    types.FrameType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// HelloPayload is sent once, immediately after the connection is
// established, to authenticate and announce what this runner can execute.
type HelloPayload struct {
	RunnerID     string   `json:"runner_id"`
	Secret       string   `json:"secret"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

// HeartbeatPayload is sent periodically to report liveness and a host
// metrics snapshot.
type HeartbeatPayload struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
}

// JobRequestPayload is received when the server dispatches one command for
// this runner to execute.
type JobRequestPayload struct {
	JobID          string `json:"job_id"`
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// JobResultPayload is sent once a dispatched command finishes running,
// whether it exited zero or non-zero.
type JobResultPayload struct {
	JobID    string `json:"job_id"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// JobErrorPayload is sent when a command could not be executed at all
// (capability rejection, timeout, local exec failure).
type JobErrorPayload struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}
