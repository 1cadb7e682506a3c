// Package executor runs the commands a connected runner is dispatched by
// the conductor server, one at a time, and reports their outcome back.
//
// The executor runs jobs sequentially (a single worker goroutine draining a
// buffered channel) rather than concurrently: a job dispatched while another
// is executing waits in the buffer, and one that does not fit is rejected
// by Enqueue.
//
// ResultSink is implemented by the connection manager, which owns the only
// live WebSocket write path back to the server.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/conductorhq/conductor/runner/internal/commandvalidator"
	"github.com/conductorhq/conductor/runner/internal/wire"
)

// queueSize bounds how many dispatched jobs may be buffered while a prior
// one is still executing. The server does not check whether a runner
// already has a job in flight; a job arriving when the buffer is full is
// rejected by Enqueue, and the connection manager reports it as job.error.
const queueSize = 4

// defaultTimeout applies when a job.request omits timeout_seconds.
const defaultTimeout = 5 * time.Minute

// maxOutputBytes caps how much of stdout/stderr is relayed back in a
// job.result frame. A command that produces more is truncated, not failed —
// the exit code and the head of the output are usually enough to act on.
const maxOutputBytes = 64 * 1024

// JobAssignment is the internal representation of a command dispatched over
// a job.request frame.
type JobAssignment struct {
	JobID          string
	Command        string
	TimeoutSeconds int
}

// ResultSink delivers a job's terminal outcome back to the server.
type ResultSink interface {
	SendResult(wire.JobResultPayload)
	SendError(wire.JobErrorPayload)
}

// Executor validates and runs dispatched commands against a fixed set of
// capabilities granted to this runner at startup.
type Executor struct {
	capabilities []string
	queue        chan JobAssignment
	logger       *zap.Logger
}

// New creates an Executor. capabilities is the runner's own static grant
// set, checked independently of whatever the server already validated.
func New(capabilities []string, logger *zap.Logger) *Executor {
	return &Executor{
		capabilities: capabilities,
		queue:        make(chan JobAssignment, queueSize),
		logger:       logger.Named("executor"),
	}
}

// Run starts the worker loop. It blocks until ctx is cancelled, executing
// one job at a time from the queue.
func (e *Executor) Run(ctx context.Context, sink ResultSink) {
	e.logger.Info("executor started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("executor stopped")
			return
		case job := <-e.queue:
			e.execute(ctx, job, sink)
		}
	}
}

// Enqueue adds a job to the queue. Returns an error if the queue is full —
// the caller reports that back to the server as a job.error rather than
// silently dropping the dispatch.
func (e *Executor) Enqueue(job JobAssignment) error {
	select {
	case e.queue <- job:
		e.logger.Info("job enqueued", zap.String("job_id", job.JobID))
		return nil
	default:
		return fmt.Errorf("executor: job queue full, rejecting job %s", job.JobID)
	}
}

// execute validates the command against the runner's capabilities, runs it
// through the shell with a bounded timeout, and reports the outcome.
func (e *Executor) execute(ctx context.Context, job JobAssignment, sink ResultSink) {
	if ok, reason := commandvalidator.Validate(job.Command, e.capabilities); !ok {
		e.logger.Warn("command rejected", zap.String("job_id", job.JobID), zap.String("reason", reason))
		sink.SendError(wire.JobErrorPayload{JobID: job.JobID, Message: reason})
		return
	}

	timeout := defaultTimeout
	if job.TimeoutSeconds > 0 {
		timeout = time.Duration(job.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// exec.full commands may contain shell syntax (pipes, redirection), so
	// they run through /bin/sh -c. exec.readonly commands already reject
	// shell metacharacters at the validation gate above, so routing them
	// through the shell too changes nothing about what they can do.
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", job.Command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Info("job started", zap.String("job_id", job.JobID))
	runErr := cmd.Run()

	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		e.logger.Warn("job timed out", zap.String("job_id", job.JobID), zap.Duration("timeout", timeout))
		sink.SendError(wire.JobErrorPayload{
			JobID:   job.JobID,
			Message: fmt.Sprintf("command timed out after %s", timeout),
		})
		return
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			e.logger.Warn("job could not be executed", zap.String("job_id", job.JobID), zap.Error(runErr))
			sink.SendError(wire.JobErrorPayload{JobID: job.JobID, Message: runErr.Error()})
			return
		}
	}

	e.logger.Info("job completed", zap.String("job_id", job.JobID), zap.Int("exit_code", exitCode))
	sink.SendResult(wire.JobResultPayload{
		JobID:    job.JobID,
		ExitCode: exitCode,
		Stdout:   truncate(stdout.String(), maxOutputBytes),
		Stderr:   truncate(stderr.String(), maxOutputBytes),
	})
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n...[truncated]"
}
