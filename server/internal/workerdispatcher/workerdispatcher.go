// Package workerdispatcher manages the lifecycle of a WorkerJob: a command
// delegated by a supervisor run to a connected runner. It owns the only
// valid state machine transitions — QUEUED → RUNNING → a terminal state, or
// QUEUED → FAILED when the job cannot be dispatched — and the single atomic conditional UPDATE that may resume the parent Run.
//
// Two deliveries racing for the same WorkerJob (a late runner reply arriving
// after a timeout already fired, for instance) must resume the parent run at
// most once. This is enforced by a conditional UPDATE on the Run row — "SET
// status='RUNNING' WHERE id=? AND status='WAITING'" — not by a mutex, so it
// holds even across server restarts and multiple processes sharing one
// database.
package workerdispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/conductorhq/conductor/server/internal/commandvalidator"
	"github.com/conductorhq/conductor/server/internal/db"
	"github.com/conductorhq/conductor/server/internal/eventstore"
	"github.com/conductorhq/conductor/server/internal/metrics"
	"github.com/conductorhq/conductor/server/internal/runnertransport"
	"github.com/conductorhq/conductor/shared/types"
)

// ErrRunnerNotFound is returned when the target runner does not exist, is
// revoked, or does not belong to the requesting owner.
var ErrRunnerNotFound = errors.New("workerdispatcher: runner not found")

// ErrCommandRejected is returned when the command validator denies the
// command against the runner's granted capabilities.
var ErrCommandRejected = errors.New("workerdispatcher: command rejected by capability validation")

// maxSummaryLength bounds the evidence summary folded back into the
// supervisor's context — a full transcript is available via the evidence
// mount, so the inline summary only needs to orient, not reproduce it.
const maxSummaryLength = 150

// Result is what SpawnWorker returns once the job reaches a terminal state.
type Result struct {
	JobID    uuid.UUID
	Status   types.WorkerJobStatus
	ExitCode *int
	Stdout   string
	Stderr   string
	Summary  string
	Error    string
}

// Dispatcher orchestrates WorkerJob creation, dispatch, and resume.
type Dispatcher struct {
	db        *gorm.DB
	events    *eventstore.Store
	transport *runnertransport.Manager
	logger    *zap.Logger
}

// New returns a Dispatcher.
func New(gormDB *gorm.DB, events *eventstore.Store, transport *runnertransport.Manager, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{db: gormDB, events: events, transport: transport, logger: logger}
}

// SpawnWorker creates a WorkerJob for supervisorRun, dispatches it to
// runnerID over the runner transport, and blocks until the job reaches a
// terminal state or ctx is cancelled (including the WorkerJob's own
// timeoutSeconds budget). It performs the run's WAITING transition itself so
// the caller (the supervisor loop) never needs to touch Run.Status directly.
func (d *Dispatcher) SpawnWorker(
	ctx context.Context,
	supervisorRun db.Run,
	toolCallID string,
	task string,
	runnerID uuid.UUID,
	command string,
	capabilitiesNeeded []string,
	timeout time.Duration,
) (Result, error) {
	runner, err := d.loadRunner(ctx, supervisorRun.OwnerID, runnerID)
	if err != nil {
		return Result{}, err
	}

	var capabilities []string
	if err := json.Unmarshal([]byte(runner.Capabilities), &capabilities); err != nil {
		return Result{}, fmt.Errorf("workerdispatcher: malformed runner capabilities: %w", err)
	}

	if ok, reason := commandvalidator.Validate(command, capabilities); !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrCommandRejected, reason)
	}

	capsJSON, err := json.Marshal(capabilitiesNeeded)
	if err != nil {
		return Result{}, fmt.Errorf("workerdispatcher: marshal capabilities needed: %w", err)
	}

	job := db.WorkerJob{
		OwnerID:            supervisorRun.OwnerID,
		SupervisorRunID:    supervisorRun.ID,
		ToolCallID:         toolCallID,
		Task:               task,
		Command:            command,
		CapabilitiesNeeded: string(capsJSON),
		Status:             string(types.WorkerJobStatusQueued),
		RunnerID:           runnerID,
		TimeoutSeconds:     int(timeout.Seconds()),
	}
	if err := d.db.WithContext(ctx).Create(&job).Error; err != nil {
		return Result{}, fmt.Errorf("workerdispatcher: create job: %w", err)
	}

	if err := d.transitionRunToWaiting(ctx, supervisorRun.ID); err != nil {
		return Result{}, err
	}
	d.emit(ctx, supervisorRun.ID, types.EventWorkerSpawned, map[string]any{
		"job_id": job.ID, "tool_call_id": toolCallID, "task": task, "runner_id": runnerID,
	})

	outcome, err := d.dispatchAndAwait(ctx, job, supervisorRun.OwnerID, runnerID, command, timeout)

	result := d.finalize(ctx, supervisorRun.ID, job.ID, outcome, err)
	return result, nil
}

func (d *Dispatcher) loadRunner(ctx context.Context, ownerID, runnerID uuid.UUID) (db.Runner, error) {
	var runner db.Runner
	err := d.db.WithContext(ctx).
		Where("id = ? AND owner_id = ? AND status <> ?", runnerID, ownerID, string(types.RunnerStatusRevoked)).
		First(&runner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Runner{}, ErrRunnerNotFound
	}
	if err != nil {
		return db.Runner{}, fmt.Errorf("workerdispatcher: load runner: %w", err)
	}
	return runner, nil
}

// transitionRunToWaiting is the mirror image of the resume CAS: only a
// RUNNING run may move to WAITING while a worker is outstanding.
func (d *Dispatcher) transitionRunToWaiting(ctx context.Context, runID uuid.UUID) error {
	res := d.db.WithContext(ctx).Model(&db.Run{}).
		Where("id = ? AND status = ?", runID, string(types.RunStatusRunning)).
		Update("status", string(types.RunStatusWaiting))
	if res.Error != nil {
		return fmt.Errorf("workerdispatcher: transition run to waiting: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("workerdispatcher: run %s was not RUNNING, refusing to spawn a worker", runID)
	}
	metrics.RunsInFlight.WithLabelValues(string(types.RunStatusRunning)).Dec()
	metrics.RunsInFlight.WithLabelValues(string(types.RunStatusWaiting)).Inc()
	return nil
}

type jobOutcome struct {
	status     types.WorkerJobStatus
	exitCode   *int
	stdout     string
	stderr     string
	errMsg     string
	wasRunning bool // true once markRunning fired, so finalize knows to decrement WorkerJobsInFlight
}

// dispatchAndAwait sends the job.request frame and blocks for a reply,
// bounded by timeout and ctx. A runner-offline or timeout condition produces
// a terminal outcome just like a real job.error would.
func (d *Dispatcher) dispatchAndAwait(ctx context.Context, job db.WorkerJob, ownerID, runnerID uuid.UUID, command string, timeout time.Duration) (jobOutcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	waiter, err := d.transport.Dispatch(waitCtx, ownerID.String(), runnerID.String(), runnertransport.JobRequestPayload{
		JobID:          job.ID.String(),
		Command:        command,
		TimeoutSeconds: int(timeout.Seconds()),
	})
	if err != nil {
		return jobOutcome{status: types.WorkerJobStatusFailed, errMsg: err.Error()}, nil
	}

	d.markRunning(context.Background(), job.ID)
	metrics.WorkerJobsInFlight.WithLabelValues(string(types.WorkerJobStatusRunning)).Inc()
	d.emit(context.Background(), job.SupervisorRunID, types.EventWorkerStarted, map[string]any{"job_id": job.ID})

	select {
	case outcome, ok := <-waiter:
		if !ok {
			return jobOutcome{status: types.WorkerJobStatusFailed, errMsg: "connection to runner was lost before a result arrived", wasRunning: true}, nil
		}
		if outcome.Err != nil {
			return jobOutcome{status: types.WorkerJobStatusFailed, errMsg: outcome.Err.Message, wasRunning: true}, nil
		}
		status := types.WorkerJobStatusSuccess
		if outcome.Result.ExitCode != 0 {
			status = types.WorkerJobStatusFailed
		}
		exitCode := outcome.Result.ExitCode
		return jobOutcome{status: status, exitCode: &exitCode, stdout: outcome.Result.Stdout, stderr: outcome.Result.Stderr, wasRunning: true}, nil

	case <-waitCtx.Done():
		return jobOutcome{status: types.WorkerJobStatusTimeout, errMsg: "job exceeded its timeout budget", wasRunning: true}, nil
	}
}

func (d *Dispatcher) markRunning(ctx context.Context, jobID uuid.UUID) {
	now := time.Now().UTC()
	if err := d.db.WithContext(ctx).Model(&db.WorkerJob{}).Where("id = ?", jobID).
		Updates(map[string]any{"status": string(types.WorkerJobStatusRunning), "started_at": now}).Error; err != nil {
		d.logger.Warn("workerdispatcher: failed to mark job running", zap.Error(err))
	}
}

// finalize persists the terminal WorkerJob state, emits the corresponding
// event, attempts the single-resume CAS on the parent run, and returns the
// Result the caller folds back into the supervisor's context.
func (d *Dispatcher) finalize(ctx context.Context, runID, jobID uuid.UUID, outcome jobOutcome, dispatchErr error) Result {
	summary := summarize(outcome)
	now := time.Now().UTC()

	updates := map[string]any{
		"status":      string(outcome.status),
		"finished_at": now,
		"result":      outcome.stdout,
		"summary":     summary,
		"error":       outcome.errMsg,
	}
	if outcome.exitCode != nil {
		updates["exit_code"] = *outcome.exitCode
	}
	if err := d.db.WithContext(ctx).Model(&db.WorkerJob{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		d.logger.Error("workerdispatcher: failed to persist terminal job state", zap.Error(err))
	}

	eventType := types.EventWorkerComplete
	if outcome.status != types.WorkerJobStatusSuccess {
		eventType = types.EventWorkerFailed
	}
	d.emit(ctx, runID, eventType, map[string]any{
		"job_id": jobID, "status": outcome.status, "summary": summary, "exit_code": outcome.exitCode,
	})
	metrics.WorkerJobsTotal.WithLabelValues(string(outcome.status)).Inc()
	if outcome.wasRunning {
		metrics.WorkerJobsInFlight.WithLabelValues(string(types.WorkerJobStatusRunning)).Dec()
	}

	resumed := d.resumeRun(ctx, runID)
	if !resumed {
		d.logger.Info("workerdispatcher: run was not resumed — already past WAITING (duplicate terminal delivery)",
			zap.String("run_id", runID.String()), zap.String("job_id", jobID.String()))
	}

	return Result{
		JobID: jobID, Status: outcome.status, ExitCode: outcome.exitCode,
		Stdout: outcome.stdout, Stderr: outcome.stderr, Summary: summary, Error: outcome.errMsg,
	}
}

// resumeRun enforces at-most-once resume: only a WAITING run may transition
// to RUNNING, and the UPDATE's WHERE clause makes the check and the
// transition atomic. If two terminal deliveries for different jobs on the
// same run race here, exactly one sees RowsAffected > 0.
func (d *Dispatcher) resumeRun(ctx context.Context, runID uuid.UUID) bool {
	res := d.db.WithContext(ctx).Model(&db.Run{}).
		Where("id = ? AND status = ?", runID, string(types.RunStatusWaiting)).
		Update("status", string(types.RunStatusRunning))
	if res.Error != nil {
		d.logger.Error("workerdispatcher: resume CAS failed", zap.Error(res.Error))
		return false
	}
	if res.RowsAffected > 0 {
		metrics.RunsInFlight.WithLabelValues(string(types.RunStatusWaiting)).Dec()
		metrics.RunsInFlight.WithLabelValues(string(types.RunStatusRunning)).Inc()
	}
	return res.RowsAffected > 0
}

func (d *Dispatcher) emit(ctx context.Context, runID uuid.UUID, eventType types.EventType, payload any) {
	if _, err := d.events.Append(ctx, runID, eventType, payload); err != nil {
		d.logger.Error("workerdispatcher: failed to append event", zap.Error(err), zap.String("event_type", string(eventType)))
	}
}

// summarize collapses a job outcome into a short, evidence-marker-ready
// string. Truncation failures (a non-UTF8-safe cut point, in principle) fall
// back to the untruncated text rather than dropping the summary entirely.
func summarize(outcome jobOutcome) string {
	text := outcome.stdout
	if text == "" {
		text = outcome.errMsg
	}
	if len(text) <= maxSummaryLength {
		return text
	}
	cut := []rune(text)
	if len(cut) <= maxSummaryLength {
		return text
	}
	return string(cut[:maxSummaryLength]) + "…"
}
