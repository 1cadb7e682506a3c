// Package supervisor implements the ReAct-style reason-act loop that drives
// a Run: assemble the Thread into an LLM request, dispatch whatever tool
// calls come back, and either terminate with the model's final answer or
// suspend durably on spawn_worker until the Worker Dispatcher resumes it.
//
// All loop state lives in the database — the Thread's messages and the
// Run's StepCount — so a suspended Run carries no in-memory state at all.
// Resuming it is just calling Execute again; the loop picks up where the
// Thread left off.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/conductorhq/conductor/server/internal/db"
	"github.com/conductorhq/conductor/server/internal/eventstore"
	"github.com/conductorhq/conductor/server/internal/metrics"
	"github.com/conductorhq/conductor/server/internal/workerdispatcher"
	"github.com/conductorhq/conductor/shared/types"
)

// DefaultStepCeiling bounds a run's reason-act iterations absent an
// explicit override — a runaway loop (the model never producing terminal
// content) must not run forever.
const DefaultStepCeiling = 25

// maxKeepOpenTTLMs caps a stream_control keep_open lease at 5 minutes —
// long enough to cover a slow worker without pinning a client connection
// open indefinitely if the run never reaches a close barrier.
const maxKeepOpenTTLMs = 300_000

// errSuspended is returned internally by runStep after a spawn_worker call.
// By then SpawnWorker has already waited for the job and attempted the
// WAITING→RUNNING resume, so Execute's loop reloads the run and goes on only
// if it is RUNNING again — it is not treated as an error.
var errSuspended = errors.New("supervisor: step suspended on spawn_worker")

// errContinue is returned internally by runStep after a step that dispatched
// only local (non-spawn_worker) tool calls — the Thread now has fresh tool
// results for the model to see, so Execute's loop must run another step
// instead of stopping, per the reason-act loop's "until terminal or ceiling"
// contract.
var errContinue = errors.New("supervisor: step has local tool results, continue loop")

// Engine runs the reason-act loop for one Run at a time. It is safe to use
// concurrently across different runs — all shared mutable state lives in
// the database, not in the Engine.
type Engine struct {
	db          *gorm.DB
	events      *eventstore.Store
	dispatcher  *workerdispatcher.Dispatcher
	chat        Chat
	logger      *zap.Logger
	stepCeiling int
}

// New returns an Engine. stepCeiling <= 0 uses DefaultStepCeiling.
func New(gormDB *gorm.DB, events *eventstore.Store, dispatcher *workerdispatcher.Dispatcher, chat Chat, logger *zap.Logger, stepCeiling int) *Engine {
	if stepCeiling <= 0 {
		stepCeiling = DefaultStepCeiling
	}
	return &Engine{db: gormDB, events: events, dispatcher: dispatcher, chat: chat, logger: logger, stepCeiling: stepCeiling}
}

// Execute drives runID's loop forward from whatever state it is currently
// in. Called once to start a fresh Run (already transitioned to RUNNING by
// the caller). A spawn_worker step blocks in the Worker Dispatcher until the
// job completes and the atomic WAITING→RUNNING resume has been attempted;
// the loop then reloads the Run and keeps going while it is RUNNING.
//
// Execute returns nil whenever the loop stops for any reason that is not a
// programming error: terminal completion, a Run left WAITING after
// spawn_worker, cancellation, or step-ceiling overflow all end with the Run
// row updated
// to reflect what happened and a non-nil error returned only if the Run
// could not be loaded at all.
func (e *Engine) Execute(ctx context.Context, runID uuid.UUID, registry *Registry) error {
	for {
		run, err := e.loadRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != string(types.RunStatusRunning) {
			// Cancelled, already terminal, or racing another resume — nothing
			// for this invocation to do.
			return nil
		}
		if run.StepCount >= e.stepCeiling {
			e.fail(ctx, run, "step_limit", fmt.Sprintf("exceeded step ceiling of %d", e.stepCeiling))
			return nil
		}

		err = e.runStep(ctx, run, registry)
		switch {
		case err == nil:
			return nil // terminal completion handled inside runStep
		case errors.Is(err, errSuspended):
			continue // spawn_worker returned; reload and go on only if the resume left the run RUNNING
		case errors.Is(err, errContinue):
			continue // local tool results appended; re-assemble and call again
		default:
			e.fail(ctx, run, "", err.Error())
			return nil
		}
	}
}

// runStep performs exactly one reason-act iteration: assemble, call the
// model, dispatch whatever it returned. It returns errSuspended after a
// spawn_worker call (the caller reloads the Run to see whether it was
// resumed before iterating again), nil
// after a terminal assistant response (the Run is already marked SUCCESS),
// and errContinue after dispatching only local tool calls — the Thread now
// has fresh tool results and Execute must loop to feed them back to the
// model. Any other returned error is an unhandled exception within the step
// and causes the Run to fail.
func (e *Engine) runStep(ctx context.Context, run db.Run, registry *Registry) error {
	messages, err := e.assembleMessages(ctx, run.ThreadID)
	if err != nil {
		return fmt.Errorf("assemble messages: %w", err)
	}
	messages = mountEvidence(ctx, e.db, e.logger, run.ID, messages)

	specs := registry.specs()
	if _, ok := registry.lookup("spawn_worker"); !ok {
		specs = append(specs, newRunnerTool(e.dispatcher).Spec())
	}
	resp, err := e.chat.Chat(ctx, messages, specs)
	if err != nil {
		return fmt.Errorf("model call failed: %w", err)
	}
	e.streamTokens(ctx, run.ID, resp.TokenDeltas)

	if err := e.advanceStep(ctx, run.ID); err != nil {
		return fmt.Errorf("advance step count: %w", err)
	}

	if len(resp.ToolCalls) == 0 {
		return e.complete(ctx, run, resp)
	}

	e.appendMessage(ctx, run.ThreadID, db.ThreadMessage{
		Role:      string(types.MessageRoleAssistant),
		Content:   resp.Content,
		ToolCalls: marshalToolCalls(resp.ToolCalls),
		Processed: true,
	})

	for _, call := range resp.ToolCalls {
		if call.Name == "spawn_worker" {
			if err := e.dispatchSpawnWorker(ctx, run, call); err != nil {
				return fmt.Errorf("spawn_worker: %w", err)
			}
			return errSuspended
		}
		e.dispatchLocalTool(ctx, run, registry, call)
	}
	return errContinue
}

// complete persists the model's terminal content, marks the Run SUCCESS,
// and emits supervisor_complete.
func (e *Engine) complete(ctx context.Context, run db.Run, resp Response) error {
	e.appendMessage(ctx, run.ThreadID, db.ThreadMessage{
		Role:      string(types.MessageRoleAssistant),
		Content:   resp.Content,
		Processed: true,
	})
	now := time.Now().UTC()
	if err := e.db.WithContext(ctx).Model(&db.Run{}).Where("id = ?", run.ID).Updates(map[string]any{
		"status":       string(types.RunStatusSuccess),
		"finished_at":  now,
		"total_tokens": gorm.Expr("total_tokens + ?", resp.TotalTokens),
		"total_cost":   gorm.Expr("total_cost + ?", resp.Cost),
	}).Error; err != nil {
		e.logger.Error("supervisor: failed to mark run SUCCESS", zap.Error(err))
	}
	e.emit(ctx, run.ID, types.EventSupervisorComplete, map[string]any{"status": "SUCCESS", "content": resp.Content})
	e.emit(ctx, run.ID, types.EventStreamControl, types.StreamControlPayload{
		Action: types.StreamControlClose,
		Reason: "run_success",
	})
	metrics.RunsTotal.WithLabelValues(string(types.RunStatusSuccess)).Inc()
	metrics.RunsInFlight.WithLabelValues(string(types.RunStatusRunning)).Dec()
	return nil
}

// dispatchLocalTool synchronously invokes a non-spawn_worker tool call,
// emitting the started/completed/failed event trio and appending the
// resulting tool message to the Thread.
func (e *Engine) dispatchLocalTool(ctx context.Context, run db.Run, registry *Registry, call ToolCall) {
	e.emit(ctx, run.ID, types.EventSupervisorToolStarted, map[string]any{"tool_call_id": call.ID, "name": call.Name})

	tool, ok := registry.lookup(call.Name)
	if !ok {
		envelope := types.ErrEnvelope(types.ErrorTypeNotFound, fmt.Sprintf("no such tool: %s", call.Name), nil)
		e.recordToolResult(ctx, run, call, envelope, true)
		return
	}

	envelope, err := tool.Invoke(ctx, json.RawMessage(call.Arguments))
	if err != nil {
		envelope = types.ErrEnvelope(types.ErrorTypeExecution, err.Error(), nil)
	}
	e.recordToolResult(ctx, run, call, envelope, !envelope.Ok)
}

func (e *Engine) recordToolResult(ctx context.Context, run db.Run, call ToolCall, envelope types.Envelope, failed bool) {
	eventType := types.EventSupervisorToolCompleted
	if failed {
		eventType = types.EventSupervisorToolFailed
	}
	e.emit(ctx, run.ID, eventType, map[string]any{"tool_call_id": call.ID, "name": call.Name, "result": envelope})

	body, err := json.Marshal(envelope)
	if err != nil {
		body = []byte(fmt.Sprintf(`{"ok":false,"error_type":"execution_error","user_message":%q}`, err.Error()))
	}
	e.appendMessage(ctx, run.ThreadID, db.ThreadMessage{
		Role:       string(types.MessageRoleTool),
		Content:    string(body),
		ToolCallID: call.ID,
		Processed:  true,
	})
}

// dispatchSpawnWorker hands a spawn_worker call to the Worker Dispatcher.
// SpawnWorker itself performs the run's RUNNING→WAITING transition and
// blocks until the job completes; by the time it returns here, the resume
// attempt (WAITING→RUNNING) has already been made by the dispatcher's
// finalize step and this call's caller (runStep) returns errSuspended
// regardless of whether that particular resume attempt won the race —
// Execute then reloads the Run and continues only if it is RUNNING.
func (e *Engine) dispatchSpawnWorker(ctx context.Context, run db.Run, call ToolCall) error {
	args, runnerID, timeout, err := parseSpawnWorkerArgs(call.Arguments)
	if err != nil {
		envelope := types.ErrEnvelope(types.ErrorTypeValidation, err.Error(), nil)
		e.recordToolResult(ctx, run, call, envelope, true)
		return nil
	}

	// Worker activity can keep producing events after this point — and, for
	// summary workers, after the supervisor's own terminal message — so a
	// subscriber must not close its stream on a stale heuristic while one is
	// outstanding. keep_open cancels any such heuristic close in progress.
	e.emit(ctx, run.ID, types.EventStreamControl, types.StreamControlPayload{
		Action:         types.StreamControlKeepOpen,
		Reason:         "spawn_worker",
		TTLMs:          keepOpenTTLMs(timeout),
		PendingWorkers: 1,
	})

	result, err := e.dispatcher.SpawnWorker(ctx, run, call.ID, args.Task, runnerID, args.Command, args.CapabilitiesNeeded, timeout)
	if err != nil {
		envelope := types.ErrEnvelope(types.ErrorTypeExecution, err.Error(), nil)
		e.appendMessage(ctx, run.ThreadID, db.ThreadMessage{
			Role:       string(types.MessageRoleTool),
			Content:    envelopeJSON(envelope),
			ToolCallID: call.ID,
			Processed:  true,
		})
		return nil
	}

	marker := evidenceMarker(run.ID, result.JobID, runnerID)
	e.appendMessage(ctx, run.ThreadID, db.ThreadMessage{
		Role:       string(types.MessageRoleTool),
		Content:    fmt.Sprintf("%s\n\n%s", result.Summary, marker),
		ToolCallID: call.ID,
		Processed:  true,
	})
	return nil
}

// keepOpenTTLMs converts a spawn_worker timeout to a keep_open lease,
// capped at maxKeepOpenTTLMs so a misconfigured or unbounded timeout never
// grants an unbounded lease.
func keepOpenTTLMs(timeout time.Duration) int {
	ms := int(timeout / time.Millisecond)
	if ms <= 0 || ms > maxKeepOpenTTLMs {
		return maxKeepOpenTTLMs
	}
	return ms
}

func envelopeJSON(e types.Envelope) string {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"error_type":"execution_error","user_message":%q}`, err.Error())
	}
	return string(body)
}

// streamTokens emits a supervisor_token event per delta on the Response's
// channel, if the provider supplied one. Token events are durable (written
// through the event store like any other) but excluded from SSE replay by
// default — see the Stream Assembler.
func (e *Engine) streamTokens(ctx context.Context, runID uuid.UUID, deltas <-chan string) {
	if deltas == nil {
		return
	}
	for delta := range deltas {
		e.emit(ctx, runID, types.EventSupervisorToken, map[string]string{"delta": delta})
	}
}

func (e *Engine) assembleMessages(ctx context.Context, threadID uuid.UUID) ([]Message, error) {
	var rows []db.ThreadMessage
	if err := e.db.WithContext(ctx).Where("thread_id = ?", threadID).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, Message{
			Role:       r.Role,
			Content:    r.Content,
			ToolCallID: r.ToolCallID,
			ToolCalls:  unmarshalToolCalls(r.ToolCalls),
		})
	}
	return messages, nil
}

func (e *Engine) appendMessage(ctx context.Context, threadID uuid.UUID, msg db.ThreadMessage) {
	msg.ThreadID = threadID
	if err := e.db.WithContext(ctx).Create(&msg).Error; err != nil {
		e.logger.Error("supervisor: failed to append thread message", zap.Error(err), zap.String("role", msg.Role))
	}
}

func (e *Engine) advanceStep(ctx context.Context, runID uuid.UUID) error {
	return e.db.WithContext(ctx).Model(&db.Run{}).Where("id = ?", runID).
		Update("step_count", gorm.Expr("step_count + 1")).Error
}

func (e *Engine) loadRun(ctx context.Context, runID uuid.UUID) (db.Run, error) {
	var run db.Run
	if err := e.db.WithContext(ctx).First(&run, runID).Error; err != nil {
		return db.Run{}, fmt.Errorf("supervisor: load run: %w", err)
	}
	return run, nil
}

// fail marks run FAILED and emits supervisor_failed. Called for both
// step-ceiling overflow (reason set, error empty) and unhandled step errors
// (error set, reason empty).
func (e *Engine) fail(ctx context.Context, run db.Run, reason, errMsg string) {
	now := time.Now().UTC()
	if err := e.db.WithContext(ctx).Model(&db.Run{}).Where("id = ?", run.ID).Updates(map[string]any{
		"status": string(types.RunStatusFailed), "finished_at": now, "error": errMsg,
	}).Error; err != nil {
		e.logger.Error("supervisor: failed to mark run FAILED", zap.Error(err))
	}
	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	e.emit(ctx, run.ID, types.EventSupervisorFailed, payload)
	closeReason := reason
	if closeReason == "" {
		closeReason = "run_failed"
	}
	e.emit(ctx, run.ID, types.EventStreamControl, types.StreamControlPayload{
		Action: types.StreamControlClose,
		Reason: closeReason,
	})
	metrics.RunsTotal.WithLabelValues(string(types.RunStatusFailed)).Inc()
	metrics.RunsInFlight.WithLabelValues(string(types.RunStatusRunning)).Dec()
}

func (e *Engine) emit(ctx context.Context, runID uuid.UUID, eventType types.EventType, payload any) {
	if _, err := e.events.Append(ctx, runID, eventType, payload); err != nil {
		e.logger.Error("supervisor: failed to append event", zap.Error(err), zap.String("event_type", string(eventType)))
	}
}

func marshalToolCalls(calls []ToolCall) string {
	if len(calls) == 0 {
		return ""
	}
	body, err := json.Marshal(calls)
	if err != nil {
		return ""
	}
	return string(body)
}

func unmarshalToolCalls(raw string) []ToolCall {
	if raw == "" {
		return nil
	}
	var calls []ToolCall
	if err := json.Unmarshal([]byte(raw), &calls); err != nil {
		return nil
	}
	return calls
}
