package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductorhq/conductor/server/internal/db"
	"github.com/conductorhq/conductor/server/internal/metrics"
	"github.com/conductorhq/conductor/server/internal/repository"
	"github.com/conductorhq/conductor/server/internal/streamassembler"
	"github.com/conductorhq/conductor/server/internal/supervisor"
	"github.com/conductorhq/conductor/shared/types"
)

// RunsHandler groups the HTTP handlers that start, cancel, and stream Runs.
type RunsHandler struct {
	threads   repository.ThreadRepository
	runs      repository.RunRepository
	engine    *supervisor.Engine
	registry  *supervisor.Registry
	assembler *streamassembler.Assembler
	logger    *zap.Logger
}

// NewRunsHandler creates a new RunsHandler.
func NewRunsHandler(
	threads repository.ThreadRepository,
	runs repository.RunRepository,
	engine *supervisor.Engine,
	registry *supervisor.Registry,
	assembler *streamassembler.Assembler,
	logger *zap.Logger,
) *RunsHandler {
	return &RunsHandler{
		threads:   threads,
		runs:      runs,
		engine:    engine,
		registry:  registry,
		assembler: assembler,
		logger:    logger.Named("runs_handler"),
	}
}

// startRunRequest is the JSON body expected by POST /api/v1/run.
// ThreadID is optional — omitting it starts a new Thread.
type startRunRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	Message  string `json:"message"`
	TraceID  string `json:"trace_id,omitempty"`
}

type runResponse struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
}

// Start handles POST /api/v1/run. It appends the user's message to the
// target Thread (creating one if thread_id is omitted), creates a Run in
// RUNNING status, and hands it to the Supervisor Engine on a background
// goroutine — the HTTP response does not wait for the run to finish.
func (h *RunsHandler) Start(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	ownerID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	var req startRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Message == "" {
		ErrBadRequest(w, "message is required")
		return
	}

	var threadID uuid.UUID
	if req.ThreadID == "" {
		thread := &db.Thread{OwnerID: ownerID}
		if err := h.threads.Create(r.Context(), thread); err != nil {
			h.logger.Error("failed to create thread", zap.Error(err))
			ErrInternal(w)
			return
		}
		threadID = thread.ID
	} else {
		parsed, err := uuid.Parse(req.ThreadID)
		if err != nil {
			ErrBadRequest(w, "invalid thread_id")
			return
		}
		thread, err := h.threads.GetByID(r.Context(), parsed)
		if err != nil || thread.OwnerID != ownerID {
			ErrNotFound(w)
			return
		}
		threadID = thread.ID
	}

	if err := h.threads.AppendMessage(r.Context(), &db.ThreadMessage{
		ThreadID:  threadID,
		Role:      string(types.MessageRoleUser),
		Content:   req.Message,
		Processed: true,
	}); err != nil {
		h.logger.Error("failed to append user message", zap.Error(err))
		ErrInternal(w)
		return
	}

	now := time.Now().UTC()
	run := &db.Run{
		OwnerID:   ownerID,
		ThreadID:  threadID,
		TraceID:   req.TraceID,
		Status:    string(types.RunStatusRunning),
		StartedAt: &now,
	}
	if err := h.runs.Create(r.Context(), run); err != nil {
		h.logger.Error("failed to create run", zap.Error(err))
		ErrInternal(w)
		return
	}

	metrics.RunsInFlight.WithLabelValues(string(types.RunStatusRunning)).Inc()

	runID := run.ID
	go func() {
		// Detached from the request context: the run must keep going after
		// the HTTP handler returns. Cancellation is cooperative via Run.Status,
		// not via context cancellation.
		if err := h.engine.Execute(context.Background(), runID, h.registry); err != nil {
			h.logger.Error("supervisor execute failed", zap.String("run_id", runID.String()), zap.Error(err))
		}
	}()

	Created(w, runResponse{ID: run.ID.String(), ThreadID: threadID.String(), Status: run.Status})
}

// Cancel handles POST /api/v1/run/{id}/cancel. Cancellation is cooperative:
// it flips the Run to CANCELLED only if it is still RUNNING or WAITING, and
// the engine/dispatcher notice on their next status check. A Run that has
// already reached a terminal status is left untouched.
func (h *RunsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	ownerID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid run id")
		return
	}

	run, err := h.runs.GetByID(r.Context(), runID)
	if err != nil || run.OwnerID != ownerID {
		ErrNotFound(w)
		return
	}

	for _, from := range []string{string(types.RunStatusRunning), string(types.RunStatusWaiting)} {
		ok, err := h.runs.TransitionStatus(r.Context(), runID, from, string(types.RunStatusCancelled))
		if err != nil {
			h.logger.Error("failed to transition run to cancelled", zap.Error(err))
			ErrInternal(w)
			return
		}
		if ok {
			metrics.RunsTotal.WithLabelValues(string(types.RunStatusCancelled)).Inc()
			metrics.RunsInFlight.WithLabelValues(from).Dec()
			NoContent(w)
			return
		}
	}

	// Neither transition matched — the run was already terminal.
	ErrConflict(w, "run is already in a terminal status")
}

// Stream handles GET /api/v1/stream/runs/{id}?last_event_id=N. It blocks for
// the lifetime of the SSE connection, so the handler itself must not recover
// from ctx cancellation — chi/net-http handle client disconnect via
// r.Context() cancellation, which Assembler.StreamRun observes directly.
func (h *RunsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	ownerID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid run id")
		return
	}

	run, err := h.runs.GetByID(r.Context(), runID)
	if err != nil || run.OwnerID != ownerID {
		ErrNotFound(w)
		return
	}

	lastEventID := int64(0)
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		lastEventID, _ = strconv.ParseInt(v, 10, 64)
	} else if v := r.URL.Query().Get("last_event_id"); v != "" {
		lastEventID, _ = strconv.ParseInt(v, 10, 64)
	}

	includeTokens := r.URL.Query().Get("tokens") != "false"

	if err := h.assembler.StreamRun(r.Context(), w, runID, lastEventID, includeTokens); err != nil {
		h.logger.Warn("stream ended with error", zap.String("run_id", runID.String()), zap.Error(err))
	}
}

// Get handles GET /api/v1/run/{id}.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	ownerID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid run id")
		return
	}

	run, err := h.runs.GetByID(r.Context(), runID)
	if err != nil || run.OwnerID != ownerID {
		ErrNotFound(w)
		return
	}

	Ok(w, runResponse{ID: run.ID.String(), ThreadID: run.ThreadID.String(), Status: run.Status})
}

// List handles GET /api/v1/run.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	ownerID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	runs, total, err := h.runs.List(r.Context(), ownerID, repository.ListOptions{Limit: 50})
	if err != nil {
		h.logger.Error("failed to list runs", zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, runResponse{ID: run.ID.String(), ThreadID: run.ThreadID.String(), Status: run.Status})
	}
	Ok(w, map[string]any{"runs": resp, "total": total})
}
