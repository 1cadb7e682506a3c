package streamassembler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductorhq/conductor/server/internal/eventstore"
	"github.com/conductorhq/conductor/shared/types"
)

// legacyTerminalTypes are the event types that end a run's stream when the
// run has no stream_control events at all — a fallback for runs recorded
// before the close-barrier mechanism existed, or for any producer that
// never emits stream_control. Any run that does emit stream_control events
// must be terminated at its close barrier instead; see hasControlEvent.
var legacyTerminalTypes = map[types.EventType]struct{}{
	types.EventSupervisorComplete: {},
	types.EventSupervisorFailed:   {},
}

// closeBarrierPollInterval paces the drain performed once a close barrier's
// id is known but a lower-id event has not yet been observed — out-of-order
// emission between concurrent goroutines can deliver the close event before
// every event below its id has committed.
const closeBarrierPollInterval = 20 * time.Millisecond

// Assembler serves a Run's timeline over SSE, replaying durable history and
// then live-tailing new events from the Hub without a gap or a duplicate.
type Assembler struct {
	store  *eventstore.Store
	hub    *Hub
	logger *zap.Logger
}

// New returns an Assembler. store backs replay; hub backs live-tail — the
// same Hub instance must be passed to eventstore.New as the Publisher so the
// two stay in sync.
func New(store *eventstore.Store, hub *Hub, logger *zap.Logger) *Assembler {
	return &Assembler{store: store, hub: hub, logger: logger}
}

// StreamRun writes runID's timeline to w as Server-Sent Events and blocks
// until the run reaches its close barrier, the client disconnects, or ctx is
// cancelled.
//
// lastEventID is the replay cursor: typically parsed from the incoming
// Last-Event-ID header (reconnect) or 0 for a fresh subscription.
// includeTokens controls whether supervisor_token events are replayed and
// live-tailed — UI clients that only need the structural timeline pass
// false to cut bandwidth.
//
// Termination follows the close barrier: a stream ends once a
// stream_control{action:"close"} event has been observed and every event at
// or below its id has been delivered. A run that never emits any
// stream_control event falls back to the legacy heuristic of closing
// immediately on supervisor_complete/supervisor_failed.
func (a *Assembler) StreamRun(ctx context.Context, w http.ResponseWriter, runID uuid.UUID, lastEventID int64, includeTokens bool) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streamassembler: response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Subscribe before replaying so no event published between the replay
	// query and the subscription registration is lost — the subscriber's
	// buffer absorbs it, and writeEvent's dedupe-by-id below drops the
	// replay of anything already delivered live.
	sub := a.hub.subscribe(runID)
	defer a.hub.unsubscribe(sub)

	replay, err := a.store.GetAfter(ctx, runID, lastEventID, includeTokens)
	if err != nil {
		return fmt.Errorf("streamassembler: replay query failed: %w", err)
	}

	// The replay query already returns every durable event in order, so if
	// this run has ever emitted a stream_control event it is already in
	// this batch — scan ahead rather than guessing from a single event in
	// isolation, which would misfire the legacy heuristic on a run that
	// reaches the close barrier a moment after its terminal event.
	hasControlEvent := false
	for _, event := range replay {
		if event.Type == types.EventStreamControl {
			hasControlEvent = true
			break
		}
	}

	lastWritten := lastEventID
	for _, event := range replay {
		if err := writeEvent(w, event); err != nil {
			return err
		}
		lastWritten = event.ID

		if isCloseEvent(event) {
			flusher.Flush()
			return nil
		}
		if !hasControlEvent {
			if _, terminal := legacyTerminalTypes[event.Type]; terminal {
				flusher.Flush()
				return nil
			}
		}
	}
	flusher.Flush()

	for {
		select {
		case event, ok := <-sub.ch:
			if !ok {
				// Hub shut down (server graceful shutdown) — end the stream.
				return nil
			}
			if event.ID <= lastWritten {
				// Already delivered during replay — the subscription races
				// the replay query by design; drop the duplicate rather
				// than resending it.
				continue
			}
			if !includeTokens && event.Type == types.EventSupervisorToken {
				continue
			}

			if isCloseEvent(event) {
				// Do not write this event directly: a lower-id event's own
				// Publish can reach this subscriber after the close event's
				// does, since concurrent emitters race independently of
				// commit order. Drain the authoritative log from the last
				// id written through the barrier so every event below it is
				// delivered first, in order, exactly as the durable log has
				// them — this also writes the close event itself.
				drained, err := a.awaitCloseBarrier(ctx, w, flusher, runID, lastWritten, event.ID, includeTokens)
				if err != nil {
					return err
				}
				lastWritten = drained
				return nil
			}

			if event.Type == types.EventStreamControl {
				hasControlEvent = true
			}
			if err := writeEvent(w, event); err != nil {
				return err
			}
			lastWritten = event.ID
			flusher.Flush()

			if !hasControlEvent {
				if _, terminal := legacyTerminalTypes[event.Type]; terminal {
					return nil
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// awaitCloseBarrier fetches and writes every event after lastWritten and at
// or below barrierID — including the close barrier's own event — polling
// the durable store until the barrier id has been delivered. This is the
// authority of last resort: the live feed that told the caller a close
// barrier exists does not guarantee every lower-id event has reached it
// yet, but the store does, once it commits.
func (a *Assembler) awaitCloseBarrier(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, runID uuid.UUID, lastWritten, barrierID int64, includeTokens bool) (int64, error) {
	for lastWritten < barrierID {
		events, err := a.store.GetAfter(ctx, runID, lastWritten, includeTokens)
		if err != nil {
			return lastWritten, fmt.Errorf("streamassembler: close-barrier drain failed: %w", err)
		}
		wrote := false
		for _, event := range events {
			if event.ID <= lastWritten || event.ID > barrierID {
				continue
			}
			if err := writeEvent(w, event); err != nil {
				return lastWritten, err
			}
			lastWritten = event.ID
			wrote = true
		}
		if wrote {
			flusher.Flush()
			continue
		}
		select {
		case <-time.After(closeBarrierPollInterval):
		case <-ctx.Done():
			return lastWritten, ctx.Err()
		}
	}
	return lastWritten, nil
}

// streamControlPayload is the subset of stream_control's payload needed to
// recognize a close barrier.
type streamControlPayload struct {
	Action string `json:"action"`
}

func isCloseEvent(event eventstore.Event) bool {
	if event.Type != types.EventStreamControl {
		return false
	}
	var payload streamControlPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return false
	}
	return payload.Action == string(types.StreamControlClose)
}

// writeEvent formats one event as a single SSE frame:
//
//	id: 42
//	event: supervisor_token
//	data: {"...":"..."}
func writeEvent(w http.ResponseWriter, event eventstore.Event) error {
	if _, err := fmt.Fprintf(w, "id: %s\n", strconv.FormatInt(event.ID, 10)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	data, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("streamassembler: marshal event payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
