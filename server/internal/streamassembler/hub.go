// Package streamassembler serves a Run's event timeline to HTTP clients as
// Server-Sent Events: replay everything since the client's Last-Event-ID,
// then live-tail new events as the event store appends them, with no gap and
// no duplicate between the two phases.
//
// # Design: single-writer event loop
//
// Subscribe/unsubscribe is serialised through one goroutine via channels —
// the same pattern the runner transport's connection manager uses — so the
// subscriber map never needs a mutex except in Publish, which takes a
// read lock only long enough to copy the target list before sending outside
// the lock.
package streamassembler

import (
	"sync"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/server/internal/eventstore"
	"github.com/conductorhq/conductor/server/internal/metrics"
)

// subscriberBufferSize bounds how many events a slow SSE client can fall
// behind by before it is dropped. supervisor_token events are the only ones
// ever sacrificed to backpressure — see Hub.Publish.
const subscriberBufferSize = 64

// subscriber is one live SSE reader's mailbox for a single run.
type subscriber struct {
	runID uuid.UUID
	ch    chan eventstore.Event

	// closed is set once s.ch has been closed. It is only ever read or
	// written from within Hub.Run's single-writer loop, so it needs no
	// synchronization of its own.
	closed bool

	// registered is closed by Hub.Run once the subscriber is in the map, so
	// subscribe returns only after Publish can reach it.
	registered chan struct{}
}

// Hub is the central per-run fan-out broker. It implements
// eventstore.Publisher so the event store can push straight into it after
// every durable append.
type Hub struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]map[*subscriber]struct{}

	register   chan *subscriber
	unregister chan *subscriber
}

// NewHub creates an idle Hub. Call Run in a goroutine to start its event
// loop before serving any SSE requests.
func NewHub() *Hub {
	return &Hub{
		subs:       make(map[uuid.UUID]map[*subscriber]struct{}),
		register:   make(chan *subscriber, 16),
		unregister: make(chan *subscriber, 16),
	}
}

// Run starts the hub's event loop. Exits when ctx is cancelled.
func (h *Hub) Run(ctx interface{ Done() <-chan struct{} }) {
	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			if h.subs[s.runID] == nil {
				h.subs[s.runID] = make(map[*subscriber]struct{})
			}
			h.subs[s.runID][s] = struct{}{}
			h.mu.Unlock()
			close(s.registered)
			metrics.StreamSubscribers.Inc()

		case s := <-h.unregister:
			h.mu.Lock()
			if set, ok := h.subs[s.runID]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(h.subs, s.runID)
				}
			}
			alreadyClosed := s.closed
			s.closed = true
			h.mu.Unlock()
			// A subscriber can be unregistered twice: once by Publish when a
			// structural event can't fit the buffer, and again by the
			// deferred unsubscribe the SSE handler runs after it sees the
			// channel close. Only the first delivery may close the channel.
			if !alreadyClosed {
				close(s.ch)
				metrics.StreamSubscribers.Dec()
			}

		case <-ctx.Done():
			h.mu.Lock()
			for _, set := range h.subs {
				for s := range set {
					if !s.closed {
						s.closed = true
						close(s.ch)
					}
				}
			}
			h.subs = make(map[uuid.UUID]map[*subscriber]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish delivers event to every live subscriber of its run. A subscriber
// whose buffer is full only loses token events (streamed characters, which
// are inherently lossy-tolerant since the full text survives in the
// eventual supervisor_complete summary) — any other event type forces the
// subscriber to disconnect rather than silently miss a structural
// transition, since replay after reconnect depends on not having skipped
// anything but tokens.
func (h *Hub) Publish(runID uuid.UUID, event eventstore.Event) {
	h.mu.RLock()
	set := h.subs[runID]
	targets := make([]*subscriber, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- event:
		default:
			if event.Type == "supervisor_token" {
				continue
			}
			h.unregister <- s
		}
	}
}

// subscribe registers a new subscriber for runID and returns its event
// channel, closed when the subscriber is unregistered. It returns once
// Hub.Run has added the subscriber, so every later Publish reaches it.
func (h *Hub) subscribe(runID uuid.UUID) *subscriber {
	s := &subscriber{runID: runID, ch: make(chan eventstore.Event, subscriberBufferSize), registered: make(chan struct{})}
	h.register <- s
	<-s.registered
	return s
}

// unsubscribe removes s from the hub. Safe to call more than once — and it
// will be, whenever Publish has already unregistered s itself after a
// backpressured structural event — since Run's unregister handler guards
// the channel close with s.closed.
func (h *Hub) unsubscribe(s *subscriber) {
	h.unregister <- s
}
