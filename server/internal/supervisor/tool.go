package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/server/internal/workerdispatcher"
	"github.com/conductorhq/conductor/shared/types"
)

// Tool is the flat interface every local tool and the spawn_worker dispatch
// satisfy. There is no base class or inheritance hierarchy — any type with
// this method can be registered.
type Tool interface {
	Name() string
	Spec() ToolSpec
	Invoke(ctx context.Context, args json.RawMessage) (types.Envelope, error)
}

// Registry is a name-keyed set of Tools bound to one Engine invocation.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a Registry from a list of Tools. Later entries with a
// duplicate name win — the caller is expected to pass distinct names.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

func (r *Registry) lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// specs returns the ToolSpec for every registered tool, in no particular
// order — callers that need stable ordering across steps should sort by name.
func (r *Registry) specs() []ToolSpec {
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.Spec())
	}
	return specs
}

// spawnWorkerArgs is the JSON shape the model must supply for a spawn_worker
// tool call.
type spawnWorkerArgs struct {
	Task                string   `json:"task"`
	RunnerID            string   `json:"runner_id"`
	Command             string   `json:"command"`
	CapabilitiesNeeded  []string `json:"capabilities_needed"`
	TimeoutSeconds      int      `json:"timeout_seconds"`
}

// errSpawnWorkerSuspend is returned by runnerTool.Invoke to signal the engine
// that this step must suspend rather than loop — a plain Envelope can't
// distinguish "local tool finished" from "the run is now WAITING".
var errSpawnWorkerSuspend = fmt.Errorf("supervisor: spawn_worker suspends the step loop")

// runnerTool wraps the Worker Dispatcher as a Tool and supplies the
// spawn_worker spec sent to the model. Its Invoke returns at once; the
// engine handles spawn_worker calls itself rather than through the generic
// local-tool path because the outcome also needs to drive the run's
// WAITING/RUNNING transition and the evidence-marker tool-result message,
// not just an Envelope.
type runnerTool struct {
	dispatcher *workerdispatcher.Dispatcher
}

func newRunnerTool(dispatcher *workerdispatcher.Dispatcher) *runnerTool {
	return &runnerTool{dispatcher: dispatcher}
}

func (t *runnerTool) Name() string { return "spawn_worker" }

func (t *runnerTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        "spawn_worker",
		Description: "Delegate a shell command to a connected runner and wait for its result.",
		Parameters: []byte(`{
			"type": "object",
			"properties": {
				"task": {"type": "string", "description": "short description of what this worker is doing"},
				"runner_id": {"type": "string"},
				"command": {"type": "string"},
				"capabilities_needed": {"type": "array", "items": {"type": "string"}},
				"timeout_seconds": {"type": "integer", "default": 60}
			},
			"required": ["task", "runner_id", "command"]
		}`),
	}
}

// Invoke is never called directly by the engine's step loop for
// spawn_worker — dispatchSpawnWorker in engine.go calls the dispatcher itself so it
// can transition the Run and append the evidence marker. This method exists
// only so runnerTool satisfies Tool for registry/spec purposes.
func (t *runnerTool) Invoke(ctx context.Context, args json.RawMessage) (types.Envelope, error) {
	return types.Envelope{}, errSpawnWorkerSuspend
}

// parseSpawnWorkerArgs decodes and validates a spawn_worker tool call's
// arguments.
func parseSpawnWorkerArgs(raw json.RawMessage) (spawnWorkerArgs, uuid.UUID, time.Duration, error) {
	var a spawnWorkerArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return a, uuid.Nil, 0, fmt.Errorf("supervisor: malformed spawn_worker arguments: %w", err)
	}
	runnerID, err := uuid.Parse(a.RunnerID)
	if err != nil {
		return a, uuid.Nil, 0, fmt.Errorf("supervisor: invalid runner_id: %w", err)
	}
	timeout := 60 * time.Second
	if a.TimeoutSeconds > 0 {
		timeout = time.Duration(a.TimeoutSeconds) * time.Second
	}
	return a, runnerID, timeout, nil
}
