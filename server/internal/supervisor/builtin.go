package supervisor

import (
	"context"
	"encoding/json"

	"github.com/conductorhq/conductor/shared/types"
)

// noteArgs is the payload for the "note" tool, which records a short
// observation in the Thread without performing any side effect — useful
// for a model that wants to think out loud between spawn_worker calls
// without consuming a runner.
type noteArgs struct {
	Text string `json:"text"`
}

// noteTool is a trivial built-in Tool: grounding for what a local,
// synchronous tool invocation looks like alongside the runner-backed
// spawn_worker tool.
type noteTool struct{}

// NewNoteTool returns the built-in "note" tool.
func NewNoteTool() Tool { return noteTool{} }

func (noteTool) Name() string { return "note" }

func (noteTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        "note",
		Description: "Record a short observation without taking any action.",
		Parameters:  []byte(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}
}

func (noteTool) Invoke(ctx context.Context, args json.RawMessage) (types.Envelope, error) {
	var a noteArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return types.ErrEnvelope(types.ErrorTypeValidation, "note requires a text field", nil), nil
	}
	if a.Text == "" {
		return types.ErrEnvelope(types.ErrorTypeValidation, "text must not be empty", nil), nil
	}
	return types.OkEnvelope(map[string]string{"recorded": a.Text}), nil
}
