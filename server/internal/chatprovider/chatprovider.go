// Package chatprovider supplies the one concrete implementation of
// supervisor.Chat the server binary needs to construct an Engine. The LLM
// provider itself is out of scope for this module — the model boundary is
// consumed, never implemented, per the run configuration's deliberate
// choice to stay provider-agnostic — so Unconfigured is the only
// implementation here: it satisfies the interface but fails loudly,
// forcing an operator to wire a real provider (OpenAI, Anthropic, a local
// model server speaking the same Chat contract) before any Run can make
// progress past its first step.
package chatprovider

import (
	"context"
	"errors"

	"github.com/conductorhq/conductor/server/internal/supervisor"
)

// ErrNotConfigured is returned by every call until a real Chat
// implementation is wired in place of Unconfigured.
var ErrNotConfigured = errors.New("chatprovider: no LLM provider configured")

// Unconfigured is a supervisor.Chat that always fails. It lets the server
// start, accept connections, and register runners without a model backend
// present, which is useful for transport/dispatcher integration testing —
// any Run that actually starts will fail its first step with
// ErrNotConfigured.
type Unconfigured struct{}

// Chat implements supervisor.Chat.
func (Unconfigured) Chat(ctx context.Context, messages []supervisor.Message, tools []supervisor.ToolSpec) (supervisor.Response, error) {
	return supervisor.Response{}, ErrNotConfigured
}
