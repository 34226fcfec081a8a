package tools

import (
	"context"

	"github.com/jeanpaul/relay/internal/schema"
	"github.com/jeanpaul/relay/internal/types"
)

// Name is the closed set of tools an agent can call.
type Name string

const (
	SpawnAgents      Name = "spawn_agents"
	SpawnAgentInline Name = "spawn_agent_inline"
	SpawnAgentsAsync Name = "spawn_agents_async"
	SendAgentMessage Name = "send_agent_message"
	SetOutput        Name = "set_output"
	ListAgents       Name = "list_agents"
	WaitForAgents    Name = "wait_for_agents"
)

// Names lists every tool in a stable order.
func Names() []Name {
	return []Name{SpawnAgents, SpawnAgentInline, SpawnAgentsAsync, SendAgentMessage, SetOutput, ListAgents, WaitForAgents}
}

// ParentSentinel is the send_agent_message target meaning the caller's parent.
const ParentSentinel = "PARENT_ID"

type Result struct {
	Output string
	Error  string
	// Silent results leave no tool-result message behind.
	Silent bool
}

// Handler is implemented once per Name.
type Handler interface {
	Description() string
	Parameters() any
	// Validate checks raw JSON arguments before Execute sees them.
	Validate(args string) error
	Execute(ctx context.Context, turn *types.Turn, args string) (Result, error)
}

// argSchema gives a handler its parameter schema and schema-based validation.
type argSchema struct {
	validator *schema.Validator
	params    map[string]any
}

func (a argSchema) Parameters() any { return a.params }

func (a argSchema) Validate(args string) error {
	return a.validator.Validate(a.params, args)
}

func object(required []string, props map[string]any) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}
