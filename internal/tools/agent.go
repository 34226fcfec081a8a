package tools

import (
	"context"
	"encoding/json"

	"github.com/jeanpaul/relay/internal/schema"
	"github.com/jeanpaul/relay/internal/spawn"
	"github.com/jeanpaul/relay/internal/types"
)

func childSchema() map[string]any {
	return object([]string{"agent_type"}, map[string]any{
		"agent_type": str("Agent type to spawn, as [publisher/]name[@version]. Must be one of the agents you are allowed to spawn."),
		"prompt":     str("Instructions for the agent."),
		"params": map[string]any{
			"type":        "object",
			"description": "Parameters matching the agent's params schema.",
		},
	})
}

func agentListSchema() map[string]any {
	return object([]string{"agents"}, map[string]any{
		"agents": map[string]any{
			"type":     "array",
			"items":    childSchema(),
			"minItems": 1,
		},
	})
}

type spawnListArgs struct {
	Agents []spawn.Request `json:"agents"`
}

// spawnAgentsTool runs children in parallel and returns their reports.
type spawnAgentsTool struct {
	argSchema
	pipeline *spawn.Pipeline
}

func newSpawnAgentsTool(p *spawn.Pipeline, v *schema.Validator) *spawnAgentsTool {
	return &spawnAgentsTool{argSchema: argSchema{validator: v, params: agentListSchema()}, pipeline: p}
}

func (t *spawnAgentsTool) Description() string {
	return "Spawn one or more agents and wait for all of them. Each agent's report is returned in the order requested. Agents run in parallel."
}

func (t *spawnAgentsTool) Execute(ctx context.Context, turn *types.Turn, rawArgs string) (Result, error) {
	var args spawnListArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return Result{Error: "invalid arguments: " + err.Error()}, nil
	}
	out, err := t.pipeline.SpawnAgents(ctx, turn, args.Agents)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: out}, nil
}

// spawnInlineTool runs one child on the caller's own conversation.
type spawnInlineTool struct {
	argSchema
	pipeline *spawn.Pipeline
}

func newSpawnInlineTool(p *spawn.Pipeline, v *schema.Validator) *spawnInlineTool {
	return &spawnInlineTool{argSchema: argSchema{validator: v, params: childSchema()}, pipeline: p}
}

func (t *spawnInlineTool) Description() string {
	return "Spawn an agent that continues in this conversation. It sees and writes the same messages, and you resume once it finishes. Nothing is returned."
}

func (t *spawnInlineTool) Execute(ctx context.Context, turn *types.Turn, rawArgs string) (Result, error) {
	var req spawn.Request
	if err := json.Unmarshal([]byte(rawArgs), &req); err != nil {
		return Result{Error: "invalid arguments: " + err.Error()}, nil
	}
	if err := t.pipeline.SpawnInline(ctx, turn, req); err != nil {
		return Result{}, err
	}
	return Result{Silent: true}, nil
}

// spawnAsyncTool launches children in the background.
type spawnAsyncTool struct {
	argSchema
	pipeline *spawn.Pipeline
}

func newSpawnAsyncTool(p *spawn.Pipeline, v *schema.Validator) *spawnAsyncTool {
	return &spawnAsyncTool{argSchema: argSchema{validator: v, params: agentListSchema()}, pipeline: p}
}

func (t *spawnAsyncTool) Description() string {
	return "Start agents in the background and continue immediately. Returns whether each agent was started and its id. Agents that finish with a message report back to you through send_agent_message."
}

func (t *spawnAsyncTool) Execute(ctx context.Context, turn *types.Turn, rawArgs string) (Result, error) {
	var args spawnListArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return Result{Error: "invalid arguments: " + err.Error()}, nil
	}
	out, err := t.pipeline.SpawnAsync(ctx, turn, args.Agents)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: out}, nil
}
