package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jeanpaul/relay/internal/agent"
	"github.com/jeanpaul/relay/internal/schema"
	"github.com/jeanpaul/relay/internal/spawn"
	"github.com/jeanpaul/relay/internal/types"
)

type sendMessageArgs struct {
	TargetAgentID string         `json:"target_agent_id"`
	Prompt        string         `json:"prompt"`
	Params        map[string]any `json:"params,omitempty"`
}

// sendMessageTool queues a message for another running agent.
type sendMessageTool struct {
	argSchema
	manager *agent.AgentManager
}

func newSendMessageTool(m *agent.AgentManager, v *schema.Validator) *sendMessageTool {
	return &sendMessageTool{
		argSchema: argSchema{validator: v, params: object([]string{"target_agent_id", "prompt"}, map[string]any{
			"target_agent_id": str(`Id of the receiving agent, or "PARENT_ID" for the agent that spawned you.`),
			"prompt":          str("The message."),
			"params":          map[string]any{"type": "object"},
		})},
		manager: m,
	}
}

func (t *sendMessageTool) Description() string {
	return "Send a message to another agent. An idle recipient is woken up to handle it."
}

func (t *sendMessageTool) Execute(_ context.Context, turn *types.Turn, rawArgs string) (Result, error) {
	var args sendMessageArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return Result{Error: "invalid arguments: " + err.Error()}, nil
	}
	if turn == nil || turn.State == nil {
		return Result{}, spawn.NewError(spawn.ErrPreconditionMissing, "missing agent state in agent turn")
	}
	if t.manager == nil {
		return Result{}, spawn.NewError(spawn.ErrPreconditionMissing, "missing agent manager")
	}

	target := args.TargetAgentID
	if target == ParentSentinel {
		target = turn.State.ParentID
	}
	if _, ok := t.manager.GetAgent(target); target == "" || !ok {
		return Result{}, spawn.NewError(spawn.ErrTargetUnavailable, "Target agent %s not found", args.TargetAgentID)
	}

	t.manager.SendMessage(types.AsyncAgentMessage{
		FromAgentID: turn.State.AgentID,
		ToAgentID:   target,
		Prompt:      args.Prompt,
		Params:      args.Params,
	})
	return Result{Output: fmt.Sprintf("Message sent to agent %s", target)}, nil
}
