package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jeanpaul/relay/internal/agent"
	"github.com/jeanpaul/relay/internal/schema"
	"github.com/jeanpaul/relay/internal/spawn"
	"github.com/jeanpaul/relay/internal/types"
)

// Registry dispatches tool calls to their handlers. It implements
// types.ToolRunner.
type Registry struct {
	spawnAgents      *spawnAgentsTool
	spawnAgentInline *spawnInlineTool
	spawnAgentsAsync *spawnAsyncTool
	sendAgentMessage *sendMessageTool
	setOutput        *setOutputTool
	listAgents       *listAgentsTool
	waitForAgents    *waitForAgentsTool

	logger *slog.Logger
}

func NewRegistry(pipeline *spawn.Pipeline, manager *agent.AgentManager, validator *schema.Validator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = schema.NewValidator()
	}
	return &Registry{
		spawnAgents:      newSpawnAgentsTool(pipeline, validator),
		spawnAgentInline: newSpawnInlineTool(pipeline, validator),
		spawnAgentsAsync: newSpawnAsyncTool(pipeline, validator),
		sendAgentMessage: newSendMessageTool(manager, validator),
		setOutput:        newSetOutputTool(validator),
		listAgents:       newListAgentsTool(manager, validator),
		waitForAgents:    newWaitForAgentsTool(manager, validator),
		logger:           logger,
	}
}

// Get resolves name to its handler.
func (r *Registry) Get(name Name) (Handler, bool) {
	switch name {
	case SpawnAgents:
		return r.spawnAgents, true
	case SpawnAgentInline:
		return r.spawnAgentInline, true
	case SpawnAgentsAsync:
		return r.spawnAgentsAsync, true
	case SendAgentMessage:
		return r.sendAgentMessage, true
	case SetOutput:
		return r.setOutput, true
	case ListAgents:
		return r.listAgents, true
	case WaitForAgents:
		return r.waitForAgents, true
	default:
		return nil, false
	}
}

// ToolDefs returns definitions for the named tools, skipping unknown names.
func (r *Registry) ToolDefs(names []string) []types.ToolDef {
	defs := make([]types.ToolDef, 0, len(names))
	for _, n := range names {
		h, ok := r.Get(Name(n))
		if !ok {
			r.logger.Warn("template lists unknown tool", "tool", n)
			continue
		}
		defs = append(defs, types.ToolDef{
			Name:        n,
			Description: h.Description(),
			Parameters:  h.Parameters(),
		})
	}
	return defs
}

// RunTool validates and executes one call. Problems the model can act on
// come back as tool output; a malformed agent turn is returned as an error.
func (r *Registry) RunTool(ctx context.Context, turn *types.Turn, call types.ToolCall) (types.ToolOutcome, error) {
	h, ok := r.Get(Name(call.Name))
	if !ok {
		return types.ToolOutcome{Output: fmt.Sprintf("unknown tool: %s", call.Name)}, nil
	}

	args := call.Args
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	if err := h.Validate(args); err != nil {
		return types.ToolOutcome{Output: "invalid arguments: " + err.Error()}, nil
	}

	res, err := h.Execute(ctx, turn, args)
	if err != nil {
		if errors.Is(err, spawn.ErrPreconditionMissing) {
			return types.ToolOutcome{}, err
		}
		r.logger.Debug("tool failed", "tool", call.Name, "err", err)
		return types.ToolOutcome{Output: "Error: " + err.Error()}, nil
	}
	if res.Error != "" {
		return types.ToolOutcome{Output: "Error: " + res.Error}, nil
	}
	return types.ToolOutcome{Output: res.Output, Silent: res.Silent}, nil
}
