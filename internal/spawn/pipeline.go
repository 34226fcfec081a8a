// Package spawn runs child agents on behalf of a running agent turn.
//
// Every strategy shares one pipeline: check the caller's turn, resolve and
// authorize the child template, validate its inputs, build its state, run it
// through the step executor and render its report. Sync children run in
// parallel and isolate failures, the inline child shares the caller's
// history, and async children are detached under the agent manager.
package spawn

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/jeanpaul/relay/internal/agent"
	"github.com/jeanpaul/relay/internal/registry"
	"github.com/jeanpaul/relay/internal/schema"
	"github.com/jeanpaul/relay/internal/types"
)

const historyPreamble = "For context, the following is the conversation history between the user and an assistant:\n\n"

// Request is one requested child as it appears in tool arguments.
type Request struct {
	AgentType string         `json:"agent_type"`
	Prompt    string         `json:"prompt,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

type Options struct {
	// DefaultSteps is the step budget of every new child.
	DefaultSteps int
	AsyncEnabled bool
	// MaxParallel caps concurrently running sync children; 0 means no cap.
	MaxParallel int
}

// Pipeline is shared by the sync, inline and async strategies.
type Pipeline struct {
	registry  *registry.Registry
	validator *schema.Validator
	executor  types.StepExecutor
	manager   *agent.AgentManager
	opts      Options
	logger    *slog.Logger
}

func NewPipeline(
	reg *registry.Registry,
	validator *schema.Validator,
	executor types.StepExecutor,
	manager *agent.AgentManager,
	opts Options,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = schema.NewValidator()
	}
	return &Pipeline{
		registry:  reg,
		validator: validator,
		executor:  executor,
		manager:   manager,
		opts:      opts,
		logger:    logger,
	}
}

// child is a validated child ready to run.
type child struct {
	req      Request
	template *types.AgentTemplate
	state    *types.AgentState
	// seeded is set when the first history message is the caller's history.
	seeded bool
}

func checkTurn(turn *types.Turn) error {
	switch {
	case turn == nil || turn.Session == nil:
		return missing("session")
	case turn.Session.Transport == nil:
		return missing("transport")
	case turn.Session.SessionID == "":
		return missing("session id")
	case turn.Template == nil:
		return missing("agent template")
	case turn.Session.LocalTemplates == nil:
		return missing("local agent templates")
	case turn.Messages == nil:
		return missing("messages")
	case turn.State == nil:
		return missing("agent state")
	}
	return nil
}

// prepare resolves, authorizes and validates req and allocates the child's
// state. Inline children get no history seed; the caller attaches its own.
func (p *Pipeline) prepare(turn *types.Turn, req Request, inline bool) (*child, error) {
	tmpl, ok := p.registry.Resolve(req.AgentType, turn.Session.LocalTemplates)
	if !ok {
		return nil, NewError(ErrNotFound, "Agent type %s not found.", req.AgentType)
	}
	if _, ok := registry.MatchSpawn(turn.Template.SpawnableAgents, req.AgentType); !ok {
		return nil, NewError(ErrPermissionDenied, "%s is not allowed to spawn child agent type %s.", turn.Template.ID, req.AgentType)
	}

	if s := tmpl.InputSchema.Prompt; s != nil {
		if err := p.validator.ValidateValue(s, req.Prompt); err != nil {
			return nil, NewError(ErrSchemaViolation, "Invalid prompt for agent %s: %v", req.AgentType, err)
		}
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	if s := tmpl.InputSchema.Params; s != nil {
		if err := p.validator.ValidateValue(s, req.Params); err != nil {
			return nil, NewError(ErrSchemaViolation, "Invalid params for agent %s: %v", req.AgentType, err)
		}
	}

	c := &child{req: req, template: tmpl}
	history := types.NewHistory()
	if tmpl.IncludeMessageHistory && !inline {
		seed, err := historySeed(turn.Messages.Messages())
		if err != nil {
			return nil, err
		}
		history.Append(seed)
		c.seeded = true
	}

	c.state = &types.AgentState{
		AgentID:        uuid.NewString(),
		RunID:          uuid.NewString(),
		AgentType:      tmpl.ID,
		ParentID:       turn.State.AgentID,
		AncestorRunIDs: append(append([]string(nil), turn.State.AncestorRunIDs...), turn.State.RunID),
		MessageHistory: history,
		AgentContext:   types.AgentContext{},
		StepsRemaining: p.opts.DefaultSteps,
	}
	return c, nil
}

// isSeeded reports whether msgs starts with a history seed.
func isSeeded(msgs []types.Message) bool {
	return len(msgs) > 0 && msgs[0].KeepDuringTruncation && strings.HasPrefix(msgs[0].Content, historyPreamble)
}

func historySeed(msgs []types.Message) (types.Message, error) {
	kept := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != types.RoleSystem {
			kept = append(kept, m)
		}
	}
	b, err := json.MarshalIndent(kept, "", "  ")
	if err != nil {
		return types.Message{}, err
	}
	return types.Message{
		Role:                 types.RoleUser,
		Content:              historyPreamble + string(b),
		KeepDuringTruncation: true,
	}, nil
}

// run executes c and records it as a child run of the caller on success.
func (p *Pipeline) run(ctx context.Context, turn *types.Turn, c *child, promptTTL string, onChunk types.ChunkFunc) (*types.AgentState, error) {
	marker := types.StreamEvent{
		AgentID:       c.state.AgentID,
		AgentType:     c.template.ID,
		DisplayName:   c.template.Name(),
		ParentAgentID: turn.State.AgentID,
		Prompt:        c.req.Prompt,
	}
	marker.Type = types.EventSubagentStart
	turn.Emit(marker)

	res, err := p.executor.Execute(ctx, types.StepRequest{
		Template:  c.template,
		State:     c.state,
		Prompt:    c.req.Prompt,
		Params:    c.req.Params,
		PromptTTL: promptTTL,
		Session:   turn.Session,
		OnChunk:   onChunk,
	})

	marker.Type = types.EventSubagentFinish
	turn.Emit(marker)

	if err != nil {
		return nil, err
	}
	state := res.State
	if state == nil {
		state = c.state
	}
	turn.State.AddChildRun(state.RunID)
	return state, nil
}

// relay forwards a child's streamed text to the human's transport.
func (p *Pipeline) relay(ctx context.Context, session *types.Session, c *child) types.ChunkFunc {
	return func(ev types.StreamEvent) {
		if ev.Type != types.EventText || ev.Text == "" {
			return
		}
		err := session.Transport.SendSubagentChunk(ctx, types.SubagentChunk{
			UserInputID: session.UserInputID,
			AgentID:     c.state.AgentID,
			AgentType:   c.template.ID,
			Chunk:       ev.Text,
			Prompt:      c.req.Prompt,
		})
		if err != nil {
			p.logger.Debug("dropping subagent chunk", "agent_id", c.state.AgentID, "err", err)
		}
	}
}

func joinReports(reports []string) string {
	return strings.Join(reports, "\n")
}
