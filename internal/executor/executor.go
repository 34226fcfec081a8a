// Package executor drives an agent through model steps: it calls the
// provider, streams text to the caller, and runs the tools the model asks for
// until the model stops calling tools or the step budget runs out.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jeanpaul/relay/internal/project"
	"github.com/jeanpaul/relay/internal/provider"
	"github.com/jeanpaul/relay/internal/registry"
	"github.com/jeanpaul/relay/internal/types"
)

const (
	pruneTemplateID = "context-pruner"
	inlineSpawnTool = "spawn_agent_inline"
)

var ErrNoToolRunner = errors.New("session has no tool runner")

type Options struct {
	// PrunerEnabled makes every step start with an inline context-pruner
	// spawn, for templates allowed to spawn it.
	PrunerEnabled    bool
	MaxContextTokens int
	// ProjectContext appends the project's instructions file, if any, to
	// every system prompt.
	ProjectContext bool
}

// Executor implements types.StepExecutor over a chat provider.
type Executor struct {
	provider provider.Provider
	mailbox  types.Mailbox
	opts     Options
	logger   *slog.Logger

	// projects caches the formatted instructions per project root.
	projects sync.Map
}

func New(p provider.Provider, mailbox types.Mailbox, opts Options, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{provider: p, mailbox: mailbox, opts: opts, logger: logger}
}

func (e *Executor) Execute(ctx context.Context, req types.StepRequest) (types.StepResult, error) {
	state := req.State
	if state == nil || state.MessageHistory == nil {
		return types.StepResult{}, errors.New("step request without agent state")
	}
	if req.Template == nil {
		return types.StepResult{}, errors.New("step request without template")
	}

	if req.Template.Handler != nil {
		if err := req.Template.Handler(ctx, state, req.Params); err != nil {
			return types.StepResult{}, fmt.Errorf("%s handler: %w", req.Template.ID, err)
		}
		return types.StepResult{State: state, HasEndTurn: true}, nil
	}

	if req.Prompt != "" || len(req.Params) > 0 {
		state.MessageHistory.Append(types.Message{
			Role:       types.RoleUser,
			Content:    formatPrompt(req.Prompt, req.Params),
			TimeToLive: req.PromptTTL,
		})
	}

	turn := &types.Turn{
		Session:  req.Session,
		Template: req.Template,
		State:    state,
		Messages: state.MessageHistory,
		OnChunk:  req.OnChunk,
	}
	log := e.logger.With("agent_id", state.AgentID, "agent_type", req.Template.ID)

	for state.StepsRemaining > 0 {
		if err := ctx.Err(); err != nil {
			return types.StepResult{}, err
		}
		e.drainMailbox(state)
		if err := e.prune(ctx, turn); err != nil {
			return types.StepResult{}, err
		}

		text, calls, err := e.step(ctx, turn)
		if err != nil {
			return types.StepResult{}, err
		}
		state.MessageHistory.Append(types.Message{Role: types.RoleAssistant, Content: text, ToolCalls: calls})
		state.StepsRemaining--

		if len(calls) == 0 {
			return types.StepResult{State: state, HasEndTurn: true}, nil
		}
		if err := e.runTools(ctx, turn, calls); err != nil {
			return types.StepResult{}, err
		}
	}

	log.Debug("step budget exhausted")
	return types.StepResult{State: state}, nil
}

// step makes one model call and streams its text to the turn.
func (e *Executor) step(ctx context.Context, turn *types.Turn) (string, []types.ToolCall, error) {
	var defs []provider.ToolDef
	if turn.Session != nil && turn.Session.Tools != nil {
		for _, d := range turn.Session.Tools.ToolDefs(turn.Template.ToolNames) {
			defs = append(defs, provider.ToolDef{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
		}
	}

	stream, err := e.provider.Chat(ctx, toProvider(e.systemPrompt(turn), turn.Messages.Messages()), defs)
	if err != nil {
		return "", nil, err
	}

	var text strings.Builder
	var calls []types.ToolCall
	for chunk := range stream {
		if chunk.Error != nil {
			return "", nil, chunk.Error
		}
		if chunk.Delta != "" {
			text.WriteString(chunk.Delta)
			turn.Emit(types.StreamEvent{Type: types.EventText, Text: chunk.Delta, AgentID: turn.State.AgentID})
		}
		if chunk.Usage != nil {
			turn.State.CreditsUsed += chunk.Usage.TotalTokens
		}
		if chunk.Done {
			for _, tc := range chunk.ToolCalls {
				if tc.ID == "" {
					tc.ID = "call_" + uuid.NewString()
				}
				calls = append(calls, types.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	return text.String(), calls, nil
}

func (e *Executor) runTools(ctx context.Context, turn *types.Turn, calls []types.ToolCall) error {
	if turn.Session == nil || turn.Session.Tools == nil {
		return ErrNoToolRunner
	}
	for _, tc := range calls {
		out, err := turn.Session.Tools.RunTool(ctx, turn, tc)
		if err != nil {
			return fmt.Errorf("tool %s: %w", tc.Name, err)
		}
		if out.Silent {
			continue
		}
		turn.Messages.Append(types.Message{
			Role:       types.RoleUser,
			Content:    toolResult(tc.Name, out.Output),
			ToolCallID: tc.ID,
		})
	}
	return nil
}

// drainMailbox turns queued inter-agent messages into user messages.
func (e *Executor) drainMailbox(state *types.AgentState) {
	if e.mailbox == nil {
		return
	}
	for _, m := range e.mailbox.GetAndClearMessages(state.AgentID) {
		state.MessageHistory.Append(types.Message{
			Role:    types.RoleUser,
			Content: formatPrompt(m.Prompt, m.Params),
		})
	}
}

// prune runs the context pruner inline on the turn's history.
func (e *Executor) prune(ctx context.Context, turn *types.Turn) error {
	if !e.opts.PrunerEnabled || turn.Session == nil || turn.Session.Tools == nil {
		return nil
	}
	if _, ok := registry.MatchSpawn(turn.Template.SpawnableAgents, pruneTemplateID); !ok {
		return nil
	}

	args := map[string]any{"agent_type": pruneTemplateID}
	if e.opts.MaxContextTokens > 0 {
		args["params"] = map[string]any{"maxContextLength": e.opts.MaxContextTokens}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	call := types.ToolCall{ID: "call_" + uuid.NewString(), Name: inlineSpawnTool, Args: string(raw)}
	turn.Messages.Append(types.Message{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{call}})

	out, err := turn.Session.Tools.RunTool(ctx, turn, call)
	if err != nil {
		return fmt.Errorf("context pruner: %w", err)
	}
	if !out.Silent {
		// The pruner did not run, so nothing removed the spawn call.
		e.logger.Warn("context pruner failed", "agent_id", turn.State.AgentID, "output", out.Output)
		dropCall(turn.Messages, call.ID)
	}
	return nil
}

func dropCall(h *types.History, callID string) {
	msgs := h.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if len(msgs[i].ToolCalls) == 1 && msgs[i].ToolCalls[0].ID == callID {
			h.Replace(append(msgs[:i:i], msgs[i+1:]...))
			return
		}
	}
}

func formatPrompt(prompt string, params map[string]any) string {
	if len(params) == 0 {
		return prompt
	}
	b, err := json.Marshal(params)
	if err != nil {
		return prompt
	}
	if prompt == "" {
		return "<params>" + string(b) + "</params>"
	}
	return prompt + "\n\n<params>" + string(b) + "</params>"
}

func toolResult(name, output string) string {
	return "<tool_result><tool>" + name + "</tool><result>" + output + "</result></tool_result>"
}

func (e *Executor) systemPrompt(turn *types.Turn) string {
	base := turn.Template.SystemPrompt
	if !e.opts.ProjectContext || turn.Session == nil || turn.Session.FileContext == nil {
		return base
	}
	root := turn.Session.FileContext.ProjectRoot
	if root == "" {
		return base
	}
	v, ok := e.projects.Load(root)
	if !ok {
		extra := ""
		pc, err := project.Load(root)
		switch {
		case err == nil:
			extra = pc.Prompt()
		case !errors.Is(err, project.ErrNotFound):
			e.logger.Warn("reading project instructions", "root", root, "err", err)
		}
		v, _ = e.projects.LoadOrStore(root, extra)
	}
	extra := v.(string)
	if extra == "" {
		return base
	}
	if base == "" {
		return extra
	}
	return base + "\n\n" + extra
}
