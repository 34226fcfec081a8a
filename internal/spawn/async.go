package spawn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jeanpaul/relay/internal/agent"
	"github.com/jeanpaul/relay/internal/types"
)

// AsyncResult reports whether one detached child was accepted.
type AsyncResult struct {
	AgentType    string `json:"agentType"`
	Success      bool   `json:"success"`
	AgentID      string `json:"agentId,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// SpawnAsync launches detached children and returns the JSON list of
// acceptance results. With async spawning disabled it behaves exactly like
// SpawnAgents.
func (p *Pipeline) SpawnAsync(ctx context.Context, turn *types.Turn, reqs []Request) (string, error) {
	if !p.opts.AsyncEnabled || p.manager == nil {
		return p.SpawnAgents(ctx, turn, reqs)
	}
	results, err := p.LaunchAsync(turn, reqs)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// LaunchAsync validates every request up front, then registers each
// accepted child with the manager and starts it detached. Children outlive
// the caller's turn and run under the manager's context.
func (p *Pipeline) LaunchAsync(turn *types.Turn, reqs []Request) ([]AsyncResult, error) {
	if err := checkTurn(turn); err != nil {
		return nil, err
	}
	if p.manager == nil {
		return nil, missing("agent manager")
	}

	results := make([]AsyncResult, 0, len(reqs))
	for _, req := range reqs {
		c, err := p.prepare(turn, req, false)
		if err != nil {
			results = append(results, AsyncResult{AgentType: req.AgentType, ErrorMessage: err.Error()})
			continue
		}
		if err := p.detach(turn, c); err != nil {
			results = append(results, AsyncResult{AgentType: req.AgentType, ErrorMessage: err.Error()})
			continue
		}
		results = append(results, AsyncResult{AgentType: req.AgentType, Success: true, AgentID: c.state.AgentID})
	}
	return results, nil
}

func (p *Pipeline) detach(turn *types.Turn, c *child) error {
	s := turn.Session
	err := p.manager.RegisterAgent(agent.AsyncAgentInfo{
		State:       c.state,
		Template:    c.template,
		SessionID:   s.SessionID,
		UserID:      s.UserID,
		UserInputID: s.UserInputID,
		Transport:   s.Transport,
		FileContext: s.FileContext,
	})
	if err != nil {
		return err
	}

	parentID := turn.State.AgentID
	return p.manager.Launch(c.state.AgentID, func(ctx context.Context) error {
		state, err := p.run(ctx, turn, c, "", p.relay(ctx, turn.Session, c))
		if err != nil {
			return fmt.Errorf("async agent %s (%s): %w", c.state.AgentID, c.template.ID, err)
		}
		return p.reportToParent(c, state, parentID)
	})
}

// reportToParent queues a finished child's report for its parent. Children
// with structured output report only through their output, and cancelled
// children do not report.
func (p *Pipeline) reportToParent(c *child, state *types.AgentState, parentID string) error {
	switch c.template.OutputMode {
	case types.OutputLastMessage, types.OutputAllMessages:
	default:
		return nil
	}
	if parentID == "" {
		return nil
	}
	body, err := Report(c.template, state, c.seeded)
	if err != nil {
		return err
	}
	sent := p.manager.SendReport(types.AsyncAgentMessage{
		FromAgentID: state.AgentID,
		ToAgentID:   parentID,
		Prompt:      wrapReport(c.req.AgentType, body),
	})
	if !sent {
		p.logger.Debug("report not delivered", "agent_id", state.AgentID, "parent_id", parentID)
	}
	return nil
}

// Resume runs a detached agent again after messages arrived for it. It
// gets a fresh step budget and no prompt, and reports back to its parent
// the same way its first run did.
func (p *Pipeline) Resume(ctx context.Context, session *types.Session, info agent.AsyncAgentInfo) error {
	if session == nil {
		return missing("session")
	}
	if info.State == nil || info.State.MessageHistory == nil {
		return missing("agent state")
	}
	if info.Template == nil {
		return missing("agent template")
	}
	if p.manager == nil {
		return missing("agent manager")
	}

	state := info.State
	state.StepsRemaining = p.opts.DefaultSteps
	c := &child{
		req:      Request{AgentType: info.Template.ID},
		template: info.Template,
		state:    state,
		seeded:   isSeeded(state.MessageHistory.Messages()),
	}
	res, err := p.executor.Execute(ctx, types.StepRequest{
		Template: info.Template,
		State:    state,
		Session:  session,
		OnChunk:  p.relay(ctx, session, c),
	})
	if err != nil {
		return fmt.Errorf("resume agent %s (%s): %w", state.AgentID, info.Template.ID, err)
	}
	if res.State != nil {
		state = res.State
	}
	return p.reportToParent(c, state, state.ParentID)
}
