package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jeanpaul/relay/internal/agent"
	"github.com/jeanpaul/relay/internal/schema"
	"github.com/jeanpaul/relay/internal/types"
)

type agentStatus struct {
	AgentID   string `json:"agent_id"`
	AgentType string `json:"agent_type,omitempty"`
	Status    string `json:"status"`
	StartedAt string `json:"started_at,omitempty"`
}

func statusOf(info agent.AsyncAgentInfo) agentStatus {
	return agentStatus{
		AgentID:   info.AgentID(),
		AgentType: info.State.AgentType,
		Status:    string(info.Status),
		StartedAt: info.StartTime.Format(time.RFC3339),
	}
}

// listAgentsTool lists the caller's background children.
type listAgentsTool struct {
	argSchema
	manager *agent.AgentManager
}

func newListAgentsTool(m *agent.AgentManager, v *schema.Validator) *listAgentsTool {
	return &listAgentsTool{argSchema: argSchema{validator: v, params: object(nil, map[string]any{})}, manager: m}
}

func (t *listAgentsTool) Description() string {
	return "List the background agents you started and their status (running, completed, failed, cancelled)."
}

func (t *listAgentsTool) Execute(_ context.Context, turn *types.Turn, _ string) (Result, error) {
	if t.manager == nil || turn == nil || turn.State == nil {
		return Result{Output: "[]"}, nil
	}
	children := t.manager.GetChildAgents(turn.State.AgentID)
	sort.Slice(children, func(i, j int) bool { return children[i].StartTime.Before(children[j].StartTime) })

	out := make([]agentStatus, 0, len(children))
	for _, c := range children {
		out = append(out, statusOf(c))
	}
	b, err := json.Marshal(out)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: string(b)}, nil
}

const (
	defaultWaitTimeout = 10 * time.Minute
	waitPollInterval   = 250 * time.Millisecond
)

// waitForAgentsTool blocks until the listed background agents stop running.
// Their reports arrive as messages on the caller's next step.
type waitForAgentsTool struct {
	argSchema
	manager  *agent.AgentManager
	interval time.Duration
}

func newWaitForAgentsTool(m *agent.AgentManager, v *schema.Validator) *waitForAgentsTool {
	return &waitForAgentsTool{
		argSchema: argSchema{validator: v, params: object([]string{"agent_ids"}, map[string]any{
			"agent_ids": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Ids returned by spawn_agents_async.",
			},
			"timeout_seconds": map[string]any{"type": "integer", "minimum": 1},
		})},
		manager:  m,
		interval: waitPollInterval,
	}
}

func (t *waitForAgentsTool) Description() string {
	return "Wait for background agents to finish. Returns each agent's final status; their reports are delivered to you as messages."
}

func (t *waitForAgentsTool) Execute(ctx context.Context, _ *types.Turn, rawArgs string) (Result, error) {
	var args struct {
		AgentIDs       []string `json:"agent_ids"`
		TimeoutSeconds int      `json:"timeout_seconds"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return Result{Error: "invalid arguments: " + err.Error()}, nil
	}
	if len(args.AgentIDs) == 0 {
		return Result{Output: "No agents to wait for."}, nil
	}
	if t.manager == nil {
		return Result{Error: "agent manager not initialized"}, nil
	}

	timeout := defaultWaitTimeout
	if args.TimeoutSeconds > 0 {
		timeout = time.Duration(args.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make([]agentStatus, len(args.AgentIDs))
	var wg sync.WaitGroup
	for i, id := range args.AgentIDs {
		i, id := i, id
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = t.waitForAgent(ctx, id)
		}()
	}
	wg.Wait()

	b, err := json.Marshal(results)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: string(b)}, nil
}

func (t *waitForAgentsTool) waitForAgent(ctx context.Context, id string) agentStatus {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		info, ok := t.manager.GetAgent(id)
		if !ok {
			return agentStatus{AgentID: id, Status: "not_found"}
		}
		if info.Status != agent.StatusRunning {
			return statusOf(info)
		}
		select {
		case <-ctx.Done():
			s := statusOf(info)
			s.Status = "timed_out"
			return s
		case <-ticker.C:
		}
	}
}
