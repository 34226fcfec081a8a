package tools

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeanpaul/relay/internal/agent"
	"github.com/jeanpaul/relay/internal/logging"
	"github.com/jeanpaul/relay/internal/registry"
	"github.com/jeanpaul/relay/internal/spawn"
	"github.com/jeanpaul/relay/internal/types"
)

// MockExecutor answers every run with a single assistant message.
type MockExecutor struct {
	mu      sync.Mutex
	Calls   int
	Release chan struct{}
}

func (m *MockExecutor) Execute(ctx context.Context, req types.StepRequest) (types.StepResult, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()
	if m.Release != nil {
		<-m.Release
	}
	req.State.MessageHistory.Append(
		types.Message{Role: types.RoleUser, Content: req.Prompt, TimeToLive: req.PromptTTL},
		types.Message{Role: types.RoleAssistant, Content: "ok from " + req.Template.ID},
	)
	return types.StepResult{State: req.State, HasEndTurn: true}, nil
}

type nopTransport struct{}

func (nopTransport) SendSubagentChunk(context.Context, types.SubagentChunk) error { return nil }

type harness struct {
	tools   *Registry
	manager *agent.AgentManager
	exec    *MockExecutor
	turn    *types.Turn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logging.Discard()
	reg := registry.New(log)
	require.NoError(t, reg.Register(&types.AgentTemplate{ID: "thinker", OutputMode: types.OutputLastMessage}))
	require.NoError(t, reg.Register(&types.AgentTemplate{ID: "reviewer", OutputMode: types.OutputLastMessage}))

	h := &harness{exec: &MockExecutor{}, manager: agent.NewAgentManager(log)}
	t.Cleanup(func() { _ = h.manager.Shutdown(context.Background()) })

	pipeline := spawn.NewPipeline(reg, nil, h.exec, h.manager, spawn.Options{DefaultSteps: 5, AsyncEnabled: true}, log)
	h.tools = NewRegistry(pipeline, h.manager, nil, log)
	h.turn = &types.Turn{
		Session: &types.Session{
			SessionID:      "s",
			Transport:      nopTransport{},
			LocalTemplates: map[string]*types.AgentTemplate{},
			Tools:          h.tools,
		},
		Template: &types.AgentTemplate{
			ID:              "base",
			SpawnableAgents: []string{"thinker"},
			OutputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"verdict": map[string]any{"type": "string", "enum": []string{"pass", "fail"}}},
				"required":   []string{"verdict"},
			},
		},
		State:    &types.AgentState{AgentID: "caller", RunID: "run-caller", ParentID: agent.MainAgentID},
		Messages: types.NewHistory(types.Message{Role: types.RoleUser, Content: "hi"}),
	}
	return h
}

func (h *harness) run(t *testing.T, name Name, args string) types.ToolOutcome {
	t.Helper()
	out, err := h.tools.RunTool(context.Background(), h.turn, types.ToolCall{ID: "call", Name: string(name), Args: args})
	require.NoError(t, err)
	return out
}

func TestGetIsExhaustive(t *testing.T) {
	h := newHarness(t)
	for _, n := range Names() {
		handler, ok := h.tools.Get(n)
		require.True(t, ok, n)
		assert.NotEmpty(t, handler.Description())
		assert.NotNil(t, handler.Parameters())
	}
	_, ok := h.tools.Get("run_terminal_command")
	assert.False(t, ok)
}

func TestToolDefs(t *testing.T) {
	h := newHarness(t)
	defs := h.tools.ToolDefs([]string{"spawn_agents", "bogus", "set_output"})
	require.Len(t, defs, 2)
	assert.Equal(t, "spawn_agents", defs[0].Name)
	assert.Equal(t, "set_output", defs[1].Name)
}

func TestRunToolArgumentErrors(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "unknown tool: bogus", h.run(t, "bogus", "{}").Output)

	out := h.run(t, SpawnAgents, `{"agents": "thinker"}`)
	assert.Contains(t, out.Output, "invalid arguments: schema validation failed")

	out = h.run(t, SpawnAgentInline, "")
	assert.Contains(t, out.Output, "invalid arguments")
	assert.Zero(t, h.exec.Calls)
}

func TestSpawnAgentsTool(t *testing.T) {
	h := newHarness(t)
	out := h.run(t, SpawnAgents, `{"agents":[{"agent_type":"thinker","prompt":"a"},{"agent_type":"reviewer"}]}`)
	assert.False(t, out.Silent)
	assert.Contains(t, out.Output, "<response>ok from thinker</response>")
	assert.Contains(t, out.Output, "base is not allowed to spawn child agent type reviewer.")
	assert.Equal(t, 1, h.exec.Calls)
}

func TestSpawnInlineTool(t *testing.T) {
	h := newHarness(t)
	out := h.run(t, SpawnAgentInline, `{"agent_type":"thinker","prompt":"scratch"}`)
	assert.True(t, out.Silent)

	msgs := h.turn.Messages.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "ok from thinker", msgs[1].Content)

	out = h.run(t, SpawnAgentInline, `{"agent_type":"reviewer"}`)
	assert.False(t, out.Silent)
	assert.Equal(t, "Error: base is not allowed to spawn child agent type reviewer.", out.Output)
}

func TestPreconditionErrorsAreReturned(t *testing.T) {
	h := newHarness(t)
	h.turn.Session.Transport = nil
	_, err := h.tools.RunTool(context.Background(), h.turn, types.ToolCall{Name: string(SpawnAgents), Args: `{"agents":[{"agent_type":"thinker"}]}`})
	assert.ErrorIs(t, err, spawn.ErrPreconditionMissing)
}

func TestSendAgentMessage(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.manager.Claim(agent.AsyncAgentInfo{State: &types.AgentState{AgentID: agent.MainAgentID}}))

	out := h.run(t, SendAgentMessage, `{"target_agent_id":"PARENT_ID","prompt":"found it","params":{"n":1}}`)
	assert.Equal(t, "Message sent to agent main-agent", out.Output)

	msgs := h.manager.GetMessages(agent.MainAgentID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "caller", msgs[0].FromAgentID)
	assert.Equal(t, "found it", msgs[0].Prompt)
	assert.Equal(t, float64(1), msgs[0].Params["n"])

	out = h.run(t, SendAgentMessage, `{"target_agent_id":"ghost","prompt":"x"}`)
	assert.Equal(t, "Error: Target agent ghost not found", out.Output)

	h.turn.State.ParentID = ""
	out = h.run(t, SendAgentMessage, `{"target_agent_id":"PARENT_ID","prompt":"x"}`)
	assert.Equal(t, "Error: Target agent PARENT_ID not found", out.Output)
}

func TestSendAgentMessageTargetUnavailableKind(t *testing.T) {
	h := newHarness(t)
	handler, _ := h.tools.Get(SendAgentMessage)
	_, err := handler.Execute(context.Background(), h.turn, `{"target_agent_id":"ghost","prompt":"x"}`)
	assert.ErrorIs(t, err, spawn.ErrTargetUnavailable)
}

func TestSetOutput(t *testing.T) {
	h := newHarness(t)
	out := h.run(t, SetOutput, `{"verdict":"maybe"}`)
	assert.Contains(t, out.Output, "Error: output does not match schema")
	assert.Nil(t, h.turn.State.Output())

	out = h.run(t, SetOutput, `{"verdict":"pass","notes":"fine"}`)
	assert.Equal(t, "Output set", out.Output)
	assert.Equal(t, map[string]any{"verdict": "pass", "notes": "fine"}, h.turn.State.Output())

	h.run(t, SetOutput, `{"verdict":"fail"}`)
	assert.Equal(t, map[string]any{"verdict": "fail"}, h.turn.State.Output())
}

func TestAsyncListAndWait(t *testing.T) {
	h := newHarness(t)
	h.exec.Release = make(chan struct{})
	h.tools.waitForAgents.interval = 5 * time.Millisecond

	out := h.run(t, SpawnAgentsAsync, `{"agents":[{"agent_type":"thinker","prompt":"bg"}]}`)
	var accepted []spawn.AsyncResult
	require.NoError(t, json.Unmarshal([]byte(out.Output), &accepted))
	require.Len(t, accepted, 1)
	require.True(t, accepted[0].Success)
	id := accepted[0].AgentID

	var listed []agentStatus
	require.NoError(t, json.Unmarshal([]byte(h.run(t, ListAgents, "{}").Output), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, id, listed[0].AgentID)
	assert.Equal(t, "running", listed[0].Status)
	assert.Equal(t, "thinker", listed[0].AgentType)

	close(h.exec.Release)
	var waited []agentStatus
	require.NoError(t, json.Unmarshal([]byte(h.run(t, WaitForAgents, `{"agent_ids":["`+id+`","nope"]}`).Output), &waited))
	require.Len(t, waited, 2)
	assert.Equal(t, "completed", waited[0].Status)
	assert.Equal(t, "not_found", waited[1].Status)

	// the finished child reported back to its caller
	msgs := h.manager.GetMessages("caller")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Prompt, "ok from thinker")
}

func TestWaitForAgentsTimeout(t *testing.T) {
	h := newHarness(t)
	h.tools.waitForAgents.interval = 5 * time.Millisecond
	require.NoError(t, h.manager.RegisterAgent(agent.AsyncAgentInfo{State: &types.AgentState{AgentID: "stuck", ParentID: "caller"}}))

	var waited []agentStatus
	require.NoError(t, json.Unmarshal([]byte(h.run(t, WaitForAgents, `{"agent_ids":["stuck"],"timeout_seconds":1}`).Output), &waited))
	require.Len(t, waited, 1)
	assert.Equal(t, "timed_out", waited[0].Status)
}
