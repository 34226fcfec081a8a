package executor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeanpaul/relay/internal/logging"
	"github.com/jeanpaul/relay/internal/provider"
	"github.com/jeanpaul/relay/internal/types"
)

// scriptedProvider replays one response per Chat call.
type scriptedProvider struct {
	mu        sync.Mutex
	responses [][]provider.StreamChunk
	requests  [][]provider.Message
	tools     [][]provider.ToolDef
}

func (p *scriptedProvider) Chat(_ context.Context, msgs []provider.Message, tools []provider.ToolDef) (<-chan provider.StreamChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, msgs)
	p.tools = append(p.tools, tools)
	if len(p.responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	ch := make(chan provider.StreamChunk, len(resp))
	for _, c := range resp {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) ModelName() string { return "scripted" }
func (p *scriptedProvider) Models(context.Context) ([]string, error) { return nil, nil }

func answer(text string) []provider.StreamChunk {
	return []provider.StreamChunk{{Delta: text}, {Done: true, Usage: &provider.Usage{TotalTokens: 10}}}
}

func callTool(id, name, args string) []provider.StreamChunk {
	return []provider.StreamChunk{{Done: true, ToolCalls: []provider.ToolCall{{ID: id, Name: name, Args: args}}}}
}

type fakeRunner struct {
	calls []types.ToolCall
	run   func(turn *types.Turn, call types.ToolCall) (types.ToolOutcome, error)
}

func (f *fakeRunner) RunTool(_ context.Context, turn *types.Turn, call types.ToolCall) (types.ToolOutcome, error) {
	f.calls = append(f.calls, call)
	if f.run != nil {
		return f.run(turn, call)
	}
	return types.ToolOutcome{Output: "done"}, nil
}

func (f *fakeRunner) ToolDefs(names []string) []types.ToolDef {
	defs := make([]types.ToolDef, len(names))
	for i, n := range names {
		defs[i] = types.ToolDef{Name: n}
	}
	return defs
}

type fakeMailbox map[string][]types.AsyncAgentMessage

func (m fakeMailbox) GetAndClearMessages(id string) []types.AsyncAgentMessage {
	msgs := m[id]
	delete(m, id)
	return msgs
}

func newState(steps int) *types.AgentState {
	return &types.AgentState{AgentID: "a1", MessageHistory: types.NewHistory(), StepsRemaining: steps}
}

func TestExecutePlainAnswer(t *testing.T) {
	prov := &scriptedProvider{responses: [][]provider.StreamChunk{answer("hello")}}
	ex := New(prov, nil, Options{}, logging.Discard())

	var streamed []types.StreamEvent
	state := newState(5)
	res, err := ex.Execute(context.Background(), types.StepRequest{
		Template:  &types.AgentTemplate{ID: "thinker", SystemPrompt: "be brief"},
		State:     state,
		Prompt:    "hi",
		Params:    map[string]any{"n": 1},
		PromptTTL: types.TTLUserPrompt,
		OnChunk:   func(ev types.StreamEvent) { streamed = append(streamed, ev) },
	})
	require.NoError(t, err)
	assert.True(t, res.HasEndTurn)
	assert.Same(t, state, res.State)
	assert.Equal(t, 4, state.StepsRemaining)
	assert.Equal(t, 10, state.CreditsUsed)

	msgs := state.MessageHistory.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi\n\n<params>{\"n\":1}</params>", msgs[0].Content)
	assert.Equal(t, types.TTLUserPrompt, msgs[0].TimeToLive)
	assert.Equal(t, types.Message{Role: types.RoleAssistant, Content: "hello"}, msgs[1])

	require.Len(t, streamed, 1)
	assert.Equal(t, types.StreamEvent{Type: types.EventText, Text: "hello", AgentID: "a1"}, streamed[0])

	require.Len(t, prov.requests, 1)
	assert.Equal(t, provider.Message{Role: provider.RoleSystem, Content: "be brief"}, prov.requests[0][0])
}

func TestExecuteRunsTools(t *testing.T) {
	prov := &scriptedProvider{responses: [][]provider.StreamChunk{
		callTool("c1", "spawn_agents", `{"agents":[]}`),
		callTool("c2", "spawn_agent_inline", `{"agent_type":"thinker"}`),
		answer("final"),
	}}
	runner := &fakeRunner{run: func(_ *types.Turn, call types.ToolCall) (types.ToolOutcome, error) {
		if call.Name == "spawn_agent_inline" {
			return types.ToolOutcome{Silent: true}, nil
		}
		return types.ToolOutcome{Output: "reports"}, nil
	}}
	ex := New(prov, nil, Options{}, logging.Discard())

	state := newState(5)
	res, err := ex.Execute(context.Background(), types.StepRequest{
		Template: &types.AgentTemplate{ID: "base", ToolNames: []string{"spawn_agents", "spawn_agent_inline"}},
		State:    state,
		Prompt:   "go",
		Session:  &types.Session{Tools: runner},
	})
	require.NoError(t, err)
	assert.True(t, res.HasEndTurn)
	assert.Equal(t, 2, state.StepsRemaining)
	require.Len(t, runner.calls, 2)

	msgs := state.MessageHistory.Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, "<tool_result><tool>spawn_agents</tool><result>reports</result></tool_result>", msgs[2].Content)
	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.Equal(t, "c2", msgs[3].ToolCalls[0].ID)
	assert.Equal(t, "final", msgs[4].Content)

	// The silent inline call has no result and is not sent to the model.
	last := prov.requests[2]
	for _, m := range last {
		for _, tc := range m.ToolCalls {
			assert.NotEqual(t, "c2", tc.ID)
		}
	}
	require.Len(t, prov.tools[0], 2)
	assert.Equal(t, "spawn_agents", prov.tools[0][0].Name)
}

func TestExecuteStepBudget(t *testing.T) {
	prov := &scriptedProvider{responses: [][]provider.StreamChunk{callTool("c1", "set_output", `{}`)}}
	ex := New(prov, nil, Options{}, logging.Discard())

	state := newState(1)
	res, err := ex.Execute(context.Background(), types.StepRequest{
		Template: &types.AgentTemplate{ID: "x"},
		State:    state,
		Prompt:   "go",
		Session:  &types.Session{Tools: &fakeRunner{}},
	})
	require.NoError(t, err)
	assert.False(t, res.HasEndTurn)
	assert.Zero(t, state.StepsRemaining)
	assert.Len(t, prov.requests, 1)
}

func TestExecuteToolErrorAborts(t *testing.T) {
	boom := errors.New("missing transport in agent turn")
	prov := &scriptedProvider{responses: [][]provider.StreamChunk{callTool("c1", "spawn_agents", `{}`)}}
	runner := &fakeRunner{run: func(*types.Turn, types.ToolCall) (types.ToolOutcome, error) {
		return types.ToolOutcome{}, boom
	}}
	ex := New(prov, nil, Options{}, logging.Discard())

	_, err := ex.Execute(context.Background(), types.StepRequest{
		Template: &types.AgentTemplate{ID: "x"},
		State:    newState(3),
		Session:  &types.Session{Tools: runner},
	})
	assert.ErrorIs(t, err, boom)

	_, err = New(&scriptedProvider{responses: [][]provider.StreamChunk{callTool("c1", "x", `{}`)}}, nil, Options{}, nil).
		Execute(context.Background(), types.StepRequest{Template: &types.AgentTemplate{ID: "x"}, State: newState(3)})
	assert.ErrorIs(t, err, ErrNoToolRunner)
}

func TestExecuteHandlerTemplate(t *testing.T) {
	prov := &scriptedProvider{}
	ex := New(prov, nil, Options{}, logging.Discard())

	var got map[string]any
	state := newState(3)
	res, err := ex.Execute(context.Background(), types.StepRequest{
		Template: &types.AgentTemplate{ID: "context-pruner", Handler: func(_ context.Context, s *types.AgentState, params map[string]any) error {
			got = params
			s.MessageHistory.Append(types.Message{Role: types.RoleUser, Content: "handled"})
			return nil
		}},
		State:  state,
		Prompt: "ignored",
		Params: map[string]any{"maxContextLength": 10},
	})
	require.NoError(t, err)
	assert.True(t, res.HasEndTurn)
	assert.Equal(t, 10, got["maxContextLength"])
	assert.Empty(t, prov.requests)
	assert.Equal(t, []types.Message{{Role: types.RoleUser, Content: "handled"}}, state.MessageHistory.Messages())
}

func TestExecuteDrainsMailbox(t *testing.T) {
	prov := &scriptedProvider{responses: [][]provider.StreamChunk{answer("thanks")}}
	mailbox := fakeMailbox{"a1": {{FromAgentID: "child", Prompt: "<agent_report>r</agent_report>"}}}
	ex := New(prov, mailbox, Options{}, logging.Discard())

	state := newState(2)
	_, err := ex.Execute(context.Background(), types.StepRequest{Template: &types.AgentTemplate{ID: "base"}, State: state})
	require.NoError(t, err)

	msgs := state.MessageHistory.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "<agent_report>r</agent_report>", msgs[0].Content)
	assert.Empty(t, mailbox)
}

func TestExecuteSpawnsPruner(t *testing.T) {
	prov := &scriptedProvider{responses: [][]provider.StreamChunk{answer("ok")}}
	runner := &fakeRunner{run: func(turn *types.Turn, call types.ToolCall) (types.ToolOutcome, error) {
		// Stand in for the pruner: drop the trailing self-spawn call.
		msgs := turn.Messages.Messages()
		turn.Messages.Replace(msgs[:len(msgs)-1])
		return types.ToolOutcome{Silent: true}, nil
	}}
	ex := New(prov, nil, Options{PrunerEnabled: true, MaxContextTokens: 5000}, logging.Discard())

	state := newState(2)
	_, err := ex.Execute(context.Background(), types.StepRequest{
		Template: &types.AgentTemplate{ID: "base", SpawnableAgents: []string{"context-pruner"}},
		State:    state,
		Prompt:   "hi",
		Session:  &types.Session{Tools: runner},
	})
	require.NoError(t, err)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "spawn_agent_inline", runner.calls[0].Name)
	var args struct {
		AgentType string         `json:"agent_type"`
		Params    map[string]any `json:"params"`
	}
	require.NoError(t, json.Unmarshal([]byte(runner.calls[0].Args), &args))
	assert.Equal(t, "context-pruner", args.AgentType)
	assert.Equal(t, float64(5000), args.Params["maxContextLength"])

	assert.Len(t, state.MessageHistory.Messages(), 2)
}

func TestExecutePrunerFailureDropsCall(t *testing.T) {
	prov := &scriptedProvider{responses: [][]provider.StreamChunk{answer("ok")}}
	runner := &fakeRunner{run: func(*types.Turn, types.ToolCall) (types.ToolOutcome, error) {
		return types.ToolOutcome{Output: "Error: Agent type context-pruner not found."}, nil
	}}
	ex := New(prov, nil, Options{PrunerEnabled: true}, logging.Discard())

	state := newState(2)
	_, err := ex.Execute(context.Background(), types.StepRequest{
		Template: &types.AgentTemplate{ID: "base", SpawnableAgents: []string{"context-pruner"}},
		State:    state,
		Prompt:   "hi",
		Session:  &types.Session{Tools: runner},
	})
	require.NoError(t, err)
	msgs := state.MessageHistory.Messages()
	require.Len(t, msgs, 2)
	assert.Empty(t, msgs[1].ToolCalls)
}

func TestExecuteSkipsPrunerWithoutPermission(t *testing.T) {
	prov := &scriptedProvider{responses: [][]provider.StreamChunk{answer("ok")}}
	runner := &fakeRunner{}
	ex := New(prov, nil, Options{PrunerEnabled: true}, logging.Discard())

	_, err := ex.Execute(context.Background(), types.StepRequest{
		Template: &types.AgentTemplate{ID: "thinker"},
		State:    newState(2),
		Prompt:   "hi",
		Session:  &types.Session{Tools: runner},
	})
	require.NoError(t, err)
	assert.Empty(t, runner.calls)
}

func TestExecuteCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(&scriptedProvider{}, nil, Options{}, nil).Execute(ctx, types.StepRequest{
		Template: &types.AgentTemplate{ID: "x"},
		State:    newState(2),
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestToProvider(t *testing.T) {
	msgs := []types.Message{
		{Role: types.RoleUser, Content: "q"},
		{Role: types.RoleAssistant, Content: "", ToolCalls: []types.ToolCall{{ID: "dangling", Name: "spawn_agent_inline"}}},
		{Role: types.RoleAssistant, Content: "thinking", ToolCalls: []types.ToolCall{{ID: "a", Name: "spawn_agents"}, {ID: "b", Name: "x"}}},
		{Role: types.RoleUser, Content: "result a", ToolCallID: "a"},
		{Role: types.RoleUser, Content: "orphan", ToolCallID: "pruned"},
	}
	out := toProvider("sys", msgs)
	require.Len(t, out, 5)
	assert.Equal(t, provider.RoleSystem, out[0].Role)
	assert.Equal(t, provider.Message{Role: provider.RoleUser, Content: "q"}, out[1])
	assert.Equal(t, provider.Message{
		Role:      provider.RoleAssistant,
		Content:   "thinking",
		ToolCalls: []provider.ToolCall{{ID: "a", Name: "spawn_agents"}},
	}, out[2])
	assert.Equal(t, provider.Message{Role: provider.RoleTool, Content: "result a", ToolCallID: "a"}, out[3])
	assert.Equal(t, provider.Message{Role: provider.RoleUser, Content: "orphan"}, out[4])
}

func TestExecuteAppendsProjectContext(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("# Shop\n## Commands\nmake test\n"), 0o644))

	prov := &scriptedProvider{responses: [][]provider.StreamChunk{answer("a"), answer("b")}}
	ex := New(prov, nil, Options{ProjectContext: true}, logging.Discard())
	session := &types.Session{FileContext: &types.FileContext{ProjectRoot: dir}}

	for _, prompt := range []string{"one", "two"} {
		_, err := ex.Execute(context.Background(), types.StepRequest{
			Template: &types.AgentTemplate{ID: "base", SystemPrompt: "be brief"},
			State:    newState(1),
			Prompt:   prompt,
			Session:  session,
		})
		require.NoError(t, err)
	}

	require.Len(t, prov.requests, 2)
	sys := prov.requests[0][0].Content
	assert.True(t, strings.HasPrefix(sys, "be brief\n\n<project_context"), sys)
	assert.Contains(t, sys, "make test")
	assert.Equal(t, sys, prov.requests[1][0].Content)

	// Without a project root the template prompt is used as is.
	assert.Equal(t, "be brief", ex.systemPrompt(&types.Turn{
		Session:  &types.Session{},
		Template: &types.AgentTemplate{SystemPrompt: "be brief"},
	}))
}
