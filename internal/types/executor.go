package types

import "context"

// EventType tags what a StreamEvent carries.
type EventType string

const (
	EventText           EventType = "text"
	EventSubagentStart  EventType = "subagent_start"
	EventSubagentFinish EventType = "subagent_finish"
)

// StreamEvent is one unit written to an agent's output stream.
type StreamEvent struct {
	Type          EventType `json:"type"`
	Text          string    `json:"text,omitempty"`
	AgentID       string    `json:"agent_id,omitempty"`
	AgentType     string    `json:"agent_type,omitempty"`
	DisplayName   string    `json:"display_name,omitempty"`
	ParentAgentID string    `json:"parent_agent_id,omitempty"`
	Prompt        string    `json:"prompt,omitempty"`
	OnlyChild     bool      `json:"only_child,omitempty"`
}

// ChunkFunc receives streamed output. It must not block for long.
type ChunkFunc func(StreamEvent)

// SubagentChunk is a piece of streamed child output relayed to the human.
type SubagentChunk struct {
	UserInputID string `json:"user_input_id"`
	AgentID     string `json:"agent_id"`
	AgentType   string `json:"agent_type"`
	Chunk       string `json:"chunk"`
	Prompt      string `json:"prompt,omitempty"`
}

// Transport is the connection back to the human that issued the prompt.
type Transport interface {
	SendSubagentChunk(ctx context.Context, chunk SubagentChunk) error
}

// FileContext describes the caller's project. The spawn core passes it through untouched.
type FileContext struct {
	ProjectRoot string            `json:"project_root,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

// ToolOutcome is what a tool call leaves behind. Silent outcomes produce no
// tool-result message.
type ToolOutcome struct {
	Output string
	Silent bool
}

// ToolRunner executes tool calls issued during a turn.
type ToolRunner interface {
	RunTool(ctx context.Context, turn *Turn, call ToolCall) (ToolOutcome, error)
	ToolDefs(names []string) []ToolDef
}

// Mailbox hands queued inter-agent messages to a running agent.
type Mailbox interface {
	GetAndClearMessages(agentID string) []AsyncAgentMessage
}

// Session is the per-prompt environment shared by every agent in a delegation tree.
type Session struct {
	SessionID      string
	UserID         string
	UserInputID    string
	Transport      Transport
	FileContext    *FileContext
	LocalTemplates map[string]*AgentTemplate
	Tools          ToolRunner
}

// Turn is the live state of the agent turn that issued a tool call.
type Turn struct {
	Session  *Session
	Template *AgentTemplate
	State    *AgentState
	Messages *History
	OnChunk  ChunkFunc
}

// Emit forwards ev to the turn's output stream, if any.
func (t *Turn) Emit(ev StreamEvent) {
	if t.OnChunk != nil {
		t.OnChunk(ev)
	}
}

// StepRequest is the input to one step-executor run.
type StepRequest struct {
	Template *AgentTemplate
	State    *AgentState
	Prompt   string
	Params   map[string]any
	// PromptTTL tags the prompt message appended to the history, if any.
	PromptTTL string
	Session   *Session
	OnChunk   ChunkFunc
}

type StepResult struct {
	State      *AgentState
	HasEndTurn bool
}

// StepExecutor runs an agent until it ends its turn or exhausts its step budget.
type StepExecutor interface {
	Execute(ctx context.Context, req StepRequest) (StepResult, error)
}
