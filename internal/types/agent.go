package types

import (
	"context"
	"sync"
)

// OutputMode controls how a finished child is rendered into its caller's report.
type OutputMode string

const (
	OutputLastMessage OutputMode = "last_message"
	OutputAllMessages OutputMode = "all_messages"
	OutputStructured  OutputMode = "structured_output"
)

// UnmarshalText accepts "report" as an alias of structured_output.
func (m *OutputMode) UnmarshalText(b []byte) error {
	switch s := OutputMode(b); s {
	case "report":
		*m = OutputStructured
	default:
		*m = s
	}
	return nil
}

// InputSchema holds the optional JSON schemas a template declares for its inputs.
type InputSchema struct {
	Prompt map[string]any `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// StepHandler replaces the model call for templates that run programmatically.
type StepHandler func(ctx context.Context, state *AgentState, params map[string]any) error

// AgentTemplate is the static capability descriptor for one agent kind.
// Templates are immutable once registered.
type AgentTemplate struct {
	ID                    string         `yaml:"id" json:"id"`
	DisplayName           string         `yaml:"display_name" json:"display_name"`
	SystemPrompt          string         `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	SpawnableAgents       []string       `yaml:"spawnable_agents,omitempty" json:"spawnable_agents,omitempty"`
	InputSchema           InputSchema    `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	OutputMode            OutputMode     `yaml:"output_mode" json:"output_mode"`
	OutputSchema          map[string]any `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
	IncludeMessageHistory bool           `yaml:"include_message_history" json:"include_message_history"`
	ToolNames             []string       `yaml:"tool_names,omitempty" json:"tool_names,omitempty"`

	Handler StepHandler `yaml:"-" json:"-"`
}

// Name returns the display name, falling back to the id.
func (t *AgentTemplate) Name() string {
	if t.DisplayName != "" {
		return t.DisplayName
	}
	return t.ID
}

// Subgoal is one entry of an agent's working plan.
type Subgoal struct {
	Objective string   `json:"objective,omitempty"`
	Status    string   `json:"status,omitempty"`
	Plan      string   `json:"plan,omitempty"`
	Logs      []string `json:"logs,omitempty"`
}

// AgentContext maps subgoal ids to subgoals. Inline children share the
// parent's map; every other child starts with a fresh one.
type AgentContext map[string]*Subgoal

// AgentState is the mutable state of one agent run.
type AgentState struct {
	AgentID        string
	RunID          string
	AgentType      string
	ParentID       string
	AncestorRunIDs []string
	MessageHistory *History
	AgentContext   AgentContext
	StepsRemaining int
	CreditsUsed    int

	mu          sync.Mutex
	childRunIDs []string
	output      any
}

// AddChildRun records a completed child run. The list only grows.
func (s *AgentState) AddChildRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.childRunIDs = append(s.childRunIDs, runID)
}

// ChildRunIDs returns a copy of the recorded child runs in completion order.
func (s *AgentState) ChildRunIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.childRunIDs...)
}

// SetOutput replaces the agent's output; the last writer wins.
func (s *AgentState) SetOutput(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = v
}

func (s *AgentState) Output() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

// AsyncAgentMessage is one entry of a recipient's FIFO queue.
type AsyncAgentMessage struct {
	FromAgentID string         `json:"from_agent_id"`
	ToAgentID   string         `json:"to_agent_id"`
	Prompt      string         `json:"prompt"`
	Params      map[string]any `json:"params,omitempty"`
	Timestamp   int64          `json:"timestamp"`
}
