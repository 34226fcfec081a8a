// Package provider streams chat completions from OpenAI-compatible endpoints
// (Ollama, vLLM, OpenAI itself).
package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jeanpaul/relay/internal/config"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"arguments"`
}

type ToolDef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

type StreamChunk struct {
	Delta     string
	Thinking  string // reasoning emitted inside <think> blocks
	ToolCalls []ToolCall
	Usage     *Usage
	Done      bool
	Error     error
}

type Provider interface {
	Chat(ctx context.Context, msgs []Message, tools []ToolDef) (<-chan StreamChunk, error)
	Name() string
	ModelName() string
	Models(ctx context.Context) ([]string, error)
}

// FromConfig builds the default provider, wrapped with retries.
func FromConfig(cfg *config.Config, logger *slog.Logger) (Provider, error) {
	pc, ok := cfg.Providers[cfg.DefaultProvider]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", cfg.DefaultProvider)
	}
	if pc.Type != "openai" {
		return nil, fmt.Errorf("provider %q: unsupported type %q", cfg.DefaultProvider, pc.Type)
	}
	model := pc.Model
	if model == "" {
		model = cfg.DefaultModel
	}
	p := NewOpenAI(cfg.DefaultProvider, pc.BaseURL, pc.APIKey, model, logger)
	return WithRetry(p, cfg.MaxRetries), nil
}
