package executor

import (
	"github.com/jeanpaul/relay/internal/provider"
	"github.com/jeanpaul/relay/internal/types"
)

// toProvider converts a history into chat messages. Tool calls without a
// result are dropped, and results whose call was pruned away become plain
// user messages, so the request is always well formed.
func toProvider(systemPrompt string, msgs []types.Message) []provider.Message {
	answered := map[string]bool{}
	for _, m := range msgs {
		if m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}

	out := make([]provider.Message, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, provider.Message{Role: provider.RoleSystem, Content: systemPrompt})
	}

	issued := map[string]bool{}
	for _, m := range msgs {
		switch {
		case m.Role == types.RoleAssistant:
			pm := provider.Message{Role: provider.RoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				if !answered[tc.ID] {
					continue
				}
				issued[tc.ID] = true
				pm.ToolCalls = append(pm.ToolCalls, provider.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
			}
			if pm.Content == "" && len(pm.ToolCalls) == 0 {
				continue
			}
			out = append(out, pm)
		case m.ToolCallID != "" && issued[m.ToolCallID]:
			out = append(out, provider.Message{Role: provider.RoleTool, Content: m.Content, ToolCallID: m.ToolCallID})
		default:
			out = append(out, provider.Message{Role: provider.Role(m.Role), Content: m.Content})
		}
	}
	return out
}
