package prune

import (
	"context"
	"math"

	"github.com/jeanpaul/relay/internal/types"
)

// Template returns the context-pruner agent. It never calls the model: its
// handler rewrites the history it shares with the agent that spawned it.
func Template(opts Options) *types.AgentTemplate {
	return &types.AgentTemplate{
		ID:          TemplateID,
		DisplayName: "Context Pruner",
		OutputMode:  types.OutputLastMessage,
		InputSchema: types.InputSchema{
			Params: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"maxContextLength": map[string]any{"type": "integer", "minimum": 1},
				},
			},
		},
		Handler: func(_ context.Context, state *types.AgentState, params map[string]any) error {
			o := opts
			if n, ok := intParam(params, "maxContextLength"); ok {
				o.MaxContextTokens = n
			}
			state.MessageHistory.Replace(Prune(state.MessageHistory.Messages(), o))
			return nil
		},
	}
}

func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case float64:
		return int(math.Round(v)), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}
