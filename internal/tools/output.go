package tools

import (
	"context"
	"encoding/json"

	"github.com/jeanpaul/relay/internal/schema"
	"github.com/jeanpaul/relay/internal/spawn"
	"github.com/jeanpaul/relay/internal/types"
)

// setOutputTool records the agent's structured output. The arguments object
// itself is the output.
type setOutputTool struct {
	argSchema
}

func newSetOutputTool(v *schema.Validator) *setOutputTool {
	return &setOutputTool{argSchema: argSchema{validator: v, params: map[string]any{
		"type":                 "object",
		"additionalProperties": true,
	}}}
}

func (t *setOutputTool) Description() string {
	return "Set your final structured output. Pass the output object as the arguments; calling again replaces it."
}

func (t *setOutputTool) Execute(_ context.Context, turn *types.Turn, rawArgs string) (Result, error) {
	if turn == nil || turn.State == nil {
		return Result{}, spawn.NewError(spawn.ErrPreconditionMissing, "missing agent state in agent turn")
	}
	if turn.Template != nil && turn.Template.OutputSchema != nil {
		if err := t.validator.Validate(turn.Template.OutputSchema, rawArgs); err != nil {
			return Result{Error: "output does not match schema: " + err.Error()}, nil
		}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &out); err != nil {
		return Result{Error: "invalid arguments: " + err.Error()}, nil
	}
	turn.State.SetOutput(out)
	return Result{Output: "Output set"}, nil
}
