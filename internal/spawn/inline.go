package spawn

import (
	"context"

	"github.com/jeanpaul/relay/internal/types"
)

// SpawnInline runs one child on the caller's own history and blocks until
// it ends its turn. The child's writes land directly in turn.Messages; once
// it returns, every message tagged with the user-prompt time-to-live is
// expired from that shared history. Errors go straight back to the caller.
func (p *Pipeline) SpawnInline(ctx context.Context, turn *types.Turn, req Request) error {
	if err := checkTurn(turn); err != nil {
		return err
	}
	c, err := p.prepare(turn, req, true)
	if err != nil {
		return err
	}

	if turn.State.AgentContext == nil {
		turn.State.AgentContext = types.AgentContext{}
	}
	c.state.MessageHistory = turn.Messages
	c.state.AgentContext = turn.State.AgentContext

	defer turn.Messages.Expire(types.TTLUserPrompt)

	_, err = p.run(ctx, turn, c, types.TTLUserPrompt, turn.OnChunk)
	return err
}
