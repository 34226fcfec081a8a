package spawn

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/jeanpaul/relay/internal/types"
)

// SpawnAgents runs every request concurrently and waits for all of them.
// Each child yields one report in request order; a child's failure becomes
// its own error report and never affects its siblings. Only a malformed
// caller turn is returned as an error.
func (p *Pipeline) SpawnAgents(ctx context.Context, turn *types.Turn, reqs []Request) (string, error) {
	if err := checkTurn(turn); err != nil {
		return "", err
	}

	reports := make([]string, len(reqs))
	var g errgroup.Group
	if p.opts.MaxParallel > 0 {
		g.SetLimit(p.opts.MaxParallel)
	}
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			reports[i] = p.spawnOne(ctx, turn, req)
			return nil
		})
	}
	_ = g.Wait()
	return joinReports(reports), nil
}

func (p *Pipeline) spawnOne(ctx context.Context, turn *types.Turn, req Request) string {
	c, err := p.prepare(turn, req, false)
	if err != nil {
		return errorReport(req.AgentType, err)
	}
	state, err := p.run(ctx, turn, c, "", p.relay(ctx, turn.Session, c))
	if err != nil {
		p.logger.Warn("child agent failed", "agent_id", c.state.AgentID, "agent_type", req.AgentType, "err", err)
		return errorReport(req.AgentType, err)
	}
	body, err := Report(c.template, state, c.seeded)
	if err != nil {
		return errorReport(req.AgentType, err)
	}
	return wrapReport(req.AgentType, body)
}
