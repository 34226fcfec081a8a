package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/jeanpaul/relay/internal/agent"
	"github.com/jeanpaul/relay/internal/types"
)

const pollInterval = 100 * time.Millisecond

// dispatcher re-runs agents the manager wakes up for new messages.
type dispatcher struct {
	r *Runtime
}

// RunMainAgent continues the main agent in the session of its last prompt.
// Queued reports reach it through its mailbox.
func (d dispatcher) RunMainAgent(ctx context.Context, info agent.AsyncAgentInfo) error {
	d.r.mu.Lock()
	session, tmpl := d.r.session, d.r.tmpl
	d.r.mu.Unlock()
	if session == nil || tmpl == nil {
		return errors.New("main agent has not been prompted yet")
	}
	_, err := d.r.runMain(ctx, session, tmpl, info.State, "")
	return err
}

func (d dispatcher) RunAgent(ctx context.Context, info agent.AsyncAgentInfo) error {
	tr := info.Transport
	if tr == nil {
		tr = d.r.sink
	}
	session := &types.Session{
		SessionID:      info.SessionID,
		UserID:         info.UserID,
		UserInputID:    info.UserInputID,
		Transport:      tr,
		FileContext:    info.FileContext,
		LocalTemplates: map[string]*types.AgentTemplate{},
		Tools:          d.r.tools,
	}
	return d.r.pipeline.Resume(ctx, session, info)
}
