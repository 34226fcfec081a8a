// Package transport carries a prompt's streamed output back to the human:
// to the terminal, over a websocket, or into memory.
package transport

import (
	"context"

	"github.com/jeanpaul/relay/internal/types"
)

// Sink receives everything one prompt produces. Subagent chunks arrive
// through the embedded types.Transport; the main agent's own stream,
// including subagent start and finish markers, arrives through SendEvent.
type Sink interface {
	types.Transport
	SendEvent(ctx context.Context, ev types.StreamEvent) error
	SendDone(ctx context.Context, final string) error
	SendError(ctx context.Context, err error) error
}
