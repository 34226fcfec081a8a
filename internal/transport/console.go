package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jeanpaul/relay/internal/types"
)

const maxPromptPreview = 80

// Console writes the main agent's text to Out and everything subagents do
// to Err, each subagent's output under a colored [agent_type] label.
type Console struct {
	Out io.Writer
	Err io.Writer
	// QuietText suppresses main-agent text, for callers that render the
	// final answer themselves.
	QuietText bool

	mu        sync.Mutex
	lastAgent string
	wroteText bool
}

func NewConsole(out, errw io.Writer) *Console {
	return &Console{Out: out, Err: errw}
}

func (c *Console) SendSubagentChunk(_ context.Context, chunk types.SubagentChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastAgent != chunk.AgentID {
		c.lastAgent = chunk.AgentID
		if _, err := fmt.Fprintf(c.Err, "\n%s ", labelStyle(chunk.AgentType).Render("["+chunk.AgentType+"]")); err != nil {
			return err
		}
	}
	_, err := io.WriteString(c.Err, chunk.Chunk)
	return err
}

func (c *Console) SendEvent(_ context.Context, ev types.StreamEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Type {
	case types.EventText:
		if c.QuietText || ev.Text == "" {
			return nil
		}
		c.wroteText = true
		_, err := io.WriteString(c.Out, ev.Text)
		return err
	case types.EventSubagentStart:
		c.lastAgent = ""
		line := MarkerStyle.Render("▸ "+ev.DisplayName+" started") + " " + labelStyle(ev.AgentType).Render("["+ev.AgentType+"]")
		if ev.Prompt != "" {
			line += " " + PromptStyle.Render(preview(ev.Prompt))
		}
		_, err := fmt.Fprintf(c.Err, "\n%s\n", line)
		return err
	case types.EventSubagentFinish:
		c.lastAgent = ""
		_, err := fmt.Fprintf(c.Err, "\n%s\n", MarkerStyle.Render("✓ "+ev.DisplayName+" finished"))
		return err
	}
	return nil
}

func (c *Console) SendDone(_ context.Context, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wroteText {
		c.wroteText = false
		_, err := io.WriteString(c.Out, "\n")
		return err
	}
	return nil
}

func (c *Console) SendError(_ context.Context, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, werr := fmt.Fprintf(c.Err, "\n%s\n", ErrorStyle.Render("error: "+err.Error()))
	return werr
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxPromptPreview {
		return s[:maxPromptPreview] + "..."
	}
	return s
}
