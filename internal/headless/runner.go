// Package headless runs one prompt without a UI: the answer streams to
// stdout and subagent activity to stderr.
package headless

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/jeanpaul/relay/internal/config"
	"github.com/jeanpaul/relay/internal/runtime"
	"github.com/jeanpaul/relay/internal/transport"
	"github.com/jeanpaul/relay/internal/types"
)

const closeTimeout = 5 * time.Second

type Options struct {
	// Agent overrides the configured main template.
	Agent string
	// Markdown renders the final answer instead of streaming raw text.
	Markdown bool
	// Wait bounds how long to wait for detached agents after the main
	// agent answers. Zero returns immediately.
	Wait time.Duration
	// Transcript, if set, is where the main agent's history is written.
	Transcript string

	Out, Err io.Writer
	Runtime  []runtime.Option
}

// Run executes prompt on a fresh session.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger, prompt string, opts Options) error {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	console := transport.NewConsole(opts.Out, opts.Err)
	console.QuietText = opts.Markdown

	rt, err := runtime.New(cfg, logger, append(opts.Runtime, runtime.WithSink(console))...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = rt.Close(closeCtx)
	}()

	req := runtime.PromptRequest{Prompt: prompt, Agent: opts.Agent}
	if wd, err := os.Getwd(); err == nil {
		req.FileContext = &types.FileContext{ProjectRoot: wd}
	}
	res, err := rt.Prompt(ctx, req)
	if err != nil {
		return err
	}

	if opts.Wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, opts.Wait)
		err := rt.Wait(waitCtx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("detached agents still running", "wait", opts.Wait)
		} else if err != nil {
			return err
		}
	}

	if opts.Markdown {
		final := res.Final
		if m, ok := res.State.MessageHistory.LastAssistant(); ok {
			final = m.Content
		}
		if err := render(opts.Out, final); err != nil {
			return err
		}
	}

	if opts.Transcript != "" {
		tmpl, _ := rt.Registry().Resolve(res.State.AgentType, nil)
		if err := WriteTranscript(opts.Transcript, rt.SessionID(), tmpl, res.State.MessageHistory.Messages()); err != nil {
			return fmt.Errorf("transcript: %w", err)
		}
	}
	return nil
}

func render(w io.Writer, md string) error {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return err
	}
	out, err := r.Render(md)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}
