package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeanpaul/relay/internal/headless"
)

func newRunCmd(g *globals) *cobra.Command {
	var opts headless.Options
	cmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Answer one prompt and exit",
		Long:  "Answer one prompt and exit. Without arguments the prompt is read from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := promptFrom(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			opts.Out = cmd.OutOrStdout()
			opts.Err = cmd.ErrOrStderr()
			return headless.Run(ctx, cfg, logger, prompt, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Agent, "agent", "", "main agent template (default agents.main)")
	cmd.Flags().BoolVar(&opts.Markdown, "markdown", false, "render the final answer as markdown")
	cmd.Flags().DurationVar(&opts.Wait, "wait", 0, "wait up to this long for detached agents, e.g. 2m")
	cmd.Flags().StringVar(&opts.Transcript, "transcript", "", "write the main agent's history to this file")
	return cmd
}

func promptFrom(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if f, ok := stdin.(*os.File); ok {
		if fi, err := f.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
			return "", errors.New("no prompt given")
		}
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", err
	}
	prompt := strings.TrimSpace(string(b))
	if prompt == "" {
		return "", errors.New("no prompt given")
	}
	return prompt, nil
}

// shutdownContext bounds cleanup after the command's context is done.
func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
