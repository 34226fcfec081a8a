package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeanpaul/relay/internal/config"
	"github.com/jeanpaul/relay/internal/health"
	"github.com/jeanpaul/relay/internal/provider"
	"github.com/jeanpaul/relay/internal/registry"
	"github.com/jeanpaul/relay/internal/runtime"
	"github.com/jeanpaul/relay/internal/transport"
	"github.com/jeanpaul/relay/internal/types"
)

var errNoMatch = errors.New("no entry matches")

func newAgentsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List agent templates and whom each may spawn",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(g, func(cfg *config.Config, rt *runtime.Runtime) error {
				printTemplates(cmd.OutOrStdout(), rt.Registry().List(), cfg.Agents.Main)
				return nil
			})
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "copy <id> <new-id>",
			Short: "Copy a template into the templates directory under a new id",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRuntime(g, func(cfg *config.Config, rt *runtime.Runtime) error {
					src, ok := rt.Registry().Resolve(args[0], nil)
					if !ok {
						return fmt.Errorf("agent type %s not found", args[0])
					}
					if src.Handler != nil {
						return fmt.Errorf("%s is implemented in code and cannot be copied", src.ID)
					}
					if _, ok := registry.ParseAgentID(args[1]); !ok {
						return fmt.Errorf("invalid agent id %q", args[1])
					}
					dup := *src
					dup.ID = args[1]
					if err := config.SaveTemplate(cfg.TemplatesDir(), &dup); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "saved %s in %s\n", dup.ID, cfg.TemplatesDir())
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "rm <id>",
			Short: "Delete a template from the templates directory",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, _, err := g.load()
				if err != nil {
					return err
				}
				return config.DeleteTemplate(cfg.TemplatesDir(), args[0])
			},
		},
	)
	return cmd
}

func withRuntime(g *globals, fn func(*config.Config, *runtime.Runtime) error) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	rt, err := runtime.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := shutdownContext()
		defer cancel()
		_ = rt.Close(ctx)
	}()
	return fn(cfg, rt)
}

func printTemplates(w io.Writer, templates []*types.AgentTemplate, mainID string) {
	for _, t := range templates {
		label := t.ID
		if t.ID == mainID {
			label += " (main)"
		}
		fmt.Fprintf(w, "%s  %s  %s\n",
			transport.MarkerStyle.Render(label),
			t.Name(),
			transport.PromptStyle.Render(string(t.OutputMode)),
		)
		if len(t.SpawnableAgents) > 0 {
			fmt.Fprintf(w, "    spawns: %s\n", strings.Join(t.SpawnableAgents, ", "))
		}
	}
}

func newMatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "match <requested> <entry>...",
		Short: "Check a requested agent id against allow-list entries",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, ok := registry.MatchSpawn(args[1:], args[0])
			if !ok {
				return fmt.Errorf("%w %s", errNoMatch, args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), entry)
			return nil
		},
	}
}

func newDoctorCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the default provider answers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			p, err := provider.FromConfig(cfg, logger)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s %s (%s) ... ", transport.MarkerStyle.Render("●"), p.Name(), p.ModelName())

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			status := health.Check(ctx, p)
			if !status.Reachable {
				fmt.Fprintln(w, transport.ErrorStyle.Render("✗ "+status.Error))
				return errors.New("default provider unreachable")
			}
			fmt.Fprintf(w, "✓ OK %s\n", transport.PromptStyle.Render(status.Latency.Round(time.Millisecond).String()))
			if err := status.CheckModel(); err != nil {
				fmt.Fprintln(w, transport.ErrorStyle.Render("✗ "+err.Error()))
				return err
			}
			return nil
		},
	}
}
