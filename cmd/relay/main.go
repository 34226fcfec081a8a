package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeanpaul/relay/internal/config"
	"github.com/jeanpaul/relay/internal/logging"
	"github.com/jeanpaul/relay/internal/transport"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

type globals struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fatal("%s", err)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Run agents that delegate work to other agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default ./config.yaml or ~/.config/relay/config.yaml)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(g),
		newServeCmd(g),
		newAgentsCmd(g),
		newMatchCmd(),
		newDoctorCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "relay %s (%s)\n", version, commit)
			},
		},
	)
	return root
}

// load reads the configuration and builds the process logger. Logs go to
// stderr so they never mix with answers on stdout.
func (g *globals) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	return cfg, logging.New(cfg.Log, os.Stderr), nil
}

func fatal(format string, args ...any) {
	fmt.Fprintln(os.Stderr, transport.ErrorStyle.Render("error: "+fmt.Sprintf(format, args...)))
	os.Exit(1)
}
