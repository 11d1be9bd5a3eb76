package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayboard/internal/config"
)

// cli carries what the persistent flags resolve to. Subcommands read the
// loaded config and the shared level from here.
type cli struct {
	configPath string
	verbose    bool

	cfg   config.Config
	level *slog.LevelVar
}

func newRootCmd() *cobra.Command {
	state := &cli{level: new(slog.LevelVar)}
	rootCmd := &cobra.Command{
		Use:   "relayboard",
		Short: "Shared sticky-note canvases with live sync",
		Long: `relayboard serves collaborative sticky-note canvases.
Notes are edited over REST or a websocket sync channel, and every accepted
change is versioned and fanned out to the other participants of the workspace.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(state.configPath)
			if err != nil {
				return err
			}
			level, err := config.ParseLevel(cfg.Log.Level)
			if err != nil {
				return err
			}
			if state.verbose {
				level = slog.LevelDebug
			}
			state.level.Set(level)
			state.cfg = cfg
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg.Log.Format, state.level))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&state.configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&state.verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(newServeCmd(state))
	rootCmd.AddCommand(newTokenCmd(state))
	return rootCmd
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
