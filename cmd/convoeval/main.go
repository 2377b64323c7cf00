// Package main provides the convoeval binary. It evaluates a conversation
// against a streaming scoring service, either directly from the command
// line or as a Temporal worker.
package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ahrav/go-convoeval/internal/configuration"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "convoeval"
)

// errAborted is returned when the user interrupted an evaluation.
var errAborted = errors.New("evaluation aborted")

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		if errors.Is(err, errAborted) {
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFiles   []string
}

func (g *globalFlags) load() (*configuration.Config, error) {
	cfg, err := configuration.Load(g.configPath, g.envFiles...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Multi-phase streaming conversation evaluator",
		Long: `convoeval scores a conversation transcript against a remote scoring
service. The predefined, custom and literature metric phases run
concurrently; their NDJSON result streams are merged into one result
with per-turn scores and overall aggregates.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", nil, "Env files to load (default .env)")

	cmd.AddCommand(
		evaluateCmd(&flags),
		workerCmd(&flags),
		submitCmd(&flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}
