// Package cli implements the agentcrew command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentcrew"
	"github.com/hupe1980/agentcrew/config"
	"github.com/hupe1980/agentcrew/model"
	"github.com/hupe1980/agentcrew/tool"
)

// defaultConfigFile is picked up from the working directory when --config
// is not given.
const defaultConfigFile = "agentcrew.yaml"

type app struct {
	configPath string
	logLevel   string

	// model and tools replace the configured model and the built-in tools.
	model model.Model
	tools []tool.Tool
}

// NewRootCmd returns the agentcrew command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{})
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "agentcrew",
		Short: "Run agents, teams and workflows from the terminal",
		Long: `agentcrew runs the agent described by a YAML configuration file and
inspects the sessions and workflow checkpoints it persisted.

Quick Start:
  agentcrew config init                  # Write agentcrew.yaml
  agentcrew run "Hello there"            # Talk to the configured agent
  agentcrew session show <session-id>    # Inspect a stored session
  agentcrew checkpoints list             # List workflow checkpoints`,
		Version:       agentcrew.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to the configuration file (default ./agentcrew.yaml when present)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override the configured log level")

	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newRunCmd(a),
		newSessionCmd(a),
		newCheckpointsCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)

	return root
}

func (a *app) loadConfig() (*config.Config, error) {
	path := a.configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", defaultConfigFile, err)
		}
	}

	var (
		cfg *config.Config
		err error
	)

	if path == "" {
		cfg, err = config.Parse(nil)
	} else {
		cfg, err = config.Load(path)
	}

	if err != nil {
		return nil, err
	}

	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (a *app) build(ctx context.Context, cmd *cobra.Command, cfg *config.Config) (*config.Stack, error) {
	stack, err := cfg.Build(ctx, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	if a.model != nil {
		stack.Model = a.model
	}

	return stack, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agentcrew version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "agentcrew %s\n", agentcrew.Version)
			return err
		},
	}
}
