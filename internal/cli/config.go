package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentcrew/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and check configuration files",
	}

	cmd.AddCommand(newConfigInitCmd(), newConfigValidateCmd(a))

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		provider string
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with defaults",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigFile
			if len(args) == 1 {
				path = args[0]
			}

			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists, use --force to overwrite", path)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}

			cfg := config.Default()
			cfg.Model.Provider = provider

			if err := config.Save(cfg, path); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), metaStyle.Render("wrote "+path))

			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", config.ProviderOpenAI, "Model provider (openai, anthropic or mock)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	return cmd
}

func newConfigValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), toolStyle.Render(fmt.Sprintf("configuration ok (provider %s, agent %s)", cfg.Model.Provider, cfg.Agent.Name)))

			return nil
		},
	}
}
