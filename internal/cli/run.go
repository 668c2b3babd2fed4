package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentcrew/agent"
	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/tool"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		sessionID   string
		userID      string
		autoApprove bool
		noStream    bool
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "run <message>",
		Short: "Send a message to the configured agent",
		Long: `Send a message to the configured agent and print its events as they
arrive. Tools that need confirmation are approved interactively unless
--auto-approve is set.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			stack, err := a.build(ctx, cmd, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = stack.Close() }()

			var approver tool.Approver = newPromptApprover(cmd.InOrStdin(), cmd.OutOrStdout())
			if autoApprove {
				approver = tool.AutoApprove
			}

			tools := a.tools
			if tools == nil {
				tools = builtinTools()
			}

			ag, err := stack.NewAgent(cfg, agent.WithTools(tools...), func(o *agent.Options) {
				o.Approver = approver
			})
			if err != nil {
				return err
			}

			in := core.Input{
				SessionID: sessionID,
				UserID:    userID,
				Content:   core.NewTextContent(core.RoleUser, strings.Join(args, " ")),
			}

			var events <-chan core.Event
			if noStream {
				events = ag.RunAsync(ctx, in).Events()
			} else {
				events = ag.Stream(ctx, in)
			}

			_, err = newRenderer(cmd.OutOrStdout(), verbose).consume(events)

			return err
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session to continue (a new one is created when empty)")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User the run acts for")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Approve every tool call that needs confirmation")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Print the answer once the run completes")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Also print state transitions")

	return cmd
}
