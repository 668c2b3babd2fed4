package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/hupe1980/agentcrew/workflow"
)

func newCheckpointsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"cp"},
		Short:   "Inspect workflow checkpoints",
	}

	cmd.AddCommand(
		newCheckpointsListCmd(a),
		newCheckpointsShowCmd(a),
		newCheckpointsDeleteCmd(a),
	)

	return cmd
}

// withCheckpoints runs fn against the configured checkpoint store.
func (a *app) withCheckpoints(cmd *cobra.Command, fn func(workflow.CheckpointStore) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	stack, err := a.build(cmd.Context(), cmd, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = stack.Close() }()

	return fn(stack.Checkpoints)
}

func newCheckpointsListCmd(a *app) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withCheckpoints(cmd, func(store workflow.CheckpointStore) error {
				list, err := store.List(cmd.Context(), name)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()

				if len(list) == 0 {
					fmt.Fprintln(w, metaStyle.Render("no checkpoints"))
					return nil
				}

				for _, cp := range list {
					fmt.Fprintf(w, "%s  %s  %s  %s\n",
						headerStyle.Render(cp.RunID),
						cp.Workflow,
						statusStyle(cp.Status).Render(string(cp.Status)),
						metaStyle.Render(fmt.Sprintf("%d steps  updated %s", len(cp.Completed), cp.UpdatedAt.Format(time.RFC3339))),
					)
				}

				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&name, "workflow", "w", "", "Only list runs of this workflow")

	return cmd
}

func newCheckpointsShowCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the progress recorded for a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCheckpoints(cmd, func(store workflow.CheckpointStore) error {
				cp, err := store.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				if asJSON {
					return writeJSON(cmd.OutOrStdout(), cp)
				}

				printCheckpoint(cmd.OutOrStdout(), cp)

				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the checkpoint as JSON")

	return cmd
}

func newCheckpointsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCheckpoints(cmd, func(store workflow.CheckpointStore) error {
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), metaStyle.Render("deleted "+args[0]))
				return nil
			})
		},
	}
}

func statusStyle(s workflow.CheckpointStatus) lipgloss.Style {
	switch s {
	case workflow.CheckpointCompleted:
		return toolStyle
	case workflow.CheckpointFailed, workflow.CheckpointCancelled:
		return errorStyle
	default:
		return warnStyle
	}
}

func printCheckpoint(w io.Writer, cp *workflow.Checkpoint) {
	fmt.Fprintln(w, headerStyle.Render("Run "+cp.RunID)+"  "+statusStyle(cp.Status).Render(string(cp.Status)))
	fmt.Fprintln(w, metaStyle.Render(fmt.Sprintf("workflow %s  session %s  created %s  updated %s",
		cp.Workflow, cp.SessionID, cp.CreatedAt.Format(time.RFC3339), cp.UpdatedAt.Format(time.RFC3339))))

	if cp.Error != "" {
		fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("%s: %s", cp.ErrorKind, cp.Error)))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, headerStyle.Render("Completed steps"))

	for _, path := range cp.Order {
		rec := cp.Completed[path]
		fmt.Fprintln(w, contentStyle.Render(fmt.Sprintf("%s  %s  %s", path, rec.Kind, metaStyle.Render(rec.CompletedAt.Format(time.RFC3339)))))
	}

	if cp.Current != "" {
		fmt.Fprintln(w, metaStyle.Render("last step "+cp.Current))
	}

	if len(cp.State) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("State"))
		for _, k := range slices.Sorted(maps.Keys(cp.State)) {
			fmt.Fprintln(w, contentStyle.Render(fmt.Sprintf("%s = %v", k, cp.State[k])))
		}
	}
}
