package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentcrew/core"
)

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect stored sessions",
	}

	cmd.AddCommand(newSessionShowCmd(a))

	return cmd
}

func newSessionShowCmd(a *app) *cobra.Command {
	var (
		userID string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show the runs and state of a session",
		Args:  cobra.ExactArgs(1),
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

			sess, err := stack.Sessions.Load(ctx, userID, args[0])
			if err != nil {
				return fmt.Errorf("load session %s: %w", args[0], err)
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), sess)
			}

			printSession(cmd.OutOrStdout(), sess)

			return nil
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "User owning the session")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the session as JSON")

	return cmd
}

func printSession(w io.Writer, sess *core.Session) {
	fmt.Fprintln(w, headerStyle.Render("Session "+sess.ID))

	meta := fmt.Sprintf("%d runs  created %s  updated %s", len(sess.Runs), sess.Created.Format(time.RFC3339), sess.Updated.Format(time.RFC3339))
	if sess.UserID != "" {
		meta = "user " + sess.UserID + "  " + meta
	}
	fmt.Fprintln(w, metaStyle.Render(meta))
	fmt.Fprintln(w)

	for _, run := range sess.Runs {
		fmt.Fprintln(w, userStyle.Render("user:")+" "+metaStyle.Render(run.CreatedAt.Format(time.RFC3339)))
		fmt.Fprintln(w, contentStyle.Render(run.Input.Text()))

		switch {
		case run.Status == core.RunFailed:
			fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("%s failed (%s): %s", run.Author, run.ErrorKind, run.Error)))
		case run.Output != nil:
			fmt.Fprintln(w, assistantStyle.Render(run.Author+":"))
			fmt.Fprintln(w, contentStyle.Render(run.Output.Text()))
		}

		for _, warning := range run.Warnings {
			fmt.Fprintln(w, warnStyle.Render("! "+warning.String()))
		}

		fmt.Fprintln(w)
	}

	if sess.Summary != nil {
		fmt.Fprintln(w, headerStyle.Render("Summary"))
		fmt.Fprintln(w, contentStyle.Render(sess.Summary.Text))
		fmt.Fprintln(w)
	}

	if len(sess.State) > 0 {
		fmt.Fprintln(w, headerStyle.Render("State"))
		for _, k := range slices.Sorted(maps.Keys(sess.State)) {
			fmt.Fprintln(w, contentStyle.Render(fmt.Sprintf("%s = %v", k, sess.State[k])))
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
