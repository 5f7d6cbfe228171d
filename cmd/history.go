// cmd/history.go
package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/probe-cli/internal/history"
)

var historyHeader = lipgloss.NewStyle().Bold(true)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [SCENARIO]",
		Short: "Show recorded runs and the progress of a scenario",
		Long: `Without arguments lists the scenarios that have recorded runs. With a
scenario name prints its most recent runs, oldest first, followed by the
progress analysis.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")

			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				names, err := store.Scenarios(ctx)
				if err != nil {
					return err
				}
				if len(names) == 0 {
					fmt.Fprintln(out, "no runs recorded")
					return nil
				}
				for _, n := range names {
					fmt.Fprintln(out, n)
				}
				return nil
			}

			runs, err := store.Recent(ctx, args[0], limit)
			if errors.Is(err, history.ErrNoRuns) {
				return fmt.Errorf("no runs recorded for scenario %q", args[0])
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(out, historyHeader.Render(args[0]))
			for _, r := range runs {
				fmt.Fprintf(out, "  %s  %6.1f  %d passed  %d failed  %s\n",
					r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Score, r.Passed, r.Failed, r.Duration.Round(time.Millisecond))
			}
			fmt.Fprintln(out, history.Analyze(runs).String())
			return nil
		},
	}
	cmd.Flags().Int("limit", history.TrendWindow, "number of recent runs to show")
	return cmd
}
