// cmd/deploy.go
package cmd

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/probe-cli/internal/observability"
	"github.com/xkilldash9x/probe-cli/internal/reporting"
	"github.com/xkilldash9x/probe-cli/internal/source"
)

func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy URL",
		Short: "Wait until a deployment marker shows up in the served page source",
		Long: `Fetches URL with caching disabled until its raw source contains --marker,
then checks the title, the response time and that every --selector matches in
the static markup.
Static hosts often need a few minutes to roll out; tune --attempts and --interval.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := configFrom(cmd); err != nil {
				return err
			}
			marker, _ := cmd.Flags().GetString("marker")
			selectors, _ := cmd.Flags().GetStringSlice("selector")
			attempts, _ := cmd.Flags().GetInt("attempts")
			interval, _ := cmd.Flags().GetDuration("interval")
			timeout, _ := cmd.Flags().GetDuration("request-timeout")
			maxResponse, _ := cmd.Flags().GetDuration("max-response-time")

			rep := reporting.NewReport(uuid.New().String(), "deploy", args[0])
			page, err := source.WaitForMarker(cmd.Context(), source.NewClient(timeout), args[0], marker, attempts, interval, observability.GetLogger())
			if page == nil {
				rep.Add(reporting.ErrorRow("fetch", err))
			} else {
				rep.Add(reporting.PassRow("fetch", "2xx", strconv.Itoa(page.Status)))
				rep.Add(page.ResponseRow(maxResponse))
				rep.Add(page.Rows(marker, selectors)...)
			}
			rep.Finish()
			return writeReports(cmd, rep)
		},
	}
	flags := cmd.Flags()
	flags.String("marker", "", "text the new deployment contains, e.g. a version comment")
	flags.StringSlice("selector", nil, "CSS selector that must match at least once (repeatable)")
	flags.Int("attempts", 10, "fetch attempts before giving up")
	flags.Duration("interval", 30*time.Second, "time between attempts")
	flags.Duration("request-timeout", 15*time.Second, "timeout of a single fetch")
	flags.Duration("max-response-time", 5*time.Second, "slowest acceptable fetch of the final page (0 only records it)")
	addOutputFlags(flags)
	_ = cmd.MarkFlagRequired("marker")
	return cmd
}
