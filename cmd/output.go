// cmd/output.go
package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/xkilldash9x/probe-cli/internal/reporting"
)

// addOutputFlags registers --format and --output.
func addOutputFlags(flags *pflag.FlagSet) {
	flags.String("format", "text", "report format: "+strings.Join(reporting.Formats, ", "))
	flags.StringP("output", "o", "", "write the report to a file instead of stdout")
}

// writeReports renders reports with the command's output flags and turns any
// failing row into errChecksFailed.
func writeReports(cmd *cobra.Command, reports ...*reporting.Report) error {
	format, _ := cmd.Flags().GetString("format")
	output, _ := cmd.Flags().GetString("output")

	reporter, err := reporting.NewWithStdout(format, output, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	var writeErr error
	for _, rep := range reports {
		if rep == nil {
			continue
		}
		if err := reporter.Write(rep); err != nil {
			writeErr = errors.Join(writeErr, fmt.Errorf("writing report %s: %w", rep.Name, err))
		}
	}
	if err := reporter.Close(); err != nil {
		writeErr = errors.Join(writeErr, fmt.Errorf("closing reporter: %w", err))
	}
	if writeErr != nil {
		return writeErr
	}
	if reporting.ExitCode(reports...) != 0 {
		return errChecksFailed
	}
	return nil
}
