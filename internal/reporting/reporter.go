// internal/reporting/reporter.go
package reporting

import (
	"fmt"
	"io"
	"os"
)

// Reporter writes reports to an output.
type Reporter interface {
	// Write processes a single report.
	Write(report *Report) error
	// Close finalizes the output and releases any file handle.
	Close() error
}

type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// Formats lists the supported output formats.
var Formats = []string{"text", "json", "junit"}

// New creates a reporter for format, writing to outputPath ("" or "stdout"
// means os.Stdout).
func New(format, outputPath string) (Reporter, error) {
	return NewWithStdout(format, outputPath, os.Stdout)
}

// NewWithStdout is New with an explicit writer standing in for stdout.
func NewWithStdout(format, outputPath string, stdout io.Writer) (Reporter, error) {
	switch format {
	case "text", "json", "junit":
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		writer = &nopWriteCloser{stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	switch format {
	case "json":
		return NewJSONReporter(writer), nil
	case "junit":
		return NewJUnitReporter(writer), nil
	default:
		return NewTextReporter(writer), nil
	}
}
