// internal/reporting/text_reporter.go
package reporting

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/pmezard/go-difflib/difflib"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#15803D", Dark: "#22C55E"}).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#EF4444"}).Bold(true)
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"})
)

// TextReporter writes a human readable PASS/FAIL listing per report.
type TextReporter struct {
	w io.WriteCloser
}

// NewTextReporter takes ownership of w.
func NewTextReporter(w io.WriteCloser) *TextReporter {
	return &TextReporter{w: w}
}

func (t *TextReporter) Write(r *Report) error {
	var b strings.Builder

	header := r.Name
	if r.Target != "" {
		header += " (" + r.Target + ")"
	}
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n")

	for _, row := range r.Rows {
		verdict := passStyle.Render(string(Pass))
		if !row.Passed() {
			verdict = failStyle.Render(string(Fail))
		}
		fmt.Fprintf(&b, "  %s %s", verdict, row.Name)
		if row.Expected != "" || row.Actual != "" {
			fmt.Fprintf(&b, "  expected %s, got %s", row.Expected, row.Actual)
		}
		b.WriteString("\n")
		if !row.Passed() {
			if detail := rowDetail(row); detail != "" {
				for _, line := range strings.Split(strings.TrimRight(detail, "\n"), "\n") {
					b.WriteString("      ")
					b.WriteString(detailStyle.Render(line))
					b.WriteString("\n")
				}
			}
		}
	}

	for _, a := range r.Artifacts {
		fmt.Fprintf(&b, "  artifact: %s\n", a)
	}

	summary := r.Summary()
	if r.Passed() {
		summary = passStyle.Render(summary)
	} else {
		summary = failStyle.Render(summary)
	}
	fmt.Fprintf(&b, "%s (%s)\n\n", summary, r.Duration.Round(time.Millisecond))

	_, err := io.WriteString(t.w, b.String())
	return err
}

func (t *TextReporter) Close() error {
	return t.w.Close()
}

// rowDetail returns the detail message, with a unified diff appended when
// a multi-line text comparison failed.
func rowDetail(row Row) string {
	if !strings.Contains(row.Expected, "\n") && !strings.Contains(row.Actual, "\n") {
		return row.Detail
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(row.Expected),
		B:        difflib.SplitLines(row.Actual),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  2,
	})
	if err != nil || diff == "" {
		return row.Detail
	}
	if row.Detail == "" {
		return diff
	}
	return row.Detail + "\n" + diff
}
