// internal/reporting/report.go
package reporting

import (
	"fmt"
	"time"
)

// Verdict is the outcome of a single check.
type Verdict string

const (
	Pass Verdict = "PASS"
	Fail Verdict = "FAIL"
)

// Row is one line of a report.
type Row struct {
	Name     string  `json:"name"`
	Expected string  `json:"expected,omitempty"`
	Actual   string  `json:"actual,omitempty"`
	Verdict  Verdict `json:"verdict"`
	Detail   string  `json:"detail,omitempty"`
}

// Passed reports whether the row is a PASS.
func (r Row) Passed() bool { return r.Verdict == Pass }

// PassRow builds a passing row.
func PassRow(name, expected, actual string) Row {
	return Row{Name: name, Expected: expected, Actual: actual, Verdict: Pass}
}

// FailRow builds a failing row with a detail message.
func FailRow(name, expected, actual, detail string) Row {
	return Row{Name: name, Expected: expected, Actual: actual, Verdict: Fail, Detail: detail}
}

// ErrorRow records an operation that could not complete as a failing row.
func ErrorRow(name string, err error) Row {
	return Row{Name: name, Verdict: Fail, Detail: err.Error()}
}

// Report is the ordered result of one scenario or probe invocation.
type Report struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Target    string        `json:"target,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Rows      []Row         `json:"rows"`
	Artifacts []string      `json:"artifacts,omitempty"`
}

// NewReport starts an empty report.
func NewReport(id, name, target string) *Report {
	return &Report{ID: id, Name: name, Target: target, StartedAt: time.Now()}
}

// Add appends rows in order.
func (r *Report) Add(rows ...Row) {
	r.Rows = append(r.Rows, rows...)
}

// Finish stamps the report duration.
func (r *Report) Finish() {
	r.Duration = time.Since(r.StartedAt)
}

// Failed counts failing rows.
func (r *Report) Failed() int {
	n := 0
	for _, row := range r.Rows {
		if !row.Passed() {
			n++
		}
	}
	return n
}

// Passed is true when no row failed.
func (r *Report) Passed() bool { return r.Failed() == 0 }

// Score is the percentage of passing rows. An empty report scores 100.
func (r *Report) Score() float64 {
	if len(r.Rows) == 0 {
		return 100
	}
	return float64(len(r.Rows)-r.Failed()) / float64(len(r.Rows)) * 100
}

// Summary is a single line outcome, e.g. "fish-click: 3/4 passed".
func (r *Report) Summary() string {
	return fmt.Sprintf("%s: %d/%d passed", r.Name, len(r.Rows)-r.Failed(), len(r.Rows))
}

// ExitCode reduces any number of reports to a process exit code:
// 0 when every report passed, 1 otherwise.
func ExitCode(reports ...*Report) int {
	for _, r := range reports {
		if r == nil || !r.Passed() {
			return 1
		}
	}
	return 0
}
