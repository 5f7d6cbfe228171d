// internal/reporting/json_reporter.go
package reporting

import (
	"encoding/json"
	"io"
)

// JSONReporter buffers reports and writes a single JSON document on Close.
type JSONReporter struct {
	w       io.WriteCloser
	reports []*Report
}

type jsonDocument struct {
	Passed  bool      `json:"passed"`
	Reports []*Report `json:"reports"`
}

func NewJSONReporter(w io.WriteCloser) *JSONReporter {
	return &JSONReporter{w: w}
}

func (j *JSONReporter) Write(r *Report) error {
	j.reports = append(j.reports, r)
	return nil
}

func (j *JSONReporter) Close() error {
	doc := jsonDocument{Passed: ExitCode(j.reports...) == 0, Reports: j.reports}
	if doc.Reports == nil {
		doc.Reports = []*Report{}
	}
	enc := json.NewEncoder(j.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		j.w.Close()
		return err
	}
	return j.w.Close()
}
