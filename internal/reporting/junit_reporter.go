// internal/reporting/junit_reporter.go
package reporting

import (
	"fmt"
	"io"

	"github.com/beevik/etree"
)

// JUnitReporter renders reports as a JUnit XML document so CI systems can
// display each row as a test case. Output is written on Close.
type JUnitReporter struct {
	w       io.WriteCloser
	reports []*Report
}

func NewJUnitReporter(w io.WriteCloser) *JUnitReporter {
	return &JUnitReporter{w: w}
}

func (j *JUnitReporter) Write(r *Report) error {
	j.reports = append(j.reports, r)
	return nil
}

func (j *JUnitReporter) Close() error {
	doc := j.document()
	doc.Indent(2)
	if _, err := doc.WriteTo(j.w); err != nil {
		j.w.Close()
		return fmt.Errorf("failed to write junit report: %w", err)
	}
	return j.w.Close()
}

func (j *JUnitReporter) document() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	suites := doc.CreateElement("testsuites")

	total, failures := 0, 0
	for _, r := range j.reports {
		suite := suites.CreateElement("testsuite")
		suite.CreateAttr("name", r.Name)
		suite.CreateAttr("tests", fmt.Sprint(len(r.Rows)))
		suite.CreateAttr("failures", fmt.Sprint(r.Failed()))
		suite.CreateAttr("time", fmt.Sprintf("%.3f", r.Duration.Seconds()))
		suite.CreateAttr("timestamp", r.StartedAt.UTC().Format("2006-01-02T15:04:05"))
		if r.Target != "" {
			props := suite.CreateElement("properties")
			prop := props.CreateElement("property")
			prop.CreateAttr("name", "target")
			prop.CreateAttr("value", r.Target)
		}

		for _, row := range r.Rows {
			tc := suite.CreateElement("testcase")
			tc.CreateAttr("classname", r.Name)
			tc.CreateAttr("name", row.Name)
			if !row.Passed() {
				f := tc.CreateElement("failure")
				f.CreateAttr("message", fmt.Sprintf("expected %s, got %s", row.Expected, row.Actual))
				f.SetText(row.Detail)
			}
		}
		total += len(r.Rows)
		failures += r.Failed()
	}
	suites.CreateAttr("tests", fmt.Sprint(total))
	suites.CreateAttr("failures", fmt.Sprint(failures))
	return doc
}
