// internal/backend/probe.go
package backend

import (
	"context"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/probe-cli/internal/reporting"
)

// TableState classifies what a read probe found.
type TableState string

const (
	StateAccessible TableState = "accessible"
	StateEmpty      TableState = "empty"
	StateMissing    TableState = "missing"
	StateDenied     TableState = "denied"
	StateError      TableState = "error"
)

// Reachable reports whether the table exists and could be read.
func (s TableState) Reachable() bool {
	return s == StateAccessible || s == StateEmpty
}

// TableStatus is the result of ProbeTable.
type TableStatus struct {
	Table string
	State TableState
	// Rows is the exact row count when the server reported one, otherwise
	// the number of rows in the sample.
	Rows   int64
	Status int
	Err    error
}

// Row renders the status as a report row. An empty table passes: it exists
// and is readable, which is a different fact from a missing one.
func (s TableStatus) Row() reporting.Row {
	name := "table " + s.Table
	switch s.State {
	case StateAccessible:
		return reporting.PassRow(name, "readable", fmt.Sprintf("accessible (%d rows)", s.Rows))
	case StateEmpty:
		return reporting.PassRow(name, "readable", "empty (0 rows)")
	}
	detail := ""
	if s.Err != nil {
		detail = s.Err.Error()
	}
	return reporting.FailRow(name, "readable", string(s.State), detail)
}

// ProbeTable reads at most one row with an exact count and classifies the
// outcome. It never returns an error; failures are part of the status.
func (c *Client) ProbeTable(ctx context.Context, table string) TableStatus {
	status := TableStatus{Table: table}
	resp, err := c.Count(ctx, table, url.Values{"select": {"*"}, "limit": {"1"}})
	if err != nil {
		status.Err = err
		status.State = classify(err)
		if be, ok := AsBackendError(err); ok {
			status.Status = be.Status
		}
		return status
	}

	status.Status = resp.Status
	status.Rows = resp.Total
	if status.Rows < 0 {
		status.Rows = int64(len(resp.Rows))
	}
	if status.Rows == 0 {
		status.State = StateEmpty
	} else {
		status.State = StateAccessible
	}
	return status
}

func classify(err error) TableState {
	be, ok := AsBackendError(err)
	switch {
	case !ok:
		return StateError
	case be.Missing():
		return StateMissing
	case be.Denied():
		return StateDenied
	}
	return StateError
}

// ColumnStatus is the result of probing one column.
type ColumnStatus struct {
	Table   string
	Column  string
	Present bool
	Err     error
}

// Row renders the column status as a report row.
func (s ColumnStatus) Row() reporting.Row {
	name := fmt.Sprintf("column %s.%s", s.Table, s.Column)
	if s.Present {
		return reporting.PassRow(name, "present", "present")
	}
	actual := "missing"
	detail := ""
	if s.Err != nil {
		detail = s.Err.Error()
		if !isMissingColumn(s.Err, s.Column) {
			actual = "error"
		}
	}
	return reporting.FailRow(name, "present", actual, detail)
}

// CheckColumns selects each column on its own with limit=0 so every missing
// column is named, not just the first one PostgREST complains about.
func (c *Client) CheckColumns(ctx context.Context, table string, columns []string) []ColumnStatus {
	out := make([]ColumnStatus, 0, len(columns))
	for _, col := range columns {
		st := ColumnStatus{Table: table, Column: col}
		if _, err := c.Select(ctx, table, url.Values{"select": {col}, "limit": {"0"}}); err != nil {
			st.Err = err
		} else {
			st.Present = true
		}
		out = append(out, st)
	}
	return out
}

func isMissingColumn(err error, column string) bool {
	be, ok := AsBackendError(err)
	if !ok {
		return false
	}
	if be.Code == CodeUndefinedColumn {
		return true
	}
	msg := strings.ToLower(be.Message)
	return strings.Contains(msg, "column") && strings.Contains(msg, strings.ToLower(column))
}

// RoundTripResult describes an insert followed by a delete of the same row.
type RoundTripResult struct {
	Table      string
	IDColumn   string
	Inserted   bool
	ID         interface{}
	Cleaned    bool
	InsertErr  error
	CleanupErr error
}

// Rows reports insert, id and cleanup separately. A failed cleanup is a FAIL
// row: the probe left data behind.
func (r RoundTripResult) Rows() []reporting.Row {
	prefix := "roundtrip " + r.Table
	rows := make([]reporting.Row, 0, 3)

	if !r.Inserted {
		return append(rows, reporting.ErrorRow(prefix+" insert", r.InsertErr))
	}
	rows = append(rows, reporting.PassRow(prefix+" insert", "2xx", "inserted"))

	if r.ID == nil {
		detail := fmt.Sprintf("response carried no %q; the row may need manual cleanup", r.IDColumn)
		return append(rows, reporting.FailRow(prefix+" id", "returned", "absent", detail))
	}
	rows = append(rows, reporting.PassRow(prefix+" id", "returned", formatID(r.ID)))

	if r.Cleaned {
		return append(rows, reporting.PassRow(prefix+" cleanup", "deleted", "deleted"))
	}
	detail := ""
	if r.CleanupErr != nil {
		detail = r.CleanupErr.Error()
	}
	return append(rows, reporting.FailRow(prefix+" cleanup", "deleted", "not deleted", detail))
}

// RoundTrip inserts row with return=representation, reads back idColumn and
// deletes by it.
func (c *Client) RoundTrip(ctx context.Context, table string, row map[string]interface{}, idColumn string) RoundTripResult {
	if idColumn == "" {
		idColumn = "id"
	}
	res := RoundTripResult{Table: table, IDColumn: idColumn}

	resp, err := c.Insert(ctx, table, row, true)
	if err != nil {
		res.InsertErr = err
		return res
	}
	res.Inserted = true
	if len(resp.Rows) == 0 {
		return res
	}
	res.ID = resp.Rows[0][idColumn]
	if res.ID == nil {
		return res
	}

	// Cleanup must run even when the caller's context is already done.
	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	del, err := c.Delete(cleanupCtx, table, url.Values{idColumn: {"eq." + formatID(res.ID)}})
	switch {
	case err != nil:
		res.CleanupErr = err
	case len(del.Rows) == 0:
		res.CleanupErr = errors.New("delete matched no rows; a row level security policy may block deletes")
	default:
		res.Cleaned = true
	}
	return res
}

// WaitForTable re-probes until the table is reachable, covering the window
// where a new table is not yet in the PostgREST schema cache. The last status
// is returned either way.
func (c *Client) WaitForTable(ctx context.Context, table string, attempts int, interval time.Duration) (TableStatus, error) {
	if attempts < 1 {
		attempts = 1
	}
	var last TableStatus
	tries := 0
	operation := func() error {
		tries++
		last = c.ProbeTable(ctx, table)
		if last.State.Reachable() {
			return nil
		}
		if last.State != StateMissing && last.State != StateError {
			return backoff.Permanent(fmt.Errorf("table %s is %s", table, last.State))
		}
		c.logger.Debug("Table not reachable yet.", zap.String("table", table), zap.Int("attempt", tries), zap.String("state", string(last.State)))
		return fmt.Errorf("table %s is %s", table, last.State)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return last, fmt.Errorf("waiting for table %s after %d attempts: %w", table, tries, err)
	}
	return last, nil
}

// formatID renders a decoded JSON id for a filter. Rows decode numbers as
// json.Number, which keeps the literal digits; a float64 must not be
// printed in exponent form.
func formatID(id interface{}) string {
	switch v := id.(type) {
	case stdjson.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return fmt.Sprint(id)
}
