// internal/backend/errors.go
package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// PostgREST and Postgres error codes the probes care about.
const (
	CodeTableNotInCache = "PGRST205"
	CodeUndefinedTable  = "42P01"
	CodeUndefinedColumn = "42703"
	CodeRLSViolation    = "42501"
)

// BackendError is a failed backend request: either a non-2xx response, in
// which case Status and usually Code and Message are set, or a transport
// failure carried in Err.
type BackendError struct {
	Op      string
	Table   string
	Status  int
	Code    string
	Message string
	Hint    string
	Err     error
}

func (e *BackendError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Op, e.Table)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *BackendError) Unwrap() error { return e.Err }

// Retryable reports whether the request might succeed if sent again.
func (e *BackendError) Retryable() bool {
	if e.Status == 0 {
		return e.Err != nil
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Missing reports whether the error means the table does not exist or is
// not yet visible in the schema cache.
func (e *BackendError) Missing() bool {
	return e.Status == http.StatusNotFound || e.Code == CodeTableNotInCache || e.Code == CodeUndefinedTable
}

// Denied reports whether the key was rejected or row level security refused
// the request.
func (e *BackendError) Denied() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden || e.Code == CodeRLSViolation
}

// AsBackendError unwraps err to a *BackendError.
func AsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	ok := errors.As(err, &be)
	return be, ok
}
