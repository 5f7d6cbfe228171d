// internal/browser/errors.go
package browser

import "fmt"

// LaunchError means the browser process itself could not be started.
// Nothing useful can be reported about the target after one of these.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch browser: %v", e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// NavigationError is returned when the target is unreachable or does not
// finish loading within the navigation timeout.
type NavigationError struct {
	Target string
	Err    error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed: %v", e.Target, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// ExtractionError wraps a failure to read a fact from the page context,
// such as a thrown exception or an undefined global.
type ExtractionError struct {
	Fact string
	Expr string
	Err  error
}

func (e *ExtractionError) Error() string {
	if e.Fact == "" {
		return fmt.Sprintf("evaluating %q: %v", e.Expr, e.Err)
	}
	return fmt.Sprintf("extracting %s: %v", e.Fact, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }
