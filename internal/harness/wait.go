// internal/harness/wait.go
package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Wait strategies.
const (
	WaitDelay       = "delay"
	WaitNetworkIdle = "network_idle"
	WaitPoll        = "poll"
	WaitStable      = "stable"
	WaitSelector    = "selector"
)

// WaitTimeoutError is returned when a wait condition never held within its
// attempt budget or deadline.
type WaitTimeoutError struct {
	Strategy string
	Attempts int
	Elapsed  time.Duration
	// Last is the most recent error seen while polling, if any.
	Last error
}

func (e *WaitTimeoutError) Error() string {
	strategy := e.Strategy
	if strategy == "" {
		strategy = WaitPoll
	}
	msg := fmt.Sprintf("%s wait timed out after %d attempts (%s)", strategy, e.Attempts, e.Elapsed.Round(time.Millisecond))
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *WaitTimeoutError) Unwrap() error { return e.Last }

var errNotYet = errors.New("condition not met")

// Poll evaluates cond up to attempts times, interval apart, and returns as
// soon as it reports true. Errors from cond count as "not yet" so a page that
// is still booting can throw without aborting the wait.
func Poll(ctx context.Context, attempts int, interval time.Duration, cond func(ctx context.Context) (bool, error)) error {
	if attempts < 1 {
		attempts = 1
	}
	start := time.Now()
	tries := 0
	var last error

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)), ctx)
	err := backoff.Retry(func() error {
		tries++
		ok, err := cond(ctx)
		if err != nil {
			last = err
			return err
		}
		if !ok {
			return errNotYet
		}
		return nil
	}, b)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && last == nil {
		last = ctx.Err()
	}
	return &WaitTimeoutError{Attempts: tries, Elapsed: time.Since(start), Last: last}
}

// WaitSpec describes how to decide a page has settled.
type WaitSpec struct {
	Strategy string        `yaml:"strategy"`
	Expr     string        `yaml:"expr,omitempty"`
	Selector string        `yaml:"selector,omitempty"`
	Duration time.Duration `yaml:"duration,omitempty"`
	Quiet    time.Duration `yaml:"quiet,omitempty"`
	Attempts int           `yaml:"attempts,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

func (w *WaitSpec) validate() error {
	switch w.Strategy {
	case WaitDelay:
		if w.Duration <= 0 {
			return errors.New("delay wait requires a positive duration")
		}
	case WaitNetworkIdle:
	case WaitPoll, WaitStable:
		if w.Expr == "" {
			return fmt.Errorf("%s wait requires expr", w.Strategy)
		}
	case WaitSelector:
		if w.Selector == "" {
			return errors.New("selector wait requires selector")
		}
	case "":
		return errors.New("wait strategy is required")
	default:
		return fmt.Errorf("unknown wait strategy %q", w.Strategy)
	}
	if w.Attempts < 0 {
		return errors.New("wait attempts must not be negative")
	}
	return nil
}

// WaitDefaults supplies attempt budgets for specs that leave them unset.
type WaitDefaults struct {
	Attempts int
	Interval time.Duration
	Quiet    time.Duration
}

// Await blocks until the wait condition holds or its budget runs out.
func Await(ctx context.Context, page Page, spec WaitSpec, defaults WaitDefaults, logger *zap.Logger) error {
	attempts, interval := spec.Attempts, spec.Interval
	if attempts == 0 {
		attempts = defaults.Attempts
	}
	if interval <= 0 {
		interval = defaults.Interval
	}

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	var err error
	switch spec.Strategy {
	case WaitDelay:
		logger.Warn("Fixed delay wait; a condition based wait is more reliable.", zap.Duration("duration", spec.Duration))
		t := time.NewTimer(spec.Duration)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}

	case WaitNetworkIdle:
		quiet := spec.Quiet
		if quiet <= 0 {
			quiet = defaults.Quiet
		}
		idleCtx := ctx
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			idleCtx, cancel = context.WithTimeout(ctx, time.Duration(attempts)*interval+quiet)
			defer cancel()
		}
		start := time.Now()
		if err := page.WaitNetworkIdle(idleCtx, quiet); err != nil {
			return &WaitTimeoutError{Strategy: spec.Strategy, Attempts: 1, Elapsed: time.Since(start), Last: err}
		}
		return nil

	case WaitPoll:
		err = Poll(ctx, attempts, interval, truthy(page, spec.Expr))

	case WaitSelector:
		err = Poll(ctx, attempts, interval, truthy(page, fmt.Sprintf("document.querySelector(%s) !== null", jsString(spec.Selector))))

	case WaitStable:
		var prev []byte
		err = Poll(ctx, attempts, interval, func(ctx context.Context) (bool, error) {
			v, err := page.Evaluate(ctx, spec.Expr)
			if err != nil {
				prev = nil
				return false, err
			}
			cur := append([]byte(v.Type+":"), v.Raw...)
			stable := prev != nil && bytes.Equal(prev, cur)
			prev = cur
			return stable, nil
		})

	default:
		return fmt.Errorf("unknown wait strategy %q", spec.Strategy)
	}

	var timeout *WaitTimeoutError
	if errors.As(err, &timeout) {
		timeout.Strategy = spec.Strategy
	}
	return err
}

func truthy(page Page, expr string) func(ctx context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		v, err := page.Evaluate(ctx, "Boolean("+expr+")")
		if err != nil {
			return false, err
		}
		var ok bool
		if err := v.Decode(&ok); err != nil {
			return false, err
		}
		return ok, nil
	}
}
