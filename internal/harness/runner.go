// internal/harness/runner.go
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/probe-cli/internal/browser"
	"github.com/xkilldash9x/probe-cli/internal/config"
	"github.com/xkilldash9x/probe-cli/internal/reporting"
)

// Runner executes scenarios one at a time: open, wait, steps, assert, close.
type Runner struct {
	open    Opener
	logger  *zap.Logger
	harness config.HarnessConfig
	base    browser.Options
	input   *LineReader
	prompt  io.Writer
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithOpener replaces the browser opener, mainly for tests.
func WithOpener(open Opener) RunnerOption {
	return func(r *Runner) { r.open = open }
}

// WithConsole sets where interactive pauses read from and prompt to.
func WithConsole(stdin io.Reader, prompt io.Writer) RunnerOption {
	return func(r *Runner) {
		if stdin != nil {
			r.input = NewLineReader(stdin)
		}
		r.prompt = prompt
	}
}

// NewRunner builds a runner from configuration.
func NewRunner(cfg *config.Config, logger *zap.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		logger:  logger.Named("runner"),
		harness: cfg.Harness,
		base:    browser.OptionsFromConfig(cfg.Browser, cfg.Harness),
	}
	r.open = BrowserOpener(logger)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one scenario and always returns a report. The error is
// non-nil only when the browser could not be launched or ctx was canceled,
// conditions that should stop any remaining scenarios too.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (*reporting.Report, error) {
	report := reporting.NewReport(uuid.New().String(), sc.Name, sc.Target)
	defer report.Finish()

	logger := r.logger.With(zap.String("scenario", sc.Name), zap.String("run_id", report.ID))

	if err := sc.Validate(true); err != nil {
		report.Add(reporting.ErrorRow("scenario", err))
		return report, nil
	}

	timeout := sc.Options.Timeout()
	if timeout <= 0 {
		timeout = r.harness.RunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := sc.Options.Apply(r.base)

	// 1. Open.
	logger.Info("Opening target.", zap.Bool("headless", opts.Headless))
	page, err := r.open(runCtx, sc.Target, opts)
	if err != nil {
		report.Add(reporting.ErrorRow("open", err))
		var launchErr *browser.LaunchError
		switch {
		case errors.As(err, &launchErr):
			return report, err
		case ctx.Err() != nil:
			return report, ctx.Err()
		}
		logger.Warn("Target could not be opened; skipping remaining steps.", zap.Error(err))
		return report, nil
	}

	var closeOnce sync.Once
	release := func() {
		closeOnce.Do(func() {
			if cerr := page.Close(); cerr != nil {
				logger.Debug("Session close reported an error.", zap.Error(cerr))
			}
		})
	}
	defer release()

	report.Target = page.URL()
	report.Add(reporting.PassRow("open", "loaded", page.URL()))

	defaults := WaitDefaults{
		Attempts: r.harness.WaitAttempts,
		Interval: r.harness.WaitInterval,
		Quiet:    r.harness.NetworkQuietPeriod,
	}

	// 2. Initial wait.
	if sc.Wait != nil {
		if err := Await(runCtx, page, *sc.Wait, defaults, logger); err != nil {
			logger.Warn("Initial wait failed.", zap.Error(err))
			report.Add(reporting.FailRow("wait "+sc.Wait.Strategy, "condition met", "timeout", err.Error()))
		}
	}

	// 3. Steps.
	obs := NewObservation()
	env := ActEnv{
		Scenario:      sc.Name,
		ScreenshotDir: r.harness.ScreenshotDir,
		MaxPause:      r.harness.MaxPause,
		Headless:      opts.Headless,
		Input:         r.input,
		Prompt:        r.prompt,
		Logger:        logger,
	}
	for i, step := range sc.Steps {
		if runCtx.Err() != nil {
			report.Add(reporting.FailRow("run", fmt.Sprintf("finish within %s", timeout), "deadline exceeded",
				fmt.Sprintf("stopped before %s", step.Label(i))))
			break
		}
		label := step.Label(i)
		logger.Debug("Running step.", zap.String("step", label))

		switch {
		case len(step.Observe) > 0:
			obs.Merge(Observe(runCtx, page, step.Observe))
		case step.Act != nil:
			artifacts, err := Act(runCtx, page, *step.Act, env)
			report.Artifacts = append(report.Artifacts, artifacts...)
			if err != nil {
				logger.Warn("Action failed.", zap.String("step", label), zap.Error(err))
				report.Add(reporting.ErrorRow(label, err))
			}
		case step.Wait != nil:
			if err := Await(runCtx, page, *step.Wait, defaults, logger); err != nil {
				logger.Warn("Wait failed.", zap.String("step", label), zap.Error(err))
				report.Add(reporting.FailRow(label, "condition met", "timeout", err.Error()))
			}
		}
	}

	// 4. Assert.
	report.Add(AssertAll(obs, sc.Expect)...)
	report.Add(orphanErrors(obs, sc.Expect)...)

	// 5. Evidence for failures, on a fresh deadline since runCtx may be spent.
	if !report.Passed() && r.harness.ScreenshotOnFailure {
		shotCtx, cancelShot := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		path := ScreenshotPath(r.harness.ScreenshotDir, sc.Name, "failure")
		if err := page.Screenshot(shotCtx, path); err != nil {
			logger.Debug("Failure screenshot not captured.", zap.Error(err))
		} else {
			report.Artifacts = append(report.Artifacts, path)
		}
		cancelShot()
	}

	release()
	logger.Info("Scenario finished.", zap.Int("checks", len(report.Rows)), zap.Int("failed", report.Failed()))

	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	return report, nil
}

// orphanErrors surfaces extraction failures no expectation looked at, so a
// broken extractor is never silently ignored.
func orphanErrors(obs *Observation, expectations []Expectation) []reporting.Row {
	used := map[string]bool{}
	for _, e := range expectations {
		used[e.Fact] = true
		if e.Check.Fact != "" {
			used[e.Check.Fact] = true
		}
	}
	names := make([]string, 0, len(obs.Errors))
	for name := range obs.Errors {
		if !used[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	rows := make([]reporting.Row, 0, len(names))
	for _, name := range names {
		rows = append(rows, reporting.ErrorRow("extract "+name, obs.Errors[name]))
	}
	return rows
}

// RunAll runs scenarios back to back and stops early only on a fatal error.
func (r *Runner) RunAll(ctx context.Context, scenarios []*Scenario) ([]*reporting.Report, error) {
	reports := make([]*reporting.Report, 0, len(scenarios))
	for _, sc := range scenarios {
		rep, err := r.Run(ctx, sc)
		reports = append(reports, rep)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}
