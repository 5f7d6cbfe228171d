// cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/probe-cli/internal/browser"
	"github.com/xkilldash9x/probe-cli/internal/config"
	"github.com/xkilldash9x/probe-cli/internal/harness"
	"github.com/xkilldash9x/probe-cli/internal/observability"
	"github.com/xkilldash9x/probe-cli/internal/staticserver"
)

// pageOpener replaces the browser in tests.
var pageOpener harness.Opener

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run SCENARIO...",
		Short: "Run scenario files against a target in a real browser",
		Long: `Runs each scenario file in order: open the target, wait for readiness,
perform the scenario steps, assert the expectations and print one report
per scenario. Exits non-zero when any check fails.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			scenarios, err := loadScenarios(args, cmd)
			if err != nil {
				return err
			}

			serveDir, _ := cmd.Flags().GetString("serve")
			stop, err := serveScenarios(ctx, cfg, serveDir, scenarios, logger)
			if err != nil {
				return err
			}
			defer stop()

			runner := newRunner(cmd, cfg, logger)
			reports, runErr := runner.RunAll(ctx, scenarios)

			if err := writeReports(cmd, reports...); err != nil && runErr == nil {
				return err
			}
			return runErr
		},
	}

	flags := cmd.Flags()
	flags.String("target", "", "override the target of every scenario (URL or file)")
	flags.Bool("headless", true, "run the browser without a window")
	flags.Duration("timeout", 0, "per scenario run timeout")
	flags.Int("wait-attempts", 0, "default attempts for condition waits")
	flags.Duration("wait-interval", 0, "default interval between wait attempts")
	flags.String("screenshot-dir", "", "directory for screenshots")
	flags.String("serve", "", "serve this directory locally and load file targets from it")
	addOutputFlags(flags)

	bindFlag(flags, "headless", "browser.headless")
	bindFlag(flags, "timeout", "harness.run_timeout")
	bindFlag(flags, "wait-attempts", "harness.wait_attempts")
	bindFlag(flags, "wait-interval", "harness.wait_interval")
	bindFlag(flags, "screenshot-dir", "harness.screenshot_dir")
	return cmd
}

func loadScenarios(paths []string, cmd *cobra.Command) ([]*harness.Scenario, error) {
	target, _ := cmd.Flags().GetString("target")
	scenarios := make([]*harness.Scenario, 0, len(paths))
	for _, p := range paths {
		sc, err := harness.LoadScenario(p)
		if err != nil {
			return nil, err
		}
		if target != "" {
			sc.Target = target
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, nil
}

// serveScenarios starts the static server when dir is set and points file
// targets at it. The returned stop function is always safe to call.
func serveScenarios(ctx context.Context, cfg *config.Config, dir string, scenarios []*harness.Scenario, logger *zap.Logger) (func(), error) {
	if dir == "" {
		return func() {}, nil
	}
	srv, err := staticserver.Start(ctx, dir, cfg.Serve.Addr, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start static server: %w", err)
	}
	for _, sc := range scenarios {
		if browser.IsFileTarget(sc.Target) {
			resolved := srv.Resolve(sc.Target)
			logger.Debug("Serving scenario target.", zap.String("scenario", sc.Name), zap.String("target", resolved))
			sc.Target = resolved
		}
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Static server shutdown failed.", zap.Error(err))
		}
	}, nil
}

func newRunner(cmd *cobra.Command, cfg *config.Config, logger *zap.Logger) *harness.Runner {
	opts := []harness.RunnerOption{harness.WithConsole(cmd.InOrStdin(), cmd.ErrOrStderr())}
	if pageOpener != nil {
		opts = append(opts, harness.WithOpener(pageOpener))
	}
	return harness.NewRunner(cfg, logger, opts...)
}
