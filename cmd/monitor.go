// cmd/monitor.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/probe-cli/internal/backend"
	"github.com/xkilldash9x/probe-cli/internal/config"
	"github.com/xkilldash9x/probe-cli/internal/harness"
	"github.com/xkilldash9x/probe-cli/internal/history"
	"github.com/xkilldash9x/probe-cli/internal/metrics"
	"github.com/xkilldash9x/probe-cli/internal/observability"
	"github.com/xkilldash9x/probe-cli/internal/reporting"
)

func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor SCENARIO...",
		Short: "Re-run scenarios on an interval, record history and report progress",
		Long: `Runs the scenarios every --interval, records each run in the history
database and prints the score change against the previous run and the trend
over the last runs. --count 0 keeps going until interrupted. With
metrics.enabled a Prometheus endpoint is served while monitoring.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			logger := observability.GetLogger().Named("monitor")
			interval, _ := cmd.Flags().GetDuration("interval")
			count, _ := cmd.Flags().GetInt("count")
			tables, _ := cmd.Flags().GetStringSlice("table")

			scenarios, err := loadScenarios(args, cmd)
			if err != nil {
				return err
			}

			var store *history.Store
			if cfg.History.Enabled {
				if store, err = history.Open(cfg.History.Path); err != nil {
					return err
				}
				defer store.Close()
			}

			m := metrics.New()
			var client *backend.Client
			if len(tables) > 0 {
				if client, err = backend.New(cfg.Backend, logger, backend.WithRecorder(m)); err != nil {
					return err
				}
			}

			mon := &monitor{
				runner:    newRunner(cmd, cfg, logger),
				scenarios: scenarios,
				store:     store,
				metrics:   m,
				client:    client,
				tables:    tables,
				out:       cmd.OutOrStdout(),
				logger:    logger,
				interval:  interval,
				count:     count,
			}
			return mon.start(cmd.Context(), cfg)
		},
	}
	flags := cmd.Flags()
	flags.Duration("interval", 5*time.Minute, "time between iterations")
	flags.Int("count", 0, "number of iterations (0 runs until interrupted)")
	flags.StringSlice("table", nil, "backend table to probe each iteration (repeatable)")
	flags.Bool("metrics", false, "serve Prometheus metrics while monitoring")
	flags.String("metrics-addr", "", "metrics listen address")
	bindFlag(flags, "metrics", "metrics.enabled")
	bindFlag(flags, "metrics-addr", "metrics.addr")
	return cmd
}

type monitor struct {
	runner    *harness.Runner
	scenarios []*harness.Scenario
	store     *history.Store
	metrics   *metrics.Metrics
	client    *backend.Client
	tables    []string
	out       io.Writer
	logger    *zap.Logger
	interval  time.Duration
	count     int
}

// start runs the iteration loop beside the optional metrics server. The
// server stops when the loop ends.
func (m *monitor) start(ctx context.Context, cfg *config.Config) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(loopCtx)

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return m.metrics.Serve(gctx, cfg.Metrics.Addr, m.logger)
		})
	}

	var last []*reporting.Report
	g.Go(func() error {
		defer cancel()
		for i := 1; ; i++ {
			reports, err := m.iterate(gctx, i)
			if err != nil {
				return err
			}
			last = reports
			if m.count > 0 && i >= m.count {
				return nil
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-time.After(m.interval):
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if reporting.ExitCode(last...) != 0 {
		return errChecksFailed
	}
	return nil
}

func (m *monitor) iterate(ctx context.Context, i int) ([]*reporting.Report, error) {
	m.logger.Info("Starting iteration.", zap.Int("iteration", i))
	reports, err := m.runner.RunAll(ctx, m.scenarios)
	if err != nil {
		return reports, err
	}

	if m.client != nil {
		rep := reporting.NewReport(uuid.New().String(), "backend", "")
		for _, table := range m.tables {
			rep.Add(m.client.ProbeTable(ctx, table).Row())
		}
		rep.Finish()
		reports = append(reports, rep)
	}

	for _, rep := range reports {
		m.metrics.ObserveReport(rep)
		line := rep.Summary()
		if m.store != nil {
			if err := m.store.Record(ctx, history.RecordFromReport(rep)); err != nil {
				m.logger.Warn("Failed to record run.", zap.String("scenario", rep.Name), zap.Error(err))
			} else if runs, err := m.store.Recent(ctx, rep.Name, history.TrendWindow); err == nil {
				line += " | " + history.Analyze(runs).String()
			}
		}
		if _, err := fmt.Fprintf(m.out, "[%d] %s\n", i, line); err != nil {
			return reports, err
		}
	}
	return reports, nil
}
