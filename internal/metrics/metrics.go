// internal/metrics/metrics.go
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/probe-cli/internal/reporting"
)

const namespace = "probe"

// Metrics holds the collectors for scenario runs and backend probes. Each
// instance owns its registry so tests and commands never share state.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	checksTotal     *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	lastScore       *prometheus.GaugeVec
	backendRequests *prometheus.CounterVec
	backendRetries  *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Scenario runs by outcome.",
		}, []string{"scenario", "result"}),
		checksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Report rows by verdict.",
		}, []string{"verdict"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a scenario run.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"scenario"}),
		lastScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_score",
			Help:      "Percentage of passing checks in the latest run.",
		}, []string{"scenario"}),
		backendRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Backend HTTP requests by operation and status code (0 for transport errors).",
		}, []string{"op", "code"}),
		backendRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_retries_total",
			Help:      "Backend requests retried after a transient failure.",
		}, []string{"op"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveReport records one finished report.
func (m *Metrics) ObserveReport(rep *reporting.Report) {
	result := "pass"
	if !rep.Passed() {
		result = "fail"
	}
	m.runsTotal.WithLabelValues(rep.Name, result).Inc()
	m.runDuration.WithLabelValues(rep.Name).Observe(rep.Duration.Seconds())
	m.lastScore.WithLabelValues(rep.Name).Set(rep.Score())
	for _, row := range rep.Rows {
		m.checksTotal.WithLabelValues(string(row.Verdict)).Inc()
	}
}

// ObserveRequest implements backend.Recorder.
func (m *Metrics) ObserveRequest(op string, status int) {
	m.backendRequests.WithLabelValues(op, strconv.Itoa(status)).Inc()
}

// ObserveRetry implements backend.Recorder.
func (m *Metrics) ObserveRetry(op string) {
	m.backendRetries.WithLabelValues(op).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Serve exposes Handler on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("Metrics endpoint listening.", zap.String("addr", "http://"+ln.Addr().String()+"/metrics"))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down metrics server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
