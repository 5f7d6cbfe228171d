// internal/metrics/metrics_test.go
package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/probe-cli/internal/reporting"
)

func TestObserveReport(t *testing.T) {
	m := New()

	pass := reporting.NewReport("1", "fish", "")
	pass.Add(reporting.PassRow("a", "1", "1"), reporting.PassRow("b", "1", "1"))
	pass.Finish()
	fail := reporting.NewReport("2", "fish", "")
	fail.Add(reporting.PassRow("a", "1", "1"), reporting.FailRow("b", "1", "0", ""))
	fail.Finish()

	m.ObserveReport(pass)
	m.ObserveReport(fail)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("fish", "pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("fish", "fail")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.checksTotal.WithLabelValues("PASS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checksTotal.WithLabelValues("FAIL")))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.lastScore.WithLabelValues("fish")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.runDuration))
}

func TestBackendRecorder(t *testing.T) {
	m := New()
	m.ObserveRequest("select", 503)
	m.ObserveRequest("select", 200)
	m.ObserveRequest("insert", 0)
	m.ObserveRetry("select")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.backendRequests.WithLabelValues("select", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backendRequests.WithLabelValues("insert", "0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backendRetries.WithLabelValues("select")))

	expected := `
# HELP probe_backend_retries_total Backend requests retried after a transient failure.
# TYPE probe_backend_retries_total counter
probe_backend_retries_total{op="select"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "probe_backend_retries_total"))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveRetry("delete")
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `probe_backend_retries_total{op="delete"} 1`)

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestServe(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, "127.0.0.1:0", zaptest.NewLogger(t)) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	assert.Error(t, m.Serve(context.Background(), "256.0.0.1:bad", zaptest.NewLogger(t)))
}
