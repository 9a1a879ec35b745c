// Package metrics exposes Prometheus instrumentation for the build
// pipeline and serves it over HTTP.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	stageRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vm_builder_stage_runs_total",
		Help: "Stage executions by outcome.",
	}, []string{"stage", "result"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vm_builder_stage_duration_seconds",
		Help:    "Stage execution duration.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"stage"})
)

// RecordStage records one stage execution.
func RecordStage(stage string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	stageRuns.WithLabelValues(stage, result).Inc()
	stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// MetricsServer serves the Prometheus registry.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr.
func New(name, addr string) (*MetricsServer, error) {
	if addr == "" {
		return nil, fmt.Errorf("metrics server %s: listen address must not be empty", name)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// ListenAndServe serves until the listener fails or Shutdown is called.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
