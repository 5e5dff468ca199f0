// Package metrics exposes the run coordinator's Prometheus instrumentation:
// run duration, rows diffed, sync batches, token refreshes, and lease wait
// time.
package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "address_etl_run_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"pipeline", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "address_etl_run_duration_seconds",
			Help:    "Duration of a full pipeline run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34 minutes
		},
		[]string{"pipeline"},
	)

	LeaseWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "address_etl_lease_wait_duration_seconds",
			Help:    "Time spent waiting to acquire the run lease",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"pipeline"},
	)

	RowsDiffed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "address_etl_rows_diffed_total",
			Help: "Total number of rows found added or deleted by the diff engine",
		},
		[]string{"pipeline", "entity", "change"}, // change: "added" | "deleted"
	)

	SyncBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "address_etl_sync_batches_total",
			Help: "Total number of applyEdits batches sent to the feature service",
		},
		[]string{"pipeline", "entity", "operation", "status"}, // operation: "insert" | "delete"
	)

	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "address_etl_token_refresh_total",
			Help: "Total number of ESRI token refreshes",
		},
		[]string{"status"},
	)
)

// Serve starts a background HTTP server exposing /metrics on addr. It
// returns once the listener is bound; serve errors are logged by the
// caller-supplied errFn, matching the fire-and-forget pattern used for the
// Slack bot's metrics endpoint.
func Serve(ctx context.Context, addr string, errFn func(error)) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		server.Close()
	}()
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errFn(err)
		}
	}()
	return nil
}
