// Package metrics exports upload engine telemetry to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rescale_ingest"

// Metrics holds the engine's collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	chunks           *prometheus.CounterVec
	chunkSplits      prometheus.Counter
	commitAttempts   *prometheus.CounterVec
	completeAttempts *prometheus.CounterVec
	bytesUploaded    prometheus.Counter
	partDuration     *prometheus.HistogramVec
	partsActive      prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Chunk uploads by outcome.",
		}, []string{"outcome"}),
		chunkSplits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_splits_total",
			Help:      "Chunks halved after a server failure.",
		}),
		commitAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_attempts_total",
			Help:      "Part commit requests by response status.",
		}, []string{"status"}),
		completeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "complete_attempts_total",
			Help:      "Completion requests by response status.",
		}, []string{"status"}),
		bytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_uploaded_total",
			Help:      "Chunk bytes acknowledged by the service.",
		}),
		partDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "part_duration_seconds",
			Help:      "Time from part start to commit or failure.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"result"}),
		partsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "parts_active",
			Help:      "Parts currently uploading.",
		}),
	}
	m.registry.MustRegister(
		m.chunks,
		m.chunkSplits,
		m.commitAttempts,
		m.completeAttempts,
		m.bytesUploaded,
		m.partDuration,
		m.partsActive,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ChunkFinished records one chunk outcome ("success", "server_failure"...).
// Bytes count toward the uploaded total only on success.
func (m *Metrics) ChunkFinished(outcome string, bytes int64) {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.bytesUploaded.Add(float64(bytes))
	}
}

// ChunkSplit records a chunk being halved.
func (m *Metrics) ChunkSplit() {
	if m == nil {
		return
	}
	m.chunkSplits.Inc()
}

// CommitAttempt records a part commit response; status 0 means no response.
func (m *Metrics) CommitAttempt(status int) {
	if m == nil {
		return
	}
	m.commitAttempts.WithLabelValues(statusLabel(status)).Inc()
}

// CompleteAttempt records a completion response; status 0 means no response.
func (m *Metrics) CompleteAttempt(status int) {
	if m == nil {
		return
	}
	m.completeAttempts.WithLabelValues(statusLabel(status)).Inc()
}

// PartStarted marks a part as in flight.
func (m *Metrics) PartStarted() {
	if m == nil {
		return
	}
	m.partsActive.Inc()
}

// PartFinished records a part's duration and clears it from the active gauge.
func (m *Metrics) PartFinished(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.partsActive.Dec()
	result := "committed"
	if err != nil {
		result = "failed"
	}
	m.partDuration.WithLabelValues(result).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() nethttp.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := nethttp.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &nethttp.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, nethttp.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func statusLabel(status int) string {
	if status == 0 {
		return "transport_error"
	}
	return strconv.Itoa(status)
}
