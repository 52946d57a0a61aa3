package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/playback-loader/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Loader metrics
	LoadsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbl_loads_started_total",
		Help: "Block loads started (one per seek)",
	}, []string{"source"})

	LoadsSuperseded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbl_loads_superseded_total",
		Help: "Block loads aborted by a newer seek",
	}, []string{"source"})

	LoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pbl_load_duration_seconds",
		Help:    "Time from seek to final progress report",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"source"})

	SpansFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbl_spans_fetched_total",
		Help: "Block spans requested from the source",
	}, []string{"source"})

	MessagesLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbl_messages_loaded_total",
		Help: "Messages absorbed into blocks",
	}, []string{"source"})

	BytesLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbl_bytes_loaded_total",
		Help: "Message bytes absorbed into blocks",
	}, []string{"source"})

	BlocksEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbl_blocks_evicted_total",
		Help: "Block slots discarded to stay within the cache budget",
	}, []string{"source"})

	CacheBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pbl_cache_bytes",
		Help: "Bytes held by present blocks",
	}, []string{"source"})

	CacheBudgetStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbl_cache_budget_stops_total",
		Help: "Loads stopped because only higher-priority blocks remained",
	}, []string{"source"})

	LoadedFraction = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pbl_loaded_fraction",
		Help: "Fraction of the timeline fully loaded for the desired topics",
	}, []string{"source"})

	Problems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbl_problems_total",
		Help: "Problems reported while loading",
	}, []string{"source", "kind"})

	// Source metrics
	SourceReadLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pbl_source_read_latency_seconds",
		Help:    "Latency of source backfill and download requests",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"kind", "op"})

	S3DownloadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pbl_s3_download_duration_seconds",
		Help:    "S3 object download latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"bucket"})

	// API metrics
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbl_api_requests_total",
		Help: "API requests by transport and operation",
	}, []string{"transport", "op", "status"})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
