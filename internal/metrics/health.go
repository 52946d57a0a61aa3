package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gftdcojp/playback-loader/internal/config"
	"github.com/gftdcojp/playback-loader/internal/meta"
	"github.com/gftdcojp/playback-loader/pkg/s3util"
	"github.com/nats-io/nats.go"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SourceProbe reports whether the playback source finished initializing.
type SourceProbe interface {
	Ready() error
}

// HealthChecker runs health probes. Nil dependencies are skipped.
type HealthChecker struct {
	natsConn *nats.Conn
	meta     meta.Store
	s3Client *s3util.Client
	source   SourceProbe
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker(nc *nats.Conn, metaStore meta.Store, s3Client *s3util.Client, source SourceProbe) *HealthChecker {
	return &HealthChecker{
		natsConn: nc,
		meta:     metaStore,
		s3Client: s3Client,
		source:   source,
	}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness checks if the service can answer playback requests.
func (h *HealthChecker) Readiness() HealthStatus {
	status := HealthStatus{OK: true}
	add := func(name string, err error, okStatus string) {
		if err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: name, Status: "error", Error: err.Error()})
			return
		}
		status.Checks = append(status.Checks, Check{Name: name, Status: okStatus})
	}

	if h.natsConn != nil {
		if !h.natsConn.IsConnected() {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "disconnected"})
		} else {
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "connected"})
		}
	}

	if h.meta != nil {
		add("metadata", h.meta.Ping(), "ok")
	}

	if h.s3Client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		add("s3", h.s3Client.Ping(ctx), "ok")
	}

	if h.source != nil {
		add("source", h.source.Ready(), "initialized")
	}

	return status
}

func writeStatus(w http.ResponseWriter, status HealthStatus) {
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// Handler serves the liveness and readiness endpoints.
func Handler(cfg config.HealthConfig, checker *HealthChecker) http.Handler {
	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Liveness())
	})
	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Readiness())
	})
	return mux
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: Handler(cfg, checker),
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
