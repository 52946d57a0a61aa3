package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gftdcojp/playback-loader/internal/config"
	"github.com/gftdcojp/playback-loader/internal/file"
	"github.com/gftdcojp/playback-loader/internal/metrics"
	"github.com/gftdcojp/playback-loader/internal/player"
	"github.com/gftdcojp/playback-loader/internal/types"
	"github.com/gftdcojp/playback-loader/pkg/playback"
	"go.uber.org/zap"
)

type handler struct {
	player *player.Player
	logger *zap.Logger
}

func newHandler(p *player.Player, logger *zap.Logger) *handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &handler{player: p, logger: logger}
}

func (h *handler) routes() *http.ServeMux {
	mux := http.NewServeMux()
	h.handle(mux, "GET /v1/status", "status", h.handleStatus)
	h.handle(mux, "GET /v1/topics", "topics", h.handleGetTopics)
	h.handle(mux, "PUT /v1/topics", "set_topics", h.handleSetTopics)
	h.handle(mux, "POST /v1/seek", "seek", h.handleSeek)
	h.handle(mux, "GET /v1/progress", "progress", h.handleProgress)
	h.handle(mux, "GET /v1/blocks", "blocks", h.handleListBlocks)
	h.handle(mux, "GET /v1/blocks/{blockID}", "block", h.handleGetBlock)
	h.handle(mux, "GET /v1/backfill", "backfill", h.handleBackfill)
	h.handle(mux, "GET /v1/problems", "problems", h.handleProblems)
	return mux
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, p *player.Player, logger *zap.Logger) error {
	h := newHandler(p, logger)

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: h.routes(),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	h.logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *handler) handle(mux *http.ServeMux, pattern, op string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		metrics.APIRequests.WithLabelValues("http", op, strconv.Itoa(rec.status)).Inc()
	})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toWireStatus(h.player.Status()))
}

func (h *handler) handleGetTopics(w http.ResponseWriter, r *http.Request) {
	resp, err := topicsResponse(h.player)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleSetTopics(w http.ResponseWriter, r *http.Request) {
	var req playback.TopicsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid topics request: "+err.Error())
		return
	}
	if err := h.player.SetTopics(r.Context(), req.Topics); err != nil {
		writeError(w, err)
		return
	}
	resp, err := topicsResponse(h.player)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req playback.SeekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid seek request: "+err.Error())
		return
	}
	t, err := h.player.Seek(r.Context(), fromWireTime(req.Time))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, playback.SeekResponse{Time: toWireTime(t)})
}

func (h *handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.player.Progress()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWireProgress(progress, h.player.Status().CacheBytes))
}

func (h *handler) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	st := h.player.Status()
	if !st.Initialized {
		writeError(w, player.ErrNotInitialized)
		return
	}

	result := make([]playback.BlockSummary, 0, st.BlockCount)
	for id := 0; id < st.BlockCount; id++ {
		blk, err := h.player.Block(id)
		if err != nil {
			writeError(w, err)
			return
		}
		start, _ := h.player.BlockStart(id)
		summary := playback.BlockSummary{
			ID:     id,
			Start:  toWireTime(start),
			Loaded: blk != nil,
			Topics: blockTopics(blk),
		}
		if blk != nil {
			summary.MessageCount = blk.MessageCount()
			summary.SizeBytes = blk.SizeInBytes
		}
		result = append(result, summary)
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	blockID, err := strconv.Atoi(r.PathValue("blockID"))
	if err != nil {
		writeBadRequest(w, "invalid block ID")
		return
	}

	blk, err := h.player.Block(blockID)
	if err != nil {
		writeError(w, err)
		return
	}
	start, _ := h.player.BlockStart(blockID)

	if r.URL.Query().Get("format") != "mcap" {
		writeJSON(w, http.StatusOK, toWireBlock(blockID, start, blk))
		return
	}

	var datatypes map[string]types.Datatype
	if init := h.player.Initialization(); init != nil {
		datatypes = init.Datatypes
	}
	var buf bytes.Buffer
	if err := file.WriteMessages(&buf, blockEvents(blk), datatypes); err != nil {
		h.logger.Error("failed to encode block", zap.Int("block", blockID), zap.Error(err))
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=block-"+strconv.Itoa(blockID)+".mcap")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (h *handler) handleBackfill(w http.ResponseWriter, r *http.Request) {
	t := h.player.Status().LastSeek
	if secStr := r.URL.Query().Get("sec"); secStr != "" {
		sec, err := strconv.ParseInt(secStr, 10, 64)
		if err != nil {
			writeBadRequest(w, "invalid sec")
			return
		}
		var nsec int64
		if nsecStr := r.URL.Query().Get("nsec"); nsecStr != "" {
			if nsec, err = strconv.ParseInt(nsecStr, 10, 64); err != nil {
				writeBadRequest(w, "invalid nsec")
				return
			}
		}
		t = types.NewTime(sec, nsec)
	}

	events, err := h.player.Backfill(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWireMessages(events))
}

func (h *handler) handleProblems(w http.ResponseWriter, r *http.Request) {
	entries, err := h.player.Problems(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWireProblems(entries))
}

// errorResponse maps an error to an HTTP status and wire error.
func errorResponse(err error) (int, playback.ErrorResponse) {
	switch {
	case errors.Is(err, player.ErrNotInitialized):
		return http.StatusServiceUnavailable, playback.ErrorResponse{Error: err.Error(), Code: playback.CodeUnavailable}
	case errors.Is(err, player.ErrBlockOutOfRange):
		return http.StatusNotFound, playback.ErrorResponse{Error: err.Error(), Code: playback.CodeNotFound}
	default:
		return http.StatusInternalServerError, playback.ErrorResponse{Error: err.Error(), Code: playback.CodeInternal}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, resp := errorResponse(err)
	writeJSON(w, status, resp)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, playback.ErrorResponse{Error: msg, Code: playback.CodeBadRequest})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
