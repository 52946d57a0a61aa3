package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gftdcojp/playback-loader/internal/config"
	"github.com/gftdcojp/playback-loader/internal/metrics"
	"github.com/gftdcojp/playback-loader/internal/player"
	"github.com/gftdcojp/playback-loader/pkg/playback"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// errBadRequest marks malformed request payloads.
var errBadRequest = errors.New("bad request")

// RunNATSResponder serves playback requests over NATS request-reply.
// Subject pattern: {prefix}.{status|progress|seek|topics}
func RunNATSResponder(ctx context.Context, nc *nats.Conn, cfg config.NATSResponderConfig, p *player.Player, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.Prefix()

	// Subscribe to: playback.*
	subject := prefix + ".*"
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		op := strings.TrimPrefix(msg.Subject, prefix+".")
		resp, err := respond(ctx, p, op, msg.Data)
		status := "ok"
		if err != nil {
			_, e := errorResponse(err)
			if errors.Is(err, errBadRequest) {
				e.Code = playback.CodeBadRequest
			}
			resp = e
			status = e.Code
			logger.Debug("request failed", zap.String("subject", msg.Subject), zap.Error(err))
		}
		metrics.APIRequests.WithLabelValues("nats", op, status).Inc()

		data, _ := json.Marshal(resp)
		msg.Respond(data)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	logger.Info("NATS responder started", zap.String("subject", subject))

	<-ctx.Done()
	sub.Unsubscribe()
	return nil
}

func respond(ctx context.Context, p *player.Player, op string, data []byte) (any, error) {
	switch op {
	case "status":
		return toWireStatus(p.Status()), nil

	case "progress":
		progress, err := p.Progress()
		if err != nil {
			return nil, err
		}
		return toWireProgress(progress, p.Status().CacheBytes), nil

	case "seek":
		var req playback.SeekRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("%w: invalid seek request: %v", errBadRequest, err)
		}
		t, err := p.Seek(ctx, fromWireTime(req.Time))
		if err != nil {
			return nil, err
		}
		return playback.SeekResponse{Time: toWireTime(t)}, nil

	case "topics":
		if len(data) > 0 {
			var req playback.TopicsRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, fmt.Errorf("%w: invalid topics request: %v", errBadRequest, err)
			}
			if err := p.SetTopics(ctx, req.Topics); err != nil {
				return nil, err
			}
		}
		return topicsResponse(p)

	default:
		return nil, fmt.Errorf("%w: unknown operation %q", errBadRequest, op)
	}
}
