package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/foxglove/mcap/go/mcap"
	"github.com/gftdcojp/playback-loader/internal/metrics"
	"github.com/gftdcojp/playback-loader/internal/types"
	"go.uber.org/zap"
)

// Opener returns a fresh seekable view of an MCAP recording. Every iterator
// gets its own view so iterators never share a read offset.
type Opener func(ctx context.Context) (io.ReadSeekCloser, error)

// Source implements types.Source over an MCAP recording.
type Source struct {
	kind    string
	name    string
	open    Opener
	indexed atomic.Bool
	logger  *zap.Logger
}

// NewSource reads the MCAP file at path.
func NewSource(path string, logger *zap.Logger) *Source {
	return NewReaderSource("file", path, func(context.Context) (io.ReadSeekCloser, error) {
		return os.Open(path)
	}, logger)
}

// NewReaderSource reads an MCAP recording through open. kind labels metrics.
func NewReaderSource(kind, name string, open Opener, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		kind:   kind,
		name:   name,
		open:   open,
		logger: logger.With(zap.String("recording", name)),
	}
}

// Name identifies the recording.
func (s *Source) Name() string { return s.name }

func (s *Source) openReader(ctx context.Context) (io.ReadSeekCloser, *mcap.Reader, error) {
	rs, err := s.open(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", s.name, err)
	}
	reader, err := mcap.NewReader(rs)
	if err != nil {
		rs.Close()
		return nil, nil, fmt.Errorf("reading %s: %w", s.name, err)
	}
	return rs, reader, nil
}

func (s *Source) Initialize(ctx context.Context) (*types.Initialization, error) {
	began := time.Now()
	defer func() {
		metrics.SourceReadLatency.WithLabelValues(s.kind, "initialize").Observe(time.Since(began).Seconds())
	}()

	rs, reader, err := s.openReader(ctx)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	info, err := reader.Info()
	if err == nil && info.Statistics != nil {
		s.indexed.Store(len(info.ChunkIndexes) > 0)
		init := summaryInitialization(info)
		s.logger.Info("recording initialized from summary",
			zap.Int("topics", len(init.Topics)),
			zap.Uint64("messages", info.Statistics.MessageCount),
			zap.Bool("indexed", s.indexed.Load()),
		)
		return init, nil
	}

	s.logger.Warn("recording has no usable summary, scanning messages", zap.Error(err))
	s.indexed.Store(false)
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding %s: %w", s.name, err)
	}
	reader, err = mcap.NewReader(rs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.name, err)
	}
	init, err := scanInitialization(ctx, reader)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", s.name, err)
	}
	init.Problems = append(init.Problems, types.Problem{
		Severity: types.SeverityWarn,
		Message:  "This recording has no summary section and was scanned in full.",
		Tip:      "Re-write the recording with a summary and chunk index for faster seeking.",
	})
	return init, nil
}

func (s *Source) MessageIterator(ctx context.Context, args types.MessageIteratorArgs) (types.MessageIterator, error) {
	if len(args.Topics) == 0 || args.End.IsBefore(args.Start) || args.End.Sec < 0 {
		return emptyIterator{}, nil
	}

	rs, reader, err := s.openReader(ctx)
	if err != nil {
		return nil, err
	}

	start, end := toLogTime(args.Start), toLogTime(args.End)
	opts := []mcap.ReadOpt{
		mcap.WithTopics(args.Topics),
		mcap.AfterNanos(start),
		mcap.BeforeNanos(exclusive(end)),
	}
	if s.indexed.Load() {
		opts = append(opts, mcap.UsingIndex(true), mcap.InOrder(mcap.LogTimeOrder))
	} else {
		// Unindexed recordings are read front to back.
		opts = append(opts, mcap.UsingIndex(false), mcap.InOrder(mcap.FileOrder))
	}

	it, err := reader.Messages(opts...)
	if err != nil {
		rs.Close()
		return nil, fmt.Errorf("iterating %s: %w", s.name, err)
	}

	topics := make(map[string]struct{}, len(args.Topics))
	for _, t := range args.Topics {
		topics[t] = struct{}{}
	}
	return &messageIterator{
		rs:     rs,
		it:     it,
		start:  start,
		end:    end,
		topics: topics,
		msg:    &mcap.Message{},
	}, nil
}

func (s *Source) GetBackfillMessages(ctx context.Context, args types.GetBackfillMessagesArgs) ([]types.MessageEvent, error) {
	began := time.Now()
	defer func() {
		metrics.SourceReadLatency.WithLabelValues(s.kind, "backfill").Observe(time.Since(began).Seconds())
	}()

	if len(args.Topics) == 0 || args.Time.Sec < 0 {
		return nil, nil
	}

	rs, reader, err := s.openReader(ctx)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	before := exclusive(toLogTime(args.Time))
	latest := make(map[string]types.MessageEvent, len(args.Topics))

	if s.indexed.Load() {
		// Walk each topic backwards from the target and take the first hit.
		for _, topic := range args.Topics {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			it, err := reader.Messages(
				mcap.UsingIndex(true),
				mcap.InOrder(mcap.ReverseLogTimeOrder),
				mcap.WithTopics([]string{topic}),
				mcap.BeforeNanos(before),
			)
			if err != nil {
				return nil, fmt.Errorf("backfill iterator for %s: %w", topic, err)
			}
			schema, channel, msg, err := it.NextInto(&mcap.Message{})
			if errors.Is(err, io.EOF) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("backfill read for %s: %w", topic, err)
			}
			latest[topic] = toEvent(schema, channel, msg)
		}
	} else {
		it, err := reader.Messages(
			mcap.UsingIndex(false),
			mcap.InOrder(mcap.FileOrder),
			mcap.WithTopics(args.Topics),
			mcap.BeforeNanos(before),
		)
		if err != nil {
			return nil, fmt.Errorf("backfill iterator: %w", err)
		}
		msg := &mcap.Message{}
		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			schema, channel, m, err := it.NextInto(msg)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("backfill scan: %w", err)
			}
			if m.LogTime >= before {
				continue
			}
			prev, ok := latest[channel.Topic]
			if ok && toLogTime(prev.ReceiveTime) > m.LogTime {
				continue
			}
			latest[channel.Topic] = toEvent(schema, channel, m)
		}
	}

	out := make([]types.MessageEvent, 0, len(latest))
	for _, ev := range latest {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := types.Compare(out[i].ReceiveTime, out[j].ReceiveTime); c != 0 {
			return c < 0
		}
		return out[i].Topic < out[j].Topic
	})
	return out, nil
}

type messageIterator struct {
	rs     io.ReadSeekCloser
	it     mcap.MessageIterator
	start  uint64
	end    uint64
	topics map[string]struct{}
	msg    *mcap.Message
}

func (m *messageIterator) Next(ctx context.Context) (*types.IteratorResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		schema, channel, msg, err := m.it.NextInto(m.msg)
		if err != nil {
			return nil, err
		}
		if msg.LogTime < m.start || msg.LogTime > m.end {
			continue
		}
		if _, ok := m.topics[channel.Topic]; !ok {
			continue
		}
		ev := toEvent(schema, channel, msg)
		return &types.IteratorResult{MsgEvent: &ev}, nil
	}
}

func (m *messageIterator) Close() error {
	return m.rs.Close()
}

type emptyIterator struct{}

func (emptyIterator) Next(context.Context) (*types.IteratorResult, error) { return nil, io.EOF }
func (emptyIterator) Close() error                                       { return nil }

// toEvent copies the payload out of the reader's buffer.
func toEvent(schema *mcap.Schema, channel *mcap.Channel, msg *mcap.Message) types.MessageEvent {
	ev := types.MessageEvent{
		Topic:       channel.Topic,
		ReceiveTime: fromLogTime(msg.LogTime),
		PublishTime: fromLogTime(msg.PublishTime),
		Message:     append([]byte(nil), msg.Data...),
		SizeInBytes: int64(len(msg.Data)),
	}
	if schema != nil {
		ev.SchemaName = schema.Name
	}
	return ev
}

func toLogTime(t types.Time) uint64 {
	if t.Sec < 0 {
		return 0
	}
	ns, ok := t.ToNanoSec()
	if !ok {
		return math.MaxUint64
	}
	return uint64(ns)
}

func fromLogTime(ns uint64) types.Time {
	if ns > math.MaxInt64 {
		return types.FromNanoSec(math.MaxInt64)
	}
	return types.FromNanoSec(int64(ns))
}

// exclusive turns an inclusive end into the exclusive bound mcap expects.
func exclusive(ns uint64) uint64 {
	if ns == math.MaxUint64 {
		return ns
	}
	return ns + 1
}
