package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/gftdcojp/playback-loader/internal/metrics"
	"github.com/gftdcojp/playback-loader/internal/subject"
	"github.com/gftdcojp/playback-loader/internal/types"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// Headers recognised on stream messages.
const (
	SchemaHeader      = "Playback-Schema"
	PublishTimeHeader = "Playback-Publish-Time"
)

// Config holds dependencies for a stream source.
type Config struct {
	JS     jetstream.JetStream
	Stream string
	// Subjects limits the topics offered; empty means every subject.
	Subjects     []string
	FetchBatch   int
	FetchTimeout time.Duration
	Logger       *zap.Logger
}

// Source implements types.Source over a JetStream stream. Subjects are
// topics and the stream timestamp is the receive time.
type Source struct {
	js           jetstream.JetStream
	name         string
	subjects     []string
	fetchBatch   int
	fetchTimeout time.Duration
	logger       *zap.Logger
}

// NewSource creates a source reading cfg.Stream.
func NewSource(cfg Config) *Source {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batch := cfg.FetchBatch
	if batch <= 0 {
		batch = 256
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Source{
		js:           cfg.JS,
		name:         cfg.Stream,
		subjects:     cfg.Subjects,
		fetchBatch:   batch,
		fetchTimeout: timeout,
		logger:       logger.With(zap.String("stream", cfg.Stream)),
	}
}

func (s *Source) allowed(subj string) bool {
	if len(s.subjects) == 0 {
		return true
	}
	return subject.MatchesAny(s.subjects, subj)
}

func (s *Source) Initialize(ctx context.Context) (*types.Initialization, error) {
	began := time.Now()
	defer func() {
		metrics.SourceReadLatency.WithLabelValues("stream", "initialize").Observe(time.Since(began).Seconds())
	}()

	str, err := s.js.Stream(ctx, s.name)
	if err != nil {
		return nil, fmt.Errorf("looking up stream %s: %w", s.name, err)
	}
	info, err := str.Info(ctx, jetstream.WithSubjectFilter(">"))
	if err != nil {
		return nil, fmt.Errorf("stream info for %s: %w", s.name, err)
	}

	init := &types.Initialization{
		TopicStats:        make(map[string]types.TopicStats),
		Datatypes:         make(map[string]types.Datatype),
		PublishersByTopic: make(map[string][]string),
	}
	if info.State.Msgs > 0 {
		init.Start = types.FromTime(info.State.FirstTime)
		init.End = types.FromTime(info.State.LastTime)
	}

	subjects := make([]string, 0, len(info.State.Subjects))
	for subject := range info.State.Subjects {
		if s.allowed(subject) {
			subjects = append(subjects, subject)
		}
	}
	sort.Strings(subjects)

	for _, subject := range subjects {
		topic := types.Topic{Name: subject}
		stats := types.TopicStats{NumMessages: info.State.Subjects[subject]}

		last, err := str.GetLastMsgForSubject(ctx, subject)
		switch {
		case err == nil:
			topic.SchemaName = last.Header.Get(SchemaHeader)
			lt := types.FromTime(last.Time)
			stats.LastMessageTime = &lt
		case errors.Is(err, jetstream.ErrMsgNotFound):
		default:
			init.Problems = append(init.Problems, types.Problem{
				Severity: types.SeverityWarn,
				Message:  fmt.Sprintf("Could not read the latest message on %s.", subject),
				Error:    err.Error(),
			})
		}

		if topic.SchemaName != "" {
			init.Datatypes[topic.SchemaName] = types.Datatype{Name: topic.SchemaName}
		}
		init.Topics = append(init.Topics, topic)
		init.TopicStats[subject] = stats
	}

	s.logger.Info("stream source initialized",
		zap.Uint64("messages", info.State.Msgs),
		zap.Int("topics", len(init.Topics)),
	)
	return init, nil
}

// CapturesSubject reports whether the stream stores messages published on
// subj.
func (s *Source) CapturesSubject(ctx context.Context, subj string) (bool, error) {
	str, err := s.js.Stream(ctx, s.name)
	if err != nil {
		return false, fmt.Errorf("looking up stream %s: %w", s.name, err)
	}
	return subject.MatchesAny(str.CachedInfo().Config.Subjects, subj), nil
}

func (s *Source) MessageIterator(ctx context.Context, args types.MessageIteratorArgs) (types.MessageIterator, error) {
	if len(args.Topics) == 0 || args.End.IsBefore(args.Start) {
		return emptyIterator{}, nil
	}

	cons, err := s.orderedConsumer(ctx, args.Topics, args.Start)
	if err != nil {
		return nil, err
	}
	return &messageIterator{
		cons:    cons,
		end:     args.End,
		batch:   s.fetchBatch,
		timeout: s.fetchTimeout,
		logger:  s.logger,
	}, nil
}

// orderedConsumer starts an ephemeral ordered consumer at start, or at the
// beginning of the stream when start is the zero time.
func (s *Source) orderedConsumer(ctx context.Context, topics []string, start types.Time) (jetstream.Consumer, error) {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects:    topics,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 30 * time.Second,
	}
	if start.Sec > 0 || start.Nsec > 0 {
		startTime := start.GoTime()
		cfg.DeliverPolicy = jetstream.DeliverByStartTimePolicy
		cfg.OptStartTime = &startTime
	}
	cons, err := s.js.OrderedConsumer(ctx, s.name, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating ordered consumer on %s: %w", s.name, err)
	}
	return cons, nil
}

// GetBackfillMessages uses the per-subject last message when it is not past
// t; otherwise it scans the subject from the start of the stream.
func (s *Source) GetBackfillMessages(ctx context.Context, args types.GetBackfillMessagesArgs) ([]types.MessageEvent, error) {
	began := time.Now()
	defer func() {
		metrics.SourceReadLatency.WithLabelValues("stream", "backfill").Observe(time.Since(began).Seconds())
	}()

	str, err := s.js.Stream(ctx, s.name)
	if err != nil {
		return nil, fmt.Errorf("looking up stream %s: %w", s.name, err)
	}

	var out []types.MessageEvent
	for _, topic := range args.Topics {
		last, err := str.GetLastMsgForSubject(ctx, topic)
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("last message on %s: %w", topic, err)
		}
		if ev := newEvent(last.Subject, last.Header, last.Data, last.Time); !args.Time.IsBefore(ev.ReceiveTime) {
			out = append(out, ev)
			continue
		}

		ev, found, err := s.scanLatest(ctx, topic, args.Time)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, ev)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if c := types.Compare(out[i].ReceiveTime, out[j].ReceiveTime); c != 0 {
			return c < 0
		}
		return out[i].Topic < out[j].Topic
	})
	return out, nil
}

func (s *Source) scanLatest(ctx context.Context, topic string, t types.Time) (types.MessageEvent, bool, error) {
	cons, err := s.orderedConsumer(ctx, []string{topic}, types.Time{})
	if err != nil {
		return types.MessageEvent{}, false, err
	}
	it := &messageIterator{cons: cons, end: t, batch: s.fetchBatch, timeout: s.fetchTimeout, logger: s.logger}
	defer it.Close()

	var latest types.MessageEvent
	found := false
	for {
		res, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return latest, found, nil
		}
		if err != nil {
			return types.MessageEvent{}, false, fmt.Errorf("scanning %s: %w", topic, err)
		}
		latest, found = *res.MsgEvent, true
	}
}

// fetcher is the part of jetstream.Consumer the iterator pulls from.
type fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

// fetchGrace bounds how long a fetch may run past its max wait before the
// iterator gives up on it. Ordered consumers retry their reset without limit
// when the stream disappears.
const fetchGrace = 5 * time.Second

var errFetchStalled = errors.New("fetch did not complete")

type messageIterator struct {
	cons    fetcher
	end     types.Time
	batch   int
	timeout time.Duration
	logger  *zap.Logger

	buf  []jetstream.Msg
	err  error // delivered once buf drains
	done bool
}

func (it *messageIterator) Next(ctx context.Context) (*types.IteratorResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(it.buf) == 0 {
			if it.err != nil {
				return nil, it.err
			}
			if it.done {
				return nil, io.EOF
			}
			if err := it.fetch(ctx); err != nil {
				it.err = err
				return nil, err
			}
			if len(it.buf) == 0 {
				// Nothing arrived within the fetch window.
				return nil, io.EOF
			}
		}

		msg := it.buf[0]
		it.buf = it.buf[1:]

		md, err := msg.Metadata()
		if err != nil {
			it.logger.Warn("failed to get message metadata", zap.Error(err))
			continue
		}
		if md.NumPending == 0 {
			it.done = true
			it.buf = nil
		}

		ev := newEvent(msg.Subject(), msg.Headers(), msg.Data(), md.Timestamp)
		if it.end.IsBefore(ev.ReceiveTime) {
			it.done = true
			it.buf = nil
			return nil, io.EOF
		}
		return &types.IteratorResult{MsgEvent: &ev}, nil
	}
}

type fetchResult struct {
	batch jetstream.MessageBatch
	err   error
}

// fetch pulls one batch into buf. It returns when ctx is done or the fetch
// overruns its wait by fetchGrace, abandoning the pending request.
func (it *messageIterator) fetch(ctx context.Context) error {
	began := time.Now()
	defer func() {
		metrics.SourceReadLatency.WithLabelValues("stream", "fetch").Observe(time.Since(began).Seconds())
	}()

	deadline := time.NewTimer(it.timeout + fetchGrace)
	defer deadline.Stop()

	started := make(chan fetchResult, 1)
	go func() {
		batch, err := it.cons.Fetch(it.batch, jetstream.FetchMaxWait(it.timeout))
		started <- fetchResult{batch: batch, err: err}
	}()

	var batch jetstream.MessageBatch
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline.C:
		return fmt.Errorf("fetching messages: %w", errFetchStalled)
	case res := <-started:
		if res.err != nil {
			return fmt.Errorf("fetching messages: %w", res.err)
		}
		batch = res.batch
	}

	msgs := batch.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("fetching messages: %w", errFetchStalled)
		case msg, ok := <-msgs:
			if !ok {
				return it.batchErr(batch.Error())
			}
			it.buf = append(it.buf, msg)
		}
	}
}

// batchErr keeps a delivery error for after the buffered messages. An empty
// batch or a plain timeout ends the window normally.
func (it *messageIterator) batchErr(err error) error {
	if err == nil || errors.Is(err, jetstream.ErrNoMessages) || errors.Is(err, nats.ErrTimeout) {
		return nil
	}
	err = fmt.Errorf("fetching messages: %w", err)
	if len(it.buf) == 0 {
		return err
	}
	it.logger.Warn("batch ended with an error", zap.Error(err))
	it.err = err
	return nil
}

// Close drops buffered messages. Ordered consumers are ephemeral and the
// server removes them once inactive.
func (it *messageIterator) Close() error {
	it.buf = nil
	it.done = true
	return nil
}

type emptyIterator struct{}

func (emptyIterator) Next(context.Context) (*types.IteratorResult, error) { return nil, io.EOF }
func (emptyIterator) Close() error                                       { return nil }

func newEvent(subject string, header nats.Header, data []byte, ts time.Time) types.MessageEvent {
	ev := types.MessageEvent{
		Topic:       subject,
		ReceiveTime: types.FromTime(ts),
		PublishTime: types.FromTime(ts),
		Message:     data,
		SizeInBytes: int64(len(data)),
	}
	if header != nil {
		ev.SchemaName = header.Get(SchemaHeader)
		if raw := header.Get(PublishTimeHeader); raw != "" {
			if pt, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				ev.PublishTime = types.FromTime(pt)
			}
		}
	}
	return ev
}
