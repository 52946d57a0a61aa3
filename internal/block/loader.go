package block

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/gftdcojp/playback-loader/internal/metrics"
	"github.com/gftdcojp/playback-loader/internal/types"
	"go.uber.org/zap"
)

var (
	// ErrRangeTooLong is returned when the time range cannot be subdivided
	// with exact int64 nanosecond arithmetic.
	ErrRangeTooLong = errors.New("time range is too long to be supported")

	// ErrLoadSuperseded is the cancellation cause of a load replaced by a newer one.
	ErrLoadSuperseded = errors.New("block load superseded")
)

// maxTotalNs leaves headroom for block boundary arithmetic past the range end.
const maxTotalNs = math.MaxInt64 / 10 * 9

// seekPreroll is loaded ahead of the requested time.
var seekPreroll = types.Time{Sec: 1}

// ProgressFunc receives a snapshot after every state change. The loader waits
// for it to return before continuing; a non-nil error aborts the load.
type ProgressFunc func(ctx context.Context, p Progress) error

// LoaderConfig holds dependencies and sizing for a Loader.
type LoaderConfig struct {
	Source             types.Source
	Start              types.Time
	End                types.Time
	MaxBlocks          int
	MinBlockDurationNs int64
	CacheSizeBytes     int64
	Problems           types.ProblemSink
	Logger             *zap.Logger
	// Name labels metrics. Defaults to "default".
	Name string
}

// Loader fills a fixed array of time buckets from a source, evicting under
// a byte budget.
type Loader struct {
	source          types.Source
	start           types.Time
	end             types.Time
	blockDurationNs int64
	maxCacheSize    int64
	store           *Store
	problems        types.ProblemSink
	logger          *zap.Logger
	name            string

	mu     sync.Mutex
	topics TopicSet
	active *loadRun
}

type loadRun struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// NewLoader computes block boundaries for the range and allocates an empty store.
func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if cfg.MaxBlocks <= 0 {
		return nil, fmt.Errorf("max blocks must be > 0, got %d", cfg.MaxBlocks)
	}
	if cfg.MinBlockDurationNs <= 0 {
		return nil, fmt.Errorf("min block duration must be > 0, got %d", cfg.MinBlockDurationNs)
	}
	if cfg.End.IsBefore(cfg.Start) {
		return nil, fmt.Errorf("end %s is before start %s", cfg.End, cfg.Start)
	}

	// +1 since both ends of the range are inclusive.
	spanNs, ok := types.Subtract(cfg.End, cfg.Start).ToNanoSec()
	if !ok || spanNs >= maxTotalNs {
		return nil, ErrRangeTooLong
	}
	totalNs := spanNs + 1

	blockDuration := ceilDiv(totalNs, int64(cfg.MaxBlocks))
	if cfg.MinBlockDurationNs > blockDuration {
		blockDuration = cfg.MinBlockDurationNs
	}
	blockCount := ceilDiv(totalNs, blockDuration)

	problems := cfg.Problems
	if problems == nil {
		problems = nopSink{}
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("loader").With(zap.String("source", name))

	logger.Debug("block loader created",
		zap.Int64("block_count", blockCount),
		zap.Int64("block_duration_ns", blockDuration),
		zap.Int64("cache_size_bytes", cfg.CacheSizeBytes),
	)

	return &Loader{
		source:          cfg.Source,
		start:           cfg.Start,
		end:             cfg.End,
		blockDurationNs: blockDuration,
		maxCacheSize:    cfg.CacheSizeBytes,
		store:           newStore(int(blockCount)),
		problems:        problems,
		logger:          logger,
		name:            name,
		topics:          TopicSet{},
	}, nil
}

func ceilDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}

// SetTopics replaces the desired topic set. Already loaded data is kept; the
// next Load fetches whatever the new set is missing.
func (l *Loader) SetTopics(topics []string) {
	set := NewTopicSet(topics...)
	l.mu.Lock()
	l.topics = set
	l.mu.Unlock()
}

// Topics returns the desired topics, sorted.
func (l *Loader) Topics() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.topics.Sorted()
}

// BlockDurationNs returns the duration covered by each block.
func (l *Loader) BlockDurationNs() int64 { return l.blockDurationNs }

// BlockCount returns the number of block slots.
func (l *Loader) BlockCount() int { return l.store.Len() }

// Start returns the first instant covered by the loader.
func (l *Loader) Start() types.Time { return l.start }

// End returns the last instant covered by the loader.
func (l *Loader) End() types.Time { return l.end }

// Block returns the block in slot i, or nil when unloaded or out of range.
func (l *Loader) Block(i int) *MessageBlock {
	if i < 0 || i >= l.store.Len() {
		return nil
	}
	return l.store.Get(i)
}

// CacheBytes returns the bytes held by present blocks.
func (l *Loader) CacheBytes() int64 { return l.store.TotalBytes() }

// Progress returns a snapshot for the current desired topics.
func (l *Loader) Progress() Progress {
	l.mu.Lock()
	topics := l.topics
	l.mu.Unlock()
	return computeProgress(l.store.Snapshot(), topics, l.start)
}

// Load fetches the blocks the desired topics are missing, nearest to t first,
// reporting progress through update after every absorbed message and once at
// the end. A newer Load cancels this one and waits for it to return, so update
// must not call Load itself.
//
// When the cache budget cannot be met by evicting blocks that are further
// from t than the one being filled, Load stops early and returns nil; the
// final progress then shows less than full coverage.
func (l *Loader) Load(ctx context.Context, t types.Time, update ProgressFunc) error {
	ctx, cancel := context.WithCancelCause(ctx)
	run := &loadRun{cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	prev := l.active
	l.active = run
	topics := l.topics
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		if l.active == run {
			l.active = nil
		}
		l.mu.Unlock()
		cancel(nil)
		close(run.done)
	}()

	if prev != nil {
		prev.cancel(ErrLoadSuperseded)
		<-prev.done
	}

	metrics.LoadsStarted.WithLabelValues(l.name).Inc()
	began := time.Now()

	err := l.load(ctx, t, topics, update)
	if err != nil {
		if errors.Is(err, ErrLoadSuperseded) {
			metrics.LoadsSuperseded.WithLabelValues(l.name).Inc()
			l.logger.Debug("block load superseded", zap.Stringer("time", t))
		}
		return err
	}

	metrics.LoadDuration.WithLabelValues(l.name).Observe(time.Since(began).Seconds())
	return nil
}

// loadState tracks one Load invocation.
type loadState struct {
	topics   TopicSet
	update   ProgressFunc
	position []int // block id -> index in load order
	evict    []int // reverse load order, consumed from the front
	progress *Progress
}

func (l *Loader) load(ctx context.Context, t types.Time, topics TopicSet, update ProgressFunc) error {
	l.logger.Info("start block load", zap.Stringer("time", t), zap.Int("topics", len(topics)))

	// Loading starts a second before t and runs to the end, then wraps to
	// the beginning. Given blocks [1..9] and t in block 5 the load order is
	// 4,5,6,7,8,9,1,2,3 and eviction runs backwards from the tail: 3,2,1,9...
	beginID := l.beginBlockID(t)
	order := loadOrder(beginID, l.store.Len())

	st := &loadState{
		topics:   topics,
		update:   update,
		position: make([]int, len(order)),
		evict:    make([]int, 0, len(order)),
	}
	for pos, id := range order {
		st.position[id] = pos
	}
	for i := len(order) - 1; i >= 0; i-- {
		st.evict = append(st.evict, order[i])
	}

	spans := computeSpans(order, l.store, topics)
	l.logger.Debug("block spans computed", zap.Int("begin_block", beginID), zap.Int("spans", len(spans)))

	for _, span := range spans {
		if len(span.Topics) == 0 {
			continue
		}
		stopped, err := l.loadSpan(ctx, st, span)
		if err != nil {
			return err
		}
		if stopped {
			break
		}
	}

	st.progress = nil
	return st.report(ctx, l)
}

func (l *Loader) beginBlockID(t types.Time) int {
	offset := types.Subtract(types.Subtract(t, l.start), seekPreroll)
	ns, ok := offset.ToNanoSec()
	if !ok {
		if offset.Sec < 0 {
			return 0
		}
		return l.store.Len() - 1
	}
	if ns < 0 {
		ns = 0
	}
	id := ns / l.blockDurationNs
	if id >= int64(l.store.Len()) {
		return l.store.Len() - 1
	}
	return int(id)
}

// timeToBlockID returns the slot for stamp, -1 when stamp precedes the range
// and math.MaxInt64 when its offset does not fit in int64 nanoseconds.
func (l *Loader) timeToBlockID(stamp types.Time) int64 {
	offset, ok := types.Subtract(stamp, l.start).ToNanoSec()
	if !ok {
		if stamp.IsBefore(l.start) {
			return -1
		}
		return math.MaxInt64
	}
	if offset < 0 {
		return -1
	}
	return offset / l.blockDurationNs
}

func (l *Loader) blockStartTime(id int) types.Time {
	return types.Add(l.start, types.FromNanoSec(int64(id)*l.blockDurationNs))
}

// report sends the current snapshot, recomputing it when the store changed.
func (st *loadState) report(ctx context.Context, l *Loader) error {
	if st.progress == nil {
		p := computeProgress(l.store.Snapshot(), st.topics, l.start)
		st.progress = &p
		metrics.LoadedFraction.WithLabelValues(l.name).Set(p.LoadedFraction())
		metrics.CacheBytes.WithLabelValues(l.name).Set(float64(l.store.TotalBytes()))
	}
	if err := st.update(ctx, *st.progress); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

// loadSpan streams one span into the store. stopped is true when the cache
// budget could not be met without evicting higher-priority blocks.
func (l *Loader) loadSpan(ctx context.Context, st *loadState, span Span) (stopped bool, err error) {
	if ctx.Err() != nil {
		return false, context.Cause(ctx)
	}

	// Start and end time are inclusive.
	iterStart := l.blockStartTime(span.BeginID)
	iterEnd := l.blockStartTime(span.EndID + 1)
	topicList := span.Topics.Sorted()

	l.logger.Debug("loading span",
		zap.Int("begin_block", span.BeginID),
		zap.Int("end_block", span.EndID),
		zap.Strings("topics", topicList),
	)
	metrics.SpansFetched.WithLabelValues(l.name).Inc()

	it, err := l.source.MessageIterator(ctx, types.MessageIteratorArgs{
		Topics: topicList,
		Start:  iterStart,
		End:    iterEnd,
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, context.Cause(ctx)
		}
		return false, fmt.Errorf("opening iterator for blocks %d-%d: %w", span.BeginID, span.EndID, err)
	}
	defer it.Close()

	blockID := span.BeginID
	nextBlockTime := l.blockStartTime(blockID + 1)
	acc := newAccumulator(span.Topics)

	for {
		if ctx.Err() != nil {
			return false, context.Cause(ctx)
		}

		res, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			// Blocks after the last message had nothing for these topics.
			l.finalize(st, blockID, acc)
			l.fillEmpty(st, blockID+1, span.EndID, span.Topics)
			return false, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return false, context.Cause(ctx)
			}
			return false, fmt.Errorf("reading blocks %d-%d: %w", span.BeginID, span.EndID, err)
		}

		if res.Problem != nil {
			l.problems.AddProblem(fmt.Sprintf("connid-%d", res.ConnectionID), *res.Problem)
			metrics.Problems.WithLabelValues(l.name, "source").Inc()
			continue
		}
		msg := res.MsgEvent
		if msg == nil {
			continue
		}

		if !acc.expects(msg.Topic) {
			l.problems.AddProblem("unexpected-topic-"+msg.Topic, types.Problem{
				Severity: types.SeverityError,
				Message:  fmt.Sprintf("Received a message on an unexpected topic: %s.", msg.Topic),
			})
			metrics.Problems.WithLabelValues(l.name, "unexpected_topic").Inc()
			continue
		}
		l.problems.RemoveProblem("unexpected-topic-" + msg.Topic)

		if types.Compare(msg.ReceiveTime, nextBlockTime) >= 0 {
			newID := l.timeToBlockID(msg.ReceiveTime)
			if newID < 0 || newID > int64(span.EndID) {
				continue
			}
			l.finalize(st, blockID, acc)
			// Blocks between the two messages had nothing for these topics.
			l.fillEmpty(st, blockID+1, int(newID)-1, span.Topics)
			blockID = int(newID)
			nextBlockTime = l.blockStartTime(blockID + 1)
			acc = newAccumulator(span.Topics)
		} else if msg.ReceiveTime.IsBefore(iterStart) {
			continue
		} else if blockID > span.BeginID && msg.ReceiveTime.IsBefore(l.blockStartTime(blockID)) {
			// Its block is already published.
			l.problems.AddProblem("out-of-order-"+msg.Topic, types.Problem{
				Severity: types.SeverityWarn,
				Message:  fmt.Sprintf("Received a message on %s out of receive-time order; it was dropped.", msg.Topic),
				Tip:      "Re-index the recording so messages are stored in receive-time order.",
			})
			metrics.Problems.WithLabelValues(l.name, "out_of_order").Inc()
			continue
		}

		if !l.makeRoom(st, blockID, acc.sizeInBytes+msg.SizeInBytes) {
			l.logger.Debug("cache budget reached, stopping load",
				zap.Int("block", blockID),
				zap.Int64("cache_bytes", l.store.TotalBytes()),
				zap.Int64("max_cache_bytes", l.maxCacheSize),
			)
			metrics.CacheBudgetStops.WithLabelValues(l.name).Inc()
			// The partial block is dropped so it is never reported as loaded.
			return true, nil
		}

		acc.add(*msg)
		metrics.MessagesLoaded.WithLabelValues(l.name).Inc()
		metrics.BytesLoaded.WithLabelValues(l.name).Add(float64(msg.SizeInBytes))

		if err := st.report(ctx, l); err != nil {
			return false, err
		}
	}
}

// makeRoom evicts blocks with lower load priority than blockID until pending
// more bytes fit in the budget. It reports false if that is impossible.
func (l *Loader) makeRoom(st *loadState, blockID int, pending int64) bool {
	for l.store.TotalBytes()+pending > l.maxCacheSize {
		if len(st.evict) == 0 {
			return false
		}
		evictID := st.evict[0]
		if st.position[evictID] <= st.position[blockID] {
			return false
		}
		st.evict = st.evict[1:]
		if freed, ok := l.store.evict(evictID); ok {
			st.progress = nil
			metrics.BlocksEvicted.WithLabelValues(l.name).Inc()
			l.logger.Debug("evicted block", zap.Int("block", evictID), zap.Int64("freed_bytes", freed))
		}
	}
	return true
}

func (l *Loader) finalize(st *loadState, blockID int, acc *accumulator) {
	l.store.put(blockID, merge(l.store.Get(blockID), acc.messagesByTopic, acc.sizeInBytes))
	st.progress = nil
}

func (l *Loader) fillEmpty(st *loadState, from, to int, topics TopicSet) {
	for id := from; id <= to; id++ {
		l.finalize(st, id, newAccumulator(topics))
	}
}

type accumulator struct {
	messagesByTopic map[string][]types.MessageEvent
	sizeInBytes     int64
}

// newAccumulator starts every topic with an empty list so topics without
// messages are still recorded as checked.
func newAccumulator(topics TopicSet) *accumulator {
	acc := &accumulator{messagesByTopic: make(map[string][]types.MessageEvent, len(topics))}
	for topic := range topics {
		acc.messagesByTopic[topic] = []types.MessageEvent{}
	}
	return acc
}

func (a *accumulator) expects(topic string) bool {
	_, ok := a.messagesByTopic[topic]
	return ok
}

func (a *accumulator) add(msg types.MessageEvent) {
	a.messagesByTopic[msg.Topic] = append(a.messagesByTopic[msg.Topic], msg)
	a.sizeInBytes += msg.SizeInBytes
}

type nopSink struct{}

func (nopSink) AddProblem(string, types.Problem) {}
func (nopSink) RemoveProblem(string)             {}
