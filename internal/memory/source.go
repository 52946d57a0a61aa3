package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/gftdcojp/playback-loader/internal/types"
	"go.uber.org/zap"
)

// Source implements types.Source over messages held in process memory.
type Source struct {
	mu       sync.RWMutex
	messages []types.MessageEvent // sorted by receive time
	problems []types.IteratorResult
	start    types.Time
	end      types.Time
	bounded  bool
	logger   *zap.Logger

	iterators int
}

// NewSource creates an empty in-memory source.
func NewSource(logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{logger: logger}
}

// SetBounds overrides the range reported by Initialize.
func (s *Source) SetBounds(start, end types.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start, s.end, s.bounded = start, end, true
}

// Add inserts messages, keeping receive time order. SizeInBytes defaults to
// the payload length.
func (s *Source) Add(msgs ...types.MessageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if m.SizeInBytes == 0 {
			m.SizeInBytes = int64(len(m.Message))
		}
		s.messages = append(s.messages, m)
	}
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].ReceiveTime.IsBefore(s.messages[j].ReceiveTime)
	})
}

// AddProblem makes every iterator yield a problem result first.
func (s *Source) AddProblem(connectionID int, p types.Problem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.problems = append(s.problems, types.IteratorResult{Problem: &p, ConnectionID: connectionID})
}

// IteratorCount returns how many iterators have been opened.
func (s *Source) IteratorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iterators
}

func (s *Source) Initialize(_ context.Context) (*types.Initialization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	init := &types.Initialization{
		Start:             s.start,
		End:               s.end,
		TopicStats:        make(map[string]types.TopicStats),
		Datatypes:         make(map[string]types.Datatype),
		PublishersByTopic: make(map[string][]string),
	}

	for i := range s.messages {
		m := &s.messages[i]
		if !s.bounded {
			if i == 0 || m.ReceiveTime.IsBefore(init.Start) {
				init.Start = m.ReceiveTime
			}
			if i == 0 || init.End.IsBefore(m.ReceiveTime) {
				init.End = m.ReceiveTime
			}
		}
		stats, seen := init.TopicStats[m.Topic]
		if !seen {
			init.Topics = append(init.Topics, types.Topic{Name: m.Topic, SchemaName: m.SchemaName})
			if m.SchemaName != "" {
				init.Datatypes[m.SchemaName] = types.Datatype{Name: m.SchemaName}
			}
			first := m.ReceiveTime
			stats.FirstMessageTime = &first
		}
		last := m.ReceiveTime
		stats.LastMessageTime = &last
		stats.NumMessages++
		init.TopicStats[m.Topic] = stats
	}
	sort.Slice(init.Topics, func(i, j int) bool { return init.Topics[i].Name < init.Topics[j].Name })

	s.logger.Debug("memory source initialized",
		zap.Int("messages", len(s.messages)),
		zap.Int("topics", len(init.Topics)),
	)
	return init, nil
}

func (s *Source) MessageIterator(_ context.Context, args types.MessageIteratorArgs) (types.MessageIterator, error) {
	if types.Compare(args.End, args.Start) < 0 {
		return nil, fmt.Errorf("iterator end %s is before start %s", args.End, args.Start)
	}

	topics := make(map[string]struct{}, len(args.Topics))
	for _, t := range args.Topics {
		topics[t] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterators++

	results := append([]types.IteratorResult(nil), s.problems...)
	for i := range s.messages {
		m := s.messages[i]
		if m.ReceiveTime.IsBefore(args.Start) || args.End.IsBefore(m.ReceiveTime) {
			continue
		}
		if _, ok := topics[m.Topic]; !ok {
			continue
		}
		results = append(results, types.IteratorResult{MsgEvent: &m})
	}
	return &iterator{results: results}, nil
}

func (s *Source) GetBackfillMessages(_ context.Context, args types.GetBackfillMessagesArgs) ([]types.MessageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]types.MessageEvent, len(args.Topics))
	for _, t := range args.Topics {
		for i := len(s.messages) - 1; i >= 0; i-- {
			m := s.messages[i]
			if m.Topic == t && !args.Time.IsBefore(m.ReceiveTime) {
				latest[t] = m
				break
			}
		}
	}
	return sortedEvents(latest), nil
}

func sortedEvents(byTopic map[string]types.MessageEvent) []types.MessageEvent {
	out := make([]types.MessageEvent, 0, len(byTopic))
	for _, m := range byTopic {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := types.Compare(out[i].ReceiveTime, out[j].ReceiveTime); c != 0 {
			return c < 0
		}
		return out[i].Topic < out[j].Topic
	})
	return out
}

type iterator struct {
	results []types.IteratorResult
	pos     int
	closed  bool
}

func (it *iterator) Next(ctx context.Context) (*types.IteratorResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.closed || it.pos >= len(it.results) {
		return nil, io.EOF
	}
	res := it.results[it.pos]
	it.pos++
	return &res, nil
}

func (it *iterator) Close() error {
	it.closed = true
	return nil
}
