package meta

import (
	"context"
	"sync"
	"time"

	"github.com/gftdcojp/playback-loader/internal/types"
	"go.uber.org/zap"
)

// Sink adapts a Store to types.ProblemSink for one source. Active problems
// are mirrored in memory so repeated reports and clears of unknown ids do
// not touch the database.
type Sink struct {
	store  Store
	source string
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]types.Problem
}

// NewSink loads the source's stored problems and returns a sink over them.
func NewSink(ctx context.Context, store Store, source string, logger *zap.Logger) (*Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sink{
		store:  store,
		source: source,
		logger: logger,
	}
	if err := s.reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) reload(ctx context.Context) error {
	entries, err := s.store.ListProblems(ctx, s.source)
	if err != nil {
		return err
	}
	active := make(map[string]types.Problem, len(entries))
	for _, e := range entries {
		active[e.ID] = e.Problem
	}
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
	return nil
}

func (s *Sink) AddProblem(id string, p types.Problem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.active[id]; ok && prev == p {
		return
	}
	if err := s.store.RecordProblem(context.Background(), s.source, id, p); err != nil {
		s.logger.Warn("failed to record problem", zap.String("id", id), zap.Error(err))
		return
	}
	s.active[id] = p
	s.logger.Debug("problem recorded", zap.String("id", id), zap.String("severity", string(p.Severity)), zap.String("message", p.Message))
}

func (s *Sink) RemoveProblem(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; !ok {
		return
	}
	if err := s.store.ClearProblem(context.Background(), s.source, id); err != nil {
		s.logger.Warn("failed to clear problem", zap.String("id", id), zap.Error(err))
		return
	}
	delete(s.active, id)
}

// Problems lists stored problems, most recent first.
func (s *Sink) Problems(ctx context.Context) ([]ProblemEntry, error) {
	return s.store.ListProblems(ctx, s.source)
}

// ActiveCount returns the number of problems currently recorded.
func (s *Sink) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// PruneProblems drops problems last seen before the cutoff.
func (s *Sink) PruneProblems(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.store.PruneProblems(ctx, s.source, before)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	entries, err := s.store.ListProblems(ctx, s.source)
	if err != nil {
		return n, err
	}
	s.active = make(map[string]types.Problem, len(entries))
	for _, e := range entries {
		s.active[e.ID] = e.Problem
	}
	return n, nil
}
