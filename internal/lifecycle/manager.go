package lifecycle

import (
	"context"
	"time"

	"github.com/gftdcojp/playback-loader/internal/config"
	"go.uber.org/zap"
)

// Pruner drops stored problems last seen before a cutoff.
type Pruner interface {
	Name() string
	PruneProblems(ctx context.Context, before time.Time) (int, error)
}

// Manager enforces problem retention for a set of sources.
type Manager struct {
	pruners []Pruner
	cfg     config.ProblemsConfig
	logger  *zap.Logger
	now     func() time.Time
}

// NewManager creates a new lifecycle manager.
func NewManager(cfg config.ProblemsConfig, logger *zap.Logger, pruners ...Pruner) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		pruners: pruners,
		cfg:     cfg,
		logger:  logger.Named("lifecycle"),
		now:     time.Now,
	}
}

// Run starts the periodic retention loop.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.EvalInterval.Duration()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.retentionCycle(ctx); err != nil {
				m.logger.Error("retention cycle error", zap.Error(err))
			}
		}
	}
}

// retentionCycle prunes every source and returns the total removed. A failing
// source does not stop the others; the last error is returned.
func (m *Manager) retentionCycle(ctx context.Context) (int, error) {
	retention := m.cfg.Retention.Duration()
	if retention <= 0 {
		return 0, nil
	}
	cutoff := m.now().Add(-retention)

	var lastErr error
	total := 0
	for _, p := range m.pruners {
		n, err := p.PruneProblems(ctx, cutoff)
		if err != nil {
			m.logger.Error("failed to prune problems",
				zap.String("source", p.Name()), zap.Error(err))
			lastErr = err
			continue
		}
		if n > 0 {
			m.logger.Info("pruned expired problems",
				zap.String("source", p.Name()),
				zap.Int("count", n),
				zap.Time("cutoff", cutoff),
			)
		}
		total += n
	}
	return total, lastErr
}
