package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gftdcojp/playback-loader/internal/block"
	"github.com/gftdcojp/playback-loader/internal/config"
	"github.com/gftdcojp/playback-loader/internal/meta"
	"github.com/gftdcojp/playback-loader/internal/metrics"
	"github.com/gftdcojp/playback-loader/internal/types"
	"go.uber.org/zap"
)

var (
	ErrNotInitialized  = errors.New("player not initialized")
	ErrEmptyRange      = errors.New("playback range is empty")
	ErrBlockOutOfRange = errors.New("block id out of range")
)

// Config holds dependencies for a Player.
type Config struct {
	Source types.Source
	// Name identifies the source in metrics, logs and the metadata store.
	Name   string
	Loader config.LoaderConfig
	// Meta is optional. Without it problems are only counted and sessions
	// are not restored.
	Meta   meta.Store
	Logger *zap.Logger
}

// Status summarizes the player for API consumers.
type Status struct {
	Name            string     `json:"name"`
	Initialized     bool       `json:"initialized"`
	Start           types.Time `json:"start"`
	End             types.Time `json:"end"`
	Topics          []string   `json:"topics"`
	LastSeek        types.Time `json:"last_seek"`
	Loading         bool       `json:"loading"`
	LoadedFraction  float64    `json:"loaded_fraction"`
	CacheBytes      int64      `json:"cache_bytes"`
	BlockCount      int        `json:"block_count"`
	BlockDurationNs int64      `json:"block_duration_ns"`
	LastError       string     `json:"last_error,omitempty"`
}

// Player owns one source and its block loader. Seeks are queued and run one
// at a time by Run; a newer seek cancels the load in flight.
type Player struct {
	source    types.Source
	name      string
	loaderCfg config.LoaderConfig
	meta      meta.Store
	logger    *zap.Logger

	wake chan struct{}

	mu         sync.RWMutex
	init       *types.Initialization
	loader     *block.Loader
	sink       *meta.Sink
	progress   *block.Progress
	lastSeek   types.Time
	pending    *types.Time
	cancelLoad context.CancelCauseFunc
	loading    bool
	lastErr    error
}

// New creates a player. Call Initialize before seeking.
func New(cfg Config) *Player {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	return &Player{
		source:    cfg.Source,
		name:      name,
		loaderCfg: cfg.Loader,
		meta:      cfg.Meta,
		logger:    logger.Named("player").With(zap.String("source", name)),
		wake:      make(chan struct{}, 1),
	}
}

// Name returns the source name.
func (p *Player) Name() string { return p.name }

// Initialize reads the source metadata, sizes the loader over the playback
// range and restores the saved session.
func (p *Player) Initialize(ctx context.Context) error {
	init, err := p.source.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initializing source %s: %w", p.name, err)
	}

	start, end := init.Start, init.End
	if !p.loaderCfg.Start.IsZero() {
		if s := types.FromTime(p.loaderCfg.Start); start.IsBefore(s) {
			start = s
		}
	}
	if !p.loaderCfg.End.IsZero() {
		if e := types.FromTime(p.loaderCfg.End); e.IsBefore(end) {
			end = e
		}
	}
	if end.IsBefore(start) {
		return fmt.Errorf("%w: %s..%s", ErrEmptyRange, start, end)
	}

	var sink *meta.Sink
	var problems types.ProblemSink
	if p.meta != nil {
		sink, err = meta.NewSink(ctx, p.meta, p.name, p.logger)
		if err != nil {
			return fmt.Errorf("loading problems for %s: %w", p.name, err)
		}
		problems = sink
	}
	for i, problem := range init.Problems {
		if sink != nil {
			sink.AddProblem(fmt.Sprintf("init-%d", i), problem)
		}
		metrics.Problems.WithLabelValues(p.name, "init").Inc()
		p.logger.Warn("source reported a problem",
			zap.String("severity", string(problem.Severity)),
			zap.String("message", problem.Message),
		)
	}

	loader, err := block.NewLoader(block.LoaderConfig{
		Source:             p.source,
		Start:              start,
		End:                end,
		MaxBlocks:          p.loaderCfg.MaxBlocks,
		MinBlockDurationNs: p.loaderCfg.MinBlockDuration.Duration().Nanoseconds(),
		CacheSizeBytes:     int64(p.loaderCfg.CacheSize),
		Problems:           problems,
		Logger:             p.logger,
		Name:               p.name,
	})
	if err != nil {
		return fmt.Errorf("creating loader for %s: %w", p.name, err)
	}

	p.mu.Lock()
	p.init = init
	p.loader = loader
	p.sink = sink
	p.lastSeek = start
	p.mu.Unlock()

	p.logger.Info("source initialized",
		zap.Stringer("start", start),
		zap.Stringer("end", end),
		zap.Int("topics", len(init.Topics)),
		zap.Int("blocks", loader.BlockCount()),
		zap.Int64("block_duration_ns", loader.BlockDurationNs()),
	)

	return p.restoreSession(ctx, init)
}

func (p *Player) restoreSession(ctx context.Context, init *types.Initialization) error {
	if p.meta == nil {
		return nil
	}
	session, err := p.meta.GetSession(ctx, p.name)
	if err != nil {
		return fmt.Errorf("reading session for %s: %w", p.name, err)
	}
	if session == nil {
		return nil
	}

	known := make(map[string]bool, len(init.Topics))
	for _, topic := range init.Topics {
		known[topic.Name] = true
	}
	var topics []string
	for _, topic := range session.Topics {
		if known[topic] {
			topics = append(topics, topic)
		} else {
			p.logger.Debug("dropping unknown topic from session", zap.String("topic", topic))
		}
	}

	p.logger.Info("restoring session",
		zap.Strings("topics", topics),
		zap.Stringer("last_seek", session.LastSeek),
	)
	p.loader.SetTopics(topics)
	if len(topics) == 0 {
		return nil
	}
	_, err = p.Seek(ctx, session.LastSeek)
	return err
}

// Ready reports ErrNotInitialized until Initialize succeeds.
func (p *Player) Ready() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.loader == nil {
		return ErrNotInitialized
	}
	return nil
}

func (p *Player) ready() (*block.Loader, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.loader == nil {
		return nil, ErrNotInitialized
	}
	return p.loader, nil
}

// Initialization returns the source metadata, or nil before Initialize.
func (p *Player) Initialization() *types.Initialization {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.init
}

// Topics returns the subscribed topics.
func (p *Player) Topics() ([]string, error) {
	loader, err := p.ready()
	if err != nil {
		return nil, err
	}
	return loader.Topics(), nil
}

// SetTopics replaces the subscribed topics and reloads around the last seek.
func (p *Player) SetTopics(ctx context.Context, topics []string) error {
	loader, err := p.ready()
	if err != nil {
		return err
	}
	loader.SetTopics(topics)

	p.mu.RLock()
	at := p.lastSeek
	p.mu.RUnlock()
	_, err = p.Seek(ctx, at)
	return err
}

// Seek queues a load around t, clamped to the playback range, and returns
// the clamped time. The load runs in Run.
func (p *Player) Seek(ctx context.Context, t types.Time) (types.Time, error) {
	loader, err := p.ready()
	if err != nil {
		return types.Time{}, err
	}
	if t.IsBefore(loader.Start()) {
		t = loader.Start()
	}
	if loader.End().IsBefore(t) {
		t = loader.End()
	}

	p.mu.Lock()
	p.lastSeek = t
	p.pending = &t
	cancel := p.cancelLoad
	p.mu.Unlock()

	if cancel != nil {
		cancel(block.ErrLoadSuperseded)
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}

	p.saveSession(ctx, loader.Topics(), t)
	return t, nil
}

func (p *Player) saveSession(ctx context.Context, topics []string, at types.Time) {
	if p.meta == nil {
		return
	}
	if err := p.meta.SetSession(ctx, p.name, meta.Session{Topics: topics, LastSeek: at}); err != nil {
		p.logger.Warn("failed to save session", zap.Error(err))
	}
}

// Run executes queued seeks until ctx is done.
func (p *Player) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
			p.runPending(ctx)
		}
	}
}

func (p *Player) runPending(ctx context.Context) {
	loadCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	p.mu.Lock()
	if p.pending == nil || p.loader == nil {
		p.mu.Unlock()
		return
	}
	t := *p.pending
	p.pending = nil
	p.cancelLoad = cancel
	p.loading = true
	loader := p.loader
	p.mu.Unlock()

	err := loader.Load(loadCtx, t, p.onProgress)

	failed := false
	p.mu.Lock()
	p.cancelLoad = nil
	p.loading = false
	switch {
	case err == nil:
		p.lastErr = nil
	case errors.Is(context.Cause(loadCtx), block.ErrLoadSuperseded), ctx.Err() != nil:
	default:
		p.lastErr = err
		failed = true
	}
	p.mu.Unlock()

	if failed {
		p.logger.Warn("block load failed", zap.Stringer("time", t), zap.Error(err))
	}
}

func (p *Player) onProgress(_ context.Context, progress block.Progress) error {
	p.mu.Lock()
	p.progress = &progress
	p.mu.Unlock()
	return nil
}

// Progress returns the latest progress reported by a load.
func (p *Player) Progress() (block.Progress, error) {
	loader, err := p.ready()
	if err != nil {
		return block.Progress{}, err
	}
	p.mu.RLock()
	progress := p.progress
	p.mu.RUnlock()
	if progress == nil {
		return loader.Progress(), nil
	}
	return *progress, nil
}

// Block returns the cached block id, which is nil when not loaded.
func (p *Player) Block(id int) (*block.MessageBlock, error) {
	loader, err := p.ready()
	if err != nil {
		return nil, err
	}
	if id < 0 || id >= loader.BlockCount() {
		return nil, fmt.Errorf("%w: %d", ErrBlockOutOfRange, id)
	}
	return loader.Block(id), nil
}

// BlockStart returns the first instant covered by block id.
func (p *Player) BlockStart(id int) (types.Time, error) {
	loader, err := p.ready()
	if err != nil {
		return types.Time{}, err
	}
	return types.Add(loader.Start(), types.FromNanoSec(int64(id)*loader.BlockDurationNs())), nil
}

// Backfill returns the latest message per subscribed topic at or before t.
func (p *Player) Backfill(ctx context.Context, t types.Time) ([]types.MessageEvent, error) {
	loader, err := p.ready()
	if err != nil {
		return nil, err
	}
	topics := loader.Topics()
	if len(topics) == 0 {
		return nil, nil
	}
	events, err := p.source.GetBackfillMessages(ctx, types.GetBackfillMessagesArgs{Topics: topics, Time: t})
	if err != nil {
		return nil, fmt.Errorf("backfill at %s: %w", t, err)
	}
	return events, nil
}

// Problems lists the stored problems for this source.
func (p *Player) Problems(ctx context.Context) ([]meta.ProblemEntry, error) {
	p.mu.RLock()
	sink := p.sink
	p.mu.RUnlock()
	if sink == nil {
		return nil, nil
	}
	return sink.Problems(ctx)
}

// PruneProblems drops stored problems last seen before the cutoff.
func (p *Player) PruneProblems(ctx context.Context, before time.Time) (int, error) {
	p.mu.RLock()
	sink := p.sink
	p.mu.RUnlock()
	if sink == nil {
		return 0, nil
	}
	return sink.PruneProblems(ctx, before)
}

// Status returns a summary of the player.
func (p *Player) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Status{
		Name:     p.name,
		LastSeek: p.lastSeek,
		Loading:  p.loading || p.pending != nil,
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	if p.loader == nil {
		return st
	}
	st.Initialized = true
	st.Start = p.loader.Start()
	st.End = p.loader.End()
	st.Topics = p.loader.Topics()
	st.CacheBytes = p.loader.CacheBytes()
	st.BlockCount = p.loader.BlockCount()
	st.BlockDurationNs = p.loader.BlockDurationNs()
	if p.progress != nil {
		st.LoadedFraction = p.progress.LoadedFraction()
	}
	return st
}
