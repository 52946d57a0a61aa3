package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gftdcojp/playback-loader/internal/blob"
	"github.com/gftdcojp/playback-loader/internal/config"
	"github.com/gftdcojp/playback-loader/internal/file"
	"github.com/gftdcojp/playback-loader/internal/lifecycle"
	"github.com/gftdcojp/playback-loader/internal/memory"
	"github.com/gftdcojp/playback-loader/internal/meta"
	"github.com/gftdcojp/playback-loader/internal/metrics"
	"github.com/gftdcojp/playback-loader/internal/player"
	"github.com/gftdcojp/playback-loader/internal/serve"
	"github.com/gftdcojp/playback-loader/internal/stream"
	"github.com/gftdcojp/playback-loader/internal/types"
	"github.com/gftdcojp/playback-loader/pkg/natsutil"
	"github.com/gftdcojp/playback-loader/pkg/s3util"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("playback-loader %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Connect to NATS only when the source or the responder needs it
	var (
		nc *nats.Conn
		js jetstream.JetStream
	)
	if cfg.UsesNATS() {
		var err error
		nc, js, err = natsutil.ConnectJetStream(cfg.NATS, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()
	}

	// Initialize metadata store
	metaStore, err := meta.NewBoltStore(cfg.Metadata.Path, logger.Named("meta"))
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer metaStore.Close()
	metaStore.SetNoSync(cfg.Metadata.NoSync)

	var s3Client *s3util.Client
	if cfg.Source.Kind == "blob" {
		s3Client, err = s3util.NewClient(ctx, cfg.Source.Blob)
		if err != nil {
			return fmt.Errorf("creating S3 client: %w", err)
		}
	}

	source, err := newSource(ctx, cfg, js, s3Client, logger)
	if err != nil {
		return err
	}

	p := player.New(player.Config{
		Source: source,
		Name:   cfg.Source.Name,
		Loader: cfg.Loader,
		Meta:   metaStore,
		Logger: logger.Named("player"),
	})
	if err := p.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing source %s: %w", cfg.Source.Name, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.Run(gctx) })

	// Start problem retention loop
	if cfg.Problems.Retention > 0 {
		mgr := lifecycle.NewManager(cfg.Problems, logger.Named("lifecycle"), p)
		g.Go(func() error { return mgr.Run(gctx) })
	}

	// Start HTTP API
	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, p, logger.Named("api"))
		})
	}

	// Start NATS responder
	if cfg.API.Enabled && cfg.API.NATSResponder.Enabled {
		g.Go(func() error {
			return serve.RunNATSResponder(gctx, nc, cfg.API.NATSResponder, p, logger.Named("nats-responder"))
		})
	}

	// Start metrics server
	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	// Start health server
	if cfg.Observability.Health.Enabled {
		healthChecker := metrics.NewHealthChecker(nc, metaStore, s3Client, p)
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	st := p.Status()
	logger.Info("playback-loader started",
		zap.String("version", version),
		zap.String("source", cfg.Source.Name),
		zap.String("kind", cfg.Source.Kind),
		zap.Stringer("start", st.Start),
		zap.Stringer("end", st.End),
		zap.Int("topics", len(st.Topics)),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down")
	return nil
}

func newSource(ctx context.Context, cfg *config.Config, js jetstream.JetStream, s3Client *s3util.Client, logger *zap.Logger) (types.Source, error) {
	sc := cfg.Source
	switch sc.Kind {
	case "memory":
		logger.Warn("memory source configured; playback range is empty until messages are added")
		return memory.NewSource(logger.Named("memory").With(zap.String("source", sc.Name))), nil
	case "file":
		return file.NewSource(sc.File.Path, logger.Named("file").With(zap.String("source", sc.Name))), nil
	case "blob":
		return blob.NewSource(s3Client.S3, s3Client.Bucket, s3Client.Key, logger.Named("blob").With(zap.String("source", sc.Name))), nil
	case "stream":
		src := stream.NewSource(stream.Config{
			JS:           js,
			Stream:       sc.Stream.Stream,
			Subjects:     sc.Stream.Subjects,
			FetchBatch:   sc.Stream.FetchBatch,
			FetchTimeout: sc.Stream.FetchTimeout.Duration(),
			Logger:       logger.Named("stream").With(zap.String("source", sc.Name)),
		})
		if cfg.API.Enabled && cfg.API.NATSResponder.Enabled {
			// Requests published into the stream are acked by JetStream
			// before the responder can answer.
			for _, subj := range cfg.API.NATSResponder.OperationSubjects() {
				captured, err := src.CapturesSubject(ctx, subj)
				if err != nil {
					return nil, err
				}
				if captured {
					return nil, fmt.Errorf("stream %s captures responder subject %s; choose another api.nats_responder.subject_prefix", sc.Stream.Stream, subj)
				}
			}
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", sc.Kind)
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	if cfg.Output != "" {
		zapCfg.OutputPaths = []string{cfg.Output}
	}

	return zapCfg.Build()
}
