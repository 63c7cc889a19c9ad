package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"image-worker/internal/config"
	"image-worker/internal/engine"
	"image-worker/internal/imaging"
	"image-worker/internal/job"
	"image-worker/internal/logger"
	"image-worker/internal/pipeline"
	"image-worker/internal/repository/elastic"
	"image-worker/internal/repository/postgresql"
	"image-worker/internal/repository/redisjob"
	"image-worker/internal/service"
	"image-worker/internal/storage"
	httptransport "image-worker/internal/transport/http"
	"image-worker/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Consume jobs until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runWorker(cmd.Context(), cfg)
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	log := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	slog.SetDefault(log)

	lockPath := filepath.Join(cfg.Worker.LockDir, "image-worker-"+service.NormalizeName(cfg.Worker.Name)+".lock")
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("worker %q is already running on this host", cfg.Worker.Name)
	}
	defer func() { _ = lock.Unlock() }()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	// The coordinator owns the client once it exists.
	ownsRedis := true
	defer func() {
		if ownsRedis {
			_ = rdb.Close()
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	backends, err := newBackends(cfg.Engine)
	if err != nil {
		return err
	}

	pp, err := newPipeline(ctx, cfg, log)
	if err != nil {
		return err
	}

	indexers, closeIndexers := newIndexers(ctx, cfg, log)
	defer closeIndexers()

	jobs := redisjob.NewJobRepository(rdb)
	deps := job.Deps{
		Engine:            backends,
		Pipeline:          pp,
		HTTPClient:        &http.Client{},
		ImageFetchTimeout: cfg.Worker.ImageFetchTimeout,
		WebhookTimeout:    cfg.Worker.WebhookTimeout,
		Logger:            log,
	}
	coord, err := service.NewCoordinator(ctx, rdb, jobs, service.CoordinatorConfig{
		Worker:        cfg.Worker.Name,
		Groups:        cfg.Worker.Groups,
		ExcludeGlobal: cfg.Worker.ExcludeGlobal,
		ReloadGroups:  cfg.Worker.ReloadGroups,
		StatusTTL:     cfg.Worker.StatusTTL,
		Version:       cfg.App.Version,
	}, deps, log, indexers...)
	if err != nil {
		return err
	}
	ownsRedis = false
	defer func() {
		if err := coord.Close(context.WithoutCancel(ctx)); err != nil {
			log.Error("failed to close coordinator", slog.Any("error", err))
		}
	}()

	loop := worker.NewLoop(coord, backends, worker.Config{
		WaitTimeout:         cfg.Worker.WaitTimeout,
		DisconnectedDelay:   cfg.Worker.DisconnectedDelay,
		RestartGrace:        cfg.Worker.RestartGrace,
		RestartPollInterval: cfg.Worker.RestartPollInterval,
	}, log)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// First signal finishes the current job, the second aborts it.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		log.Info("shutdown requested", slog.String("signal", sig.String()))
		loop.Shutdown()
		if _, ok := <-sigCh; ok {
			log.Warn("forced shutdown")
			cancel()
		}
	}()

	if cfg.HTTP.Addr != "" {
		producer := service.NewProducer(rdb)
		h := httptransport.NewHandler(service.NewJobService(jobs, producer), backends, producer, cfg.Worker.Name, log)
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           httptransport.Routes(h, log),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("http listening", slog.String("addr", cfg.HTTP.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server failed", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info("worker started",
		slog.String("worker", cfg.Worker.Name),
		slog.String("version", cfg.App.Version),
		slog.Int("backends", backends.Len()),
	)
	return loop.Run(loopCtx)
}

func newBackends(cfg config.EngineConfig) (*engine.Backends, error) {
	clients := make([]*engine.Client, 0, len(cfg.URLs))
	for _, u := range cfg.URLs {
		opts := []engine.ClientOption{
			engine.WithOutputRecovery(cfg.RecoverOutputOnDisk),
			engine.WithProbeTimeout(cfg.ProbeTimeout),
		}
		if cfg.Username != "" {
			opts = append(opts, engine.WithBasicAuth(cfg.Username, cfg.Password))
		}
		clients = append(clients, engine.NewClient(u, opts...))
	}
	return engine.NewBackends(clients...)
}

func newPipeline(ctx context.Context, cfg *config.Config, log *slog.Logger) (*pipeline.Pipeline, error) {
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	prefix := ""
	if cfg.App.Dev {
		prefix = "dev_"
	}
	uploader := pipeline.NewStoreUploader(store, imaging.NewEncoder(cfg.Pipeline.FFmpeg), cfg.Storage.PublicURL, prefix, log)

	var classifier pipeline.Classifier = pipeline.NoopClassifier{}
	if cfg.Pipeline.NSFWURL != "" {
		classifier = pipeline.NewHTTPClassifier(cfg.Pipeline.NSFWURL, cfg.Pipeline.NSFWTimeout)
	}

	fonts, err := loadFonts(cfg.Pipeline.FontPath, log)
	if err != nil {
		return nil, err
	}

	return pipeline.New(uploader, classifier, log,
		pipeline.WithSizes(cfg.Pipeline.TrackSizes),
		pipeline.WithFonts(fonts),
	), nil
}

// newIndexers skips any index it cannot reach; indexing never blocks startup.
func loadFonts(path string, log *slog.Logger) (*imaging.FontSource, error) {
	if path == "" {
		log.Warn("no font configured, add_text falls back to a fixed bitmap face and ignores font_size")
		return nil, nil
	}
	return imaging.LoadFont(path)
}

func newIndexers(ctx context.Context, cfg *config.Config, log *slog.Logger) ([]service.Indexer, func()) {
	var (
		indexers []service.Indexer
		closers  []func()
	)

	if cfg.Search.DatabaseURL != "" {
		pool, err := postgresql.NewPool(ctx, cfg.Search.DatabaseURL)
		if err != nil {
			log.Warn("search index disabled", slog.Any("error", err))
		} else {
			repo := postgresql.NewGenerationRepository(pool)
			if err := repo.EnsureSchema(ctx); err != nil {
				log.Warn("search schema", slog.Any("error", err))
			}
			indexers = append(indexers, repo)
			closers = append(closers, pool.Close)
		}
	}

	if cfg.Elastic.Enabled() {
		idx, err := elastic.NewLogIndex(elastic.Config{
			Addresses: cfg.Elastic.Addresses,
			CloudID:   cfg.Elastic.CloudID,
			APIKey:    cfg.Elastic.APIKey,
			Index:     cfg.Elastic.Index,
			Dev:       cfg.App.Dev,
		})
		if err != nil {
			log.Warn("log index disabled", slog.Any("error", err))
		} else {
			indexers = append(indexers, idx)
		}
	}

	return indexers, func() {
		for _, c := range closers {
			c()
		}
	}
}
