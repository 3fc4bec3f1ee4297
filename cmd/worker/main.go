package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/cache"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/catalog"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/config"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/ingest"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/logging"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/media"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/metrics"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/notify"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/orchestrator"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/playback"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/queue"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/storage"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/tracing"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/uploader"
)

const scratchSweepInterval = 15 * time.Minute

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	if cfg.Tracing.Enabled {
		_, closer, err := tracing.Init(cfg.Tracing)
		if err != nil {
			logger.Fatalf("Failed to initialize tracing: %v", err)
		}
		defer closer.Close()
	}

	db, err := catalog.NewDB(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	repo := catalog.NewRepository(db)

	stor, err := storage.New(cfg.Storage)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}

	jobCache, err := cache.New(cfg.Redis)
	if err != nil {
		logger.Fatalf("Failed to connect to cache: %v", err)
	}
	defer jobCache.Close()

	notifier, err := notify.NewRedisNotifier(cfg.Redis, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize notifier: %v", err)
	}
	defer notifier.Close()

	q, err := queue.New(cfg.Queue)
	if err != nil {
		logger.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()

	engine := media.NewEngine(cfg.Encoder, logger)
	publisher := uploader.NewPublisher(cfg.Uploader, stor, repo, logger)
	downloader := ingest.NewDownloader(logger)
	issuer := playback.NewIssuer(cfg.Playback)

	orch := orchestrator.New(orchestrator.Options{
		Config:     cfg.Pipeline,
		ScratchDir: cfg.Encoder.ScratchDir,
		Store:      repo,
		Engine:     engine,
		Publisher:  publisher,
		Downloader: downloader,
		Issuer:     issuer,
		Objects:    stor,
		Cache:      jobCache,
		Notifier:   notifier,
		Log:        logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsSrv := metrics.NewServer(cfg.Server.MetricsPort, logger)
	go func() {
		if err := metricsSrv.Start(); err != nil {
			logger.ErrorWithErr("metrics server stopped", err)
		}
	}()

	// Cancel requests arrive over the control channel from the API process.
	if err := notifier.SubscribeCancels(ctx, func(jobID string) {
		if err := orch.Cancel(ctx, jobID); err != nil {
			logger.WithJobID(jobID).Debugf("cancel request ignored: %v", err)
		}
	}); err != nil {
		logger.Fatalf("Failed to subscribe to cancel channel: %v", err)
	}

	// The global sweep is single-flight across workers via a cache lock.
	go func() {
		ticker := time.NewTicker(scratchSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := jobCache.AcquireLock(ctx, "scratch-sweep", scratchSweepInterval)
				if err != nil || !held {
					continue
				}
				if err := orch.CleanupScratch(ctx); err != nil {
					logger.ErrorWithErr("scratch sweep failed", err)
				}
				_ = jobCache.ReleaseLock(ctx, "scratch-sweep")
			}
		}
	}()

	go func() {
		logger.Infof("Worker consuming encode requests (max concurrent: %d)", cfg.Pipeline.MaxConcurrent)
		err := q.ConsumeEncodeRequests(ctx, cfg.Pipeline.MaxConcurrent, func(req queue.EncodeRequest) error {
			return orch.Run(ctx, req.JobID, req.SourcePath, req.SourceURL)
		})
		if err != nil && ctx.Err() == nil {
			logger.Fatalf("Consumer stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info("Worker stopped")
}
