package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/cache"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/catalog"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/config"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/logging"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/metrics"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/notify"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/orchestrator"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/playback"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/queue"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/storage"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/tracing"
)

// API holds the HTTP layer's collaborators.
type API struct {
	cfg      *config.Config
	log      *logging.Logger
	db       *catalog.DB
	repo     *catalog.Repository
	orch     *orchestrator.Orchestrator
	storage  *storage.Storage
	cache    *cache.Cache
	queue    *queue.Queue
	notifier *notify.RedisNotifier
	issuer   *playback.Issuer
}

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

	issuer := playback.NewIssuer(cfg.Playback)

	orch := orchestrator.New(orchestrator.Options{
		Config:     cfg.Pipeline,
		ScratchDir: cfg.Encoder.ScratchDir,
		Store:      repo,
		Objects:    stor,
		Cache:      jobCache,
		Notifier:   notifier,
		Issuer:     issuer,
		Log:        logger,
	})

	api := &API{
		cfg:      cfg,
		log:      logger,
		db:       db,
		repo:     repo,
		orch:     orch,
		storage:  stor,
		cache:    jobCache,
		queue:    q,
		notifier: notifier,
		issuer:   issuer,
	}

	metricsSrv := metrics.NewServer(cfg.Server.MetricsPort, logger)
	go func() {
		if err := metricsSrv.Start(); err != nil {
			logger.ErrorWithErr("metrics server stopped", err)
		}
	}()

	router := setupRouter(api)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatalf("Server forced to shutdown: %v", err)
	}
	_ = metricsSrv.Shutdown(ctx)

	logger.Info("Server stopped")
}
