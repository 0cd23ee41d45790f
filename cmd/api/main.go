package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/timkrebs/image-resizer/internal/api"
	"github.com/timkrebs/image-resizer/internal/cleanup"
	"github.com/timkrebs/image-resizer/internal/config"
	"github.com/timkrebs/image-resizer/internal/database"
	"github.com/timkrebs/image-resizer/internal/metrics"
	"github.com/timkrebs/image-resizer/internal/queue"
	"github.com/timkrebs/image-resizer/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := cfg.NewLogger(os.Stdout).With("service", "api")
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(cfg.MetricsNamespace, reg)

	// Database
	db, err := database.New(cfg.DatabaseURL, cfg.DatabaseMaxConn)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()
	db.SetMetrics(ctx, m.Database)

	setupCtx, setupCancel := context.WithTimeout(ctx, 10*time.Second)
	defer setupCancel()
	if err := db.EnsureSchema(setupCtx); err != nil {
		return err
	}
	logger.Info("connected to database")

	jobRepo := database.NewJobRepository(db)

	// Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("failed to close redis", "error", err)
		}
	}()
	if err := redisClient.Ping(setupCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("connected to redis")

	producer := queue.NewProducer(redisClient, cfg.QueueStreamName, cfg.QueueMaxLen)
	producer.SetMetrics(m.Queue)

	// MinIO
	storageClient, err := storage.New(storage.Config{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		Bucket:    cfg.MinIOBucket,
		UseSSL:    cfg.MinIOUseSSL,
	})
	if err != nil {
		return err
	}
	if err := storageClient.EnsureBucket(setupCtx); err != nil {
		return err
	}
	storageClient.SetMetrics(m.Storage)
	logger.Info("connected to minio", "bucket", cfg.MinIOBucket)

	// Expired jobs are purged from the API process
	cleaner := cleanup.NewWorker(jobRepo, storageClient, cleanup.Config{
		Interval:  cfg.CleanupInterval,
		BatchSize: cfg.CleanupBatchSize,
	}, logger)
	go cleaner.Start(ctx)

	handlers := api.NewHandlers(jobRepo, storageClient, producer, db, cfg.QueueConsumerGroup, logger)
	handlers.SetMetrics(m.HTTP)
	handlers.SetMaxUploadSize(cfg.MaxUploadSize)

	router := api.NewRouter(handlers, m.HTTP, reg, cfg.MaxUploadSize, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting API server", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
	return nil
}
