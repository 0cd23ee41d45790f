package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/timkrebs/image-resizer/internal/config"
	"github.com/timkrebs/image-resizer/internal/database"
	"github.com/timkrebs/image-resizer/internal/metrics"
	"github.com/timkrebs/image-resizer/internal/queue"
	"github.com/timkrebs/image-resizer/internal/storage"
	"github.com/timkrebs/image-resizer/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	workerID := fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	logger := cfg.NewLogger(os.Stdout).With("service", "worker")
	slog.SetDefault(logger)

	if err := run(cfg, workerID, logger); err != nil {
		logger.Error("worker failed", "worker_id", workerID, "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, workerID string, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(cfg.MetricsNamespace, reg)

	// Database
	db, err := database.New(cfg.DatabaseURL, cfg.DatabaseMaxConn)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMetrics(ctx, m.Database)
	logger.Info("connected to database")

	jobRepo := database.NewJobRepository(db)

	// Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	setupCtx, setupCancel := context.WithTimeout(ctx, 10*time.Second)
	defer setupCancel()
	if err := redisClient.Ping(setupCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("connected to redis")

	consumer := queue.NewConsumer(redisClient, queue.ConsumerConfig{
		StreamName:    cfg.QueueStreamName,
		ConsumerGroup: cfg.QueueConsumerGroup,
		ConsumerName:  workerID,
		PollTimeout:   cfg.WorkerPollTimeout,
		ClaimIdle:     cfg.WorkerClaimIdle,
	}, logger)
	consumer.SetMetrics(m.Queue)
	if err := consumer.EnsureGroup(setupCtx); err != nil {
		return err
	}

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
	storageClient.SetMetrics(m.Storage)
	logger.Info("connected to minio", "bucket", cfg.MinIOBucket)

	w := worker.New(worker.Config{
		ID:          workerID,
		Concurrency: cfg.WorkerConcurrency,
		ScratchDir:  cfg.WorkerScratchDir,
		Retention:   cfg.ResultRetention,
	}, jobRepo, storageClient, consumer, m, logger)

	health := startHealthServer(cfg.HTTPPort, reg, logger, func(ctx context.Context) error {
		if err := db.Health(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		logger.Info("shutting down worker", "signal", sig.String())
		cancel()
	}()

	// Run returns once every in-flight job has finished
	w.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := health.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server forced to shutdown", "error", err)
	}
	return nil
}

// startHealthServer serves liveness, readiness and metrics for the worker
func startHealthServer(port int, gatherer prometheus.Gatherer, logger *slog.Logger, ready func(context.Context) error) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := ready(ctx); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
		writeStatus(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("starting health server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err)
		}
	}()
	return server
}

func writeStatus(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
