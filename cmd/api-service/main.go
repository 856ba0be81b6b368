package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/sentinel-gateway/internal/api/handler"
	"github.com/cuongbtq/sentinel-gateway/internal/api/router"
	"github.com/cuongbtq/sentinel-gateway/internal/blob"
	"github.com/cuongbtq/sentinel-gateway/internal/config"
	"github.com/cuongbtq/sentinel-gateway/internal/notify"
	"github.com/cuongbtq/sentinel-gateway/internal/realtime"
	"github.com/cuongbtq/sentinel-gateway/internal/results"
	"github.com/cuongbtq/sentinel-gateway/internal/storage"
	"github.com/cuongbtq/sentinel-gateway/internal/submission"
	"github.com/cuongbtq/sentinel-gateway/shared/logger"
	"github.com/cuongbtq/sentinel-gateway/shared/postgresql"
	"github.com/cuongbtq/sentinel-gateway/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

const serviceName = "sentinel-api-gateway"

func main() {
	// Used until the configured logger exists
	bootLogger := logger.NewDefault()

	if err := run(bootLogger); err != nil {
		bootLogger.Error("Service exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(bootLogger *logger.Logger) error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		bootLogger.Info("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	// Initialize blob store. An unreachable bucket is fatal.
	blobClient, err := initBlobStore(ctx, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}

	appLogger.Info("Blob store reachable", slog.String("bucket", blobClient.Bucket()))

	// Realtime fan-out: local hub, plus a Redis backbone when configured
	hub := realtime.NewHub(cfg.CORS.AllowedOrigin, appLogger.Logger)
	go hub.Run(ctx)

	adapter, err := initRealtime(ctx, &cfg.Redis, hub, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize realtime adapter: %w", err)
	}
	defer adapter.Close()

	jobStorage := storage.NewStorage(dbClient)
	notifier := notify.NewNotifier(adapter, appLogger.Logger)

	orchestrator := submission.NewOrchestrator(blobClient, jobStorage, rabbitClient, submission.Config{
		Queue:          cfg.RabbitMQ.JobsQueue,
		TaskPattern:    cfg.RabbitMQ.TaskPattern,
		PublishTimeout: cfg.RabbitMQ.Publish.Timeout,
	}, appLogger.Logger)

	consumer := results.NewConsumer(&results.Config{
		Logger:        appLogger.Logger,
		Source:        rabbitClient,
		Jobs:          jobStorage,
		Notifier:      notifier,
		Queue:         cfg.RabbitMQ.ResultsQueue,
		ConsumerTag:   fmt.Sprintf("%s-%d", serviceName, os.Getpid()),
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
		Concurrency:   cfg.RabbitMQ.Consumer.Concurrency,
		HandleTimeout: cfg.RabbitMQ.Consumer.HandleTimeout,
	})
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start results consumer: %w", err)
	}

	// Initialize router
	r := initRouter(cfg, &handler.Dependencies{
		Logger:        appLogger.Logger,
		ServiceName:   serviceName,
		AllowedOrigin: cfg.CORS.AllowedOrigin,
		MaxUploadSize: cfg.Upload.MaxFileSize,
		Submitter:     orchestrator,
		Jobs:          jobStorage,
		Sockets:       hub,
		Realtime:      adapter,
		HealthChecks: map[string]handler.HealthChecker{
			"database": dbClient,
			"rabbitmq": rabbitClient,
		},
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.String("realtime_mode", adapter.Mode()),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case serveErr = <-errChan:
		appLogger.Error("Server failed", slog.Any("error", serveErr))
	case <-consumer.Done():
		serveErr = fmt.Errorf("results consumer stopped: %w", consumer.Err())
		appLogger.Error("Results consumer stopped, shutting down", slog.Any("error", consumer.Err()))
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
	}

	// Stop taking results, then let in-flight ones finish before the
	// backbone and connections close
	cancel()
	stopWithTimeout(shutdownCtx, consumer, appLogger.Logger)

	appLogger.Info("Server shutdown complete")
	return serveErr
}

// stopWithTimeout waits for the consumer to drain, giving up when ctx expires
func stopWithTimeout(ctx context.Context, consumer *results.Consumer, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		consumer.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Results consumer stopped gracefully")
	case <-ctx.Done():
		logger.Warn("Results consumer shutdown timeout exceeded, forcing exit")
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client and applies
// pending migrations when enabled
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	client, err := postgresql.NewClient(ctx, dbConfig, logger)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := client.RunMigrations(ctx); err != nil {
			client.Close()
			return nil, err
		}
	}

	return client, nil
}

// initRabbitMQ initializes the RabbitMQ client with both the task and result queues declared
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		Queues:            []string{cfg.JobsQueue, cfg.ResultsQueue},
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		ConnectionTimeout: cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initBlobStore creates the S3 client and checks that the bucket is reachable
func initBlobStore(ctx context.Context, cfg *config.StorageConfig) (*blob.S3Client, error) {
	client, err := blob.NewS3Client(ctx, &blob.Config{
		Endpoint:     cfg.Endpoint,
		Region:       cfg.Region,
		Bucket:       cfg.Bucket,
		AccessKey:    cfg.AccessKey,
		SecretKey:    cfg.SecretKey,
		UsePathStyle: cfg.UsePathStyle,
	})
	if err != nil {
		return nil, err
	}

	checkCtx := ctx
	if cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
	}

	if err := client.HeadBucket(checkCtx); err != nil {
		return nil, err
	}

	return client, nil
}

// initRealtime builds the fan-out adapter. Without a Redis URL the gateway
// runs single-instance.
func initRealtime(ctx context.Context, cfg *config.RedisConfig, hub *realtime.Hub, logger *slog.Logger) (*realtime.Adapter, error) {
	var backbone realtime.Backbone
	if cfg.URL != "" {
		redisBackbone, err := realtime.NewRedisBackbone(ctx, realtime.RedisConfig{
			URL:        cfg.URL,
			Channel:    cfg.Channel,
			MaxRetries: cfg.MaxRetries,
			MaxBackoff: cfg.MaxBackoff,
		}, logger)
		if err != nil {
			return nil, err
		}
		backbone = redisBackbone
	}

	adapter := realtime.NewAdapter(hub, backbone, logger)
	if err := adapter.Start(ctx); err != nil {
		if backbone != nil {
			backbone.Close()
		}
		return nil, err
	}

	return adapter, nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps, router.Options{Production: cfg.App.IsProduction()})
}
