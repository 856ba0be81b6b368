package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/sentinel-gateway/internal/config"
	"github.com/cuongbtq/sentinel-gateway/internal/notify"
	"github.com/cuongbtq/sentinel-gateway/internal/realtime"
	"github.com/cuongbtq/sentinel-gateway/internal/results"
	"github.com/cuongbtq/sentinel-gateway/internal/storage"
	"github.com/cuongbtq/sentinel-gateway/shared/logger"
	"github.com/cuongbtq/sentinel-gateway/shared/postgresql"
	"github.com/cuongbtq/sentinel-gateway/shared/rabbitmq"
	"github.com/joho/godotenv"
)

// The results service consumes worker results without serving HTTP. Its
// job_update events reach browsers through the gateways subscribed to the
// same Redis channel.
const serviceName = "sentinel-results-service"

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
	defaultConfigPath := os.Getenv("RESULTS_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/results-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateResultsConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting results service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Create context for graceful shutdown
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

	backbone, err := realtime.NewRedisBackbone(ctx, realtime.RedisConfig{
		URL:        cfg.Redis.URL,
		Channel:    cfg.Redis.Channel,
		MaxRetries: cfg.Redis.MaxRetries,
		MaxBackoff: cfg.Redis.MaxBackoff,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize redis backbone: %w", err)
	}

	// No sockets are served here; the hub only absorbs the local half of each broadcast
	hub := realtime.NewHub("", appLogger.Logger)
	go hub.Run(ctx)

	adapter := realtime.NewAdapter(hub, backbone, appLogger.Logger)
	defer adapter.Close()

	consumer := results.NewConsumer(&results.Config{
		Logger:        appLogger.Logger,
		Source:        rabbitClient,
		Jobs:          storage.NewStorage(dbClient),
		Notifier:      notify.NewNotifier(adapter, appLogger.Logger),
		Queue:         cfg.RabbitMQ.ResultsQueue,
		ConsumerTag:   fmt.Sprintf("%s-%d", serviceName, os.Getpid()),
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
		Concurrency:   cfg.RabbitMQ.Consumer.Concurrency,
		HandleTimeout: cfg.RabbitMQ.Consumer.HandleTimeout,
	})
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start results consumer: %w", err)
	}

	appLogger.Info("Results service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case <-consumer.Done():
		runErr = fmt.Errorf("results consumer stopped: %w", consumer.Err())
		appLogger.Error("Results consumer stopped, shutting down", slog.Any("error", consumer.Err()))
	}

	// Cancel context to stop the consumer
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		consumer.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Results consumer stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Results consumer shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Results service shutdown complete")
	return runErr
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

// initPostgreSQL initializes the PostgreSQL database client
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

	return postgresql.NewClient(ctx, dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client with the results queue declared
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		Queues:            []string{cfg.ResultsQueue},
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		ConnectionTimeout: cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
