package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	defaultPublishTimeout    = 5 * time.Second
	defaultRedisMaxRetries   = 3
	defaultRedisMaxBackoff   = 2 * time.Second
	defaultMaxUploadSize     = 100 * 1024 * 1024
	defaultTaskPattern       = "analyze_logs"
	defaultConsumerPrefetch  = 10
	defaultConsumerWorkers   = 4
	defaultHandleTimeout     = 10 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultConnectRetries    = 5
	defaultConnectRetryDelay = 3 * time.Second
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Upload   UploadConfig   `yaml:"upload"`
	CORS     CORSConfig     `yaml:"cors"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and queue configuration
type RabbitMQConfig struct {
	Host         string           `yaml:"host"`
	Port         int              `yaml:"port"`
	User         string           `yaml:"user"`
	Password     string           `yaml:"password"`
	VHost        string           `yaml:"vhost"`
	JobsQueue    string           `yaml:"jobs_queue"`
	ResultsQueue string           `yaml:"results_queue"`
	TaskPattern  string           `yaml:"task_pattern"`
	Connection   ConnectionConfig `yaml:"connection"`
	Publish      PublishConfig    `yaml:"publish"`
	Consumer     ConsumerConfig   `yaml:"consumer"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds the bounded wait for a broker acknowledgment
type PublishConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int           `yaml:"prefetch_count"`
	Concurrency   int           `yaml:"concurrency"`
	HandleTimeout time.Duration `yaml:"handle_timeout"`
}

// RedisConfig holds the fan-out backbone settings. An empty URL selects
// single-instance mode.
type RedisConfig struct {
	URL        string        `yaml:"url"`
	Channel    string        `yaml:"channel"`
	MaxRetries int           `yaml:"max_retries"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// StorageConfig holds S3-compatible blob store settings
type StorageConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	Region         string        `yaml:"region"`
	Bucket         string        `yaml:"bucket"`
	AccessKey      string        `yaml:"access_key"`
	SecretKey      string        `yaml:"secret_key"`
	UsePathStyle   bool          `yaml:"use_path_style"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// UploadConfig holds upload limits
type UploadConfig struct {
	MaxFileSize int64 `yaml:"max_file_size"`
}

// CORSConfig holds the allowed frontend origin
type CORSConfig struct {
	AllowedOrigin string `yaml:"allowed_origin"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// IsProduction reports whether the app runs in the production environment
func (a AppConfig) IsProduction() bool {
	return a.Environment == "production"
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.RabbitMQ.TaskPattern == "" {
		c.RabbitMQ.TaskPattern = defaultTaskPattern
	}
	if c.RabbitMQ.Publish.Timeout <= 0 {
		c.RabbitMQ.Publish.Timeout = defaultPublishTimeout
	}
	if c.RabbitMQ.Connection.RetryAttempts <= 0 {
		c.RabbitMQ.Connection.RetryAttempts = defaultConnectRetries
	}
	if c.RabbitMQ.Connection.RetryInterval <= 0 {
		c.RabbitMQ.Connection.RetryInterval = defaultConnectRetryDelay
	}
	if c.RabbitMQ.Consumer.PrefetchCount <= 0 {
		c.RabbitMQ.Consumer.PrefetchCount = defaultConsumerPrefetch
	}
	if c.RabbitMQ.Consumer.Concurrency <= 0 {
		c.RabbitMQ.Consumer.Concurrency = defaultConsumerWorkers
	}
	if c.RabbitMQ.Consumer.HandleTimeout <= 0 {
		c.RabbitMQ.Consumer.HandleTimeout = defaultHandleTimeout
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "sentinel:events"
	}
	if c.Redis.MaxRetries <= 0 {
		c.Redis.MaxRetries = defaultRedisMaxRetries
	}
	if c.Redis.MaxBackoff <= 0 {
		c.Redis.MaxBackoff = defaultRedisMaxBackoff
	}
	if c.Upload.MaxFileSize <= 0 {
		c.Upload.MaxFileSize = defaultMaxUploadSize
	}
}

// ValidateAPIConfig checks the settings required by the gateway process
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage bucket is required")
	}

	if c.Storage.Region == "" {
		return fmt.Errorf("storage region is required")
	}

	// Outside production the blob store is a local MinIO with explicit credentials
	if !c.App.IsProduction() {
		if c.Storage.Endpoint == "" {
			return fmt.Errorf("storage endpoint is required outside production")
		}
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			return fmt.Errorf("storage credentials are required outside production")
		}
	}

	if c.RabbitMQ.JobsQueue == "" {
		return fmt.Errorf("rabbitmq jobs queue is required")
	}

	if c.CORS.AllowedOrigin == "" {
		return fmt.Errorf("cors allowed origin is required")
	}

	return nil
}

// ValidateResultsConfig checks the settings required by the headless results process
func (c *Config) ValidateResultsConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("redis url is required: notifications must reach the gateway instances")
	}

	return nil
}

func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.ResultsQueue == "" {
		return fmt.Errorf("rabbitmq results queue is required")
	}

	return nil
}
