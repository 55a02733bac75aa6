package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Environment variables that override secrets from the config file
const (
	EnvDatabasePassword = "DATABASE_PASSWORD"
	EnvRabbitMQPassword = "RABBITMQ_PASSWORD"
)

// PollScheduleParser accepts standard five-field cron specs and descriptors
// such as "@every 5s".
var PollScheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Notify   NotifyConfig   `yaml:"notify"`
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
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Events     EventsConfig     `yaml:"events"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// EventsConfig holds the exchange the worker publishes lifecycle events to
// and the queue each API instance relays them from. An empty queue name
// makes the server generate an exclusive queue per instance.
type EventsConfig struct {
	Exchange   ExchangeConfig `yaml:"exchange"`
	Queue      QueueConfig    `yaml:"queue"`
	RoutingKey string         `yaml:"routing_key"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	PollSchedule     string        `yaml:"poll_schedule"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	WebhookSafetyNet time.Duration `yaml:"webhook_safety_net"`
	PendingBatch     int           `yaml:"pending_batch"`
	RecoverOnStart   *bool         `yaml:"recover_on_start"`
}

// ShouldRecover reports whether interrupted work is reconciled at startup
func (w WorkerConfig) ShouldRecover() bool {
	return w.RecoverOnStart == nil || *w.RecoverOnStart
}

// NotifyConfig holds in-process event broker settings
type NotifyConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()
	config.ApplyEnv()

	return &config, nil
}

// SetDefaults fills in zero values
func (c *Config) SetDefaults() {
	if c.App.Name == "" {
		c.App.Name = "jobflow"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "direct"
	}
	if c.RabbitMQ.Events.Exchange.Type == "" {
		c.RabbitMQ.Events.Exchange.Type = "fanout"
	}
	if c.RabbitMQ.Publish.RetryAttempts == 0 {
		c.RabbitMQ.Publish.RetryAttempts = 3
	}
	if c.RabbitMQ.Publish.RetryInterval == 0 {
		c.RabbitMQ.Publish.RetryInterval = 500 * time.Millisecond
	}
	if c.RabbitMQ.Publish.BackoffMultiplier == 0 {
		c.RabbitMQ.Publish.BackoffMultiplier = 2
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = time.Second
	}
	if c.Worker.PollSchedule == "" {
		c.Worker.PollSchedule = "@every 5s"
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.PendingBatch == 0 {
		c.Worker.PendingBatch = 100
	}
	if c.Notify.BufferSize == 0 {
		c.Notify.BufferSize = 64
	}
}

// ApplyEnv overrides secrets with values from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvDatabasePassword); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv(EnvRabbitMQPassword); v != "" {
		c.RabbitMQ.Password = v
	}
}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	if err := c.ValidateDatabaseConfig(); err != nil {
		return err
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.RabbitMQ.Events.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq events exchange name is required")
	}

	return nil
}

// ValidateDatabaseConfig checks the settings needed to reach PostgreSQL.
// It is all the operator CLI requires.
func (c *Config) ValidateDatabaseConfig() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Notify.BufferSize < 0 {
		return fmt.Errorf("notify buffer_size must not be negative")
	}

	return c.Validate()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker poll_interval must be greater than 0")
	}

	if _, err := PollScheduleParser.Parse(c.Worker.PollSchedule); err != nil {
		return fmt.Errorf("invalid worker poll_schedule %q: %w", c.Worker.PollSchedule, err)
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.WebhookSafetyNet < 0 {
		return fmt.Errorf("worker webhook_safety_net must not be negative")
	}

	if c.Worker.PendingBatch <= 0 {
		return fmt.Errorf("worker pending_batch must be greater than 0")
	}

	return c.Validate()
}

// ErrNoConfigPath is returned when neither the flag nor the environment
// names a config file
var ErrNoConfigPath = errors.New("config path is required")

// ResolvePath returns flagValue when set, otherwise the named env variable
func ResolvePath(flagValue, envName string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v := os.Getenv(envName); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: pass -config or set %s", ErrNoConfigPath, envName)
}
