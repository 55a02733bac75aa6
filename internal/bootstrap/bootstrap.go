// Package bootstrap wires configuration into the clients and services the
// binaries share.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobflow/internal/builtin"
	"github.com/cuongbtq/jobflow/internal/config"
	"github.com/cuongbtq/jobflow/internal/domain"
	"github.com/cuongbtq/jobflow/internal/engine"
	"github.com/cuongbtq/jobflow/internal/runner"
	"github.com/cuongbtq/jobflow/internal/storage"
	"github.com/cuongbtq/jobflow/internal/storage/postgres"
	"github.com/cuongbtq/jobflow/shared/logger"
	"github.com/cuongbtq/jobflow/shared/postgresql"
	"github.com/cuongbtq/jobflow/shared/rabbitmq"
)

const (
	dbConnectRetries = 5
	dbRetryInterval  = 2 * time.Second
)

// Store is the full persistence surface the services need
type Store interface {
	storage.JobStore
	storage.WorkflowStore
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// PostgresConfig maps the database section onto the client configuration
func PostgresConfig(cfg *config.DatabaseConfig) *postgresql.Config {
	return &postgresql.Config{
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
		ConnectRetries:  dbConnectRetries,
		RetryInterval:   dbRetryInterval,
	}
}

// OpenStorage connects to PostgreSQL and returns the storage on top of it.
// With migrate set the schema is applied before returning.
func OpenStorage(ctx context.Context, cfg *config.DatabaseConfig, migrate bool, log *slog.Logger) (*postgresql.Client, *postgres.Storage, error) {
	db, err := postgresql.NewClient(ctx, PostgresConfig(cfg), log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	store := postgres.NewStorage(db.GetDB(), log)
	if migrate {
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	return db, store, nil
}

// JobsQueueConfig maps the wake-up exchange and queue onto the client
// configuration. A publish-only client never declares the queue.
func JobsQueueConfig(cfg *config.RabbitMQConfig, publishOnly bool) *rabbitmq.Config {
	rc := baseRabbitConfig(cfg)
	rc.ExchangeName = cfg.Exchange.Name
	rc.ExchangeType = cfg.Exchange.Type
	rc.ExchangeDurable = cfg.Exchange.Durable
	rc.ExchangeAutoDelete = cfg.Exchange.AutoDelete
	rc.QueueName = cfg.Queue.Name
	rc.QueueDurable = cfg.Queue.Durable
	rc.QueueAutoDelete = cfg.Queue.AutoDelete
	rc.QueueExclusive = cfg.Queue.Exclusive
	rc.RoutingKey = cfg.RoutingKey
	rc.PrefetchCount = cfg.Consumer.PrefetchCount
	rc.PublishOnly = publishOnly
	return rc
}

// EventsQueueConfig maps the lifecycle event exchange onto the client
// configuration. Events are transient; a consumer without a queue name gets
// a server-named queue that lives as long as its connection.
func EventsQueueConfig(cfg *config.RabbitMQConfig, publishOnly bool) *rabbitmq.Config {
	ev := cfg.Events
	rc := baseRabbitConfig(cfg)
	rc.ExchangeName = ev.Exchange.Name
	rc.ExchangeType = ev.Exchange.Type
	rc.ExchangeDurable = ev.Exchange.Durable
	rc.ExchangeAutoDelete = ev.Exchange.AutoDelete
	rc.QueueName = ev.Queue.Name
	rc.QueueDurable = ev.Queue.Durable
	rc.QueueAutoDelete = ev.Queue.AutoDelete
	rc.QueueExclusive = ev.Queue.Exclusive
	if ev.Queue.Name == "" {
		rc.QueueDurable = false
		rc.QueueAutoDelete = true
		rc.QueueExclusive = true
	}
	rc.RoutingKey = ev.RoutingKey
	rc.Transient = true
	rc.PublishOnly = publishOnly
	return rc
}

func baseRabbitConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
}

// Services holds the job runner and workflow engine over one store
type Services struct {
	Runner *runner.Runner
	Engine *engine.Engine
}

// NewServices builds the runner and engine with the builtin types
// registered. Neither is started.
func NewServices(store Store, sink domain.EventSink, cfg *config.WorkerConfig, log *slog.Logger) (*Services, error) {
	r := runner.New(&runner.Config{
		Store:        store,
		Sink:         sink,
		Logger:       log.With(slog.String("component", "runner")),
		PollInterval: cfg.PollInterval,
	})
	e := engine.New(&engine.Config{
		Store:            store,
		Sink:             sink,
		Logger:           log.With(slog.String("component", "engine")),
		WebhookSafetyNet: cfg.WebhookSafetyNet,
		PendingBatch:     cfg.PendingBatch,
	})

	if err := builtin.Register(r, e, nil); err != nil {
		return nil, err
	}
	return &Services{Runner: r, Engine: e}, nil
}
