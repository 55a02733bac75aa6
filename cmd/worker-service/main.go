package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/jobflow/internal/bootstrap"
	"github.com/cuongbtq/jobflow/internal/config"
	"github.com/cuongbtq/jobflow/internal/notify"
	"github.com/cuongbtq/jobflow/internal/worker"
	"github.com/cuongbtq/jobflow/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	configFlag := flag.String("config", "", "Path to configuration file (default $WORKER_SERVICE_CONFIG_PATH)")
	flag.Parse()

	configPath, err := config.ResolvePath(*configFlag, "WORKER_SERVICE_CONFIG_PATH")
	if err != nil {
		return err
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The worker owns the schema
	dbClient, store, err := bootstrap.OpenStorage(ctx, &cfg.Database, true, appLogger.Logger)
	if err != nil {
		return err
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	// Wake-up hints from the API arrive on the jobs queue
	wakeupClient, err := rabbitmq.NewClient(bootstrap.JobsQueueConfig(&cfg.RabbitMQ, false), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer wakeupClient.Close()

	// Lifecycle events go out on the events exchange
	eventsClient, err := rabbitmq.NewClient(bootstrap.EventsQueueConfig(&cfg.RabbitMQ, true), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ events publisher: %w", err)
	}
	defer eventsClient.Close()

	appLogger.Info("RabbitMQ connection established")

	sink := notify.NewAMQPPublisher(eventsClient, appLogger.With(slog.String("component", "events")).Logger)
	services, err := bootstrap.NewServices(store, sink, &cfg.Worker, appLogger.Logger)
	if err != nil {
		return err
	}

	workerInstance, err := worker.NewWorker(&worker.Config{
		Logger:          appLogger.Logger,
		Runner:          services.Runner,
		Engine:          services.Engine,
		Consumer:        wakeupClient,
		PollSchedule:    cfg.Worker.PollSchedule,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
		RecoverOnStart:  cfg.Worker.ShouldRecover(),
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerInstance.ID()),
		slog.String("poll_schedule", cfg.Worker.PollSchedule),
	)

	if err := workerInstance.Run(ctx); err != nil {
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}
