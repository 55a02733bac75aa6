package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/jobflow/internal/api/handler"
	"github.com/cuongbtq/jobflow/internal/api/router"
	"github.com/cuongbtq/jobflow/internal/bootstrap"
	"github.com/cuongbtq/jobflow/internal/config"
	"github.com/cuongbtq/jobflow/internal/notify"
	"github.com/cuongbtq/jobflow/internal/wakeup"
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
	configFlag := flag.String("config", "", "Path to configuration file (default $API_SERVICE_CONFIG_PATH)")
	flag.Parse()

	configPath, err := config.ResolvePath(*configFlag, "API_SERVICE_CONFIG_PATH")
	if err != nil {
		return err
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, store, err := bootstrap.OpenStorage(ctx, &cfg.Database, false, appLogger.Logger)
	if err != nil {
		return err
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	// Wake-up hints for the worker
	wakeupClient, err := rabbitmq.NewClient(bootstrap.JobsQueueConfig(&cfg.RabbitMQ, true), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer wakeupClient.Close()

	// Lifecycle events: published by whichever process makes the change and
	// relayed back into this instance's broker for SSE subscribers
	eventsClient, err := rabbitmq.NewClient(bootstrap.EventsQueueConfig(&cfg.RabbitMQ, false), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ events client: %w", err)
	}
	defer eventsClient.Close()

	appLogger.Info("RabbitMQ connection established",
		slog.String("events_queue", eventsClient.QueueName()),
	)

	eventsLogger := appLogger.With(slog.String("component", "events")).Logger
	broker := notify.NewBroker(eventsLogger, cfg.Notify.BufferSize)
	relay := notify.NewAMQPRelay(eventsClient, broker, eventsLogger, "api-"+uuid.NewString())

	// The runner and engine only serve submissions, reads, cancels and
	// webhook deliveries here; the worker executes.
	services, err := bootstrap.NewServices(store, notify.NewAMQPPublisher(eventsClient, eventsLogger), &cfg.Worker, appLogger.Logger)
	if err != nil {
		return err
	}

	r := initRouter(cfg, &handler.Dependencies{
		Logger:      appLogger.Logger,
		ServiceName: cfg.App.Name,
		Jobs:        services.Runner,
		Workflows:   services.Engine,
		Waker:       wakeup.NewPublisher(wakeupClient, appLogger.Logger),
		Events:      broker,
		HealthChecks: map[string]handler.HealthCheck{
			"database": dbClient.HealthCheck,
			"rabbitmq": func(context.Context) error {
				if !wakeupClient.IsConnected() || !eventsClient.IsConnected() {
					return errors.New("not connected")
				}
				return nil
			},
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
	// open event streams would otherwise hold Shutdown until its timeout
	srv.RegisterOnShutdown(broker.Close)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		appLogger.Info("Starting HTTP server",
			slog.String("address", addr),
			slog.Duration("read_timeout", cfg.Server.ReadTimeout),
			slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return relay.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Server forced to shutdown",
				slog.Any("error", err),
			)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
