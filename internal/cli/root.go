// Package cli provides jobctl, the operator command line for jobs and
// workflows. It talks to the database directly and never needs the broker.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/jobflow/internal/bootstrap"
	"github.com/cuongbtq/jobflow/internal/config"
	"github.com/cuongbtq/jobflow/shared/logger"
)

// ConfigPathEnv names the config file when --config is not given
const ConfigPathEnv = "JOBCTL_CONFIG_PATH"

// Version is set at build time.
var Version = "0.1.0"

// Backend is the storage a command runs against
type Backend struct {
	Store bootstrap.Store
	// Migrate applies the schema; nil when the backend has none
	Migrate func(ctx context.Context) error
	Close   func() error
}

// Opener connects a Backend for one command invocation
type Opener func(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Backend, error)

// OpenPostgres is the production Opener
func OpenPostgres(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Backend, error) {
	db, store, err := bootstrap.OpenStorage(ctx, &cfg.Database, false, log)
	if err != nil {
		return nil, err
	}
	return &Backend{Store: store, Migrate: store.Migrate, Close: db.Close}, nil
}

// app carries the state shared by every command of one invocation
type app struct {
	open       Opener
	configPath string
	verbose    bool

	log      *logger.Logger
	backend  *Backend
	services *bootstrap.Services
}

// NewRootCommand builds the jobctl command tree on top of open
func NewRootCommand(open Opener) *cobra.Command {
	a := &app{open: open}

	root := &cobra.Command{
		Use:   "jobctl",
		Short: "Operate the job runner and workflow engine",
		Long: `jobctl inspects and operates jobs and workflows stored in PostgreSQL.

Examples:
  jobctl migrate
  jobctl jobs list --status FAILED
  jobctl workflows get 0b7c...
  jobctl poll`,
		Version:            Version,
		SilenceUsage:       true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to configuration file (default $"+ConfigPathEnv+")")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		a.migrateCmd(),
		a.jobsCmd(),
		a.workflowsCmd(),
		a.pollCmd(),
		a.recoverCmd(),
	)
	return root
}

// Execute runs jobctl against PostgreSQL
func Execute(ctx context.Context) error {
	return NewRootCommand(OpenPostgres).ExecuteContext(ctx)
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	// Skip connecting for help
	if cmd.Name() == "help" {
		return nil
	}

	path, err := config.ResolvePath(a.configPath, ConfigPathEnv)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateDatabaseConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// stdout belongs to command output
	if cfg.Logging.Output == "" || cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}
	cfg.Logging.Level = "warn"
	if a.verbose {
		cfg.Logging.Level = "debug"
	}

	a.log, err = bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	a.backend, err = a.open(cmd.Context(), cfg, a.log.Logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	a.services, err = bootstrap.NewServices(a.backend.Store, nil, &cfg.Worker, a.log.Logger)
	return err
}

func (a *app) teardown(_ *cobra.Command, _ []string) error {
	var errs []error
	if a.backend != nil && a.backend.Close != nil {
		errs = append(errs, a.backend.Close())
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}
