package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.backend.Migrate == nil {
				return errors.New("this backend has no schema to migrate")
			}
			if err := a.backend.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			return nil
		},
	}
}

func (a *app) pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run one workflow pass: start pending and resume due workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.services.Engine.Tick(cmd.Context())
			if err != nil {
				return fmt.Errorf("poll: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started %d, resumed %d workflow(s)\n", res.Started, res.Resumed)
			return nil
		},
	}
}

func (a *app) recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reconcile jobs and workflows left RUNNING by a crashed worker",
		Long: `Reconcile work that a crashed worker left RUNNING. Only run this while
no worker is active: a running job or workflow cannot be told apart from an
interrupted one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			jobs, err := a.services.Runner.RecoverInterrupted(ctx)
			if err != nil {
				return fmt.Errorf("recover jobs: %w", err)
			}
			workflows, err := a.services.Engine.RecoverInterrupted(ctx)
			if err != nil {
				return fmt.Errorf("recover workflows: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d job(s) and %d workflow(s)\n", jobs, workflows)
			return nil
		},
	}
}
