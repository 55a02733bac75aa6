package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/jobflow/internal/domain"
)

func (a *app) jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List, inspect, submit, and cancel jobs",
	}
	cmd.AddCommand(
		a.jobsListCmd(),
		a.jobsGetCmd(),
		a.jobsSubmitCmd(),
		a.jobsCancelCmd(),
		a.jobsDrainCmd(),
	)
	return cmd
}

func (a *app) jobsListCmd() *cobra.Command {
	var (
		jobType string
		status  string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := domain.JobFilter{JobType: jobType, Limit: limit}
			if status != "" {
				filter.Status = domain.JobStatus(strings.ToUpper(status))
				if !filter.Status.Valid() {
					return fmt.Errorf("invalid status %q", status)
				}
			}

			jobs, err := a.services.Runner.List(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found")
				return nil
			}

			fmt.Fprintf(out, "%-36s  %-16s  %-10s  %-8s  %s\n", "ID", "TYPE", "STATUS", "PROGRESS", "CREATED")
			for _, j := range jobs {
				fmt.Fprintf(out, "%-36s  %-16s  %-10s  %-8s  %s\n",
					j.ID, j.JobType, j.Status, fmt.Sprintf("%d%%", j.ProgressPct), formatTime(&j.CreatedAt))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "only jobs of this type")
	cmd.Flags().StringVar(&status, "status", "", "only jobs in this status")
	cmd.Flags().IntVar(&limit, "limit", defaultListLimit, "maximum number of jobs")
	return cmd
}

func (a *app) jobsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateID("job", args[0]); err != nil {
				return err
			}
			job, err := a.services.Runner.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}
			printJob(cmd, job)
			return nil
		},
	}
}

func (a *app) jobsSubmitCmd() *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "submit <job-type>",
		Short: "Submit a job",
		Long: `Submit a job of a registered type. The worker picks it up on its
next poll; use "jobs drain" to run it from here instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePayload(payload)
			if err != nil {
				return err
			}
			job, err := a.services.Runner.Submit(cmd.Context(), args[0], p)
			if err != nil {
				return fmt.Errorf("submit job: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "job payload as a JSON object")
	return cmd
}

func (a *app) jobsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateID("job", args[0]); err != nil {
				return err
			}
			job, err := a.services.Runner.Cancel(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("cancel job: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s\n", job.ID, job.Status)
			return nil
		},
	}
}

func (a *app) jobsDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run every pending job in this process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := a.services.Runner.Drain(cmd.Context())
			if err != nil {
				return fmt.Errorf("drain jobs: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ran %d job(s)\n", n)
			return nil
		},
	}
}

func printJob(cmd *cobra.Command, job *domain.Job) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job: %s\n", job.ID)
	fmt.Fprintf(out, "  Type: %s\n", job.JobType)
	fmt.Fprintf(out, "  Status: %s\n", job.Status)
	fmt.Fprintf(out, "  Progress: %d%%", job.ProgressPct)
	if job.ProgressMessage != "" {
		fmt.Fprintf(out, " (%s)", job.ProgressMessage)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Created: %s\n", formatTime(&job.CreatedAt))
	fmt.Fprintf(out, "  Started: %s\n", formatTime(job.StartedAt))
	fmt.Fprintf(out, "  Completed: %s\n", formatTime(job.CompletedAt))
	if job.Error != nil && *job.Error != "" {
		fmt.Fprintf(out, "  Error: %s\n", *job.Error)
	}
	printPayload(out, "Payload", job.Payload)
	printPayload(out, "Result", job.Result)
}
