package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/jobflow/internal/domain"
	"github.com/cuongbtq/jobflow/internal/engine"
)

func (a *app) workflowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflows",
		Aliases: []string{"wf"},
		Short:   "List, inspect, submit, and cancel workflows",
	}
	cmd.AddCommand(
		a.workflowsListCmd(),
		a.workflowsGetCmd(),
		a.workflowsSubmitCmd(),
		a.workflowsCancelCmd(),
	)
	return cmd
}

func (a *app) workflowsListCmd() *cobra.Command {
	var (
		status         string
		userID         string
		conversationID string
		limit          int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := domain.WorkflowFilter{UserID: userID, ConversationID: conversationID, Limit: limit}
			if status != "" {
				filter.Status = domain.WorkflowStatus(strings.ToUpper(status))
				if !filter.Status.Valid() {
					return fmt.Errorf("invalid status %q", status)
				}
			}

			workflows, err := a.services.Engine.List(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list workflows: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(workflows) == 0 {
				fmt.Fprintln(out, "No workflows found")
				return nil
			}

			fmt.Fprintf(out, "%-36s  %-18s  %-10s  %-12s  %s\n", "ID", "TYPE", "STATUS", "USER", "NEXT CHECK")
			for _, wf := range workflows {
				fmt.Fprintf(out, "%-36s  %-18s  %-10s  %-12s  %s\n",
					wf.ID, wf.WorkflowType, wf.Status, wf.UserID, formatTime(wf.NextCheckAt))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only workflows in this status")
	cmd.Flags().StringVar(&userID, "user", "", "only workflows of this user")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "only workflows of this conversation")
	cmd.Flags().IntVar(&limit, "limit", defaultListLimit, "maximum number of workflows")
	return cmd
}

func (a *app) workflowsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <workflow-id>",
		Short: "Show one workflow with its steps and webhooks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := validateID("workflow", id); err != nil {
				return err
			}

			ctx := cmd.Context()
			wf, err := a.services.Engine.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("get workflow: %w", err)
			}
			steps, err := a.services.Engine.Steps(ctx, id)
			if err != nil {
				return fmt.Errorf("get workflow steps: %w", err)
			}
			hooks, err := a.services.Engine.Webhooks(ctx, id)
			if err != nil {
				return fmt.Errorf("get workflow webhooks: %w", err)
			}

			printWorkflow(cmd, wf, steps, hooks)
			return nil
		},
	}
}

func (a *app) workflowsSubmitCmd() *cobra.Command {
	var (
		userID         string
		conversationID string
		input          string
	)
	cmd := &cobra.Command{
		Use:   "submit <workflow-type>",
		Short: "Submit a workflow",
		Long: `Submit a workflow of a defined type. The worker starts it on its next
poll pass; use "poll" to run a pass from here instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePayload(input)
			if err != nil {
				return err
			}
			wf, err := a.services.Engine.Submit(cmd.Context(), engine.StartRequest{
				WorkflowType:   args[0],
				UserID:         userID,
				ConversationID: conversationID,
				Input:          p,
			})
			if err != nil {
				return fmt.Errorf("submit workflow: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), wf.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owning user id")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id")
	cmd.Flags().StringVarP(&input, "input", "i", "", "workflow input as a JSON object")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func (a *app) workflowsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Cancel a workflow that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateID("workflow", args[0]); err != nil {
				return err
			}
			wf, err := a.services.Engine.Cancel(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("cancel workflow: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s is %s\n", wf.ID, wf.Status)
			return nil
		},
	}
}

func printWorkflow(cmd *cobra.Command, wf *domain.Workflow, steps []*domain.WorkflowStep, hooks []*domain.WebhookRegistration) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Workflow: %s\n", wf.ID)
	fmt.Fprintf(out, "  Type: %s\n", wf.WorkflowType)
	fmt.Fprintf(out, "  Status: %s\n", wf.Status)
	fmt.Fprintf(out, "  User: %s\n", wf.UserID)
	if wf.ConversationID != nil {
		fmt.Fprintf(out, "  Conversation: %s\n", *wf.ConversationID)
	}
	if wf.CurrentStep != nil {
		fmt.Fprintf(out, "  Current step: %d\n", *wf.CurrentStep)
	}
	fmt.Fprintf(out, "  Created: %s\n", formatTime(&wf.CreatedAt))
	fmt.Fprintf(out, "  Started: %s\n", formatTime(wf.StartedAt))
	fmt.Fprintf(out, "  Completed: %s\n", formatTime(wf.CompletedAt))
	fmt.Fprintf(out, "  Next check: %s\n", formatTime(wf.NextCheckAt))
	if wf.Error != nil && *wf.Error != "" {
		fmt.Fprintf(out, "  Error: %s\n", *wf.Error)
	}
	printPayload(out, "State", wf.State)
	printPayload(out, "Result", wf.Result)

	if len(steps) > 0 {
		fmt.Fprintf(out, "\nSteps (%d):\n", len(steps))
		for _, st := range steps {
			fmt.Fprintf(out, "  %d. %-16s %-10s %s\n", st.StepIndex, st.StepType, st.Status, st.Description)
		}
	}

	if len(hooks) > 0 {
		fmt.Fprintf(out, "\nWebhooks (%d):\n", len(hooks))
		for _, h := range hooks {
			fmt.Fprintf(out, "  step %d  %-20s %-10s consumed %s\n", h.StepIndex, h.ExternalSystem, h.Status, formatTime(h.ConsumedAt))
		}
	}
}
