package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/changeflow/changeflow/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what the next run would do",
		Long: `Reconcile the audit trail and show the decision for every change unit
without taking the run lock or executing anything.

When policies are enabled the plan is also reviewed, and the command fails if
any policy would reject it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			pipeline, plan, err := a.preview(ctx)
			if err != nil {
				return err
			}

			if err := printPlan(cmd.OutOrStdout(), pipeline, plan); err != nil {
				return err
			}

			if a.gate == nil {
				return nil
			}
			return a.review(ctx, cmd.OutOrStdout(), pipeline, plan)
		},
	}

	return cmd
}

func newIssuesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issues",
		Short: "List change units awaiting manual intervention",
		Long: `List the change units the next run would hold for manual intervention.

Resolve an issue by fixing the target system and recording the resolution:

  changeflow audit fix <change-id> --resolution applied|rolled-back`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			pipeline, plan, err := a.preview(ctx)
			if err != nil {
				return err
			}

			return printIssues(cmd.OutOrStdout(), pendingIssues(pipeline, plan))
		},
	}

	return cmd
}

func (a *app) preview(ctx context.Context) (*engine.Pipeline, *engine.Plan, error) {
	pipeline, err := a.loadPipeline(ctx)
	if err != nil {
		return nil, nil, err
	}

	plan, err := a.runner.Preview(ctx, pipeline)
	if err != nil {
		return nil, nil, err
	}
	return pipeline, plan, nil
}

// review passes the plan through the policy gate and prints its findings.
func (a *app) review(ctx context.Context, out io.Writer, pipeline *engine.Pipeline, plan *engine.Plan) error {
	reviewErr := a.gate.Review(ctx, pipeline, plan)

	if result := a.gate.LastResult(); result != nil && !jsonOutput {
		fmt.Fprintln(out)
		if len(result.Violations) == 0 {
			fmt.Fprintf(out, "%d policies passed\n", len(result.EvaluatedPolicies))
		} else {
			tw := newTable(out, "POLICY", "SEVERITY", "CHANGE", "MESSAGE")
			for _, v := range result.Violations {
				row(tw, v.Policy, v.Severity, v.ChangeID, v.Message)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
		}
	}

	if reviewErr != nil {
		log.Error().Err(reviewErr).Msg("Plan rejected by policy")
	}
	return reviewErr
}

// pendingIssues returns the manual intervention decisions of plan.
func pendingIssues(pipeline *engine.Pipeline, plan *engine.Plan) []engine.RecoveryIssue {
	collector := engine.NewRecoveryCollector()
	for _, d := range plan.Decisions {
		if d.Action != engine.ActionManualIntervention {
			continue
		}
		issue := engine.RecoveryIssue{ChangeID: d.ChangeID, Reason: d.Reason, RecordedAt: plan.CreatedAt}
		if task, ok := pipeline.Task(d.ChangeID); ok {
			issue.TargetSystemID = task.TargetSystemID
		}
		collector.Record(issue)
	}
	return collector.All()
}
