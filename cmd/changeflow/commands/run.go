package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/changeflow/changeflow/pkg/config"
	"github.com/changeflow/changeflow/pkg/engine"
	"github.com/changeflow/changeflow/pkg/policy"
	"github.com/changeflow/changeflow/pkg/stores"
)

func newRunCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Plan and execute the pipeline",
		Long: `Plan and execute the configured pipeline.

The run lock is held for the duration of the run. Change units execute in
order and execution stops at the first one that is neither applied nor
skipped. With --watch the pipeline is re-run whenever its files change.`,
		Example: `  # Execute the pipeline once
  changeflow run

  # Re-run on every change to the pipeline files
  changeflow run --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if err := a.tel.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}

			if !watch {
				return a.runOnce(ctx, cmd.OutOrStdout())
			}
			return a.watch(ctx, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-run whenever pipeline files change")

	return cmd
}

// runOnce evaluates and executes the pipeline once and records the run.
func (a *app) runOnce(ctx context.Context, out io.Writer) error {
	pipeline, err := a.loadPipeline(ctx)
	if err != nil {
		return err
	}

	log.Info().
		Str("stage_id", pipeline.StageID).
		Int("changes", len(pipeline.Tasks)).
		Msg("Starting run")

	report, err := a.runner.Run(ctx, pipeline)
	if err != nil {
		return err
	}

	if err := a.store.RecordRun(ctx, runRecord(report)); err != nil {
		log.Warn().Err(err).Str("execution_id", report.ExecutionID).Msg("Failed to record run summary")
	}

	if err := printReport(out, report); err != nil {
		return err
	}

	if status := report.Status(); !status.IsSuccessful() {
		return fmt.Errorf("run %s finished with status %s", report.ExecutionID, status)
	}
	return nil
}

// watch runs the pipeline, then again after every change to its files, until
// ctx is cancelled. Policy files are reloaded as they change.
func (a *app) watch(ctx context.Context, out io.Writer) error {
	if err := a.runOnce(ctx, out); err != nil {
		log.Error().Err(err).Msg("Run failed")
	}

	if a.policies != nil && len(a.cfg.Policies.Paths) > 0 {
		loader := policy.NewLoader(a.tel.Logger.Zerolog())
		err := loader.Watch(ctx, a.cfg.Policies.Paths, func(policies []policy.Policy) error {
			return a.policies.ReplacePolicies(ctx, policies)
		})
		if err != nil {
			return err
		}
	}

	watcher := config.NewWatcher(a.cfg.Execution.Pipeline, a.cfg.Execution.WatchDebounce, func(ctx context.Context, changed []string) {
		log.Info().Strs("files", changed).Msg("Pipeline changed, re-running")
		if err := a.runOnce(ctx, out); err != nil {
			log.Error().Err(err).Msg("Run failed")
		}
	})

	log.Info().Strs("paths", a.cfg.Execution.Pipeline).Msg("Watching pipeline files")
	return watcher.Run(ctx)
}

// runRecord summarises a report for the runs table.
func runRecord(report *engine.RunReport) *stores.RunRecord {
	rec := &stores.RunRecord{
		ExecutionID:    report.ExecutionID,
		StageID:        report.StageID,
		Status:         string(report.Status()),
		StartedAt:      report.StartedAt,
		DurationMillis: report.Duration.Milliseconds(),
		RecoveryIssues: len(report.RecoveryIssues),
	}

	for _, o := range report.Outcomes {
		switch o.Result {
		case engine.ResultApplied:
			rec.Applied++
		case engine.ResultSkipped:
			rec.Skipped++
		case engine.ResultFailedRolledBack:
			rec.RolledBack++
		case engine.ResultManualIntervention:
			rec.Manual++
		case engine.ResultNotExecuted:
			rec.NotExecuted++
		}
		if o.Err != nil && rec.Error == nil {
			msg := fmt.Sprintf("%s: %v", o.ChangeID, o.Err)
			rec.Error = &msg
		}
	}

	return rec
}
