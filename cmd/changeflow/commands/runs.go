package commands

import (
	"time"

	"github.com/spf13/cobra"
)

func newRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, runs)
			}

			tw := newTable(out, "EXECUTION", "STAGE", "STATUS", "STARTED", "DURATION", "APPLIED", "SKIPPED", "ROLLED BACK", "MANUAL", "NOT EXECUTED")
			for _, r := range runs {
				row(tw, r.ExecutionID, r.StageID, r.Status, r.StartedAt.Format(time.RFC3339),
					(time.Duration(r.DurationMillis) * time.Millisecond).String(),
					r.Applied, r.Skipped, r.RolledBack, r.Manual, r.NotExecuted)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")

	return cmd
}
