package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

const defaultConfigFile = "changeflow.yaml"

var (
	// Global flags
	configPath string
	jsonOutput bool

	version = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, ver, commit, buildDate string) error {
	rootCmd := newRootCommand(ver, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(ver, commit, buildDate string) *cobra.Command {
	version = ver

	rootCmd := &cobra.Command{
		Use:   "changeflow",
		Short: "changeflow - audited change execution for target systems",
		Long: `changeflow executes ordered change units against target systems and keeps
an append-only audit trail of every attempt.

Each run reconciles the audit trail, decides per change unit whether to apply,
skip or hold it for manual intervention, and then executes the plan in order,
rolling back failed changes where possible.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", ver, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "runner config file (default ./"+defaultConfigFile+" when present)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newIssuesCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}
