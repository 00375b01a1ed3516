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
	"github.com/changeflow/changeflow/pkg/targets/sqltarget"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate the runner config, pipeline files and policies",
		Long: `Validate configuration without touching the audit store or any target.

This command checks:
  - the runner config file
  - CUE syntax and schema conformance of the pipeline files
  - unique change ids and orders
  - that every change names a configured target system
  - that user policies compile`,
		Example: `  # Validate the configured pipeline
  changeflow validate

  # Validate specific files or directories
  changeflow validate ./changes ./hotfix.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			sources := args
			if len(sources) == 0 {
				sources = cfg.Execution.Pipeline
			}

			return validate(cmd.Context(), cmd.OutOrStdout(), cfg, sources)
		},
	}

	return cmd
}

func validate(ctx context.Context, out io.Writer, cfg *config.RunnerConfig, sources []string) error {
	log.Info().Strs("sources", sources).Msg("Validating pipeline")

	parsed, err := config.NewCUEParser().Parse(ctx, sources)
	if err != nil {
		return err
	}

	if parsed.HasErrors() {
		for _, e := range parsed.Errors {
			fmt.Fprintln(out, e.Error())
		}
		return engine.NewConfigurationError(fmt.Sprintf("pipeline has %d problems", len(parsed.Errors)), nil).
			WithCode(engine.ErrCodeValidation)
	}

	pipeline, err := parsed.Pipeline.ToPipeline(sqlOperations)
	if err != nil {
		return err
	}

	// Only target ids matter here; nothing is opened.
	targets := engine.NewTargetRegistry()
	for _, ts := range cfg.Targets {
		if err := targets.Register(sqltarget.New(ts.ID, nil)); err != nil {
			return err
		}
	}
	if err := pipeline.Validate(targets); err != nil {
		return err
	}

	if cfg.Policies.Enabled && len(cfg.Policies.Paths) > 0 {
		eng, err := policy.NewEngine(log.Logger)
		if err != nil {
			return err
		}
		if err := eng.LoadPolicies(ctx, cfg.Policies.Paths); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "%d change units in %d files are valid\n", len(pipeline.Tasks), len(parsed.SourceFiles))
	return nil
}
