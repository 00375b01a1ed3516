package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/changeflow/changeflow/pkg/audit"
	"github.com/changeflow/changeflow/pkg/engine"
	"github.com/changeflow/changeflow/pkg/stores"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and amend the audit trail",
	}

	cmd.AddCommand(newAuditListCommand())
	cmd.AddCommand(newAuditSnapshotCommand())
	cmd.AddCommand(newAuditFixCommand())

	return cmd
}

func newAuditListCommand() *cobra.Command {
	var (
		changeID    string
		executionID string
		targetID    string
		state       string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries, newest first",
		Example: `  # Every attempt at one change
  changeflow audit list --change create-users

  # Failures of the last runs
  changeflow audit list --state ROLLBACK_FAILED --limit 20`,
		Args: cobra.NoArgs,
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

			filter := stores.EntryFilter{Limit: limit}
			if changeID != "" {
				filter.ChangeID = &changeID
			}
			if executionID != "" {
				filter.ExecutionID = &executionID
			}
			if targetID != "" {
				filter.TargetSystemID = &targetID
			}
			if state != "" {
				s := audit.State(state)
				if err := s.Validate(); err != nil {
					return err
				}
				filter.State = &s
			}

			entries, err := store.ListEntries(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}

	cmd.Flags().StringVar(&changeID, "change", "", "only entries of this change id")
	cmd.Flags().StringVar(&executionID, "execution", "", "only entries of this execution id")
	cmd.Flags().StringVar(&targetID, "target", "", "only entries of this target system")
	cmd.Flags().StringVar(&state, "state", "", "only entries in this state")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of entries")

	return cmd
}

func newAuditSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Show the reconciled state of every change",
		Long: `Reconcile the full audit trail and show the entry that currently counts
for every change id. Changes whose history is contradictory are flagged; the
next run refuses to plan until they are resolved.`,
		Args: cobra.NoArgs,
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

			history, err := store.History(cmd.Context())
			if err != nil {
				return err
			}
			return printSnapshot(cmd.OutOrStdout(), audit.Reconcile(history))
		},
	}

	return cmd
}

func printSnapshot(w io.Writer, snapshot *audit.Snapshot) error {
	entries := snapshot.Entries()

	if jsonOutput {
		type item struct {
			audit.Entry
			Ambiguous bool `json:"ambiguous"`
		}
		items := make([]item, 0, len(entries))
		for _, e := range entries {
			_, ambiguous := snapshot.Ambiguity(e.ChangeID)
			items = append(items, item{Entry: e, Ambiguous: ambiguous})
		}
		return printJSON(w, items)
	}

	tw := newTable(w, "CHANGE", "TARGET", "KIND", "STATE", "TIMESTAMP", "NOTE")
	for _, e := range entries {
		note := ""
		if a, ok := snapshot.Ambiguity(e.ChangeID); ok {
			note = fmt.Sprintf("ambiguous: rollback failed at %s", a.RollbackFailedAt.Format(time.RFC3339))
		}
		row(tw, e.ChangeID, e.TargetSystemID, e.Kind, e.State, e.Timestamp.Format(time.RFC3339), note)
	}
	return tw.Flush()
}

func newAuditFixCommand() *cobra.Command {
	var (
		resolution string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "fix <change-id>",
		Short: "Record a manual resolution of a change",
		Long: `Record that an operator resolved a change unit by hand.

  applied      the change is in place on the target system; it will be skipped
  rolled-back  the change was reverted; the next run applies it again

The resolution is appended to the audit trail and clears any ongoing mark the
change left on its target system.`,
		Example: `  changeflow audit fix add-email-column --resolution rolled-back`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := resolutionState(resolution)
			if err != nil {
				return err
			}

			a, ctx, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			entry, err := a.fix(ctx, args[0], state, force)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), entry)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s resolution for %s\n", entry.State, entry.ChangeID)
			return nil
		},
	}

	cmd.Flags().StringVar(&resolution, "resolution", "", "applied or rolled-back")
	cmd.Flags().BoolVar(&force, "force", false, "record the resolution even if the change needs none")
	_ = cmd.MarkFlagRequired("resolution")

	return cmd
}

func resolutionState(resolution string) (audit.State, error) {
	switch resolution {
	case "applied":
		return audit.StateApplied, nil
	case "rolled-back":
		return audit.StateRolledBack, nil
	default:
		return "", fmt.Errorf("invalid resolution %q: must be applied or rolled-back", resolution)
	}
}

// needsFix reports whether the current entry for a change leaves it blocked.
func needsFix(state audit.State) bool {
	switch state {
	case audit.StateApplied, audit.StateRolledBack:
		return false
	default:
		return true
	}
}

// fix appends a MANUAL_FIX entry for changeID and clears its ongoing mark.
func (a *app) fix(ctx context.Context, changeID string, state audit.State, force bool) (*audit.Entry, error) {
	history, err := a.store.HistoryFor(ctx, changeID)
	if err != nil {
		return nil, err
	}

	current, ok := audit.Reconcile(history).Get(changeID)
	if !ok {
		return nil, fmt.Errorf("change %s has no audit history", changeID)
	}
	if !needsFix(current.State) && !force {
		return nil, fmt.Errorf("change %s is %s and needs no manual fix (use --force to record one anyway)", changeID, current.State)
	}

	hostname := a.cfg.Execution.Hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}

	entry := audit.Entry{
		ExecutionID:       uuid.New().String(),
		StageID:           current.StageID,
		ChangeID:          changeID,
		Author:            current.Author,
		Timestamp:         time.Now(),
		State:             state,
		Kind:              audit.KindManualFix,
		ExecutionHostname: hostname,
		TargetSystemID:    current.TargetSystemID,
		Transactional:     current.Transactional,
		RecoveryStrategy:  current.RecoveryStrategy,
	}
	if err := a.store.WriteEntry(ctx, entry); err != nil {
		return nil, engine.NewAuditWriteFailure("failed to record manual fix", err).WithChange(changeID)
	}

	log.Info().
		Str("change_id", changeID).
		Str("previous_state", string(current.State)).
		Str("resolution", string(state)).
		Msg("Manual fix recorded")

	if target, ok := a.targets.Get(current.TargetSystemID); ok {
		if err := target.Marker().Clear(ctx, changeID); err != nil {
			log.Warn().Err(err).Str("change_id", changeID).Msg("Failed to clear ongoing mark")
		}
	}

	return &entry, nil
}
