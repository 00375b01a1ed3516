package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/changeflow/changeflow/pkg/audit"
	"github.com/changeflow/changeflow/pkg/telemetry"
)

type markKey struct {
	targetSystemID string
	changeID       string
}

// indexMarks keys outstanding marks by target system and change id.
func indexMarks(marks []audit.Mark) map[markKey]audit.Mark {
	idx := make(map[markKey]audit.Mark, len(marks))
	for _, m := range marks {
		if m.Operation == "" || m.Operation == audit.OngoingNone {
			continue
		}
		idx[markKey{m.TargetSystemID, m.ChangeID}] = m
	}
	return idx
}

// LocalPlanner decides from the local audit snapshot and ongoing marks.
type LocalPlanner struct {
	// targets supplies default recovery strategies
	targets *TargetRegistry
}

// NewLocalPlanner creates a planner that resolves recovery strategies
// through targets. targets may be nil.
func NewLocalPlanner(targets *TargetRegistry) *LocalPlanner {
	return &LocalPlanner{targets: targets}
}

// Plan produces one decision per task, in pipeline order. A contradictory
// audit history aborts planning with a planning ambiguity error.
func (p *LocalPlanner) Plan(ctx context.Context, snapshot *audit.Snapshot, marks []audit.Mark, pipeline *Pipeline) (*Plan, error) {
	if snapshot == nil {
		snapshot = audit.NewSnapshot()
	}

	if err := checkAmbiguity(snapshot, pipeline); err != nil {
		return nil, err
	}

	logger := telemetry.FromContext(ctx)
	idx := indexMarks(marks)
	plan := &Plan{Decisions: make([]Decision, 0, len(pipeline.Tasks)), CreatedAt: time.Now()}

	for i := range pipeline.Tasks {
		task := &pipeline.Tasks[i]

		var entry *audit.Entry
		if e, ok := snapshot.Get(task.ID); ok {
			entry = &e
		}
		var mark *audit.Mark
		if m, ok := idx[markKey{task.TargetSystemID, task.ID}]; ok {
			mark = &m
		}

		d := p.Decide(task, entry, mark)
		logger.WithChangeID(task.ID).
			WithFields(map[string]interface{}{"action": d.Action, "reason": d.Reason}).
			Debug("Planned change unit")
		plan.Decisions = append(plan.Decisions, d)
	}

	return plan, nil
}

// Decide applies the decision table to one task. entry is the task's winning
// audit entry and mark its outstanding ongoing mark; either may be nil.
func (p *LocalPlanner) Decide(task *Task, entry *audit.Entry, mark *audit.Mark) Decision {
	if task.RunAlways {
		return Decision{ChangeID: task.ID, Action: ActionApply, Reason: "run-always change unit"}
	}

	// The mark only counts when no terminal entry was recorded after it.
	if mark != nil && (entry == nil || !entry.State.IsTerminal() || mark.MarkedAt.After(entry.Timestamp)) {
		return p.crashed(task, mark.Operation)
	}

	if entry == nil {
		return Decision{ChangeID: task.ID, Action: ActionApply, Reason: "no audit history"}
	}

	if !entry.State.IsTerminal() {
		return p.crashed(task, audit.OngoingApply)
	}

	return decideFromEntry(task, *entry)
}

func (p *LocalPlanner) crashed(task *Task, op audit.OngoingStatus) Decision {
	what := "apply"
	if op == audit.OngoingRollback {
		what = "rollback"
	}

	if p.targets.recoveryFor(task) == audit.RecoveryAlwaysRetry {
		return Decision{
			ChangeID: task.ID,
			Action:   ActionApply,
			Reason:   fmt.Sprintf("interrupted during %s, retrying per %s", what, audit.RecoveryAlwaysRetry),
		}
	}
	return Decision{
		ChangeID: task.ID,
		Action:   ActionManualIntervention,
		Reason:   fmt.Sprintf("interrupted during %s", what),
	}
}

// decideFromEntry maps a terminal winning entry onto an action.
func decideFromEntry(task *Task, e audit.Entry) Decision {
	d := Decision{ChangeID: task.ID}
	switch e.State {
	case audit.StateApplied:
		d.Action, d.Reason = ActionSkip, "already applied"
	case audit.StateRolledBack:
		d.Action, d.Reason = ActionApply, "previous attempt rolled back"
	case audit.StateFailed:
		if task.Transactional && task.HasRollback() {
			d.Action, d.Reason = ActionApply, "previous transactional attempt failed"
		} else {
			d.Action, d.Reason = ActionManualIntervention, "previous attempt failed with unknown partial effects"
		}
	case audit.StateRollbackFailed:
		d.Action, d.Reason = ActionManualIntervention, "rollback failed"
	default:
		d.Action, d.Reason = ActionManualIntervention, fmt.Sprintf("recorded state %s", e.State)
	}
	return d
}

// checkAmbiguity fails on the first pipeline task whose audit history
// contradicts itself.
func checkAmbiguity(snapshot *audit.Snapshot, pipeline *Pipeline) error {
	for i := range pipeline.Tasks {
		id := pipeline.Tasks[i].ID
		if a, ok := snapshot.Ambiguity(id); ok {
			return NewPlanningAmbiguity("applied after a failed rollback without a manual fix", nil).
				WithCode(ErrCodeAmbiguousHistory).
				WithChange(id).
				WithDetail("rollback_failed_at", a.RollbackFailedAt).
				WithDetail("applied_at", a.Winner.Timestamp)
		}
	}
	return nil
}

// CloudPlanner delegates every decision to an orchestration authority.
type CloudPlanner struct {
	authority OrchestrationAuthority
}

// NewCloudPlanner creates a planner backed by authority.
func NewCloudPlanner(authority OrchestrationAuthority) *CloudPlanner {
	return &CloudPlanner{authority: authority}
}

// Plan asks the authority about every task, passing the locally observed
// ongoing mark. The snapshot is not consulted; the authority owns history.
func (p *CloudPlanner) Plan(ctx context.Context, _ *audit.Snapshot, marks []audit.Mark, pipeline *Pipeline) (*Plan, error) {
	idx := indexMarks(marks)
	plan := &Plan{Decisions: make([]Decision, 0, len(pipeline.Tasks)), CreatedAt: time.Now()}

	for i := range pipeline.Tasks {
		task := &pipeline.Tasks[i]

		req := TaskRequest{
			ID:            task.ID,
			OngoingStatus: audit.OngoingNone,
			Transactional: task.Transactional,
		}
		if m, ok := idx[markKey{task.TargetSystemID, task.ID}]; ok {
			req.OngoingStatus = m.Operation
		}

		reply, err := p.authority.Decide(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("orchestration authority failed for %s: %w", task.ID, err)
		}

		action, invalid := reply.Action()
		if invalid != nil {
			return nil, invalid.WithChange(task.ID)
		}

		plan.Decisions = append(plan.Decisions, Decision{
			ChangeID: task.ID,
			Action:   action,
			Reason:   "decided by orchestration authority",
		})
	}

	return plan, nil
}
