package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/changeflow/changeflow/pkg/audit"
	"github.com/changeflow/changeflow/pkg/telemetry"
)

// NavigatorConfig carries the run-level values a navigator stamps on audit entries.
type NavigatorConfig struct {
	ExecutionID string
	StageID     string
	Hostname    string

	// Guard, when set, is checked before apply and on every non-exempt
	// resource access.
	Guard Guard

	// Recovery is the effective recovery strategy recorded in entries.
	Recovery audit.RecoveryStrategy

	// Now defaults to time.Now.
	Now func() time.Time
}

// Navigator drives one task through one attempt: apply, audit and, on
// failure, rollback and audit again. A navigator is used once.
type Navigator struct {
	task    *Task
	target  TargetSystem
	writer  audit.Writer
	cfg     NavigatorConfig
	wrapper TransactionWrapper

	ec      *ExecutionContext
	started bool

	// last state durably recorded, and the first audit failure
	written  audit.State
	auditErr error
}

// NewNavigator creates a navigator for task against target, recording
// outcomes through writer.
func NewNavigator(task *Task, target TargetSystem, writer audit.Writer, cfg NavigatorConfig) *Navigator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StageID == "" {
		cfg.StageID = DefaultStageID
	}
	return &Navigator{
		task:   task,
		target: target,
		writer: writer,
		cfg:    cfg,
	}
}

// Run executes the state machine until a terminal step and reports the outcome.
func (n *Navigator) Run(ctx context.Context) Outcome {
	timer := telemetry.NewTimer()

	logger := telemetry.FromContext(ctx).
		WithExecutionID(n.cfg.ExecutionID).
		WithChangeID(n.task.ID).
		WithTargetSystem(n.task.TargetSystemID)
	ctx = logger.WithContext(ctx)

	step := Step{Kind: StepInitial}
	var visited []StepKind
	for {
		visited = append(visited, step.Kind)
		if step.Kind.IsTerminal() {
			break
		}
		next := n.transition(ctx, step)
		logger.WithFields(map[string]interface{}{"from": step.Kind, "to": next.Kind}).Trace("Step transition")
		step = next
	}

	outcome := Outcome{
		ChangeID:   n.task.ID,
		Result:     n.result(step),
		Steps:      visited,
		AuditState: n.written,
		Err:        step.Err,
		Duration:   timer.Duration(),
	}

	if outcome.Err != nil {
		logger.WithError(outcome.Err).WithField("result", outcome.Result).Warn("Change unit did not apply")
	} else {
		logger.WithField("result", outcome.Result).Info("Change unit applied")
	}
	n.publish(ctx, outcome)

	return outcome
}

// transition computes the step following s.
func (n *Navigator) transition(ctx context.Context, s Step) Step {
	switch s.Kind {
	case StepInitial:
		return n.prepare(ctx)

	case StepExecuting:
		if n.task.Transactional {
			return n.applyTransactional(ctx)
		}
		return n.apply(ctx)

	case StepSuccessApply:
		return Step{Kind: StepAfterExecutionAudit, State: audit.StateApplied, Recorded: s.Recorded, Elapsed: s.Elapsed}

	case StepFailedApply:
		switch {
		case s.Native:
			return Step{Kind: StepExecutingRollback, Native: true, NativeFailed: s.NativeFailed, Err: s.Err, Elapsed: s.Elapsed}
		case n.task.HasRollback():
			return Step{Kind: StepExecutingRollback, Err: s.Err, Elapsed: s.Elapsed}
		default:
			return Step{Kind: StepAfterExecutionAudit, State: audit.StateFailed, Err: s.Err, Elapsed: s.Elapsed}
		}

	case StepAfterExecutionAudit:
		return n.afterExecutionAudit(ctx, s)

	case StepExecutingRollback:
		return n.rollback(ctx, s)

	case StepSuccessRollback:
		if err := n.write(ctx, n.entry(audit.StateRolledBack, audit.KindRollback, s.Elapsed, s.Err)); err != nil {
			return Step{Kind: StepCompletedFailed, Err: err}
		}
		n.clearMark(ctx)
		return Step{Kind: StepCompletedFailed, State: audit.StateRolledBack, Err: s.Err}

	case StepFailedRollback:
		if err := n.write(ctx, n.entry(audit.StateRollbackFailed, audit.KindRollback, s.Elapsed, s.Err)); err != nil {
			// nothing left to fall back on; the mark stays for the next planner
			telemetry.FromContext(ctx).WithError(err).Error("Failed to record rollback failure")
		} else {
			n.clearMark(ctx)
		}
		return Step{Kind: StepCompletedFailed, State: audit.StateRollbackFailed, Err: s.Err}

	default:
		return Step{Kind: StepCompletedFailed, Err: fmt.Errorf("unexpected step %s", s.Kind)}
	}
}

// prepare checks the lock, gathers resources and marks the apply as ongoing.
func (n *Navigator) prepare(ctx context.Context) Step {
	if n.cfg.Guard != nil {
		if err := n.cfg.Guard.Ensure(ctx); err != nil {
			return Step{Kind: StepCompletedFailed, Err: NewLockError("run lock not held", err).
				WithCode(ErrCodeLockLost).WithChange(n.task.ID)}
		}
	}

	if _, ok := n.target.(Transactor); n.task.Transactional && !ok {
		return Step{Kind: StepCompletedFailed, Err: NewConfigurationError("target system does not support transactions", nil).
			WithCode(ErrCodeNotTransactional).WithChange(n.task.ID)}
	}

	resources, err := n.target.Resources(ctx)
	if err != nil {
		return Step{Kind: StepCompletedFailed, Err: NewApplyFailure("failed to obtain target resources", err).
			WithChange(n.task.ID)}
	}
	n.ec = NewExecutionContext(n.cfg.ExecutionID, n.cfg.StageID, n.task, resources, n.cfg.Guard)

	if err := n.target.Marker().Mark(context.WithoutCancel(ctx), n.task.ID, audit.OngoingApply); err != nil {
		return Step{Kind: StepCompletedFailed, Err: NewApplyFailure("failed to record ongoing mark", err).
			WithChange(n.task.ID)}
	}

	return Step{Kind: StepExecuting}
}

// apply runs a non-transactional apply with ambient resources.
func (n *Navigator) apply(ctx context.Context) Step {
	n.started = true
	start := n.cfg.Now()

	err := telemetry.RecordTargetOperation(ctx, n.task.TargetSystemID, "apply", func(ctx context.Context) error {
		return n.call(ctx, n.task.Apply)
	})
	elapsed := n.cfg.Now().Sub(start)

	if err != nil {
		return Step{Kind: StepFailedApply, Err: NewApplyFailure("apply failed", err).WithChange(n.task.ID), Elapsed: elapsed}
	}
	return Step{Kind: StepSuccessApply, Elapsed: elapsed}
}

// applyTransactional runs apply inside the transaction wrapper. When the
// target system participates in audit, the APPLIED entry is written inside
// the same transaction.
func (n *Navigator) applyTransactional(ctx context.Context) Step {
	n.started = true
	start := n.cfg.Now()
	tr := n.target.(Transactor)

	var recorded bool
	var inTxAuditErr error

	err := telemetry.RecordTargetOperation(ctx, n.task.TargetSystemID, "apply", func(ctx context.Context) error {
		return n.wrapper.Wrap(ctx, tr, n.ec, func(ctx context.Context, ec *ExecutionContext) error {
			if err := n.call(ctx, n.task.Apply); err != nil {
				return err
			}

			p, ok := n.target.(AuditParticipant)
			if !ok {
				return nil
			}
			w, ok := p.TransactionalAuditWriter(ec)
			if !ok {
				return nil
			}
			if err := w.WriteEntry(ctx, n.entry(audit.StateApplied, audit.KindExecution, n.cfg.Now().Sub(start), nil)); err != nil {
				inTxAuditErr = err
				return NewAuditWriteFailure("failed to record applied entry inside transaction", err).
					WithChange(n.task.ID)
			}
			recorded = true
			return nil
		})
	})
	elapsed := n.cfg.Now().Sub(start)

	if err == nil {
		if recorded {
			n.written = audit.StateApplied
		}
		return Step{Kind: StepSuccessApply, Recorded: recorded, Elapsed: elapsed}
	}

	stepErr := NewApplyFailure("transactional apply failed", err).WithChange(n.task.ID)
	if inTxAuditErr != nil {
		// the apply itself succeeded; only its APPLIED entry was refused
		telemetry.MetricsFromContext(ctx).RecordAuditWriteFailure(string(audit.StateApplied))
		telemetry.FromContext(ctx).WithError(inTxAuditErr).Warn("Applied entry not recorded inside transaction, change rolled back")
		stepErr = NewAuditWriteFailure("transactional apply rolled back after audit write failed", err).WithChange(n.task.ID)
	}

	return Step{
		Kind:         StepFailedApply,
		Native:       true,
		NativeFailed: nativeRollbackFailed(err),
		Err:          stepErr,
		Elapsed:      elapsed,
	}
}

func (n *Navigator) afterExecutionAudit(ctx context.Context, s Step) Step {
	if !s.Recorded {
		if err := n.write(ctx, n.entry(s.State, audit.KindExecution, s.Elapsed, s.Err)); err != nil {
			if s.State == audit.StateApplied {
				return Step{Kind: StepFailedAfterExecutionAudit, State: s.State, Err: err}
			}
			return Step{Kind: StepCompletedFailed, State: s.State, Err: err}
		}
	}
	n.clearMark(ctx)

	if s.State == audit.StateApplied {
		return Step{Kind: StepCompletedSuccess, State: s.State}
	}
	return Step{Kind: StepCompletedFailed, State: s.State, Err: s.Err}
}

// rollback resolves a native rollback or runs the compensating operation.
func (n *Navigator) rollback(ctx context.Context, s Step) Step {
	if s.Native {
		if s.NativeFailed {
			return Step{Kind: StepFailedRollback, Native: true, Elapsed: s.Elapsed,
				Err: NewRollbackFailure("transaction did not roll back cleanly", s.Err).WithChange(n.task.ID)}
		}
		return Step{Kind: StepSuccessRollback, Native: true, Err: s.Err, Elapsed: s.Elapsed}
	}

	logger := telemetry.FromContext(ctx)
	// the compensating operation must run even if the caller gave up
	ctx = context.WithoutCancel(ctx)

	if err := n.target.Marker().Mark(ctx, n.task.ID, audit.OngoingRollback); err != nil {
		logger.WithError(err).Warn("Failed to mark rollback as ongoing")
	}

	start := n.cfg.Now()
	err := telemetry.RecordTargetOperation(ctx, n.task.TargetSystemID, "rollback", func(ctx context.Context) error {
		return n.call(ctx, n.task.Rollback)
	})
	elapsed := n.cfg.Now().Sub(start)

	if err != nil {
		return Step{Kind: StepFailedRollback, Elapsed: elapsed,
			Err: NewRollbackFailure("rollback failed", err).
				WithChange(n.task.ID).
				WithDetail("apply_error", s.Err.Error())}
	}
	return Step{Kind: StepSuccessRollback, Err: s.Err, Elapsed: elapsed}
}

// call runs op bounded by the task timeout. An operation that returns after
// its context is done has failed, whatever it returned.
func (n *Navigator) call(ctx context.Context, op Operation) error {
	if n.task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.task.Timeout)
		defer cancel()
	}

	err := callOperation(ctx, n.ec, op)

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) && n.task.Timeout > 0 {
			return NewApplyFailure(fmt.Sprintf("operation exceeded timeout %s", n.task.Timeout), errors.Join(ctxErr, err)).
				WithCode(ErrCodeTimeout).
				WithChange(n.task.ID)
		}
		if err == nil {
			return ctxErr
		}
	}
	return err
}

// write records an entry, remembering the outcome for the final result.
func (n *Navigator) write(ctx context.Context, entry audit.Entry) error {
	op := telemetry.StartOperation(context.WithoutCancel(ctx), "audit.write",
		telemetry.AttrChangeID.String(entry.ChangeID),
		telemetry.AttrAuditState.String(string(entry.State)),
	)

	err := n.writer.WriteEntry(op.Ctx, entry)
	op.End(err)

	if err != nil {
		telemetry.MetricsFromContext(ctx).RecordAuditWriteFailure(string(entry.State))
		if n.auditErr == nil {
			n.auditErr = err
		}
		return NewAuditWriteFailure(fmt.Sprintf("failed to record %s entry", entry.State), err).
			WithChange(entry.ChangeID)
	}

	n.written = entry.State
	return nil
}

// clearMark removes the ongoing mark. A leftover mark is older than the
// entry just written, so the planner treats it as stale.
func (n *Navigator) clearMark(ctx context.Context) {
	if err := n.target.Marker().Clear(context.WithoutCancel(ctx), n.task.ID); err != nil {
		telemetry.FromContext(ctx).WithError(err).Warn("Failed to clear ongoing mark")
	}
}

func (n *Navigator) entry(state audit.State, kind audit.Kind, elapsed time.Duration, err error) audit.Entry {
	return audit.Entry{
		ExecutionID:       n.cfg.ExecutionID,
		StageID:           n.cfg.StageID,
		ChangeID:          n.task.ID,
		Author:            n.task.Author,
		Timestamp:         n.cfg.Now(),
		State:             state,
		Kind:              kind,
		ExecutionMillis:   elapsed.Milliseconds(),
		ExecutionHostname: n.cfg.Hostname,
		ErrorTrace:        audit.ErrorTrace(err),
		TargetSystemID:    n.task.TargetSystemID,
		Transactional:     n.task.Transactional,
		RecoveryStrategy:  n.cfg.Recovery,
	}
}

// result maps the terminal step onto the user-visible result.
func (n *Navigator) result(final Step) Result {
	switch final.Kind {
	case StepCompletedSuccess:
		return ResultApplied
	case StepFailedAfterExecutionAudit:
		return ResultManualIntervention
	}

	if !n.started {
		return ResultNotExecuted
	}
	if n.auditErr != nil {
		return ResultManualIntervention
	}
	if n.written == audit.StateRolledBack {
		return ResultFailedRolledBack
	}
	return ResultManualIntervention
}

func (n *Navigator) publish(ctx context.Context, o Outcome) {
	eventType := telemetry.EventTypeTaskFailed
	switch o.Result {
	case ResultApplied:
		eventType = telemetry.EventTypeTaskApplied
	case ResultFailedRolledBack:
		eventType = telemetry.EventTypeTaskRolledBack
	case ResultManualIntervention:
		eventType = telemetry.EventTypeTaskManualIntervened
	}

	msg := fmt.Sprintf("Change unit %s %s", o.ChangeID, o.Result)
	logPublish(telemetry.FromContext(ctx),
		telemetry.EventsFromContext(ctx).PublishTask(eventType, n.cfg.ExecutionID, o.ChangeID, n.task.TargetSystemID, msg))
}
