package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/changeflow/changeflow/pkg/audit"
	"github.com/changeflow/changeflow/pkg/telemetry"
)

// RunInfo identifies the run a task executes in.
type RunInfo struct {
	ExecutionID string
	StageID     string
}

// Runner plans and executes pipelines against an audit store.
type Runner struct {
	store    AuditStore
	targets  *TargetRegistry
	planner  Planner
	locker   Locker
	gate     PlanGate
	hostname string

	mu       sync.Mutex
	recovery *RecoveryCollector
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPlanner replaces the default local planner.
func WithPlanner(p Planner) RunnerOption {
	return func(r *Runner) { r.planner = p }
}

// WithLocker makes the runner hold l for the duration of every run. When l
// also implements Guard, resources are refused once the lock is lost.
func WithLocker(l Locker) RunnerOption {
	return func(r *Runner) { r.locker = l }
}

// WithPlanGate reviews every plan before execution.
func WithPlanGate(g PlanGate) RunnerOption {
	return func(r *Runner) { r.gate = g }
}

// WithHostname overrides the hostname recorded in audit entries.
func WithHostname(h string) RunnerOption {
	return func(r *Runner) { r.hostname = h }
}

// NewRunner creates a runner. Without options it plans locally and runs
// without a lock.
func NewRunner(store AuditStore, targets *TargetRegistry, opts ...RunnerOption) *Runner {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	r := &Runner{
		store:    store,
		targets:  targets,
		planner:  NewLocalPlanner(targets),
		hostname: hostname,
		recovery: NewRecoveryCollector(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot reads the audit history and reconciles it.
func (r *Runner) Snapshot(ctx context.Context) (*audit.Snapshot, error) {
	entries, err := r.store.History(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit history: %w", err)
	}
	return audit.Reconcile(entries), nil
}

// Plan decides every task of pipeline from snapshot and marks.
func (r *Runner) Plan(ctx context.Context, snapshot *audit.Snapshot, marks []audit.Mark, pipeline *Pipeline) (*Plan, error) {
	op := telemetry.StartOperation(ctx, "run.plan")

	plan, err := r.planner.Plan(op.Ctx, snapshot, marks, pipeline)
	if err != nil {
		telemetry.MetricsFromContext(ctx).RecordError(string(ClassOf(err)))
		op.End(err)
		return nil, err
	}

	metrics := telemetry.MetricsFromContext(ctx)
	for _, d := range plan.Decisions {
		metrics.RecordDecision(string(d.Action))
	}

	op.End(nil)
	return plan, nil
}

// Preview validates pipeline and plans it from the current audit trail
// without taking the lock or executing anything.
func (r *Runner) Preview(ctx context.Context, pipeline *Pipeline) (*Plan, error) {
	if err := pipeline.Validate(r.targets); err != nil {
		return nil, err
	}

	snapshot, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	marks, err := r.targets.Marks(ctx)
	if err != nil {
		return nil, err
	}

	return r.Plan(ctx, snapshot, marks, pipeline)
}

// ExecuteTask carries out one decision. APPLY runs the task through a
// navigator; SKIP and MANUAL_INTERVENTION return immediately.
func (r *Runner) ExecuteTask(ctx context.Context, run RunInfo, task *Task, decision Decision) Outcome {
	r.mu.Lock()
	collector := r.recovery
	r.mu.Unlock()

	return r.execute(ctx, collector, run, task, decision)
}

// RecoveryIssues returns the issues of the latest run.
func (r *Runner) RecoveryIssues() []RecoveryIssue {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.recovery.All()
}

func (r *Runner) execute(ctx context.Context, collector *RecoveryCollector, run RunInfo, task *Task, decision Decision) Outcome {
	switch decision.Action {
	case ActionSkip:
		telemetry.FromContext(ctx).WithChangeID(task.ID).Debug("Change unit already applied")
		telemetry.MetricsFromContext(ctx).RecordTask(task.TargetSystemID, string(ResultSkipped), 0)
		return Outcome{ChangeID: task.ID, Result: ResultSkipped}

	case ActionManualIntervention:
		collector.Record(RecoveryIssue{ChangeID: task.ID, TargetSystemID: task.TargetSystemID, Reason: decision.Reason})
		telemetry.MetricsFromContext(ctx).RecordTask(task.TargetSystemID, string(ResultManualIntervention), 0)
		return Outcome{ChangeID: task.ID, Result: ResultManualIntervention}

	case ActionApply:
	default:
		return Outcome{ChangeID: task.ID, Result: ResultNotExecuted,
			Err: NewConfigurationError("invalid decision "+string(decision.Action), nil).
				WithCode(ErrCodeInvalidDecision).WithChange(task.ID)}
	}

	target, ok := r.targets.Get(task.TargetSystemID)
	if !ok {
		return Outcome{ChangeID: task.ID, Result: ResultNotExecuted,
			Err: NewConfigurationError("unknown target system "+task.TargetSystemID, nil).
				WithCode(ErrCodeUnknownTargetSystem).WithChange(task.ID)}
	}

	op := telemetry.StartOperation(ctx, "task.execute",
		telemetry.AttrChangeID.String(task.ID),
		telemetry.AttrTargetSystem.String(task.TargetSystemID),
		telemetry.AttrDecision.String(string(decision.Action)),
	)
	logPublish(op.Logger, telemetry.EventsFromContext(ctx).PublishTask(telemetry.EventTypeTaskStarted,
		run.ExecutionID, task.ID, task.TargetSystemID, "Applying change unit "+task.ID))

	nav := NewNavigator(task, target, r.store, NavigatorConfig{
		ExecutionID: run.ExecutionID,
		StageID:     run.StageID,
		Hostname:    r.hostname,
		Guard:       r.guard(),
		Recovery:    r.targets.recoveryFor(task),
	})
	outcome := nav.Run(op.Ctx)

	op.Span.SetAttributes(telemetry.AttrResult.String(string(outcome.Result)))
	if outcome.Err != nil {
		op.Span.SetAttributes(telemetry.AttrErrorClass.String(string(ClassOf(outcome.Err))))
	}
	op.End(outcome.Err)

	if outcome.Result == ResultManualIntervention {
		reason := "manual intervention required"
		if outcome.Err != nil {
			reason = outcome.Err.Error()
		}
		collector.Record(RecoveryIssue{ChangeID: task.ID, TargetSystemID: task.TargetSystemID, Reason: reason})
	}
	if outcome.Err != nil {
		telemetry.MetricsFromContext(ctx).RecordError(string(ClassOf(outcome.Err)))
	}
	telemetry.MetricsFromContext(ctx).RecordTask(task.TargetSystemID, string(outcome.Result), outcome.Duration)

	return outcome
}

// logPublish logs a failed event publish. The run carries on either way.
func logPublish(logger *telemetry.Logger, err error) {
	if err != nil {
		logger.WithError(err).Debug("Failed to publish event")
	}
}

func (r *Runner) guard() Guard {
	if g, ok := r.locker.(Guard); ok {
		return g
	}
	return nil
}

// Run validates, locks, plans and executes pipeline. Tasks run sequentially
// in pipeline order and execution stops at the first task that is neither
// applied nor skipped. Errors returned before execution starts leave the
// audit trail untouched.
func (r *Runner) Run(ctx context.Context, pipeline *Pipeline) (report *RunReport, err error) {
	run := RunInfo{ExecutionID: uuid.New().String(), StageID: pipeline.StageID}
	if run.StageID == "" {
		run.StageID = DefaultStageID
	}

	ctx = telemetry.FromContext(ctx).WithExecutionID(run.ExecutionID).WithContext(ctx)
	op := telemetry.StartOperation(ctx, "run.execute", telemetry.AttrExecutionID.String(run.ExecutionID))
	ctx = op.Ctx
	logger := op.Logger
	metrics := telemetry.MetricsFromContext(ctx)
	events := telemetry.EventsFromContext(ctx)

	metrics.RecordRunStarted()
	defer func() {
		op.End(err)
		if err != nil {
			metrics.RecordRunCompleted(string(RunStatusAborted), op.Timer.Duration())
			logPublish(logger, events.PublishRunFailed(run.ExecutionID, err.Error()))
		}
	}()

	if err := pipeline.Validate(r.targets); err != nil {
		return nil, err
	}

	if r.locker != nil {
		if err := r.locker.Lock(ctx); err != nil {
			return nil, NewLockError("failed to acquire run lock", err).WithCode(ErrCodeLockHeld)
		}
		defer func() {
			if err := r.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
				logger.WithError(err).Warn("Failed to release run lock")
			}
		}()
	}

	snapshot, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	marks, err := r.targets.Marks(ctx)
	if err != nil {
		return nil, err
	}

	plan, err := r.Plan(ctx, snapshot, marks, pipeline)
	if err != nil {
		return nil, err
	}

	if r.gate != nil {
		if err := r.gate.Review(ctx, pipeline, plan); err != nil {
			return nil, err
		}
	}

	collector := NewRecoveryCollector()
	r.mu.Lock()
	r.recovery = collector
	r.mu.Unlock()

	// historical issues are reported even when execution never reaches them
	for _, d := range plan.Decisions {
		if d.Action == ActionManualIntervention {
			if task, ok := pipeline.Task(d.ChangeID); ok {
				collector.Record(RecoveryIssue{ChangeID: d.ChangeID, TargetSystemID: task.TargetSystemID, Reason: d.Reason})
			}
		}
	}

	report = &RunReport{
		ExecutionID: run.ExecutionID,
		StageID:     run.StageID,
		Plan:        plan,
		Outcomes:    make([]Outcome, 0, len(pipeline.Tasks)),
		StartedAt:   time.Now(),
	}

	logger.Infof("Executing %d change units (%d to apply, %d to skip, %d need manual intervention)",
		len(plan.Decisions), plan.Count(ActionApply), plan.Count(ActionSkip), plan.Count(ActionManualIntervention))
	logPublish(logger, events.PublishRunStarted(run.ExecutionID, len(pipeline.Tasks)))

	stopped := false
	for i := range pipeline.Tasks {
		task := &pipeline.Tasks[i]

		if !stopped && ctx.Err() != nil {
			logger.WithError(ctx.Err()).Warn("Run cancelled, remaining change units not executed")
			stopped = true
		}
		if stopped {
			report.Outcomes = append(report.Outcomes, Outcome{ChangeID: task.ID, Result: ResultNotExecuted})
			continue
		}

		decision, _ := plan.Get(task.ID)
		outcome := r.execute(ctx, collector, run, task, decision)
		report.Outcomes = append(report.Outcomes, outcome)

		if outcome.Result != ResultApplied && outcome.Result != ResultSkipped {
			stopped = true
		}
	}

	report.RecoveryIssues = collector.All()
	report.Duration = op.Timer.Duration()

	status := report.Status()
	op.Span.SetAttributes(telemetry.AttrRunStatus.String(string(status)))
	metrics.SetRecoveryIssues(len(report.RecoveryIssues))
	metrics.RecordRunCompleted(string(status), report.Duration)
	logPublish(logger, events.PublishRunCompleted(run.ExecutionID, string(status), report.Duration))

	logger.WithField("status", status).Infof("Run finished in %s", report.Duration)
	return report, nil
}
