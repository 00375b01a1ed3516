package engine

import (
	"context"
	"time"

	"github.com/changeflow/changeflow/pkg/audit"
)

// Operation is an apply or rollback body. It reads its resources from ec.
type Operation func(ctx context.Context, ec *ExecutionContext) error

// Task is one change unit of a pipeline.
type Task struct {
	// ID is unique within the pipeline.
	ID string `json:"id"`

	// Order is the sort key; ties are not allowed.
	Order string `json:"order"`

	// Author is recorded in every audit entry for the task.
	Author string `json:"author"`

	// TargetSystemID names the target system the task runs against.
	TargetSystemID string `json:"target_system_id"`

	// Transactional runs apply inside a target-system transaction.
	Transactional bool `json:"transactional"`

	// RunAlways makes the planner apply the task on every run.
	RunAlways bool `json:"run_always,omitempty"`

	// Recovery overrides the target system's recovery strategy.
	Recovery audit.RecoveryStrategy `json:"recovery,omitempty"`

	// Timeout bounds apply and rollback individually. Zero means no timeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	// LockExempt lists resources the task may use without holding the run lock.
	LockExempt []string `json:"lock_exempt,omitempty"`

	// Apply performs the change.
	Apply Operation `json:"-"`

	// Rollback undoes the change. Nil when the task declares none.
	Rollback Operation `json:"-"`
}

// HasRollback returns true if the task declares a rollback operation.
func (t *Task) HasRollback() bool {
	return t.Rollback != nil
}

// Decision is the planner's verdict for one task.
type Decision struct {
	ChangeID string `json:"change_id"`
	Action   Action `json:"action"`

	// Reason explains the decision for operators.
	Reason string `json:"reason,omitempty"`
}

// Plan holds one decision per task, in pipeline order.
type Plan struct {
	Decisions []Decision `json:"decisions"`
	CreatedAt time.Time  `json:"created_at"`
}

// Get returns the decision for a change id.
func (p *Plan) Get(changeID string) (Decision, bool) {
	for _, d := range p.Decisions {
		if d.ChangeID == changeID {
			return d, true
		}
	}
	return Decision{}, false
}

// Count returns how many decisions carry the given action.
func (p *Plan) Count(action Action) int {
	n := 0
	for _, d := range p.Decisions {
		if d.Action == action {
			n++
		}
	}
	return n
}

// Outcome is the result of executing, or not executing, one task.
type Outcome struct {
	ChangeID string `json:"change_id"`
	Result   Result `json:"result"`

	// Steps lists the navigator steps visited, ending with the terminal one.
	Steps []StepKind `json:"steps,omitempty"`

	// AuditState is the last audit state written for the task in this run.
	AuditState audit.State `json:"audit_state,omitempty"`

	// Err is the apply, rollback, audit or lock error that shaped the result.
	Err error `json:"-"`

	Duration time.Duration `json:"duration"`
}

// RunReport summarises one pipeline run.
type RunReport struct {
	ExecutionID    string          `json:"execution_id"`
	StageID        string          `json:"stage_id"`
	Plan           *Plan           `json:"plan"`
	Outcomes       []Outcome       `json:"outcomes"`
	RecoveryIssues []RecoveryIssue `json:"recovery_issues"`
	StartedAt      time.Time       `json:"started_at"`
	Duration       time.Duration   `json:"duration"`
}

// Status derives the overall run status from the outcomes.
func (r *RunReport) Status() RunStatus {
	status := RunStatusSucceeded
	executed := false
	for _, o := range r.Outcomes {
		switch o.Result {
		case ResultManualIntervention:
			return RunStatusManualIntervention
		case ResultFailedRolledBack:
			status = RunStatusFailed
		}
		if o.Result != ResultNotExecuted {
			executed = true
		}
	}
	if !executed && len(r.Outcomes) > 0 {
		return RunStatusAborted
	}
	if len(r.RecoveryIssues) > 0 {
		return RunStatusManualIntervention
	}
	return status
}

// Successful returns true if no task is failed or awaiting manual intervention.
func (r *RunReport) Successful() bool {
	return r.Status().IsSuccessful()
}

// Outcome returns the outcome for a change id.
func (r *RunReport) Outcome(changeID string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.ChangeID == changeID {
			return o, true
		}
	}
	return Outcome{}, false
}

// TaskRequest is what the orchestration authority is asked to decide on.
type TaskRequest struct {
	ID            string              `json:"id"`
	OngoingStatus audit.OngoingStatus `json:"ongoingStatus"`
	Transactional bool                `json:"transactional"`
}

// CloudChangeAction is the orchestration authority's reply.
type CloudChangeAction string

const (
	CloudActionApply              CloudChangeAction = "APPLY"
	CloudActionSkip               CloudChangeAction = "SKIP"
	CloudActionManualIntervention CloudChangeAction = "MANUAL_INTERVENTION"
)

// Action maps the reply onto the engine's action.
func (c CloudChangeAction) Action() (Action, *EngineError) {
	switch c {
	case CloudActionApply:
		return ActionApply, nil
	case CloudActionSkip:
		return ActionSkip, nil
	case CloudActionManualIntervention:
		return ActionManualIntervention, nil
	default:
		return "", NewConfigurationError("unknown orchestration action "+string(c), nil).
			WithCode(ErrCodeInvalidDecision)
	}
}
