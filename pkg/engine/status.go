package engine

import (
	"fmt"
)

// Action is the planner's decision for one change unit.
type Action string

const (
	// ActionApply means the change unit must be executed.
	ActionApply Action = "APPLY"

	// ActionSkip means the change unit is already in place.
	ActionSkip Action = "SKIP"

	// ActionManualIntervention means a human must inspect the target system
	// before the change unit can be retried.
	ActionManualIntervention Action = "MANUAL_INTERVENTION"
)

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionApply, ActionSkip, ActionManualIntervention:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// Result is the user-visible outcome of one change unit in a run.
type Result string

const (
	// ResultApplied indicates the change was applied and recorded.
	ResultApplied Result = "applied"

	// ResultSkipped indicates the change was already applied.
	ResultSkipped Result = "skipped"

	// ResultFailedRolledBack indicates the apply failed and was fully undone.
	ResultFailedRolledBack Result = "failed-rolled-back"

	// ResultManualIntervention indicates a human must resolve the change.
	ResultManualIntervention Result = "manual-intervention-required"

	// ResultNotExecuted indicates the run stopped before reaching the change.
	ResultNotExecuted Result = "not-executed"
)

// IsFailure returns true if the result stops the run.
func (r Result) IsFailure() bool {
	return r == ResultFailedRolledBack || r == ResultManualIntervention
}

// Validate checks if the result is valid.
func (r Result) Validate() error {
	switch r {
	case ResultApplied, ResultSkipped, ResultFailedRolledBack,
		ResultManualIntervention, ResultNotExecuted:
		return nil
	default:
		return fmt.Errorf("invalid result: %s", r)
	}
}

// RunStatus represents the overall status of a pipeline run.
type RunStatus string

const (
	// RunStatusSucceeded indicates every change unit was applied or skipped.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates a change unit failed and was rolled back.
	RunStatusFailed RunStatus = "failed"

	// RunStatusManualIntervention indicates at least one change unit needs a human.
	RunStatusManualIntervention RunStatus = "manual-intervention-required"

	// RunStatusAborted indicates the run stopped before executing any change unit.
	RunStatusAborted RunStatus = "aborted"
)

// IsSuccessful returns true if the run needs no follow-up.
func (s RunStatus) IsSuccessful() bool {
	return s == RunStatusSucceeded
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusManualIntervention, RunStatusAborted:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}
