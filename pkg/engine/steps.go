package engine

import (
	"time"

	"github.com/changeflow/changeflow/pkg/audit"
)

// StepKind identifies a state of the step navigator.
type StepKind string

const (
	StepInitial                   StepKind = "initial"
	StepExecuting                 StepKind = "executing"
	StepSuccessApply              StepKind = "success-apply"
	StepFailedApply               StepKind = "failed-apply"
	StepAfterExecutionAudit       StepKind = "after-execution-audit"
	StepCompletedSuccess          StepKind = "completed-success"
	StepCompletedFailed           StepKind = "completed-failed"
	StepFailedAfterExecutionAudit StepKind = "failed-after-execution-audit"
	StepExecutingRollback         StepKind = "executing-rollback"
	StepSuccessRollback           StepKind = "success-rollback"
	StepFailedRollback            StepKind = "failed-rollback"
)

// IsTerminal returns true for the states the navigator stops in.
func (k StepKind) IsTerminal() bool {
	switch k {
	case StepCompletedSuccess, StepCompletedFailed, StepFailedAfterExecutionAudit:
		return true
	default:
		return false
	}
}

// Step is one state of the navigator together with the data the next
// transition needs. Only the fields relevant to Kind are set.
type Step struct {
	Kind StepKind

	// Err is the apply, rollback, audit or lock failure carried by the step.
	Err error

	// State is the audit state AfterExecutionAudit records.
	State audit.State

	// Native marks a rollback performed by the transaction wrapper.
	Native bool

	// NativeFailed is set on a native FailedApply when the transaction could
	// not be rolled back cleanly.
	NativeFailed bool

	// Recorded is set when the APPLIED entry was already written inside the
	// transaction.
	Recorded bool

	// Elapsed is how long the operation narrated by the step took.
	Elapsed time.Duration
}
