package audit

import (
	"context"
	"fmt"
	"time"
)

// State is the outcome recorded by an audit entry.
type State string

const (
	// StateStarted records that an attempt began. It is the only non-terminal state.
	StateStarted State = "STARTED"

	// StateApplied records that the change is in place.
	StateApplied State = "APPLIED"

	// StateFailed records an apply failure with no rollback performed.
	StateFailed State = "FAILED"

	// StateRolledBack records that a failed attempt was fully undone.
	StateRolledBack State = "ROLLED_BACK"

	// StateRollbackFailed records that the compensating operation itself failed.
	StateRollbackFailed State = "ROLLBACK_FAILED"

	// StateManualIntervention records that a human must inspect the target system.
	StateManualIntervention State = "MANUAL_INTERVENTION"
)

// IsTerminal returns true if the state represents a final outcome of an attempt.
func (s State) IsTerminal() bool {
	return s != StateStarted
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StateStarted, StateApplied, StateFailed, StateRolledBack,
		StateRollbackFailed, StateManualIntervention:
		return nil
	default:
		return fmt.Errorf("invalid audit state: %s", s)
	}
}

// rank orders states when every other dimension ties. Higher is more severe.
func (s State) rank() int {
	switch s {
	case StateStarted:
		return 0
	case StateApplied:
		return 1
	case StateRolledBack:
		return 2
	case StateFailed:
		return 3
	case StateRollbackFailed:
		return 4
	case StateManualIntervention:
		return 5
	default:
		return -1
	}
}

// Kind distinguishes what produced an entry.
type Kind string

const (
	// KindExecution entries narrate an apply attempt.
	KindExecution Kind = "EXECUTION"

	// KindRollback entries narrate a rollback, native or compensating.
	KindRollback Kind = "ROLLBACK"

	// KindManualFix entries record an operator resolving a change by hand.
	KindManualFix Kind = "MANUAL_FIX"
)

// Validate checks if the kind is valid.
func (k Kind) Validate() error {
	switch k {
	case KindExecution, KindRollback, KindManualFix:
		return nil
	default:
		return fmt.Errorf("invalid audit kind: %s", k)
	}
}

func (k Kind) rank() int {
	switch k {
	case KindExecution:
		return 0
	case KindRollback:
		return 1
	case KindManualFix:
		return 2
	default:
		return -1
	}
}

// RecoveryStrategy tells the planner what to do with a change that crashed
// mid-operation.
type RecoveryStrategy string

const (
	// RecoveryManualIntervention requires a human before the change is retried.
	RecoveryManualIntervention RecoveryStrategy = "MANUAL_INTERVENTION"

	// RecoveryAlwaysRetry declares the change idempotent at the target system,
	// so it is safe to blindly re-apply.
	RecoveryAlwaysRetry RecoveryStrategy = "ALWAYS_RETRY"
)

// Validate checks if the recovery strategy is valid. The empty strategy is
// accepted and means "inherit".
func (r RecoveryStrategy) Validate() error {
	switch r {
	case "", RecoveryManualIntervention, RecoveryAlwaysRetry:
		return nil
	default:
		return fmt.Errorf("invalid recovery strategy: %s", r)
	}
}

// Entry is one recorded fact about one attempt at one change unit.
type Entry struct {
	// ExecutionID identifies the run that produced this entry.
	ExecutionID string `json:"execution_id"`

	// StageID identifies the pipeline stage.
	StageID string `json:"stage_id"`

	// ChangeID is the id of the change unit.
	ChangeID string `json:"change_id"`

	// Author is the author declared by the change unit.
	Author string `json:"author"`

	// Timestamp is when the outcome was recorded.
	Timestamp time.Time `json:"timestamp"`

	// State is the recorded outcome.
	State State `json:"state"`

	// Kind tells whether the entry narrates an execution, a rollback or a manual fix.
	Kind Kind `json:"kind"`

	// ExecutionMillis is how long the narrated operation took.
	ExecutionMillis int64 `json:"execution_millis"`

	// ExecutionHostname is the host the runner executed on.
	ExecutionHostname string `json:"execution_hostname"`

	// ErrorTrace carries the failure message, if any.
	ErrorTrace *string `json:"error_trace,omitempty"`

	// TargetSystemID is the target system the change applies to.
	TargetSystemID string `json:"target_system_id"`

	// Transactional mirrors the change unit's transactional flag.
	Transactional bool `json:"transactional"`

	// RecoveryStrategy is the effective strategy at the time of the attempt.
	RecoveryStrategy RecoveryStrategy `json:"recovery_strategy"`
}

// Validate checks the fields every stored entry must carry.
func (e Entry) Validate() error {
	if e.ChangeID == "" {
		return fmt.Errorf("audit entry has empty change id")
	}
	if e.ExecutionID == "" {
		return fmt.Errorf("audit entry for %s has empty execution id", e.ChangeID)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("audit entry for %s has zero timestamp", e.ChangeID)
	}
	if err := e.State.Validate(); err != nil {
		return err
	}
	if err := e.Kind.Validate(); err != nil {
		return err
	}
	return e.RecoveryStrategy.Validate()
}

// Error returns the error trace, or the empty string.
func (e Entry) Error() string {
	if e.ErrorTrace == nil {
		return ""
	}
	return *e.ErrorTrace
}

// Writer appends audit entries to a durable store.
type Writer interface {
	WriteEntry(ctx context.Context, entry Entry) error
}

// Reader reads the full audit history.
type Reader interface {
	History(ctx context.Context) ([]Entry, error)
}

// WriterFunc adapts a function to the Writer interface.
type WriterFunc func(ctx context.Context, entry Entry) error

// WriteEntry calls f(ctx, entry).
func (f WriterFunc) WriteEntry(ctx context.Context, entry Entry) error {
	return f(ctx, entry)
}

// ErrorTrace is a helper that converts an error into an entry error trace.
func ErrorTrace(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}
