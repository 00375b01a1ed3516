package engine

import (
	"context"
	"errors"
	"fmt"
)

// ExecutionContext carries the resources an operation may use. Resources come
// from the target system (ambient) and, while a transaction is open, from the
// transaction (scoped). Scoped resources shadow ambient ones of the same name.
type ExecutionContext struct {
	ExecutionID    string
	StageID        string
	ChangeID       string
	TargetSystemID string

	ambient map[string]any
	scoped  map[string]any
	exempt  map[string]bool
	guard   Guard
}

// NewExecutionContext creates the carrier for one task. guard may be nil, in
// which case every resource is handed out unguarded.
func NewExecutionContext(executionID, stageID string, task *Task, ambient map[string]any, guard Guard) *ExecutionContext {
	exempt := make(map[string]bool, len(task.LockExempt))
	for _, name := range task.LockExempt {
		exempt[name] = true
	}
	if ambient == nil {
		ambient = map[string]any{}
	}
	return &ExecutionContext{
		ExecutionID:    executionID,
		StageID:        stageID,
		ChangeID:       task.ID,
		TargetSystemID: task.TargetSystemID,
		ambient:        ambient,
		exempt:         exempt,
		guard:          guard,
	}
}

// Resource returns the named resource. Resources not marked lock-exempt are
// refused once the run lock is no longer held.
func (ec *ExecutionContext) Resource(ctx context.Context, name string) (any, error) {
	v, ok := ec.scoped[name]
	if !ok {
		v, ok = ec.ambient[name]
	}
	if !ok {
		return nil, NewConfigurationError(fmt.Sprintf("resource %q not available", name), nil).
			WithCode(ErrCodeResourceMissing).
			WithChange(ec.ChangeID)
	}

	if !ec.exempt[name] && ec.guard != nil {
		if err := ec.guard.Ensure(ctx); err != nil {
			return nil, NewLockError(fmt.Sprintf("refusing resource %q", name), err).
				WithCode(ErrCodeLockLost).
				WithChange(ec.ChangeID)
		}
	}

	return v, nil
}

// InTransaction returns true while a transaction is open for the task.
func (ec *ExecutionContext) InTransaction() bool {
	return ec.scoped != nil
}

func (ec *ExecutionContext) inject(resources map[string]any) {
	ec.scoped = make(map[string]any, len(resources))
	for k, v := range resources {
		ec.scoped[k] = v
	}
}

func (ec *ExecutionContext) release() {
	ec.scoped = nil
}

// ResourceAs returns the named resource asserted to T.
func ResourceAs[T any](ctx context.Context, ec *ExecutionContext, name string) (T, error) {
	var zero T
	v, err := ec.Resource(ctx, name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, NewConfigurationError(fmt.Sprintf("resource %q has type %T, want %T", name, v, zero), nil).
			WithCode(ErrCodeResourceMissing).
			WithChange(ec.ChangeID)
	}
	return t, nil
}

// BeginError reports that a transaction could not be started. The
// operation did not run.
type BeginError struct {
	Err error
}

func (e *BeginError) Error() string { return "failed to begin transaction: " + e.Err.Error() }
func (e *BeginError) Unwrap() error { return e.Err }

// CommitError reports that the operation succeeded but the commit failed.
// Whether the target system kept the change is unknown.
type CommitError struct {
	Err error
}

func (e *CommitError) Error() string { return "failed to commit transaction: " + e.Err.Error() }
func (e *CommitError) Unwrap() error { return e.Err }

// RollbackError reports that the operation failed with Cause and rolling the
// transaction back failed with Err. errors.Is matches either.
type RollbackError struct {
	Cause error
	Err   error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("failed to roll back transaction: %v (after: %v)", e.Err, e.Cause)
}

func (e *RollbackError) Unwrap() []error { return []error{e.Cause, e.Err} }

// TransactionWrapper runs operations inside a target-system transaction.
type TransactionWrapper struct{}

// Wrap begins a transaction, exposes its resources through ec, runs op and
// commits. When op fails the transaction is rolled back and op's error is
// returned unchanged, unless the rollback fails too, which yields a
// *RollbackError. Transaction resources are withdrawn from ec on every path.
func (TransactionWrapper) Wrap(ctx context.Context, tr Transactor, ec *ExecutionContext, op Operation) error {
	tx, err := tr.Begin(ctx)
	if err != nil {
		return &BeginError{Err: err}
	}

	ec.inject(tx.Resources())
	defer ec.release()

	if opErr := callOperation(ctx, ec, op); opErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return &RollbackError{Cause: opErr, Err: rbErr}
		}
		return opErr
	}

	if err := tx.Commit(); err != nil {
		// best effort; most drivers already aborted the transaction
		_ = tx.Rollback()
		return &CommitError{Err: err}
	}

	return nil
}

// callOperation runs op, converting a panic into an error.
func callOperation(ctx context.Context, ec *ExecutionContext, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx, ec)
}

// nativeRollbackFailed reports whether err, returned by Wrap, means the
// target-system state is unknown after the transaction ended.
func nativeRollbackFailed(err error) bool {
	var rb *RollbackError
	var ce *CommitError
	return errors.As(err, &rb) || errors.As(err, &ce)
}
