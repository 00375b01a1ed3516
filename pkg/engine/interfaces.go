package engine

import (
	"context"

	"github.com/changeflow/changeflow/pkg/audit"
)

// TargetSystem is a backend that change units run against. Implementations
// exist per backend technology; the engine never branches on which one it has.
type TargetSystem interface {
	// ID returns the identifier tasks reference in TargetSystemID.
	ID() string

	// Resources returns the ambient, non-transactional resources such as a
	// connection pool. They are injected into every execution context.
	Resources(ctx context.Context) (map[string]any, error)

	// Marker returns the ongoing-operation marker for this target system.
	Marker() audit.Marker

	// Recovery returns the default recovery strategy for tasks that crashed
	// mid-operation. The empty strategy means manual intervention.
	Recovery() audit.RecoveryStrategy
}

// Transactor is implemented by target systems that can run an operation
// inside a transaction.
type Transactor interface {
	Begin(ctx context.Context) (Transaction, error)
}

// Transaction is an open target-system transaction.
type Transaction interface {
	// Resources returns transaction-scoped resources, e.g. {"tx": *sql.Tx}.
	// They shadow ambient resources of the same name while the transaction is open.
	Resources() map[string]any

	Commit() error
	Rollback() error
}

// AuditParticipant is implemented by target systems whose transactions can
// also carry the audit entry, making apply and audit atomic.
type AuditParticipant interface {
	// TransactionalAuditWriter returns a writer bound to the transaction
	// currently open in ec, or false when it cannot carry audit entries.
	TransactionalAuditWriter(ec *ExecutionContext) (audit.Writer, bool)
}

// AuditStore is the durable, append-only audit trail.
type AuditStore interface {
	audit.Reader
	audit.Writer
}

// Locker is the external lock or lease that serialises runners.
type Locker interface {
	// Lock acquires the lock or fails immediately if another runner holds it.
	Lock(ctx context.Context) error

	// Unlock releases the lock. Releasing a lock that is not held is not an error.
	Unlock(ctx context.Context) error
}

// Guard reports whether the run lock is still held.
type Guard interface {
	Ensure(ctx context.Context) error
}

// Planner decides what to do with every task of a pipeline.
type Planner interface {
	Plan(ctx context.Context, snapshot *audit.Snapshot, marks []audit.Mark, pipeline *Pipeline) (*Plan, error)
}

// OrchestrationAuthority decides task actions in cloud-orchestrated mode.
type OrchestrationAuthority interface {
	Decide(ctx context.Context, req TaskRequest) (CloudChangeAction, error)
}

// PlanGate reviews a plan before execution. Returning an error aborts the run.
type PlanGate interface {
	Review(ctx context.Context, pipeline *Pipeline, plan *Plan) error
}
