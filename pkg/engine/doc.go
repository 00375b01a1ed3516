// Package engine provides the execution and audit reconciliation core of changeflow.
//
// # Overview
//
// A run applies an ordered pipeline of change units (Task) against one or more
// target systems and records every outcome in an append-only audit trail:
//
//  1. Validate - reject duplicate ids or orders and unknown target systems
//  2. Lock     - acquire the external run lock (Locker)
//  3. Snapshot - fold the audit history into one entry per change (audit.Reconcile)
//  4. Plan     - decide APPLY, SKIP or MANUAL_INTERVENTION per change (Planner)
//  5. Review   - optionally pass the plan through a PlanGate
//  6. Execute  - drive every APPLY through the step navigator, in order
//  7. Report   - outcomes plus the recovery issues of the run (RunReport)
//
// # Planning
//
// LocalPlanner decides from the snapshot and the ongoing marks the target
// systems report:
//
//   - run-always change units are always applied
//   - an ongoing mark without a newer terminal entry means the previous run
//     crashed mid-operation: MANUAL_INTERVENTION, or APPLY when the recovery
//     strategy is ALWAYS_RETRY
//   - no history: APPLY
//   - APPLIED: SKIP; ROLLED_BACK: APPLY
//   - FAILED, ROLLBACK_FAILED, MANUAL_INTERVENTION: MANUAL_INTERVENTION
//
// CloudPlanner asks an OrchestrationAuthority instead and maps its reply 1:1.
//
// # Step Navigator
//
// Navigator is an explicit state machine over Step values:
//
//	Initial -> Executing -> SuccessApply -> AfterExecutionAudit -> CompletedSuccess
//	                                                            -> FailedAfterExecutionAudit
//	                     -> FailedApply -> ExecutingRollback -> SuccessRollback -> CompletedFailed
//	                                                         -> FailedRollback  -> CompletedFailed
//	                                    -> AfterExecutionAudit(FAILED) -> CompletedFailed
//
// For transactional change units the transaction rollback performed by
// TransactionWrapper is the rollback step. Every audit write is attempted
// exactly once; retrying is the next run's planner's job.
//
// # Error Classification
//
// Errors carry one of the classes apply_failure, rollback_failure,
// audit_write_failure, planning_ambiguity, configuration or lock:
//
//	if engine.IsPlanningAmbiguity(err) {
//	    // audit trail needs an operator before any change can run
//	}
//
// Apply and rollback failures never escape the navigator; they become audit
// entries and an Outcome. Planning ambiguities abort the run before anything
// executes.
//
// # Thread Safety
//
// A Runner serialises nothing by itself: concurrent runs against the same
// audit store must share a Locker. Navigators are single-use.
package engine
