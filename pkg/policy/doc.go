// Package policy reviews execution plans with Open Policy Agent (OPA).
//
// Before a run executes, the planner's decisions are joined with their change
// units and evaluated against Rego policies. A policy reports problems through
// its package's deny set; each element is either a message string or an
// object with message, severity and change_id fields.
//
// # Components
//
//  1. Engine - Compiles and evaluates Rego policies
//  2. Loader - Loads user policies from .rego and .json files, with hot reload
//  3. Gate - Implements engine.PlanGate on top of an Engine
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies"}); err != nil {
//	    return err
//	}
//
//	runner := engine.NewRunner(store, targets,
//	    engine.WithPlanGate(policy.NewGate(eng, policy.WithEnvironment("production"))))
//
// # Input
//
// Policies see the following document as input:
//
//	{
//	  "stage_id": "release-42",
//	  "decisions": [
//	    {"change_id": "create-users", "action": "APPLY", "reason": "...",
//	     "order": "001", "author": "ana", "target_system_id": "main-db",
//	     "transactional": true, "has_rollback": false, "run_always": false}
//	  ],
//	  "context": {"environment": "production", "hostname": "ci-7", "timestamp": "..."}
//	}
//
// # Severity Levels
//
//   - info and warning are logged and counted
//   - error and critical reject the plan, and the run aborts before any
//     change unit executes
//
// # Built-in Policies
//
//  1. non-transactional-without-rollback - warns about changes that cannot be undone
//  2. manual-intervention-present - reports changes already parked for an operator
package policy
