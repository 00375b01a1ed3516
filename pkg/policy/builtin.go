package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		rollbackCoveragePolicy(),
		manualInterventionPolicy(),
	}
}

// rollbackCoveragePolicy flags non-transactional changes that would run
// without any way to undo them.
func rollbackCoveragePolicy() Policy {
	return Policy{
		Name:        "non-transactional-without-rollback",
		Description: "Warns when a non-transactional change is applied without a declared rollback",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"rollback", "safety"},
		Rego: `package changeflow.policies.rollback

import rego.v1

deny contains violation if {
	some d in input.decisions
	d.action == "APPLY"
	not d.transactional
	not d.has_rollback
	violation := {
		"message": sprintf("Change %s is not transactional and declares no rollback; a failure will require manual intervention", [d.change_id]),
		"severity": "warning",
		"change_id": d.change_id,
	}
}`,
	}
}

// manualInterventionPolicy reports changes the plan already parks in manual
// intervention so operators see them before the run starts.
func manualInterventionPolicy() Policy {
	return Policy{
		Name:        "manual-intervention-present",
		Description: "Reports changes that require manual intervention before the run",
		Severity:    SeverityInfo,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"recovery"},
		Rego: `package changeflow.policies.recovery

import rego.v1

deny contains violation if {
	some d in input.decisions
	d.action == "MANUAL_INTERVENTION"
	violation := {
		"message": sprintf("Change %s requires manual intervention: %s", [d.change_id, d.reason]),
		"severity": "info",
		"change_id": d.change_id,
	}
}`,
	}
}
