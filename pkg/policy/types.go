package policy

import (
	"time"

	"github.com/changeflow/changeflow/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block a run.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks returns true if a violation of this severity rejects the plan.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// package's deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with changeflow.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata, e.g. the source file.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// ChangeID is the change the violation refers to, if any.
	ChangeID string `json:"change_id,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	DetectedAt time.Time `json:"detected_at"`
}

// Result represents the result of evaluating all enabled policies.
type Result struct {
	// Allowed is false when any violation blocks the plan.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Blocking returns the violations that reject the plan.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocks() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies evaluate as input.
type Input struct {
	StageID   string          `json:"stage_id"`
	Decisions []DecisionInput `json:"decisions"`
	Context   *Context        `json:"context"`
}

// DecisionInput is one planned decision joined with its change unit.
type DecisionInput struct {
	ChangeID       string `json:"change_id"`
	Action         string `json:"action"`
	Reason         string `json:"reason"`
	Order          string `json:"order"`
	Author         string `json:"author,omitempty"`
	TargetSystemID string `json:"target_system_id"`
	Transactional  bool   `json:"transactional"`
	HasRollback    bool   `json:"has_rollback"`
	RunAlways      bool   `json:"run_always"`
	Recovery       string `json:"recovery,omitempty"`
}

// Context provides information about the run being reviewed.
type Context struct {
	Environment string    `json:"environment,omitempty"`
	Hostname    string    `json:"hostname,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewInput joins a plan with the pipeline's change units.
func NewInput(pipeline *engine.Pipeline, plan *engine.Plan, pctx *Context) *Input {
	in := &Input{
		StageID:   pipeline.StageID,
		Decisions: make([]DecisionInput, 0, len(plan.Decisions)),
		Context:   pctx,
	}
	for _, d := range plan.Decisions {
		di := DecisionInput{
			ChangeID: d.ChangeID,
			Action:   string(d.Action),
			Reason:   d.Reason,
		}
		if task, ok := pipeline.Task(d.ChangeID); ok {
			di.Order = task.Order
			di.Author = task.Author
			di.TargetSystemID = task.TargetSystemID
			di.Transactional = task.Transactional
			di.HasRollback = task.HasRollback()
			di.RunAlways = task.RunAlways
			di.Recovery = string(task.Recovery)
		}
		in.Decisions = append(in.Decisions, di)
	}
	return in
}
