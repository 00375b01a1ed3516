package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/changeflow/changeflow/pkg/audit"
	"github.com/changeflow/changeflow/pkg/engine"
)

// PipelineSpec is a pipeline definition as read from CUE.
type PipelineSpec struct {
	// StageID names the stage; empty means engine.DefaultStageID.
	StageID string `json:"stage_id,omitempty"`

	// Changes are the change units of the stage, in any order.
	Changes []ChangeSpec `json:"changes" validate:"dive"`
}

// ChangeSpec is one change unit as read from CUE.
type ChangeSpec struct {
	// ID is the unique identifier of the change (e.g., "001-create-users").
	ID string `json:"id" validate:"required,max=255"`

	// Order is the sort key within the pipeline.
	Order string `json:"order" validate:"required,max=64"`

	// Author is recorded in every audit entry.
	Author string `json:"author,omitempty"`

	// Target is the id of the target system the change runs against.
	Target string `json:"target" validate:"required"`

	Transactional bool `json:"transactional,omitempty"`
	RunAlways     bool `json:"run_always,omitempty"`

	// Recovery overrides the target system's recovery strategy.
	Recovery audit.RecoveryStrategy `json:"recovery,omitempty" validate:"omitempty,oneof=MANUAL_INTERVENTION ALWAYS_RETRY"`

	// Timeout is a Go duration string (e.g., "30s").
	Timeout string `json:"timeout,omitempty" validate:"omitempty,duration"`

	// LockExempt lists resources usable without holding the run lock.
	LockExempt []string `json:"lock_exempt,omitempty"`

	// Apply holds the statements performing the change.
	Apply Statements `json:"apply" validate:"required,min=1,dive,required"`

	// Rollback holds the statements undoing the change. Empty means none.
	Rollback Statements `json:"rollback,omitempty" validate:"dive,required"`
}

// Statements is a list of statements. A single string decodes as a list of one.
type Statements []string

// UnmarshalJSON accepts either a string or a list of strings.
func (s *Statements) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = Statements{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("statements must be a string or a list of strings: %w", err)
	}
	*s = many
	return nil
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	// File is the file where the error occurred.
	File string `json:"file,omitempty"`

	// Line is the line number where the error occurred.
	Line int `json:"line,omitempty"`

	// Column is the column number where the error occurred.
	Column int `json:"column,omitempty"`

	// Path is the configuration path (e.g., "pipeline.changes.001-users.apply").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is "error" or "warning".
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.File != "" && e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ParsedPipeline is the result of parsing pipeline sources.
type ParsedPipeline struct {
	Pipeline PipelineSpec `json:"pipeline"`

	// SourceFiles lists the files that were parsed.
	SourceFiles []string `json:"source_files"`

	ParsedAt time.Time `json:"parsed_at"`

	// Errors contains any validation errors found during parsing.
	Errors []ValidationError `json:"errors,omitempty"`
}

// HasErrors returns true if any error-severity problem was found.
func (pp *ParsedPipeline) HasErrors() bool {
	for _, e := range pp.Errors {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

// OperationFactory builds an engine operation from a change's statements.
// The target id lets callers pick a dialect per target system.
type OperationFactory func(target string, statements []string) engine.Operation

// ToTask converts a change spec into an engine task.
func (c ChangeSpec) ToTask(ops OperationFactory) (engine.Task, error) {
	var timeout time.Duration
	if c.Timeout != "" {
		d, err := time.ParseDuration(c.Timeout)
		if err != nil {
			return engine.Task{}, fmt.Errorf("change %s: invalid timeout %q: %w", c.ID, c.Timeout, err)
		}
		timeout = d
	}

	task := engine.Task{
		ID:             c.ID,
		Order:          c.Order,
		Author:         c.Author,
		TargetSystemID: c.Target,
		Transactional:  c.Transactional,
		RunAlways:      c.RunAlways,
		Recovery:       c.Recovery,
		Timeout:        timeout,
		LockExempt:     c.LockExempt,
		Apply:          ops(c.Target, c.Apply),
	}
	if len(c.Rollback) > 0 {
		task.Rollback = ops(c.Target, c.Rollback)
	}
	return task, nil
}

// ToPipeline converts the spec into an engine pipeline.
func (p PipelineSpec) ToPipeline(ops OperationFactory) (*engine.Pipeline, error) {
	tasks := make([]engine.Task, 0, len(p.Changes))
	for _, c := range p.Changes {
		task, err := c.ToTask(ops)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return engine.NewPipeline(p.StageID, tasks...), nil
}
