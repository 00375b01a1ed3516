package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an engine error.
type ErrorClass string

const (
	// ErrorClassApplyFailure indicates the target-system apply operation failed.
	// Recoverable through a rollback when one is available.
	ErrorClassApplyFailure ErrorClass = "apply_failure"

	// ErrorClassRollbackFailure indicates the rollback itself failed.
	// Always escalates to manual intervention.
	ErrorClassRollbackFailure ErrorClass = "rollback_failure"

	// ErrorClassAuditWriteFailure indicates an outcome could not be recorded in
	// the audit store. The target system may have changed without a record.
	ErrorClassAuditWriteFailure ErrorClass = "audit_write_failure"

	// ErrorClassPlanningAmbiguity indicates the audit history contains a
	// contradictory combination of entries.
	ErrorClassPlanningAmbiguity ErrorClass = "planning_ambiguity"

	// ErrorClassConfiguration indicates an invalid pipeline or runner setup.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassLock indicates the run lock could not be acquired or was lost.
	ErrorClassLock ErrorClass = "lock"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// ChangeID is the change unit that caused the error, if applicable.
	ChangeID string `json:"change_id,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.ChangeID != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (change=%s, operation=%s)", msg, e.ChangeID, e.Operation)
	case e.ChangeID != "":
		msg = fmt.Sprintf("%s (change=%s)", msg, e.ChangeID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewApplyFailure creates a new apply failure.
func NewApplyFailure(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassApplyFailure, Message: message, Err: err}
}

// NewRollbackFailure creates a new rollback failure.
func NewRollbackFailure(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassRollbackFailure, Message: message, Err: err}
}

// NewAuditWriteFailure creates a new audit write failure.
func NewAuditWriteFailure(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassAuditWriteFailure, Message: message, Err: err}
}

// NewPlanningAmbiguity creates a new planning ambiguity error.
func NewPlanningAmbiguity(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPlanningAmbiguity, Message: message, Err: err}
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConfiguration, Message: message, Err: err}
}

// NewLockError creates a new lock error.
func NewLockError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassLock, Message: message, Err: err}
}

// WithChange adds change unit context to an error.
func (e *EngineError) WithChange(changeID string) *EngineError {
	e.ChangeID = changeID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first EngineError in the chain, or "".
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsApplyFailure returns true if the error is classified as an apply failure.
func IsApplyFailure(err error) bool {
	return ClassOf(err) == ErrorClassApplyFailure
}

// IsRollbackFailure returns true if the error is classified as a rollback failure.
func IsRollbackFailure(err error) bool {
	return ClassOf(err) == ErrorClassRollbackFailure
}

// IsAuditWriteFailure returns true if the error is classified as an audit write failure.
func IsAuditWriteFailure(err error) bool {
	return ClassOf(err) == ErrorClassAuditWriteFailure
}

// IsPlanningAmbiguity returns true if the error is classified as a planning ambiguity.
func IsPlanningAmbiguity(err error) bool {
	return ClassOf(err) == ErrorClassPlanningAmbiguity
}

// IsConfiguration returns true if the error is classified as a configuration error.
func IsConfiguration(err error) bool {
	return ClassOf(err) == ErrorClassConfiguration
}

// IsLock returns true if the error is classified as a lock error.
func IsLock(err error) bool {
	return ClassOf(err) == ErrorClassLock
}

// Common error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeDuplicateID         = "DUPLICATE_ID"
	ErrCodeDuplicateOrder      = "DUPLICATE_ORDER"
	ErrCodeUnknownTargetSystem = "UNKNOWN_TARGET_SYSTEM"
	ErrCodeNotTransactional    = "NOT_TRANSACTIONAL"
	ErrCodeAmbiguousHistory    = "AMBIGUOUS_HISTORY"
	ErrCodeInvalidDecision     = "INVALID_DECISION"
	ErrCodePolicyDenied        = "POLICY_DENIED"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodePanic               = "PANIC"
	ErrCodeLockHeld            = "LOCK_HELD"
	ErrCodeLockLost            = "LOCK_LOST"
	ErrCodeResourceMissing     = "RESOURCE_MISSING"
	ErrCodeInternal            = "INTERNAL_ERROR"
)
