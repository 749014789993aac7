package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	// Definition errors: no execution record is created.
	ErrCodeDefinitionNotFound = "DEFINITION_NOT_FOUND"
	ErrCodeNoActiveSteps      = "NO_ACTIVE_STEPS"
	ErrCodeInvalidDefinition  = "INVALID_DEFINITION"

	// Config errors: a step's required config is absent or malformed.
	ErrCodeMissingLLMConfig       = "MISSING_LLM_CONFIG"
	ErrCodeMissingCondition       = "MISSING_CONDITION"
	ErrCodeMissingTransformConfig = "MISSING_TRANSFORM_CONFIG"
	ErrCodeMissingURL             = "MISSING_URL"
	ErrCodeInvalidConfig          = "INVALID_CONFIG"
	ErrCodeUnknownStepKind        = "UNKNOWN_STEP_KIND"

	ErrCodeCollaborator = "COLLABORATOR_ERROR"
	ErrCodeEvaluation   = "EVALUATION_ERROR"
	ErrCodeHandlerPanic = "HANDLER_PANIC"
	ErrCodeValidation   = "VALIDATION_ERROR"

	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
)

// ErrorCategory groups error codes into the engine's error taxonomy.
type ErrorCategory string

const (
	CategoryDefinition     ErrorCategory = "definition"
	CategoryConfig         ErrorCategory = "config"
	CategoryCollaborator   ErrorCategory = "collaborator"
	CategoryEvaluation     ErrorCategory = "evaluation"
	CategoryValidation     ErrorCategory = "validation"
	CategoryInfrastructure ErrorCategory = "infrastructure"
)

// CategoryOf returns the taxonomy category for an error code.
// Unknown codes are treated as infrastructure faults.
func CategoryOf(code string) ErrorCategory {
	switch code {
	case ErrCodeDefinitionNotFound, ErrCodeNoActiveSteps, ErrCodeInvalidDefinition:
		return CategoryDefinition
	case ErrCodeMissingLLMConfig, ErrCodeMissingCondition, ErrCodeMissingTransformConfig,
		ErrCodeMissingURL, ErrCodeInvalidConfig, ErrCodeUnknownStepKind:
		return CategoryConfig
	case ErrCodeCollaborator:
		return CategoryCollaborator
	case ErrCodeEvaluation, ErrCodeHandlerPanic:
		return CategoryEvaluation
	case ErrCodeValidation:
		return CategoryValidation
	default:
		return CategoryInfrastructure
	}
}

// AdvisorError is the structured error type for all engine operations.
type AdvisorError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *AdvisorError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AdvisorError) Unwrap() error {
	return e.Cause
}

// Category returns the taxonomy category of the error's code.
func (e *AdvisorError) Category() ErrorCategory {
	return CategoryOf(e.Code)
}

// NewError creates a new AdvisorError.
func NewError(code, message string) *AdvisorError {
	return &AdvisorError{Code: code, Message: message}
}

// NewErrorf creates a new AdvisorError with a formatted message.
func NewErrorf(code, format string, args ...any) *AdvisorError {
	return &AdvisorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *AdvisorError) WithStep(stepID string) *AdvisorError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *AdvisorError) WithCause(err error) *AdvisorError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *AdvisorError) WithDetails(details map[string]any) *AdvisorError {
	e.Details = details
	return e
}

// AsAdvisorError returns err as an *AdvisorError. Foreign errors are wrapped
// under fallbackCode with the original error kept as the cause.
func AsAdvisorError(err error, fallbackCode string) *AdvisorError {
	if err == nil {
		return nil
	}
	var ae *AdvisorError
	if errors.As(err, &ae) {
		return ae
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}

// IsCode reports whether err is an *AdvisorError carrying code.
func IsCode(err error, code string) bool {
	var ae *AdvisorError
	return errors.As(err, &ae) && ae.Code == code
}
