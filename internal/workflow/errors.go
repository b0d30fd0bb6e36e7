package workflow

import (
	"errors"
	"fmt"
)

// Stable error-kind codes surfaced to callers in response envelopes.
const (
	CodeMissingFields      = "MISSING_FIELDS"
	CodeWorkflowNotFound   = "WORKFLOW_NOT_FOUND"
	CodeExecutionNotFound  = "EXECUTION_NOT_FOUND"
	CodeValidationError    = "VALIDATION_ERROR"
	CodeAgentNotAvailable  = "AGENT_NOT_AVAILABLE"
	CodeCapabilityMismatch = "CAPABILITY_MISMATCH"
	CodeExecutionTimeout   = "EXECUTION_TIMEOUT"
	CodeInvalidStatus      = "INVALID_STATUS"
	CodeInvalidTree        = "INVALID_DECISION_TREE"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeQueueNotFound      = "QUEUE_NOT_FOUND"
	CodeInternal           = "INTERNAL_ERROR"
)

// Symbolic error type names used by retry policies (retryableErrors entries)
// and recorded on execution error details.
const (
	TypeValidationError    = "ValidationError"
	TypeAgentNotAvailable  = "AgentNotAvailableError"
	TypeCapabilityMismatch = "CapabilityMismatchError"
	TypeExecutionTimeout   = "ExecutionTimeoutError"
	TypeTemporaryService   = "TemporaryServiceError"
	TypeNetworkError       = "NetworkError"
	TypeRateLimitError     = "RateLimitError"
	TypeSafetyError        = "SafetyError"
	TypeInternalError      = "InternalError"
)

// Error is the engine's typed error. Code is the stable kind identifier for
// envelopes, Type the symbolic name consulted by retry policies, Ref the
// offending identifier when one exists.
type Error struct {
	Code        string
	Type        string
	Message     string
	Ref         string
	Recoverable bool
}

func (e *Error) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Ref)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError reports an invalid definition or input. Never retryable.
func NewValidationError(msg, ref string) *Error {
	return &Error{Code: CodeValidationError, Type: TypeValidationError, Message: msg, Ref: ref}
}

// NewAgentNotAvailable reports a missing or saturated agent. Retryable at the
// workflow level when the step's policy lists it.
func NewAgentNotAvailable(agentID string) *Error {
	return &Error{
		Code:        CodeAgentNotAvailable,
		Type:        TypeAgentNotAvailable,
		Message:     "agent not available",
		Ref:         agentID,
		Recoverable: true,
	}
}

// NewCapabilityMismatch reports an agent that can serve the step neither by
// capability nor by type.
func NewCapabilityMismatch(agentID string, stepType StepType) *Error {
	return &Error{
		Code:    CodeCapabilityMismatch,
		Type:    TypeCapabilityMismatch,
		Message: fmt.Sprintf("agent cannot handle step type %q", stepType),
		Ref:     agentID,
	}
}

// NewTimeoutError reports a step or workflow deadline breach.
func NewTimeoutError(ref string) *Error {
	return &Error{Code: CodeExecutionTimeout, Type: TypeExecutionTimeout, Message: "deadline exceeded", Ref: ref}
}

// NewInternalError wraps an unexpected failure uniformly.
func NewInternalError(err error) *Error {
	return &Error{Code: CodeInternal, Type: TypeInternalError, Message: err.Error()}
}

// AsError extracts a *Error from err, wrapping unknown errors as internal.
func AsError(err error) *Error {
	var we *Error
	if errors.As(err, &we) {
		return we
	}
	return NewInternalError(err)
}

// ErrorType returns the symbolic type name for err.
func ErrorType(err error) string {
	return AsError(err).Type
}

// transientTypes are error kinds classified as recoverable regardless of the
// Recoverable flag on the concrete value.
var transientTypes = map[string]bool{
	TypeTemporaryService:  true,
	TypeNetworkError:      true,
	TypeRateLimitError:    true,
	TypeAgentNotAvailable: true,
}

// Recoverable reports whether err is eligible for retry consideration.
// Timeouts are only retried when a policy names them explicitly, which the
// orchestrator checks separately.
func Recoverable(err error) bool {
	we := AsError(err)
	if transientTypes[we.Type] {
		return true
	}
	return we.Recoverable
}
