package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound        ErrCode = "NOT_FOUND"
	ErrAttemptNotFound ErrCode = "ATTEMPT_NOT_FOUND"
	ErrTestNotFound    ErrCode = "TEST_NOT_FOUND"
	ErrResultNotFound  ErrCode = "RESULT_NOT_FOUND"

	// ─── Attempt ───────────────────────────────────────────────────────
	ErrInvalidDefinition ErrCode = "INVALID_DEFINITION"
	ErrUnknownQuestion   ErrCode = "UNKNOWN_QUESTION"
	ErrInvalidAnswer     ErrCode = "INVALID_ANSWER"
	ErrNotInProgress     ErrCode = "ATTEMPT_NOT_IN_PROGRESS"
	ErrAttemptClosed     ErrCode = "ATTEMPT_CLOSED"
	ErrDoubleSubmission  ErrCode = "DOUBLE_SUBMISSION"
	ErrSubmissionFailed  ErrCode = "SUBMISSION_FAILED"

	// ─── Upstream ──────────────────────────────────────────────────────
	ErrBackendUnavailable ErrCode = "BACKEND_UNAVAILABLE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	case ErrTokenRequired:
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid or expired."

	case ErrValidation:
		return "The submitted data is invalid."
	case ErrInvalidID:
		return "The identifier format is invalid."
	case ErrInvalidPayload:
		return "The request body could not be read."

	case ErrNotFound:
		return "Resource not found."
	case ErrAttemptNotFound:
		return "Attempt not found."
	case ErrTestNotFound:
		return "Test not found."
	case ErrResultNotFound:
		return "Result not found."

	case ErrInvalidDefinition:
		return "Cannot load test."
	case ErrUnknownQuestion:
		return "The question is not part of this test."
	case ErrInvalidAnswer:
		return "The answer does not fit the question type."
	case ErrNotInProgress:
		return "The attempt is not in progress."
	case ErrAttemptClosed:
		return "The attempt has been closed."
	case ErrDoubleSubmission:
		return "The attempt is already being submitted or was submitted."
	case ErrSubmissionFailed:
		return "Submission failed. Your answers are kept, please try again."

	case ErrBackendUnavailable:
		return "The test service is unavailable. Please try again later."

	case ErrRateLimitExceeded:
		return "Too many requests. Please slow down."

	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unknown error occurred."
	}
}
