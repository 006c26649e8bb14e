package session

import "errors"

// Controller errors. Callers match them with errors.Is.
var (
	ErrInvalidDefinition = errors.New("invalid test definition")
	ErrSubmissionFailed  = errors.New("submission failed")
	ErrDoubleSubmission  = errors.New("submission already in flight or complete")
	ErrUnknownQuestion   = errors.New("unknown question")
	ErrInvalidAnswer     = errors.New("invalid answer")
	ErrNotInProgress     = errors.New("attempt is not in progress")
	ErrClosed            = errors.New("attempt has been closed")
)
