package handler

import (
	"errors"
	"net/http"

	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/session"
)

// attemptError maps service and controller errors to an HTTP status and code.
func attemptError(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrAttemptNotFound):
		return http.StatusNotFound, response.ErrAttemptNotFound
	case errors.Is(err, service.ErrTestNotFound):
		return http.StatusNotFound, response.ErrTestNotFound
	case errors.Is(err, service.ErrResultNotFound):
		return http.StatusNotFound, response.ErrResultNotFound
	case errors.Is(err, service.ErrBackendUnavailable):
		return http.StatusBadGateway, response.ErrBackendUnavailable
	case errors.Is(err, session.ErrInvalidDefinition):
		return http.StatusUnprocessableEntity, response.ErrInvalidDefinition
	case errors.Is(err, session.ErrSubmissionFailed):
		return http.StatusBadGateway, response.ErrSubmissionFailed
	case errors.Is(err, session.ErrDoubleSubmission):
		return http.StatusConflict, response.ErrDoubleSubmission
	case errors.Is(err, session.ErrUnknownQuestion):
		return http.StatusNotFound, response.ErrUnknownQuestion
	case errors.Is(err, session.ErrInvalidAnswer):
		return http.StatusBadRequest, response.ErrInvalidAnswer
	case errors.Is(err, session.ErrNotInProgress):
		return http.StatusConflict, response.ErrNotInProgress
	case errors.Is(err, session.ErrClosed):
		return http.StatusConflict, response.ErrAttemptClosed
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}
