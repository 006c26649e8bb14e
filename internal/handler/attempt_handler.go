package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/validator"
)

// AttemptHandler serves the test-taking endpoints.
type AttemptHandler struct {
	attemptService *service.AttemptService
	log            zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attemptService *service.AttemptService, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attemptService: attemptService,
		log:            log.With().Str("component", "attempt_handler").Logger(),
	}
}

// StartAttempt godoc
// POST /api/v1/tests/:test_id/attempts
// Starts an attempt, or returns the one the user is already taking.
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var uri model.TestURI
	if fields := validator.BindURI(c, &uri); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrInvalidID, fields)
		return
	}
	testID := uri.TestID

	view, err := h.attemptService.Start(c.Request.Context(), claims.UserID(), middleware.GetToken(c), testID)
	if err != nil {
		status, code := attemptError(err)
		if status >= http.StatusInternalServerError {
			h.log.Error().Err(err).Str("request_id", response.GetRequestID(c)).Str("test_id", testID).Msg("Start attempt failed")
		}
		response.Fail(c, status, code)
		return
	}

	status := http.StatusCreated
	if view.Resumed {
		status = http.StatusOK
	}
	response.Success(c, status, view)
}

// GetAttempt godoc
// GET /api/v1/attempts/:attempt_id
// Returns the paper and the live state of an attempt.
func (h *AttemptHandler) GetAttempt(c *gin.Context) {
	userID, attemptID, ok := h.attemptParams(c)
	if !ok {
		return
	}

	view, err := h.attemptService.Get(userID, attemptID)
	if err != nil {
		status, code := attemptError(err)
		response.Fail(c, status, code)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// RecordAnswer godoc
// PUT /api/v1/attempts/:attempt_id/answers/:question_id
// Records or overwrites an answer. An empty value clears it.
func (h *AttemptHandler) RecordAnswer(c *gin.Context) {
	userID, attemptID, ok := h.attemptParams(c)
	if !ok {
		return
	}

	var uri model.QuestionURI
	if fields := validator.BindURI(c, &uri); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrInvalidID, fields)
		return
	}

	var req model.RecordAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	state, err := h.attemptService.Answer(userID, attemptID, uri.QuestionID, req.Value)
	if err != nil {
		status, code := attemptError(err)
		response.Fail(c, status, code)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"state": state})
}

// ToggleReview godoc
// POST /api/v1/attempts/:attempt_id/reviews/:question_id
// Flips the "mark for review" flag of a question.
func (h *AttemptHandler) ToggleReview(c *gin.Context) {
	userID, attemptID, ok := h.attemptParams(c)
	if !ok {
		return
	}

	var uri model.QuestionURI
	if fields := validator.BindURI(c, &uri); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrInvalidID, fields)
		return
	}

	state, err := h.attemptService.ToggleReview(userID, attemptID, uri.QuestionID)
	if err != nil {
		status, code := attemptError(err)
		response.Fail(c, status, code)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"state": state})
}

// Navigate godoc
// PUT /api/v1/attempts/:attempt_id/cursor
// Moves the current question pointer; out of range indexes are clamped.
func (h *AttemptHandler) Navigate(c *gin.Context) {
	userID, attemptID, ok := h.attemptParams(c)
	if !ok {
		return
	}

	var req model.NavigateRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	state, err := h.attemptService.Navigate(userID, attemptID, *req.Index)
	if err != nil {
		status, code := attemptError(err)
		response.Fail(c, status, code)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"state": state})
}

// Submit godoc
// POST /api/v1/attempts/:attempt_id/submit
// Submits the attempt. A failed submission keeps the attempt open and
// returns its state alongside the error.
func (h *AttemptHandler) Submit(c *gin.Context) {
	userID, attemptID, ok := h.attemptParams(c)
	if !ok {
		return
	}

	state, err := h.attemptService.Submit(c.Request.Context(), userID, attemptID)
	if err != nil {
		status, code := attemptError(err)
		if code == response.ErrAttemptNotFound {
			response.Fail(c, status, code)
			return
		}
		h.log.Warn().Err(err).Str("request_id", response.GetRequestID(c)).Str("attempt_id", attemptID.String()).Msg("Submit rejected")
		response.FailWithData(c, status, code, gin.H{"state": state})
		return
	}
	response.Success(c, http.StatusOK, gin.H{"state": state, "result": state.Result})
}

// Abandon godoc
// DELETE /api/v1/attempts/:attempt_id
// Stops the attempt without submitting and discards its resume data.
func (h *AttemptHandler) Abandon(c *gin.Context) {
	userID, attemptID, ok := h.attemptParams(c)
	if !ok {
		return
	}

	if err := h.attemptService.Abandon(c.Request.Context(), userID, attemptID); err != nil {
		status, code := attemptError(err)
		response.Fail(c, status, code)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"abandoned": true})
}

// attemptParams extracts the caller and the attempt id, writing the error
// response itself when either is missing. The caller's token becomes the
// one the attempt is submitted with.
func (h *AttemptHandler) attemptParams(c *gin.Context) (string, uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return "", uuid.Nil, false
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return "", uuid.Nil, false
	}
	h.attemptService.RefreshToken(claims.UserID(), attemptID, middleware.GetToken(c))
	return claims.UserID(), attemptID, true
}
