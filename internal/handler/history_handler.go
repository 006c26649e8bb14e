package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/validator"
)

const maxPerPage = 100

// HistoryHandler serves finished attempts and scored results.
type HistoryHandler struct {
	historyService *service.HistoryService
	log            zerolog.Logger
}

// NewHistoryHandler creates a new HistoryHandler.
func NewHistoryHandler(historyService *service.HistoryService, log zerolog.Logger) *HistoryHandler {
	return &HistoryHandler{
		historyService: historyService,
		log:            log.With().Str("component", "history_handler").Logger(),
	}
}

// ListAttempts godoc
// GET /api/v1/attempts?page=1&per_page=10
func (h *HistoryHandler) ListAttempts(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "10"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > maxPerPage {
		perPage = 10
	}

	attempts, total, err := h.historyService.List(c.Request.Context(), claims.UserID(), page, perPage)
	if err != nil {
		h.log.Error().Err(err).Str("request_id", response.GetRequestID(c)).Msg("List attempts failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if attempts == nil {
		attempts = []model.Attempt{}
	}

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"attempts": attempts}, response.NewPagination(page, perPage, total))
}

// GetAttemptHistory godoc
// GET /api/v1/history/:attempt_id
// Returns a finished attempt from the ledger with its journaled answers.
func (h *HistoryHandler) GetAttemptHistory(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	hist, err := h.historyService.Get(c.Request.Context(), claims.UserID(), attemptID)
	if err != nil {
		status, code := attemptError(err)
		if status >= http.StatusInternalServerError {
			h.log.Error().Err(err).Str("request_id", response.GetRequestID(c)).Str("attempt_id", attemptID.String()).Msg("Get attempt history failed")
		}
		response.Fail(c, status, code)
		return
	}
	response.Success(c, http.StatusOK, hist)
}

// GetResult godoc
// GET /api/v1/results/:result_id
// Relays a scored result from the backend API.
func (h *HistoryHandler) GetResult(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var uri model.ResultURI
	if fields := validator.BindURI(c, &uri); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrInvalidID, fields)
		return
	}

	raw, err := h.historyService.Result(c.Request.Context(), middleware.GetToken(c), uri.ResultID)
	if err != nil {
		status, code := attemptError(err)
		response.Fail(c, status, code)
		return
	}
	response.Success(c, http.StatusOK, raw)
}
