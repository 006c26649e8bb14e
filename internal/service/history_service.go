package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stemsi/exstem-session/internal/backend"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
)

// AttemptHistory is a finished attempt with its journaled answers.
type AttemptHistory struct {
	model.Attempt
	Answers []model.AnswerRecord `json:"answers"`
}

// ErrResultNotFound is returned when the backend has no such result.
var ErrResultNotFound = errors.New("result not found")

// HistoryService reads finished attempts from the ledger and scored
// results from the backend.
type HistoryService struct {
	attemptRepo *repository.AttemptRepository
	backend     *backend.Client
}

// NewHistoryService creates a new HistoryService.
func NewHistoryService(attemptRepo *repository.AttemptRepository, backendClient *backend.Client) *HistoryService {
	return &HistoryService{attemptRepo: attemptRepo, backend: backendClient}
}

// List returns a page of the user's attempts.
func (s *HistoryService) List(ctx context.Context, userID string, page, perPage int) ([]model.Attempt, int64, error) {
	attempts, total, err := s.attemptRepo.ListByUser(ctx, userID, page, perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("list attempts: %w", err)
	}
	return attempts, total, nil
}

// Get returns one attempt owned by userID.
func (s *HistoryService) Get(ctx context.Context, userID string, attemptID uuid.UUID) (*AttemptHistory, error) {
	a, err := s.attemptRepo.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if a.UserID != userID {
		return nil, ErrAttemptNotFound
	}

	answers, err := s.attemptRepo.ListAnswers(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	if answers == nil {
		answers = []model.AnswerRecord{}
	}
	return &AttemptHistory{Attempt: *a, Answers: answers}, nil
}

// Result fetches a scored result from the backend on behalf of the token holder.
func (s *HistoryService) Result(ctx context.Context, token, resultID string) (json.RawMessage, error) {
	raw, err := s.backend.GetResult(ctx, token, resultID)
	if err != nil {
		if backend.IsNotFound(err) {
			return nil, ErrResultNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return raw, nil
}
