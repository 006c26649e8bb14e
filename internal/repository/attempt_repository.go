package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-session/internal/model"
)

// AttemptRepository reads the attempts ledger written by the workers.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

const attemptColumns = `id, user_id, test_id, status, started_at, ended_at, forced,
	answered_count, marked_count, result_id, score, last_error, updated_at`

func scanAttempt(row interface{ Scan(dest ...any) error }, a *model.Attempt) error {
	return row.Scan(
		&a.ID, &a.UserID, &a.TestID, &a.Status, &a.StartedAt, &a.EndedAt, &a.Forced,
		&a.AnsweredCount, &a.MarkedCount, &a.ResultID, &a.Score, &a.LastError, &a.UpdatedAt,
	)
}

// GetByID retrieves one ledger row. Returns pgx.ErrNoRows when absent.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id), a)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListByUser retrieves a page of a user's attempts, newest first, with the total count.
func (r *AttemptRepository) ListByUser(ctx context.Context, userID string, page, perPage int) ([]model.Attempt, int64, error) {
	offset := (page - 1) * perPage

	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attempts WHERE user_id = $1`, userID,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+`
		 FROM attempts
		 WHERE user_id = $1
		 ORDER BY started_at DESC
		 LIMIT $2 OFFSET $3`, userID, perPage, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	attempts := make([]model.Attempt, 0, perPage)
	for rows.Next() {
		var a model.Attempt
		if err := scanAttempt(rows, &a); err != nil {
			return nil, 0, err
		}
		attempts = append(attempts, a)
	}
	return attempts, total, rows.Err()
}

// ListAnswers retrieves the journaled answers of an attempt.
func (r *AttemptRepository) ListAnswers(ctx context.Context, attemptID uuid.UUID) ([]model.AnswerRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, value, time_spent_seconds, answered_at
		 FROM attempt_answers
		 WHERE attempt_id = $1
		 ORDER BY answered_at ASC`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var answers []model.AnswerRecord
	for rows.Next() {
		var rec model.AnswerRecord
		if err := rows.Scan(&rec.QuestionID, &rec.Value, &rec.TimeSpentSeconds, &rec.AnsweredAt); err != nil {
			return nil, err
		}
		answers = append(answers, rec)
	}
	return answers, rows.Err()
}
