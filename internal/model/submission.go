package model

import (
	"time"

	"github.com/google/uuid"
)

// Response is one answered question inside a submission.
type Response struct {
	QuestionID       string `json:"questionId"`
	UserAnswer       string `json:"userAnswer"`
	TimeSpentSeconds int    `json:"timeSpent"`
}

// SubmissionPayload is handed to the backend's submit endpoint.
// Unanswered questions are absent from Responses.
type SubmissionPayload struct {
	TestID    string     `json:"testId"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   time.Time  `json:"endedAt"`
	Responses []Response `json:"responses"`
}

// SubmissionResult is the backend acknowledgement of a submission.
type SubmissionResult struct {
	ResultID   string  `json:"result_id"`
	Score      float64 `json:"score"`
	TotalMarks float64 `json:"total_marks"`
}

// OutcomeStatus is the ledger state of a finished attempt.
type OutcomeStatus string

const (
	OutcomeSubmitted OutcomeStatus = "SUBMITTED"
	OutcomeFailed    OutcomeStatus = "FAILED"
)

// Attempt is a ledger row describing one attempt's outcome.
type Attempt struct {
	ID            uuid.UUID     `json:"id"`
	UserID        string        `json:"user_id"`
	TestID        string        `json:"test_id"`
	Status        OutcomeStatus `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	Forced        bool          `json:"forced"`
	AnsweredCount int           `json:"answered_count"`
	MarkedCount   int           `json:"marked_count"`
	ResultID      *string       `json:"result_id,omitempty"`
	Score         *float64      `json:"score,omitempty"`
	LastError     *string       `json:"last_error,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
