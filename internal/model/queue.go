package model

import "time"

// AnswerJournalEntry is queued for every recorded answer.
type AnswerJournalEntry struct {
	AttemptID        string    `json:"attempt_id"`
	UserID           string    `json:"user_id"`
	TestID           string    `json:"test_id"`
	QuestionID       string    `json:"question_id"`
	Value            string    `json:"value"`
	TimeSpentSeconds int       `json:"time_spent_seconds"`
	AnsweredAt       time.Time `json:"answered_at"`
}

// AttemptOutcome is queued when a submission succeeds or fails.
type AttemptOutcome struct {
	AttemptID     string        `json:"attempt_id"`
	UserID        string        `json:"user_id"`
	TestID        string        `json:"test_id"`
	Status        OutcomeStatus `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
	Forced        bool          `json:"forced"`
	AnsweredCount int           `json:"answered_count"`
	MarkedCount   int           `json:"marked_count"`
	ResultID      string        `json:"result_id,omitempty"`
	Score         float64       `json:"score"`
	LastError     string        `json:"last_error,omitempty"`
}

// AttemptEvent is published on an attempt's event channel and relayed to
// WebSocket subscribers.
type AttemptEvent struct {
	Type       string       `json:"type"`
	AttemptID  string       `json:"attempt_id"`
	QuestionID string       `json:"question_id,omitempty"`
	State      SessionState `json:"state"`
	Error      string       `json:"error,omitempty"`
}
