package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates the states of a test attempt.
type AttemptStatus string

const (
	AttemptStatusNotStarted AttemptStatus = "NOT_STARTED"
	AttemptStatusInProgress AttemptStatus = "IN_PROGRESS"
	AttemptStatusSubmitting AttemptStatus = "SUBMITTING"
	AttemptStatusSubmitted  AttemptStatus = "SUBMITTED"
)

// QuestionStatus is the palette state of one question.
type QuestionStatus string

const (
	QuestionStatusUnanswered     QuestionStatus = "UNANSWERED"
	QuestionStatusAnswered       QuestionStatus = "ANSWERED"
	QuestionStatusMarked         QuestionStatus = "MARKED"
	QuestionStatusAnsweredMarked QuestionStatus = "ANSWERED_MARKED"
)

// AnswerRecord is the captured value and timing for one question.
type AnswerRecord struct {
	QuestionID       string    `json:"question_id"`
	Value            string    `json:"value"`
	TimeSpentSeconds int       `json:"time_spent_seconds"`
	AnsweredAt       time.Time `json:"answered_at"`
}

// AttemptStats summarises an attempt the way the analysis pages count it.
type AttemptStats struct {
	Total       int `json:"total"`
	Attempted   int `json:"attempted"`
	Unattempted int `json:"unattempted"`
	Marked      int `json:"marked"`
}

// SessionState is a point-in-time copy of a controller's state.
type SessionState struct {
	TestID           string                    `json:"test_id"`
	Status           AttemptStatus             `json:"status"`
	RemainingSeconds int                       `json:"remaining_seconds"`
	CurrentIndex     int                       `json:"current_index"`
	Answers          map[string]AnswerRecord   `json:"answers"`
	ReviewMarks      []string                  `json:"review_marks"`
	Palette          map[string]QuestionStatus `json:"palette"`
	Stats            AttemptStats              `json:"stats"`
	StartedAt        time.Time                 `json:"started_at"`
	Forced           bool                      `json:"forced"`
	AtRisk           bool                      `json:"at_risk"`
	LastError        string                    `json:"last_error,omitempty"`
	Result           *SubmissionResult         `json:"result,omitempty"`
	// Seq increases with every emitted transition.
	Seq uint64 `json:"seq"`
}

// AttemptSnapshot is what gets persisted to resume an attempt after a reload.
type AttemptSnapshot struct {
	AttemptID    uuid.UUID               `json:"attempt_id"`
	UserID       string                  `json:"user_id"`
	TestID       string                  `json:"test_id"`
	StartedAt    time.Time               `json:"started_at"`
	LastAnswerAt time.Time               `json:"last_answer_at"`
	CurrentIndex int                     `json:"current_index"`
	Answers      map[string]AnswerRecord `json:"answers"`
	ReviewMarks  []string                `json:"review_marks"`
	Forced       bool                    `json:"forced"`
	Seq          uint64                  `json:"seq"`
}

// AttemptView is returned to the client when an attempt is started or resumed.
type AttemptView struct {
	AttemptID uuid.UUID    `json:"attempt_id"`
	Resumed   bool         `json:"resumed"`
	Paper     TestPaper    `json:"paper"`
	State     SessionState `json:"state"`
}

// RecordAnswerRequest is the payload for answering a question.
type RecordAnswerRequest struct {
	Value string `json:"value" binding:"max=500"`
}

// NavigateRequest is the payload for moving the question cursor.
type NavigateRequest struct {
	Index *int `json:"index" binding:"required"`
}

// TestURI identifies the test an attempt is started for.
type TestURI struct {
	TestID string `uri:"test_id" binding:"required,extid"`
}

// QuestionURI identifies a question inside an attempt.
type QuestionURI struct {
	AttemptID  string `uri:"attempt_id" binding:"required,uuid"`
	QuestionID string `uri:"question_id" binding:"required,extid"`
}

// ResultURI identifies a scored result held by the backend.
type ResultURI struct {
	ResultID string `uri:"result_id" binding:"required,extid"`
}
