package model

import "encoding/json"

// QuestionKind enumerates the supported question types.
type QuestionKind string

const (
	QuestionKindMultipleChoice QuestionKind = "MULTIPLE_CHOICE"
	QuestionKindNumerical      QuestionKind = "NUMERICAL"
	QuestionKindTrueFalse      QuestionKind = "TRUE_FALSE"
)

// Option is a single choice of a multiple choice question.
type Option struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// Question is one item of a test. Prompt and option content are opaque markup.
type Question struct {
	ID      string       `json:"id"`
	Kind    QuestionKind `json:"kind"`
	Prompt  string       `json:"prompt"`
	Options []Option     `json:"options,omitempty"`
	// CorrectAnswer is only carried for the scoring backend and never read here.
	CorrectAnswer json.RawMessage `json:"correct_answer,omitempty"`
}

// TestDefinition is a fully loaded test as supplied by the backend.
type TestDefinition struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	TimeAllottedSeconds int        `json:"time_allotted_seconds"`
	Questions           []Question `json:"questions"`
}

// QuestionForTaker is a question without the reference answer.
type QuestionForTaker struct {
	ID      string       `json:"id"`
	Kind    QuestionKind `json:"kind"`
	Prompt  string       `json:"prompt"`
	Options []Option     `json:"options,omitempty"`
	Number  int          `json:"number"`
}

// TestPaper is the test as shown to the person taking it.
type TestPaper struct {
	TestID              string             `json:"test_id"`
	Name                string             `json:"name"`
	TimeAllottedSeconds int                `json:"time_allotted_seconds"`
	Questions           []QuestionForTaker `json:"questions"`
}

// Paper strips reference answers from the definition.
func (d *TestDefinition) Paper() TestPaper {
	qs := make([]QuestionForTaker, len(d.Questions))
	for i, q := range d.Questions {
		qs[i] = QuestionForTaker{
			ID:      q.ID,
			Kind:    q.Kind,
			Prompt:  q.Prompt,
			Options: q.Options,
			Number:  i + 1,
		}
	}
	return TestPaper{
		TestID:              d.ID,
		Name:                d.Name,
		TimeAllottedSeconds: d.TimeAllottedSeconds,
		Questions:           qs,
	}
}
