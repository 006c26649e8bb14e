// Package backend talks to the exam-preparation REST API that owns tests,
// scoring and results.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/session"
)

const maxErrorBody = 4 << 10

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend responded %d", e.StatusCode)
	}
	return fmt.Sprintf("backend responded %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is a thin JSON client for the backend API.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a Client. baseURL has no trailing slash, e.g. http://localhost:5001/api.
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "backend_client").Logger(),
	}
}

// ─── Wire formats ───────────────────────────────────────────────────

type optionDTO struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type questionDTO struct {
	ID            string          `json:"_id"`
	AltID         string          `json:"id"`
	Type          string          `json:"type"`
	Content       string          `json:"content"`
	Options       []optionDTO     `json:"options"`
	CorrectAnswer json.RawMessage `json:"correctAnswer"`
}

type testDTO struct {
	ID                  string        `json:"_id"`
	AltID               string        `json:"id"`
	Name                string        `json:"name"`
	TimeAllottedSeconds int           `json:"timeAllottedSeconds"`
	DurationMinutes     int           `json:"duration"`
	Questions           []questionDTO `json:"questions"`
}

type resultDTO struct {
	ID         string  `json:"_id"`
	ResultID   string  `json:"resultId"`
	Score      float64 `json:"score"`
	TotalMarks float64 `json:"totalMarks"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type errorDTO struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// ─── Endpoints ──────────────────────────────────────────────────────

// FetchTest loads a test by id. Durations given in minutes are converted
// to seconds.
func (c *Client) FetchTest(ctx context.Context, token, testID string) (*model.TestDefinition, error) {
	body, err := c.do(ctx, http.MethodGet, "/tests/"+url.PathEscape(testID), token, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch test %s: %w", testID, err)
	}

	var dto testDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return nil, fmt.Errorf("decode test %s: %w", testID, err)
	}
	return dto.toModel(testID), nil
}

// SubmitTest posts a finished attempt. Any 2xx counts as success; the body
// is decoded when it looks like a result and ignored otherwise.
func (c *Client) SubmitTest(ctx context.Context, token string, payload *model.SubmissionPayload) (*model.SubmissionResult, error) {
	body, err := c.do(ctx, http.MethodPost, "/results/submit", token, payload)
	if err != nil {
		return nil, fmt.Errorf("submit test %s: %w", payload.TestID, err)
	}

	res := &model.SubmissionResult{}
	var dto resultDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		c.log.Debug().Err(err).Str("test_id", payload.TestID).Msg("Submission acknowledged with non-JSON body")
		return res, nil
	}

	res.ResultID = dto.ResultID
	if res.ResultID == "" {
		res.ResultID = dto.ID
	}
	res.Score = dto.Score
	res.TotalMarks = dto.TotalMarks
	return res, nil
}

// GetResult returns a persisted result as the backend renders it.
func (c *Client) GetResult(ctx context.Context, token, resultID string) (json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodGet, "/results/"+url.PathEscape(resultID), token, nil)
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", resultID, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("get result %s: response is not JSON", resultID)
	}
	return json.RawMessage(body), nil
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/auth/login", "", loginRequest{Email: email, Password: password})
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}

	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if resp.Token == "" {
		return "", errors.New("login: response carries no token")
	}
	return resp.Token, nil
}

// ForToken binds the client to one user's token so it can back a controller.
func (c *Client) ForToken(token string) session.Submitter {
	return &tokenSubmitter{client: c, token: token}
}

type tokenSubmitter struct {
	client *Client
	token  string
}

func (s *tokenSubmitter) SubmitTest(ctx context.Context, payload *model.SubmissionPayload) (*model.SubmissionResult, error) {
	return s.client.SubmitTest(ctx, s.token, payload)
}

// ─── Internal ───────────────────────────────────────────────────────

func (c *Client) do(ctx context.Context, method, path, token string, in any) ([]byte, error) {
	var reqBody io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("method", method).Str("path", path).Msg("Backend request failed")
		return nil, err
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Backend request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

func errorMessage(raw []byte) string {
	var dto errorDTO
	if err := json.Unmarshal(raw, &dto); err == nil {
		if dto.Message != "" {
			return dto.Message
		}
		if dto.Error != "" {
			return dto.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

func (d *testDTO) toModel(requestedID string) *model.TestDefinition {
	def := &model.TestDefinition{
		ID:                  firstNonEmpty(d.ID, d.AltID, requestedID),
		Name:                d.Name,
		TimeAllottedSeconds: d.TimeAllottedSeconds,
		Questions:           make([]model.Question, 0, len(d.Questions)),
	}
	if def.TimeAllottedSeconds == 0 {
		def.TimeAllottedSeconds = d.DurationMinutes * 60
	}

	for _, q := range d.Questions {
		mq := model.Question{
			ID:            firstNonEmpty(q.ID, q.AltID),
			Kind:          normalizeKind(q.Type),
			Prompt:        q.Content,
			CorrectAnswer: q.CorrectAnswer,
		}
		if mq.Kind == model.QuestionKindMultipleChoice {
			mq.Options = make([]model.Option, len(q.Options))
			for i, o := range q.Options {
				mq.Options[i] = model.Option{ID: o.ID, Content: o.Content}
			}
		}
		def.Questions = append(def.Questions, mq)
	}
	return def
}

func normalizeKind(raw string) model.QuestionKind {
	k := strings.ToUpper(strings.NewReplacer("_", "", "-", "", " ", "", "/", "").Replace(raw))
	switch k {
	case "MCQ", "MULTIPLECHOICE":
		return model.QuestionKindMultipleChoice
	case "NUMERICAL", "NUMERIC", "INTEGER":
		return model.QuestionKindNumerical
	case "TRUEFALSE", "TF", "BOOLEAN":
		return model.QuestionKindTrueFalse
	default:
		return model.QuestionKind(raw)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
