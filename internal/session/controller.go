// Package session owns the in-memory state of one attempt at a test:
// countdown, question cursor, answers, review marks and the single
// hand-off of the finished attempt to the results backend.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stemsi/exstem-session/internal/model"
)

// Submitter hands a finished attempt to the results backend.
type Submitter interface {
	SubmitTest(ctx context.Context, payload *model.SubmissionPayload) (*model.SubmissionResult, error)
}

// TimingMode selects how AnswerRecord.TimeSpentSeconds is measured.
type TimingMode string

const (
	// TimingCumulative measures from the start of the attempt.
	TimingCumulative TimingMode = "cumulative"
	// TimingDelta measures from the previous answer event.
	TimingDelta TimingMode = "delta"
)

// EventType names a controller transition.
type EventType string

const (
	EventTick          EventType = "tick"
	EventAnswered      EventType = "answered"
	EventReviewToggled EventType = "review_toggled"
	EventNavigated     EventType = "navigated"
	EventSubmitting    EventType = "submitting"
	EventSubmitted     EventType = "submitted"
	EventSubmitFailed  EventType = "submit_failed"
)

// Event is delivered to the listener after every transition. Concurrent
// transitions may reach the listener out of order; State.Seq orders them.
type Event struct {
	Type       EventType
	QuestionID string
	State      model.SessionState
	Err        error
}

// Options tunes a controller. The zero value is usable.
type Options struct {
	// TickInterval drives Tick from an internal ticker. Zero leaves
	// ticking to the caller.
	TickInterval time.Duration
	Timing       TimingMode
	// AutoSubmitRetries is the number of extra tries for a submission
	// forced by the timer. Manual submissions are tried once.
	AutoSubmitRetries int
	AutoSubmitBackoff time.Duration
	Now               func() time.Time
	// Listener runs outside the controller lock.
	Listener func(Event)
}

// Controller is the state machine of one attempt. It is safe for
// concurrent use; every transition runs under one mutex.
type Controller struct {
	mu sync.Mutex

	ctx       context.Context
	def       *model.TestDefinition
	questions map[string]*model.Question
	submitter Submitter
	opts      Options

	status       model.AttemptStatus
	remaining    int
	current      int
	answers      map[string]model.AnswerRecord
	marks        map[string]struct{}
	startedAt    time.Time
	lastAnswerAt time.Time

	expired bool
	forced  bool
	atRisk  bool
	lastErr error
	result  *model.SubmissionResult
	closed  bool

	// seq numbers emitted states so consumers can discard stale ones.
	seq uint64

	ticker *Ticker
	gen    int
}

// Start validates def and begins a new attempt.
func Start(ctx context.Context, def *model.TestDefinition, submitter Submitter, opts Options) (*Controller, error) {
	c, err := newController(ctx, def, submitter, opts)
	if err != nil {
		return nil, err
	}

	now := c.opts.Now()
	c.startedAt = now
	c.lastAnswerAt = now
	c.remaining = def.TimeAllottedSeconds

	c.begin()
	return c, nil
}

// Restore resumes an attempt from a snapshot. The remaining time is
// derived from the original start so a reload does not extend the attempt.
func Restore(ctx context.Context, def *model.TestDefinition, submitter Submitter, snap *model.AttemptSnapshot, opts Options) (*Controller, error) {
	c, err := newController(ctx, def, submitter, opts)
	if err != nil {
		return nil, err
	}
	if snap == nil || snap.TestID != def.ID {
		return nil, fmt.Errorf("%w: snapshot does not belong to test %s", ErrInvalidDefinition, def.ID)
	}

	c.startedAt = snap.StartedAt
	c.lastAnswerAt = snap.LastAnswerAt
	if c.lastAnswerAt.IsZero() {
		c.lastAnswerAt = snap.StartedAt
	}

	elapsed := int(c.opts.Now().Sub(snap.StartedAt) / time.Second)
	c.remaining = def.TimeAllottedSeconds - elapsed
	if c.remaining < 0 {
		c.remaining = 0
	}
	c.current = c.clamp(snap.CurrentIndex)
	c.seq = snap.Seq

	for id, rec := range snap.Answers {
		if _, ok := c.questions[id]; ok {
			c.answers[id] = rec
		}
	}
	for _, id := range snap.ReviewMarks {
		if _, ok := c.questions[id]; ok {
			c.marks[id] = struct{}{}
		}
	}

	// A forced submission that already failed is not retried by the timer.
	c.expired = snap.Forced
	c.forced = snap.Forced
	c.atRisk = snap.Forced && c.remaining == 0

	c.begin()
	return c, nil
}

func newController(ctx context.Context, def *model.TestDefinition, submitter Submitter, opts Options) (*Controller, error) {
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	if submitter == nil {
		return nil, errors.New("session: nil submitter")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Timing == "" {
		opts.Timing = TimingCumulative
	}
	if ctx == nil {
		ctx = context.Background()
	}

	questions := make(map[string]*model.Question, len(def.Questions))
	for i := range def.Questions {
		questions[def.Questions[i].ID] = &def.Questions[i]
	}

	return &Controller{
		ctx:       ctx,
		def:       def,
		questions: questions,
		submitter: submitter,
		opts:      opts,
		status:    model.AttemptStatusNotStarted,
		answers:   make(map[string]model.AnswerRecord),
		marks:     make(map[string]struct{}),
	}, nil
}

// ValidateDefinition reports whether def can back an attempt.
func ValidateDefinition(def *model.TestDefinition) error {
	if def == nil {
		return fmt.Errorf("%w: missing definition", ErrInvalidDefinition)
	}
	if len(def.Questions) == 0 {
		return fmt.Errorf("%w: test %s has no questions", ErrInvalidDefinition, def.ID)
	}
	if def.TimeAllottedSeconds <= 0 {
		return fmt.Errorf("%w: time allotted must be positive, got %d", ErrInvalidDefinition, def.TimeAllottedSeconds)
	}

	seen := make(map[string]struct{}, len(def.Questions))
	for i, q := range def.Questions {
		if q.ID == "" {
			return fmt.Errorf("%w: question %d has no id", ErrInvalidDefinition, i+1)
		}
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("%w: duplicate question id %s", ErrInvalidDefinition, q.ID)
		}
		seen[q.ID] = struct{}{}

		switch q.Kind {
		case model.QuestionKindMultipleChoice:
			if len(q.Options) == 0 {
				return fmt.Errorf("%w: multiple choice question %s has no options", ErrInvalidDefinition, q.ID)
			}
		case model.QuestionKindNumerical, model.QuestionKindTrueFalse:
		default:
			return fmt.Errorf("%w: question %s has unknown kind %q", ErrInvalidDefinition, q.ID, q.Kind)
		}
	}
	return nil
}

func (c *Controller) begin() {
	c.status = model.AttemptStatusInProgress
	if c.remaining == 0 && c.expired {
		return
	}
	c.startTickerLocked()
}

// ────────────────────────────────────────────────────────────────────────────
// Operations
// ────────────────────────────────────────────────────────────────────────────

// RecordAnswer inserts or overwrites the answer for questionID.
// An empty value is stored but does not count as attempted.
func (c *Controller) RecordAnswer(questionID, value string) (model.AnswerRecord, error) {
	c.mu.Lock()
	if err := c.mutableLocked(); err != nil {
		c.mu.Unlock()
		return model.AnswerRecord{}, err
	}

	q, ok := c.questions[questionID]
	if !ok {
		c.mu.Unlock()
		return model.AnswerRecord{}, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	if err := validateValue(q, value); err != nil {
		c.mu.Unlock()
		return model.AnswerRecord{}, err
	}

	now := c.opts.Now()
	since := c.startedAt
	if c.opts.Timing == TimingDelta {
		since = c.lastAnswerAt
	}

	rec := model.AnswerRecord{
		QuestionID:       questionID,
		Value:            value,
		TimeSpentSeconds: wholeSeconds(now.Sub(since)),
		AnsweredAt:       now,
	}
	c.answers[questionID] = rec
	c.lastAnswerAt = now

	c.seq++
	st := c.stateLocked()
	c.mu.Unlock()

	c.emit(Event{Type: EventAnswered, QuestionID: questionID, State: st})
	return rec, nil
}

// ToggleReview flips the review mark of questionID and returns the new membership.
func (c *Controller) ToggleReview(questionID string) (bool, error) {
	c.mu.Lock()
	if err := c.mutableLocked(); err != nil {
		c.mu.Unlock()
		return false, err
	}
	if _, ok := c.questions[questionID]; !ok {
		c.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}

	_, marked := c.marks[questionID]
	if marked {
		delete(c.marks, questionID)
	} else {
		c.marks[questionID] = struct{}{}
	}

	c.seq++
	st := c.stateLocked()
	c.mu.Unlock()

	c.emit(Event{Type: EventReviewToggled, QuestionID: questionID, State: st})
	return !marked, nil
}

// GoTo moves the cursor. Out of range indexes are clamped, not rejected.
func (c *Controller) GoTo(index int) (int, error) {
	return c.move(func(int) int { return index })
}

// Next moves the cursor forward, stopping at the last question.
func (c *Controller) Next() (int, error) {
	return c.move(func(cur int) int { return cur + 1 })
}

// Prev moves the cursor back, stopping at the first question.
func (c *Controller) Prev() (int, error) {
	return c.move(func(cur int) int { return cur - 1 })
}

func (c *Controller) move(target func(cur int) int) (int, error) {
	c.mu.Lock()
	if err := c.mutableLocked(); err != nil {
		c.mu.Unlock()
		return c.current, err
	}

	c.current = c.clamp(target(c.current))
	idx := c.current

	c.seq++
	st := c.stateLocked()
	c.mu.Unlock()

	c.emit(Event{Type: EventNavigated, QuestionID: c.def.Questions[idx].ID, State: st})
	return idx, nil
}

// Tick advances the countdown by one second. When the countdown reaches
// zero the attempt is submitted exactly once; a manual submission that is
// already in flight takes precedence.
func (c *Controller) Tick(ctx context.Context) (model.SessionState, error) {
	return c.tick(ctx, -1)
}

func (c *Controller) tick(ctx context.Context, gen int) (model.SessionState, error) {
	c.mu.Lock()
	if c.closed {
		st := c.stateLocked()
		c.mu.Unlock()
		return st, ErrClosed
	}
	// Ticks from a ticker that has since been replaced are dropped.
	if c.status != model.AttemptStatusInProgress || (gen >= 0 && gen != c.gen) {
		st := c.stateLocked()
		c.mu.Unlock()
		return st, nil
	}

	if c.remaining > 0 {
		c.remaining--
	}
	if c.remaining > 0 || c.expired {
		c.seq++
		st := c.stateLocked()
		c.mu.Unlock()
		c.emit(Event{Type: EventTick, State: st})
		return st, nil
	}

	c.expired = true
	c.mu.Unlock()

	if _, err := c.submit(ctx, true); err != nil && !errors.Is(err, ErrDoubleSubmission) {
		return c.State(), err
	}
	return c.State(), nil
}

// Submit hands the attempt to the submitter. Only one submission can be in
// flight; a second call gets ErrDoubleSubmission. On failure the attempt goes
// back to in progress with answers and remaining time intact.
func (c *Controller) Submit(ctx context.Context) (*model.SubmissionResult, error) {
	return c.submit(ctx, false)
}

func (c *Controller) submit(ctx context.Context, forced bool) (*model.SubmissionResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	switch c.status {
	case model.AttemptStatusInProgress:
	case model.AttemptStatusSubmitting, model.AttemptStatusSubmitted:
		c.mu.Unlock()
		return nil, ErrDoubleSubmission
	default:
		c.mu.Unlock()
		return nil, ErrNotInProgress
	}

	c.status = model.AttemptStatusSubmitting
	c.forced = c.forced || forced
	c.stopTickerLocked()
	payload := c.payloadLocked(c.opts.Now())
	c.seq++
	st := c.stateLocked()
	c.mu.Unlock()

	c.emit(Event{Type: EventSubmitting, State: st})

	tries := 1
	if forced {
		tries += c.opts.AutoSubmitRetries
	}

	var (
		res *model.SubmissionResult
		err error
	)
retry:
	for i := 0; i < tries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				break retry
			case <-time.After(c.opts.AutoSubmitBackoff):
			}
		}
		res, err = c.submitter.SubmitTest(ctx, payload)
		if err == nil {
			break
		}
	}

	c.mu.Lock()
	if err != nil {
		c.status = model.AttemptStatusInProgress
		c.lastErr = err
		c.atRisk = c.remaining == 0
		if c.remaining > 0 && !c.closed {
			c.startTickerLocked()
		}
		c.seq++
		st = c.stateLocked()
		c.mu.Unlock()

		c.emit(Event{Type: EventSubmitFailed, State: st, Err: err})
		return nil, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	if res == nil {
		res = &model.SubmissionResult{}
	}
	c.status = model.AttemptStatusSubmitted
	c.result = res
	c.lastErr = nil
	c.atRisk = false
	c.seq++
	st = c.stateLocked()
	c.mu.Unlock()

	c.emit(Event{Type: EventSubmitted, State: st})
	return res, nil
}

// Stop tears the attempt down: the ticker is cancelled and every later
// operation fails with ErrClosed. Stop is idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopTickerLocked()
}

// ────────────────────────────────────────────────────────────────────────────
// Read side
// ────────────────────────────────────────────────────────────────────────────

// State returns a copy of the current state.
func (c *Controller) State() model.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Definition returns the test the attempt runs against.
func (c *Controller) Definition() *model.TestDefinition {
	return c.def
}

// Snapshot returns the resumable part of the state. The caller fills in
// the attempt and user identifiers.
func (c *Controller) Snapshot() model.AttemptSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	answers := make(map[string]model.AnswerRecord, len(c.answers))
	for id, rec := range c.answers {
		answers[id] = rec
	}
	return model.AttemptSnapshot{
		TestID:       c.def.ID,
		StartedAt:    c.startedAt,
		LastAnswerAt: c.lastAnswerAt,
		CurrentIndex: c.current,
		Answers:      answers,
		ReviewMarks:  c.marksLocked(),
		Forced:       c.forced,
		Seq:          c.seq,
	}
}

// Payload builds the submission payload without submitting.
func (c *Controller) Payload() *model.SubmissionPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payloadLocked(c.opts.Now())
}

// ────────────────────────────────────────────────────────────────────────────
// Internal helpers (c.mu held)
// ────────────────────────────────────────────────────────────────────────────

func (c *Controller) mutableLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.status != model.AttemptStatusInProgress {
		return ErrNotInProgress
	}
	return nil
}

func (c *Controller) startTickerLocked() {
	if c.opts.TickInterval <= 0 {
		return
	}
	c.stopTickerLocked()
	c.gen++
	gen := c.gen
	c.ticker = NewTicker(c.ctx, c.opts.TickInterval, func() {
		_, _ = c.tick(c.ctx, gen)
	})
}

func (c *Controller) stopTickerLocked() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}

func (c *Controller) clamp(i int) int {
	if i < 0 {
		return 0
	}
	if last := len(c.def.Questions) - 1; i > last {
		return last
	}
	return i
}

func (c *Controller) payloadLocked(endedAt time.Time) *model.SubmissionPayload {
	responses := make([]model.Response, 0, len(c.answers))
	for _, q := range c.def.Questions {
		rec, ok := c.answers[q.ID]
		if !ok {
			continue
		}
		responses = append(responses, model.Response{
			QuestionID:       rec.QuestionID,
			UserAnswer:       rec.Value,
			TimeSpentSeconds: rec.TimeSpentSeconds,
		})
	}
	return &model.SubmissionPayload{
		TestID:    c.def.ID,
		StartedAt: c.startedAt,
		EndedAt:   endedAt,
		Responses: responses,
	}
}

// marksLocked lists review marks in question order.
func (c *Controller) marksLocked() []string {
	marks := make([]string, 0, len(c.marks))
	for _, q := range c.def.Questions {
		if _, ok := c.marks[q.ID]; ok {
			marks = append(marks, q.ID)
		}
	}
	return marks
}

func (c *Controller) stateLocked() model.SessionState {
	answers := make(map[string]model.AnswerRecord, len(c.answers))
	palette := make(map[string]model.QuestionStatus, len(c.def.Questions))
	stats := model.AttemptStats{Total: len(c.def.Questions), Marked: len(c.marks)}

	for _, q := range c.def.Questions {
		rec, answered := c.answers[q.ID]
		if answered {
			answers[q.ID] = rec
		}
		attempted := answered && strings.TrimSpace(rec.Value) != ""
		if attempted {
			stats.Attempted++
		}

		_, marked := c.marks[q.ID]
		switch {
		case attempted && marked:
			palette[q.ID] = model.QuestionStatusAnsweredMarked
		case attempted:
			palette[q.ID] = model.QuestionStatusAnswered
		case marked:
			palette[q.ID] = model.QuestionStatusMarked
		default:
			palette[q.ID] = model.QuestionStatusUnanswered
		}
	}
	stats.Unattempted = stats.Total - stats.Attempted

	st := model.SessionState{
		TestID:           c.def.ID,
		Status:           c.status,
		RemainingSeconds: c.remaining,
		CurrentIndex:     c.current,
		Answers:          answers,
		ReviewMarks:      c.marksLocked(),
		Palette:          palette,
		Stats:            stats,
		StartedAt:        c.startedAt,
		Forced:           c.forced,
		AtRisk:           c.atRisk,
		Seq:              c.seq,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if c.result != nil {
		res := *c.result
		st.Result = &res
	}
	return st
}

func (c *Controller) emit(ev Event) {
	if c.opts.Listener != nil {
		c.opts.Listener(ev)
	}
}

func validateValue(q *model.Question, value string) error {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil
	}

	switch q.Kind {
	case model.QuestionKindMultipleChoice:
		for _, opt := range q.Options {
			if opt.ID == v {
				return nil
			}
		}
		return fmt.Errorf("%w: %q is not an option of question %s", ErrInvalidAnswer, value, q.ID)
	case model.QuestionKindNumerical:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("%w: %q is not a number", ErrInvalidAnswer, value)
		}
	case model.QuestionKindTrueFalse:
		if _, err := strconv.ParseBool(v); err != nil {
			return fmt.Errorf("%w: %q is not true or false", ErrInvalidAnswer, value)
		}
	}
	return nil
}

func wholeSeconds(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}
