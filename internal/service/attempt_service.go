package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/backend"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/messaging"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/session"
)

// Attempt service errors.
var (
	ErrAttemptNotFound    = errors.New("attempt not found")
	ErrTestNotFound       = errors.New("test not found")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

const (
	// finishedRetention keeps a submitted attempt readable for a while
	// before it is dropped from memory.
	finishedRetention = 10 * time.Minute
	sideEffectTimeout = 3 * time.Second
)

type attempt struct {
	id     uuid.UUID
	userID string
	testID string
	ctrl   *session.Controller

	mu        sync.Mutex
	token     string
	reapArmed bool

	snapMu   sync.Mutex
	savedSeq uint64
}

func (a *attempt) setToken(token string) {
	if token == "" {
		return
	}
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

func (a *attempt) currentToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

// attemptSubmitter submits with the latest token seen for the attempt, so a
// token renewed during a long sitting is the one the backend receives.
type attemptSubmitter struct {
	client *backend.Client
	a      *attempt
}

func (s *attemptSubmitter) SubmitTest(ctx context.Context, payload *model.SubmissionPayload) (*model.SubmissionResult, error) {
	return s.client.SubmitTest(ctx, s.a.currentToken(), payload)
}

// AttemptService owns the live attempt controllers of this process. Every
// attempt gets its own controller and ticker.
type AttemptService struct {
	cfg       *config.Config
	backend   *backend.Client
	rdb       *redis.Client
	publisher messaging.Publisher
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// retention is how long a finished or stranded attempt stays in memory.
	retention time.Duration

	mu     sync.RWMutex
	byID   map[uuid.UUID]*attempt
	active map[string]*attempt // user|test -> attempt not yet submitted
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(
	cfg *config.Config,
	backendClient *backend.Client,
	rdb *redis.Client,
	publisher messaging.Publisher,
	log zerolog.Logger,
) *AttemptService {
	if publisher == nil {
		publisher = messaging.NoopPublisher{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AttemptService{
		cfg:       cfg,
		backend:   backendClient,
		rdb:       rdb,
		publisher: publisher,
		log:       log.With().Str("component", "attempt_service").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		retention: finishedRetention,
		byID:      make(map[uuid.UUID]*attempt),
		active:    make(map[string]*attempt),
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────

// Start opens an attempt for userID at testID. A call for a test the user is
// already taking returns that attempt; an attempt interrupted by a restart is
// restored from its snapshot with the clock still counting from the original
// start.
func (s *AttemptService) Start(ctx context.Context, userID, token, testID string) (*model.AttemptView, error) {
	if a := s.activeFor(userID, testID); a != nil {
		a.setToken(token)
		return s.view(a, true), nil
	}

	a, resumed, err := s.open(ctx, userID, token, testID)
	if err != nil {
		return nil, err
	}

	if existing := s.register(a); existing != a {
		// Lost a race with a concurrent Start for the same test.
		a.ctrl.Stop()
		existing.setToken(token)
		return s.view(existing, true), nil
	}

	pointerKey := config.CacheKey.UserActiveAttemptKey(userID, testID)
	if err := s.rdb.Set(ctx, pointerKey, a.id.String(), s.cfg.SnapshotTTL).Err(); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.id.String()).Msg("Failed to store active attempt pointer")
	}
	s.saveSnapshot(ctx, a, a.ctrl.Snapshot())

	s.log.Info().
		Str("attempt_id", a.id.String()).
		Str("user_id", userID).
		Str("test_id", testID).
		Bool("resumed", resumed).
		Msg("Attempt started")

	return s.view(a, resumed), nil
}

func (s *AttemptService) open(ctx context.Context, userID, token, testID string) (*attempt, bool, error) {
	if snap := s.resumableSnapshot(ctx, userID, testID); snap != nil {
		def, err := s.definition(ctx, token, testID)
		if err != nil {
			return nil, false, err
		}

		a := &attempt{id: snap.AttemptID, userID: userID, testID: testID, token: token}
		ctrl, err := session.Restore(s.ctx, def, s.submitter(a), snap, s.options(a))
		if err == nil {
			a.ctrl = ctrl
			return a, true, nil
		}
		s.log.Warn().Err(err).Str("attempt_id", snap.AttemptID.String()).Msg("Snapshot not restorable, starting over")
	}

	def, err := s.definition(ctx, token, testID)
	if err != nil {
		return nil, false, err
	}

	a := &attempt{id: uuid.New(), userID: userID, testID: testID, token: token}
	ctrl, err := session.Start(s.ctx, def, s.submitter(a), s.options(a))
	if err != nil {
		return nil, false, err
	}
	a.ctrl = ctrl
	return a, false, nil
}

// RefreshToken records token as the one to submit with. Attempts outlive
// the token that started them, so every authenticated call renews it.
func (s *AttemptService) RefreshToken(userID string, attemptID uuid.UUID, token string) {
	if a, err := s.lookup(userID, attemptID); err == nil {
		a.setToken(token)
	}
}

// Get returns the paper and state of an attempt.
func (s *AttemptService) Get(userID string, attemptID uuid.UUID) (*model.AttemptView, error) {
	a, err := s.lookup(userID, attemptID)
	if err != nil {
		return nil, err
	}
	return s.view(a, false), nil
}

// Answer records value for questionID.
func (s *AttemptService) Answer(userID string, attemptID uuid.UUID, questionID, value string) (model.SessionState, error) {
	a, err := s.lookup(userID, attemptID)
	if err != nil {
		return model.SessionState{}, err
	}
	if _, err := a.ctrl.RecordAnswer(questionID, value); err != nil {
		return model.SessionState{}, err
	}
	return a.ctrl.State(), nil
}

// ToggleReview flips the review mark of questionID.
func (s *AttemptService) ToggleReview(userID string, attemptID uuid.UUID, questionID string) (model.SessionState, error) {
	a, err := s.lookup(userID, attemptID)
	if err != nil {
		return model.SessionState{}, err
	}
	if _, err := a.ctrl.ToggleReview(questionID); err != nil {
		return model.SessionState{}, err
	}
	return a.ctrl.State(), nil
}

// Navigate moves the question cursor. Out of range indexes are clamped.
func (s *AttemptService) Navigate(userID string, attemptID uuid.UUID, index int) (model.SessionState, error) {
	a, err := s.lookup(userID, attemptID)
	if err != nil {
		return model.SessionState{}, err
	}
	if _, err := a.ctrl.GoTo(index); err != nil {
		return model.SessionState{}, err
	}
	return a.ctrl.State(), nil
}

// Submit hands the attempt to the backend for scoring. On failure the
// attempt stays open with its answers intact so the call can be repeated.
func (s *AttemptService) Submit(ctx context.Context, userID string, attemptID uuid.UUID) (model.SessionState, error) {
	a, err := s.lookup(userID, attemptID)
	if err != nil {
		return model.SessionState{}, err
	}
	_, err = a.ctrl.Submit(ctx)
	return a.ctrl.State(), err
}

// Abandon stops an attempt and discards everything needed to resume it.
func (s *AttemptService) Abandon(ctx context.Context, userID string, attemptID uuid.UUID) error {
	a, err := s.lookup(userID, attemptID)
	if err != nil {
		return err
	}

	a.ctrl.Stop()
	s.evict(a)

	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, config.CacheKey.AttemptSnapshotKey(a.id.String()))
	pipe.Del(ctx, config.CacheKey.UserActiveAttemptKey(a.userID, a.testID))
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.id.String()).Msg("Failed to clear attempt keys")
	}

	s.log.Info().Str("attempt_id", a.id.String()).Msg("Attempt abandoned")
	return nil
}

// Subscribe attaches to the event channel of an attempt the user owns.
func (s *AttemptService) Subscribe(ctx context.Context, userID string, attemptID uuid.UUID) (*redis.PubSub, error) {
	if _, err := s.lookup(userID, attemptID); err != nil {
		return nil, err
	}
	sub := s.rdb.Subscribe(ctx, config.CacheKey.AttemptEventsChannel(attemptID.String()))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return sub, nil
}

// Shutdown stops every ticker. Snapshots stay in Redis so attempts resume
// on the next start.
func (s *AttemptService) Shutdown() {
	s.cancel()

	s.mu.Lock()
	attempts := make([]*attempt, 0, len(s.byID))
	for _, a := range s.byID {
		attempts = append(attempts, a)
	}
	s.byID = make(map[uuid.UUID]*attempt)
	s.active = make(map[string]*attempt)
	s.mu.Unlock()

	for _, a := range attempts {
		a.ctrl.Stop()
	}
	s.log.Info().Int("count", len(attempts)).Msg("Attempts stopped")
}

// ─── Registry ───────────────────────────────────────────────────────

func activeKey(userID, testID string) string {
	return userID + "|" + testID
}

func (s *AttemptService) activeFor(userID, testID string) *attempt {
	s.mu.RLock()
	a := s.active[activeKey(userID, testID)]
	s.mu.RUnlock()

	if a == nil || a.ctrl.State().Status == model.AttemptStatusSubmitted {
		return nil
	}
	return a
}

// register stores a unless another unsubmitted attempt for the same user
// and test got there first, in which case that one is returned.
func (s *AttemptService) register(a *attempt) *attempt {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := activeKey(a.userID, a.testID)
	if cur, ok := s.active[key]; ok && cur.ctrl.State().Status != model.AttemptStatusSubmitted {
		return cur
	}
	s.active[key] = a
	s.byID[a.id] = a
	return a
}

func (s *AttemptService) evict(a *attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.byID[a.id]; ok && cur == a {
		delete(s.byID, a.id)
	}
	key := activeKey(a.userID, a.testID)
	if cur, ok := s.active[key]; ok && cur == a {
		delete(s.active, key)
	}
}

func (s *AttemptService) lookup(userID string, attemptID uuid.UUID) (*attempt, error) {
	s.mu.RLock()
	a, ok := s.byID[attemptID]
	s.mu.RUnlock()

	if !ok || a.userID != userID {
		return nil, ErrAttemptNotFound
	}
	return a, nil
}

func (s *AttemptService) view(a *attempt, resumed bool) *model.AttemptView {
	return &model.AttemptView{
		AttemptID: a.id,
		Resumed:   resumed,
		Paper:     a.ctrl.Definition().Paper(),
		State:     a.ctrl.State(),
	}
}

func (s *AttemptService) submitter(a *attempt) session.Submitter {
	return &attemptSubmitter{client: s.backend, a: a}
}

func (s *AttemptService) options(a *attempt) session.Options {
	timing := session.TimingCumulative
	if s.cfg.TimeSpentMode == string(session.TimingDelta) {
		timing = session.TimingDelta
	}
	return session.Options{
		TickInterval:      s.cfg.TickInterval,
		Timing:            timing,
		AutoSubmitRetries: s.cfg.AutoSubmitRetries,
		AutoSubmitBackoff: s.cfg.AutoSubmitBackoff,
		Listener:          s.listener(a),
	}
}

// ─── Definitions and snapshots ──────────────────────────────────────

// definition reads the test from the Redis cache, falling back to the backend.
func (s *AttemptService) definition(ctx context.Context, token, testID string) (*model.TestDefinition, error) {
	key := config.CacheKey.TestDefinitionKey(testID)

	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var def model.TestDefinition
		if err := json.Unmarshal(raw, &def); err == nil {
			return &def, nil
		}
		s.log.Warn().Str("test_id", testID).Msg("Discarding unreadable cached definition")
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Str("test_id", testID).Msg("Definition cache read failed")
	}

	def, err := s.backend.FetchTest(ctx, token, testID)
	if err != nil {
		if backend.IsNotFound(err) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := session.ValidateDefinition(def); err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(def); err == nil {
		if err := s.rdb.Set(ctx, key, raw, s.cfg.DefinitionCacheTTL).Err(); err != nil {
			s.log.Warn().Err(err).Str("test_id", testID).Msg("Definition cache write failed")
		}
	}
	return def, nil
}

func (s *AttemptService) resumableSnapshot(ctx context.Context, userID, testID string) *model.AttemptSnapshot {
	ptr, err := s.rdb.Get(ctx, config.CacheKey.UserActiveAttemptKey(userID, testID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn().Err(err).Msg("Active attempt pointer read failed")
		}
		return nil
	}

	raw, err := s.rdb.Get(ctx, config.CacheKey.AttemptSnapshotKey(ptr)).Bytes()
	if err != nil {
		return nil
	}

	var snap model.AttemptSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", ptr).Msg("Unreadable snapshot")
		return nil
	}
	if snap.UserID != userID || snap.TestID != testID {
		return nil
	}
	return &snap
}

// snapshotFromState rebuilds a snapshot from an event's state so listeners
// never call back into the controller.
func snapshotFromState(st model.SessionState) model.AttemptSnapshot {
	last := st.StartedAt
	for _, rec := range st.Answers {
		if rec.AnsweredAt.After(last) {
			last = rec.AnsweredAt
		}
	}
	return model.AttemptSnapshot{
		TestID:       st.TestID,
		StartedAt:    st.StartedAt,
		LastAnswerAt: last,
		CurrentIndex: st.CurrentIndex,
		Answers:      st.Answers,
		ReviewMarks:  st.ReviewMarks,
		Forced:       st.Forced,
		Seq:          st.Seq,
	}
}

// saveSnapshot writes snap unless a newer one was already written. Events
// from concurrent transitions can arrive out of order.
func (s *AttemptService) saveSnapshot(ctx context.Context, a *attempt, snap model.AttemptSnapshot) {
	a.snapMu.Lock()
	defer a.snapMu.Unlock()
	if snap.Seq < a.savedSeq {
		s.log.Debug().
			Str("attempt_id", a.id.String()).
			Uint64("seq", snap.Seq).
			Uint64("saved_seq", a.savedSeq).
			Msg("Skipping stale snapshot")
		return
	}

	snap.AttemptID = a.id
	snap.UserID = a.userID

	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	key := config.CacheKey.AttemptSnapshotKey(a.id.String())
	if err := s.rdb.Set(ctx, key, raw, s.cfg.SnapshotTTL).Err(); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.id.String()).Msg("Snapshot write failed")
		return
	}
	a.savedSeq = snap.Seq
}

// ─── Event fan-out ──────────────────────────────────────────────────

func (s *AttemptService) listener(a *attempt) func(session.Event) {
	return func(ev session.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()

		s.publishEvent(ctx, a, ev)

		if ev.Type != session.EventTick {
			s.saveSnapshot(ctx, a, snapshotFromState(ev.State))
		}

		switch ev.Type {
		case session.EventAnswered:
			s.journalAnswer(ctx, a, ev)
		case session.EventSubmitted:
			s.recordOutcome(ctx, a, ev, model.OutcomeSubmitted)
			s.announceSubmitted(ctx, a, ev)
			s.finish(ctx, a)
		case session.EventSubmitFailed:
			s.recordOutcome(ctx, a, ev, model.OutcomeFailed)
			s.log.Error().Err(ev.Err).
				Str("attempt_id", a.id.String()).
				Bool("forced", ev.State.Forced).
				Bool("at_risk", ev.State.AtRisk).
				Msg("Submission failed")
			if ev.State.AtRisk {
				s.reapStranded(a)
			}
		}
	}
}

func (s *AttemptService) publishEvent(ctx context.Context, a *attempt, ev session.Event) {
	msg := model.AttemptEvent{
		Type:       string(ev.Type),
		AttemptID:  a.id.String(),
		QuestionID: ev.QuestionID,
		State:      ev.State,
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, config.CacheKey.AttemptEventsChannel(a.id.String()), raw).Err(); err != nil {
		s.log.Debug().Err(err).Str("attempt_id", a.id.String()).Msg("Event publish failed")
	}
}

func (s *AttemptService) journalAnswer(ctx context.Context, a *attempt, ev session.Event) {
	rec, ok := ev.State.Answers[ev.QuestionID]
	if !ok {
		return
	}
	raw, _ := json.Marshal(model.AnswerJournalEntry{
		AttemptID:        a.id.String(),
		UserID:           a.userID,
		TestID:           a.testID,
		QuestionID:       rec.QuestionID,
		Value:            rec.Value,
		TimeSpentSeconds: rec.TimeSpentSeconds,
		AnsweredAt:       rec.AnsweredAt,
	})
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistAttemptAnswersQueue, raw).Err(); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.id.String()).Msg("Answer journal enqueue failed")
	}
}

func (s *AttemptService) recordOutcome(ctx context.Context, a *attempt, ev session.Event, status model.OutcomeStatus) {
	out := model.AttemptOutcome{
		AttemptID:     a.id.String(),
		UserID:        a.userID,
		TestID:        a.testID,
		Status:        status,
		StartedAt:     ev.State.StartedAt,
		EndedAt:       time.Now(),
		Forced:        ev.State.Forced,
		AnsweredCount: ev.State.Stats.Attempted,
		MarkedCount:   ev.State.Stats.Marked,
		LastError:     ev.State.LastError,
	}
	if res := ev.State.Result; res != nil {
		out.ResultID = res.ResultID
		out.Score = res.Score
	}

	raw, _ := json.Marshal(out)
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistAttemptOutcomesQueue, raw).Err(); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.id.String()).Msg("Outcome enqueue failed")
	}
}

func (s *AttemptService) announceSubmitted(ctx context.Context, a *attempt, ev session.Event) {
	evt := &messaging.AttemptSubmitted{
		AttemptID:     a.id.String(),
		UserID:        a.userID,
		TestID:        a.testID,
		Forced:        ev.State.Forced,
		AnsweredCount: ev.State.Stats.Attempted,
		MarkedCount:   ev.State.Stats.Marked,
		SubmittedAt:   time.Now(),
	}
	if res := ev.State.Result; res != nil {
		evt.ResultID = res.ResultID
		evt.Score = res.Score
		evt.TotalMarks = res.TotalMarks
	}
	if err := s.publisher.PublishAttemptSubmitted(ctx, evt); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.id.String()).Msg("attempt.submitted publish failed")
	}
}

// finish releases the test for a new attempt and schedules the submitted
// one to be dropped from memory.
func (s *AttemptService) finish(ctx context.Context, a *attempt) {
	s.mu.Lock()
	key := activeKey(a.userID, a.testID)
	if cur, ok := s.active[key]; ok && cur == a {
		delete(s.active, key)
	}
	registered := s.byID[a.id]
	s.mu.Unlock()

	if err := s.rdb.Del(ctx, config.CacheKey.UserActiveAttemptKey(a.userID, a.testID)).Err(); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.id.String()).Msg("Failed to clear active attempt pointer")
	}

	if registered == nil {
		return
	}
	time.AfterFunc(s.retention, func() {
		registered.ctrl.Stop()
		s.evict(registered)
	})
}

// reapStranded drops an attempt whose forced submission gave up once it has
// gone unclaimed for the retention window. The snapshot and the active
// pointer stay in Redis, so the next Start restores it for a manual retry.
func (s *AttemptService) reapStranded(a *attempt) {
	a.mu.Lock()
	if a.reapArmed {
		a.mu.Unlock()
		return
	}
	a.reapArmed = true
	a.mu.Unlock()

	time.AfterFunc(s.retention, func() {
		a.mu.Lock()
		a.reapArmed = false
		a.mu.Unlock()

		st := a.ctrl.State()
		if st.Status != model.AttemptStatusInProgress || !st.AtRisk {
			return
		}
		a.ctrl.Stop()
		s.evict(a)
		s.log.Info().Str("attempt_id", a.id.String()).Msg("Stranded attempt released from memory")
	})
}

// LiveCount reports how many attempts this process holds in memory.
func (s *AttemptService) LiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
