package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/backend"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/messaging"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPaper = `{
	"_id": "t1",
	"name": "Chemistry mock",
	"duration": 30,
	"questions": [
		{"_id": "q1", "type": "MCQ", "content": "Pick", "options": [{"id": "A", "content": "a"}, {"id": "B", "content": "b"}]},
		{"_id": "q2", "type": "NUMERICAL", "content": "2+2"}
	]
}`

type fakeBackend struct {
	fetches      atomic.Int32
	submitStatus atomic.Int32
	submitted    chan model.SubmissionPayload
	submitAuth   atomic.Value
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/tests/t1":
		f.fetches.Add(1)
		_, _ = w.Write([]byte(testPaper))
	case r.Method == http.MethodPost && r.URL.Path == "/results/submit":
		f.submitAuth.Store(r.Header.Get("Authorization"))
		var p model.SubmissionPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		if code := int(f.submitStatus.Load()); code != 0 && code != http.StatusOK {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"message":"scoring down"}`))
			return
		}
		select {
		case f.submitted <- p:
		default:
		}
		_, _ = w.Write([]byte(`{"_id":"res-1","score":4,"totalMarks":8}`))
	case r.Method == http.MethodGet && r.URL.Path == "/tests/broken":
		w.WriteHeader(http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"not found"}`))
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*messaging.AttemptSubmitted
}

func (p *recordingPublisher) PublishAttemptSubmitted(_ context.Context, evt *messaging.AttemptSubmitted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixture struct {
	svc       *AttemptService
	rdb       *redis.Client
	mr        *miniredis.Miniredis
	backend   *fakeBackend
	publisher *recordingPublisher
	cfg       *config.Config
	client    *backend.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fb := &fakeBackend{submitted: make(chan model.SubmissionPayload, 4)}
	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		// No ticker: the countdown only moves when a test drives it.
		TickInterval:       0,
		TimeSpentMode:      "cumulative",
		DefinitionCacheTTL: time.Minute,
		SnapshotTTL:        time.Hour,
	}
	client := backend.NewClient(srv.URL, 2*time.Second, zerolog.Nop())
	pub := &recordingPublisher{}

	svc := NewAttemptService(cfg, client, rdb, pub, zerolog.Nop())
	t.Cleanup(svc.Shutdown)

	return &fixture{svc: svc, rdb: rdb, mr: mr, backend: fb, publisher: pub, cfg: cfg, client: client}
}

func TestStart_NewAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.svc.Start(ctx, "u1", "tok", "t1")
	require.NoError(t, err)

	assert.False(t, view.Resumed)
	assert.NotEqual(t, uuid.Nil, view.AttemptID)
	assert.Equal(t, "Chemistry mock", view.Paper.Name)
	assert.Equal(t, 1800, view.State.RemainingSeconds)
	assert.Equal(t, model.AttemptStatusInProgress, view.State.Status)

	assert.True(t, f.mr.Exists(config.CacheKey.TestDefinitionKey("t1")))
	assert.True(t, f.mr.Exists(config.CacheKey.AttemptSnapshotKey(view.AttemptID.String())))

	ptr, err := f.mr.Get(config.CacheKey.UserActiveAttemptKey("u1", "t1"))
	require.NoError(t, err)
	assert.Equal(t, view.AttemptID.String(), ptr)
	assert.Equal(t, 1, f.svc.LiveCount())
}

func TestStart_IsIdempotentPerUserAndTest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Start(ctx, "u1", "tok", "t1")
	require.NoError(t, err)
	second, err := f.svc.Start(ctx, "u1", "tok", "t1")
	require.NoError(t, err)

	assert.Equal(t, first.AttemptID, second.AttemptID)
	assert.True(t, second.Resumed)
	assert.Equal(t, int32(1), f.backend.fetches.Load())

	other, err := f.svc.Start(ctx, "u2", "tok", "t1")
	require.NoError(t, err)
	assert.NotEqual(t, first.AttemptID, other.AttemptID)
	assert.Equal(t, int32(1), f.backend.fetches.Load(), "definition served from cache")
}

func TestStart_BackendErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, "u1", "tok", "missing")
	assert.ErrorIs(t, err, ErrTestNotFound)

	_, err = f.svc.Start(ctx, "u1", "tok", "broken")
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, 0, f.svc.LiveCount())
}

func TestStart_RejectsInvalidCachedDefinition(t *testing.T) {
	f := newFixture(t)
	raw, _ := json.Marshal(model.TestDefinition{ID: "t2", TimeAllottedSeconds: 60})
	require.NoError(t, f.mr.Set(config.CacheKey.TestDefinitionKey("t2"), string(raw)))

	_, err := f.svc.Start(context.Background(), "u1", "tok", "t2")
	assert.ErrorIs(t, err, session.ErrInvalidDefinition)
}

func TestOperations_RequireOwnership(t *testing.T) {
	f := newFixture(t)
	view, err := f.svc.Start(context.Background(), "u1", "tok", "t1")
	require.NoError(t, err)

	_, err = f.svc.Get("intruder", view.AttemptID)
	assert.ErrorIs(t, err, ErrAttemptNotFound)
	_, err = f.svc.Answer("intruder", view.AttemptID, "q1", "A")
	assert.ErrorIs(t, err, ErrAttemptNotFound)
	_, err = f.svc.Get("u1", uuid.New())
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestAnswer_JournalsAndSnapshots(t *testing.T) {
	f := newFixture(t)
	view, err := f.svc.Start(context.Background(), "u1", "tok", "t1")
	require.NoError(t, err)

	st, err := f.svc.Answer("u1", view.AttemptID, "q2", "4")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Stats.Attempted)
	assert.Equal(t, model.QuestionStatusAnswered, st.Palette["q2"])

	items, err := f.rdb.LRange(context.Background(), config.WorkerKey.PersistAttemptAnswersQueue, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, items, 1)

	var entry model.AnswerJournalEntry
	require.NoError(t, json.Unmarshal([]byte(items[0]), &entry))
	assert.Equal(t, view.AttemptID.String(), entry.AttemptID)
	assert.Equal(t, "u1", entry.UserID)
	assert.Equal(t, "q2", entry.QuestionID)
	assert.Equal(t, "4", entry.Value)

	raw, err := f.mr.Get(config.CacheKey.AttemptSnapshotKey(view.AttemptID.String()))
	require.NoError(t, err)
	var snap model.AttemptSnapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))
	assert.Equal(t, "4", snap.Answers["q2"].Value)
	assert.Equal(t, "u1", snap.UserID)

	_, err = f.svc.Answer("u1", view.AttemptID, "q1", "Z")
	assert.ErrorIs(t, err, session.ErrInvalidAnswer)
	_, err = f.svc.Answer("u1", view.AttemptID, "q9", "1")
	assert.ErrorIs(t, err, session.ErrUnknownQuestion)
}

func TestToggleReviewAndNavigate(t *testing.T) {
	f := newFixture(t)
	view, err := f.svc.Start(context.Background(), "u1", "tok", "t1")
	require.NoError(t, err)

	st, err := f.svc.ToggleReview("u1", view.AttemptID, "q1")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1"}, st.ReviewMarks)
	assert.Equal(t, model.QuestionStatusMarked, st.Palette["q1"])

	st, err = f.svc.Navigate("u1", view.AttemptID, 99)
	require.NoError(t, err)
	assert.Equal(t, 1, st.CurrentIndex)
}

func TestSubmit_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view, err := f.svc.Start(ctx, "u1", "tok", "t1")
	require.NoError(t, err)
	_, err = f.svc.Answer("u1", view.AttemptID, "q1", "B")
	require.NoError(t, err)

	st, err := f.svc.Submit(ctx, "u1", view.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusSubmitted, st.Status)
	require.NotNil(t, st.Result)
	assert.Equal(t, "res-1", st.Result.ResultID)

	payload := <-f.backend.submitted
	assert.Equal(t, "t1", payload.TestID)
	require.Len(t, payload.Responses, 1)
	assert.Equal(t, "B", payload.Responses[0].UserAnswer)

	items, err := f.rdb.LRange(ctx, config.WorkerKey.PersistAttemptOutcomesQueue, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, items, 1)
	var out model.AttemptOutcome
	require.NoError(t, json.Unmarshal([]byte(items[0]), &out))
	assert.Equal(t, model.OutcomeSubmitted, out.Status)
	assert.Equal(t, "res-1", out.ResultID)
	assert.Equal(t, 1, out.AnsweredCount)

	assert.Equal(t, 1, f.publisher.count())
	assert.False(t, f.mr.Exists(config.CacheKey.UserActiveAttemptKey("u1", "t1")))

	// Still readable, but a new Start begins a fresh attempt.
	got, err := f.svc.Get("u1", view.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusSubmitted, got.State.Status)

	retake, err := f.svc.Start(ctx, "u1", "tok", "t1")
	require.NoError(t, err)
	assert.NotEqual(t, view.AttemptID, retake.AttemptID)
	assert.False(t, retake.Resumed)

	_, err = f.svc.Submit(ctx, "u1", view.AttemptID)
	assert.ErrorIs(t, err, session.ErrDoubleSubmission)
}

func TestSubmit_FailureKeepsAttemptOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.submitStatus.Store(http.StatusServiceUnavailable)

	view, err := f.svc.Start(ctx, "u1", "tok", "t1")
	require.NoError(t, err)
	_, err = f.svc.Answer("u1", view.AttemptID, "q2", "4")
	require.NoError(t, err)

	st, err := f.svc.Submit(ctx, "u1", view.AttemptID)
	assert.ErrorIs(t, err, session.ErrSubmissionFailed)
	assert.Equal(t, model.AttemptStatusInProgress, st.Status)
	assert.Contains(t, st.LastError, "scoring down")
	assert.Equal(t, "4", st.Answers["q2"].Value)

	items, err := f.rdb.LRange(ctx, config.WorkerKey.PersistAttemptOutcomesQueue, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, items, 1)
	var out model.AttemptOutcome
	require.NoError(t, json.Unmarshal([]byte(items[0]), &out))
	assert.Equal(t, model.OutcomeFailed, out.Status)
	assert.Equal(t, 0, f.publisher.count())

	f.backend.submitStatus.Store(http.StatusOK)
	st, err = f.svc.Submit(ctx, "u1", view.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusSubmitted, st.Status)
}

func TestAbandon_ClearsResumeState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view, err := f.svc.Start(ctx, "u1", "tok", "t1")
	require.NoError(t, err)

	require.NoError(t, f.svc.Abandon(ctx, "u1", view.AttemptID))

	assert.False(t, f.mr.Exists(config.CacheKey.AttemptSnapshotKey(view.AttemptID.String())))
	assert.False(t, f.mr.Exists(config.CacheKey.UserActiveAttemptKey("u1", "t1")))
	_, err = f.svc.Get("u1", view.AttemptID)
	assert.ErrorIs(t, err, ErrAttemptNotFound)
	assert.Equal(t, 0, f.svc.LiveCount())
}

func TestStart_ResumesFromSnapshotAfterRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view, err := f.svc.Start(ctx, "u1", "tok", "t1")
	require.NoError(t, err)
	_, err = f.svc.Answer("u1", view.AttemptID, "q1", "A")
	require.NoError(t, err)
	_, err = f.svc.ToggleReview("u1", view.AttemptID, "q2")
	require.NoError(t, err)

	f.svc.Shutdown()

	restarted := NewAttemptService(f.cfg, f.client, f.rdb, nil, zerolog.Nop())
	t.Cleanup(restarted.Shutdown)

	resumed, err := restarted.Start(ctx, "u1", "tok", "t1")
	require.NoError(t, err)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, view.AttemptID, resumed.AttemptID)
	assert.Equal(t, "A", resumed.State.Answers["q1"].Value)
	assert.Equal(t, []string{"q2"}, resumed.State.ReviewMarks)
	assert.LessOrEqual(t, resumed.State.RemainingSeconds, 1800)

	_, err = restarted.Start(ctx, "u2", "tok", "t1")
	require.NoError(t, err)
}

func TestSubscribe_ReceivesEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view, err := f.svc.Start(ctx, "u1", "tok", "t1")
	require.NoError(t, err)

	_, err = f.svc.Subscribe(ctx, "intruder", view.AttemptID)
	assert.ErrorIs(t, err, ErrAttemptNotFound)

	sub, err := f.svc.Subscribe(ctx, "u1", view.AttemptID)
	require.NoError(t, err)
	defer sub.Close()

	_, err = f.svc.Answer("u1", view.AttemptID, "q2", "7")
	require.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var ev model.AttemptEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
	assert.Equal(t, string(session.EventAnswered), ev.Type)
	assert.Equal(t, "q2", ev.QuestionID)
	assert.Equal(t, "7", ev.State.Answers["q2"].Value)
}

func TestSnapshotFromState_UsesLatestAnswer(t *testing.T) {
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	st := model.SessionState{
		TestID:    "t1",
		StartedAt: start,
		Answers: map[string]model.AnswerRecord{
			"q1": {QuestionID: "q1", AnsweredAt: start.Add(2 * time.Minute)},
			"q2": {QuestionID: "q2", AnsweredAt: start.Add(5 * time.Minute)},
		},
	}

	snap := snapshotFromState(st)
	assert.Equal(t, start.Add(5*time.Minute), snap.LastAnswerAt)
	assert.Equal(t, "t1", snap.TestID)

	empty := snapshotFromState(model.SessionState{StartedAt: start})
	assert.Equal(t, start, empty.LastAnswerAt)
}

func TestSubmit_UsesLatestToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view, err := f.svc.Start(ctx, "u1", "tok-start", "t1")
	require.NoError(t, err)

	f.svc.RefreshToken("u1", view.AttemptID, "tok-renewed")
	f.svc.RefreshToken("intruder", view.AttemptID, "tok-intruder")
	f.svc.RefreshToken("u1", view.AttemptID, "")

	_, err = f.svc.Submit(ctx, "u1", view.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-renewed", f.backend.submitAuth.Load())
}

func TestStart_ResumeRenewsToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.submitStatus.Store(http.StatusUnauthorized)

	view, err := f.svc.Start(ctx, "u1", "tok-old", "t1")
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, "u1", view.AttemptID)
	require.ErrorIs(t, err, session.ErrSubmissionFailed)
	assert.Equal(t, "Bearer tok-old", f.backend.submitAuth.Load())

	f.backend.submitStatus.Store(http.StatusOK)
	_, err = f.svc.Start(ctx, "u1", "tok-new", "t1")
	require.NoError(t, err)

	st, err := f.svc.Submit(ctx, "u1", view.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusSubmitted, st.Status)
	assert.Equal(t, "Bearer tok-new", f.backend.submitAuth.Load())
}

func TestSaveSnapshot_IgnoresStaleState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view, err := f.svc.Start(ctx, "u1", "tok", "t1")
	require.NoError(t, err)

	older, err := f.svc.Answer("u1", view.AttemptID, "q1", "A")
	require.NoError(t, err)
	newer, err := f.svc.Answer("u1", view.AttemptID, "q2", "4")
	require.NoError(t, err)
	require.Less(t, older.Seq, newer.Seq)

	a, err := f.svc.lookup("u1", view.AttemptID)
	require.NoError(t, err)

	// A listener that was held up delivers the older state last.
	f.svc.saveSnapshot(ctx, a, snapshotFromState(older))

	raw, err := f.rdb.Get(ctx, config.CacheKey.AttemptSnapshotKey(view.AttemptID.String())).Bytes()
	require.NoError(t, err)
	var snap model.AttemptSnapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, newer.Seq, snap.Seq)
	assert.Equal(t, "A", snap.Answers["q1"].Value)
	assert.Equal(t, "4", snap.Answers["q2"].Value)
}

func TestStrandedAttempt_ReleasedAfterRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.retention = 50 * time.Millisecond
	f.backend.submitStatus.Store(http.StatusServiceUnavailable)

	// An attempt whose time ran out while the process was down.
	id := uuid.New()
	raw, err := json.Marshal(model.AttemptSnapshot{
		AttemptID: id,
		UserID:    "u1",
		TestID:    "t1",
		StartedAt: time.Now().Add(-time.Hour),
		Answers:   map[string]model.AnswerRecord{"q2": {QuestionID: "q2", Value: "4"}},
	})
	require.NoError(t, err)
	require.NoError(t, f.mr.Set(config.CacheKey.AttemptSnapshotKey(id.String()), string(raw)))
	require.NoError(t, f.mr.Set(config.CacheKey.UserActiveAttemptKey("u1", "t1"), id.String()))

	view, err := f.svc.Start(ctx, "u1", "tok", "t1")
	require.NoError(t, err)
	require.Equal(t, id, view.AttemptID)
	assert.Zero(t, view.State.RemainingSeconds)

	a, err := f.svc.lookup("u1", id)
	require.NoError(t, err)
	st, err := a.ctrl.Tick(ctx)
	require.ErrorIs(t, err, session.ErrSubmissionFailed)
	require.True(t, st.AtRisk)

	require.Eventually(t, func() bool { return f.svc.LiveCount() == 0 }, time.Second, 10*time.Millisecond)
	_, err = f.svc.Get("u1", id)
	assert.ErrorIs(t, err, ErrAttemptNotFound)

	// The next Start brings it back for a manual retry.
	again, err := f.svc.Start(ctx, "u1", "tok", "t1")
	require.NoError(t, err)
	assert.True(t, again.Resumed)
	assert.Equal(t, id, again.AttemptID)
	assert.True(t, again.State.AtRisk)
	assert.Equal(t, "4", again.State.Answers["q2"].Value)
}
