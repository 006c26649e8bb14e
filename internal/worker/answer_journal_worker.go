package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
)

const (
	journalPollTimeout = time.Second
	journalRetryPause  = 5 * time.Second
)

// AnswerJournalWorker consumes the answer journal queue and UPSERTs one row
// per attempt and question into attempt_answers.
type AnswerJournalWorker struct {
	pool       *pgxpool.Pool
	rdb        *redis.Client
	log        zerolog.Logger
	retryPause time.Duration
}

// NewAnswerJournalWorker creates a new AnswerJournalWorker.
func NewAnswerJournalWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *AnswerJournalWorker {
	return &AnswerJournalWorker{
		pool:       pool,
		rdb:        rdb,
		log:        log.With().Str("component", "answer_journal_worker").Logger(),
		retryPause: journalRetryPause,
	}
}

// Start runs until ctx is cancelled, then drains the queue. Call in a goroutine.
func (w *AnswerJournalWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AnswerJournalWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, journalPollTimeout, config.WorkerKey.PersistAttemptAnswersQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}
	if len(result) < 2 {
		return
	}

	var entry model.AnswerJournalEntry
	if err := json.Unmarshal([]byte(result[1]), &entry); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error")
		return
	}

	if _, err := uuid.Parse(entry.AttemptID); err != nil {
		w.log.Error().Str("attempt_id", entry.AttemptID).Msg("Dropping entry with malformed attempt id")
		return
	}

	if err := w.persist(ctx, &entry); err != nil {
		w.log.Error().Err(err).
			Str("attempt_id", entry.AttemptID).
			Str("question_id", entry.QuestionID).
			Dur("retry_in", w.retryPause).
			Msg("Persist error, requeued")
		w.rdb.RPush(context.Background(), config.WorkerKey.PersistAttemptAnswersQueue, result[1])

		select {
		case <-ctx.Done():
		case <-time.After(w.retryPause):
		}
	}
}

// persist keeps the latest value per question. An older entry arriving late
// does not overwrite a newer one.
func (w *AnswerJournalWorker) persist(ctx context.Context, e *model.AnswerJournalEntry) error {
	attemptID, err := uuid.Parse(e.AttemptID)
	if err != nil {
		return err
	}

	_, err = w.pool.Exec(ctx,
		`INSERT INTO attempt_answers (attempt_id, question_id, user_id, test_id, value, time_spent_seconds, answered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (attempt_id, question_id) DO UPDATE
		 SET value = EXCLUDED.value,
		     time_spent_seconds = EXCLUDED.time_spent_seconds,
		     answered_at = EXCLUDED.answered_at,
		     updated_at = NOW()
		 WHERE attempt_answers.answered_at <= EXCLUDED.answered_at`,
		attemptID, e.QuestionID, e.UserID, e.TestID, e.Value, e.TimeSpentSeconds, e.AnsweredAt,
	)
	return err
}

func (w *AnswerJournalWorker) drain(ctx context.Context) {
	drained := 0
	for {
		raw, err := w.rdb.LPop(ctx, config.WorkerKey.PersistAttemptAnswersQueue).Result()
		if err != nil {
			break
		}

		var entry model.AnswerJournalEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if _, err := uuid.Parse(entry.AttemptID); err != nil {
			continue
		}
		if err := w.persist(ctx, &entry); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, config.WorkerKey.PersistAttemptAnswersQueue, raw)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
