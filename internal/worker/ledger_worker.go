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
	LedgerBatchSize    = 50
	LedgerBatchTimeout = 2 * time.Second
	LedgerPollTimeout  = 1 * time.Second
)

// LedgerWorker consumes attempt outcomes in batches and UPSERTs them into
// the attempts table.
type LedgerWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewLedgerWorker creates a new LedgerWorker.
func NewLedgerWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *LedgerWorker {
	return &LedgerWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "ledger_worker").Logger(),
	}
}

// ─── Worker loop with batching ──────────────────────────────────────

func (w *LedgerWorker) Start(ctx context.Context) {
	w.log.Info().Msg("LedgerWorker started")

	batch := make([]*model.AttemptOutcome, 0, LedgerBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= LedgerBatchSize || time.Since(lastFlush) >= LedgerBatchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			w.flushSafe(context.Background(), batch)
			return

		default:
			item, err := w.rdb.BLPop(ctx, LedgerPollTimeout, config.WorkerKey.PersistAttemptOutcomesQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}
			if len(item) < 2 {
				continue
			}

			var out model.AttemptOutcome
			if err := json.Unmarshal([]byte(item[1]), &out); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}
			batch = append(batch, &out)
		}
	}
}

// ─── Batch wrapper ──────────────────────────────────────────────────

func (w *LedgerWorker) flushSafe(ctx context.Context, batch []*model.AttemptOutcome) {
	batch = w.dropMalformed(latestPerAttempt(batch))
	if len(batch) == 0 {
		return
	}

	if err := w.bulkUpsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("size", len(batch)).Msg("bulk ledger upsert failed, using fallback")

		persisted := make([]*model.AttemptOutcome, 0, len(batch))
		for _, out := range batch {
			if err := w.persistSingle(ctx, out); err != nil {
				w.log.Error().Err(err).Str("attempt_id", out.AttemptID).Msg("persistSingle failed, requeueing")
				raw, _ := json.Marshal(out)
				w.rdb.RPush(ctx, config.WorkerKey.PersistAttemptOutcomesQueue, raw)
				continue
			}
			persisted = append(persisted, out)
		}
		w.clearSnapshots(ctx, persisted)
		return
	}

	w.clearSnapshots(ctx, batch)
}

func (w *LedgerWorker) dropMalformed(batch []*model.AttemptOutcome) []*model.AttemptOutcome {
	valid := batch[:0]
	for _, out := range batch {
		if _, err := uuid.Parse(out.AttemptID); err != nil {
			w.log.Error().Str("attempt_id", out.AttemptID).Msg("Dropping outcome with malformed attempt id")
			continue
		}
		valid = append(valid, out)
	}
	return valid
}

// latestPerAttempt keeps the last outcome of each attempt, preserving order.
// A single UPSERT statement may not touch the same row twice.
func latestPerAttempt(batch []*model.AttemptOutcome) []*model.AttemptOutcome {
	last := make(map[string]int, len(batch))
	for i, out := range batch {
		last[out.AttemptID] = i
	}
	if len(last) == len(batch) {
		return batch
	}

	deduped := make([]*model.AttemptOutcome, 0, len(last))
	for i, out := range batch {
		if last[out.AttemptID] == i {
			deduped = append(deduped, out)
		}
	}
	return deduped
}

// ─── Bulk UPSERT using UNNEST ───────────────────────────────────────

const ledgerUpsertConflict = `
	ON CONFLICT (id) DO UPDATE
	SET status = EXCLUDED.status,
	    ended_at = EXCLUDED.ended_at,
	    forced = EXCLUDED.forced,
	    answered_count = EXCLUDED.answered_count,
	    marked_count = EXCLUDED.marked_count,
	    result_id = EXCLUDED.result_id,
	    score = EXCLUDED.score,
	    last_error = EXCLUDED.last_error,
	    updated_at = NOW()
	WHERE attempts.status <> 'SUBMITTED' OR EXCLUDED.status = 'SUBMITTED'
`

func (w *LedgerWorker) bulkUpsert(ctx context.Context, batch []*model.AttemptOutcome) error {
	n := len(batch)

	ids := make([]uuid.UUID, 0, n)
	users := make([]string, 0, n)
	tests := make([]string, 0, n)
	statuses := make([]string, 0, n)
	startedAts := make([]time.Time, 0, n)
	endedAts := make([]time.Time, 0, n)
	forced := make([]bool, 0, n)
	answered := make([]int32, 0, n)
	marked := make([]int32, 0, n)
	resultIDs := make([]string, 0, n)
	scores := make([]float64, 0, n)
	lastErrors := make([]string, 0, n)

	for _, out := range batch {
		id, err := uuid.Parse(out.AttemptID)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		users = append(users, out.UserID)
		tests = append(tests, out.TestID)
		statuses = append(statuses, string(out.Status))
		startedAts = append(startedAts, out.StartedAt)
		endedAts = append(endedAts, out.EndedAt)
		forced = append(forced, out.Forced)
		answered = append(answered, int32(out.AnsweredCount))
		marked = append(marked, int32(out.MarkedCount))
		resultIDs = append(resultIDs, out.ResultID)
		scores = append(scores, out.Score)
		lastErrors = append(lastErrors, out.LastError)
	}

	query := `
		INSERT INTO attempts (
			id, user_id, test_id, status, started_at, ended_at, forced,
			answered_count, marked_count, result_id, score, last_error
		)
		SELECT
			u.id, u.user_id, u.test_id, u.status, u.started_at, u.ended_at, u.forced,
			u.answered_count, u.marked_count,
			NULLIF(u.result_id, ''),
			CASE WHEN u.status = 'SUBMITTED' THEN u.score END,
			NULLIF(u.last_error, '')
		FROM UNNEST(
			$1::uuid[],
			$2::text[],
			$3::text[],
			$4::text[],
			$5::timestamptz[],
			$6::timestamptz[],
			$7::bool[],
			$8::int[],
			$9::int[],
			$10::text[],
			$11::float8[],
			$12::text[]
		) AS u (id, user_id, test_id, status, started_at, ended_at, forced,
		        answered_count, marked_count, result_id, score, last_error)
	` + ledgerUpsertConflict

	_, err := w.pool.Exec(ctx, query,
		ids, users, tests, statuses, startedAts, endedAts, forced,
		answered, marked, resultIDs, scores, lastErrors,
	)
	return err
}

// ─── Snapshot cleanup ───────────────────────────────────────────────

// clearSnapshots removes resume snapshots of attempts that are now
// recorded as submitted.
func (w *LedgerWorker) clearSnapshots(ctx context.Context, batch []*model.AttemptOutcome) {
	pipe := w.rdb.Pipeline()
	queued := 0
	for _, out := range batch {
		if out.Status != model.OutcomeSubmitted {
			continue
		}
		pipe.Del(ctx, config.CacheKey.AttemptSnapshotKey(out.AttemptID))
		queued++
	}
	if queued == 0 {
		return
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Warn().Err(err).Msg("Snapshot cleanup failed")
	}
}

// ─── Fallback single upsert ─────────────────────────────────────────

func (w *LedgerWorker) persistSingle(ctx context.Context, out *model.AttemptOutcome) error {
	id, err := uuid.Parse(out.AttemptID)
	if err != nil {
		return err
	}

	var score *float64
	if out.Status == model.OutcomeSubmitted {
		score = &out.Score
	}

	_, err = w.pool.Exec(ctx,
		`INSERT INTO attempts (
			id, user_id, test_id, status, started_at, ended_at, forced,
			answered_count, marked_count, result_id, score, last_error
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, NULLIF($12, ''))`+ledgerUpsertConflict,
		id, out.UserID, out.TestID, string(out.Status), out.StartedAt, out.EndedAt, out.Forced,
		out.AnsweredCount, out.MarkedCount, out.ResultID, score, out.LastError,
	)
	return err
}
