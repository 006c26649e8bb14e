package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
)

const healthTimeout = 2 * time.Second

// SystemHandler reports process health and worker backlog.
type SystemHandler struct {
	pool           *pgxpool.Pool
	rdb            *redis.Client
	attemptService *service.AttemptService
	startTime      time.Time
	log            zerolog.Logger
}

func NewSystemHandler(pool *pgxpool.Pool, rdb *redis.Client, attemptService *service.AttemptService, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		pool:           pool,
		rdb:            rdb,
		attemptService: attemptService,
		startTime:      time.Now(),
		log:            log.With().Str("component", "system_handler").Logger(),
	}
}

type healthReport struct {
	Status       string `json:"status"`
	Uptime       string `json:"uptime"`
	Redis        string `json:"redis"`
	Postgres     string `json:"postgres"`
	LiveAttempts int    `json:"live_attempts"`
	Goroutines   int    `json:"goroutines"`

	QueueAnswers  int64 `json:"queue_answers"`
	QueueOutcomes int64 `json:"queue_outcomes"`
}

// Health godoc
// GET /health
// Responds 503 when Redis or PostgreSQL cannot be reached.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	rep := healthReport{
		Status:       "ok",
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		Redis:        "ok",
		Postgres:     "ok",
		LiveAttempts: h.attemptService.LiveCount(),
		Goroutines:   runtime.NumGoroutine(),
	}

	pipe := h.rdb.Pipeline()
	answersCmd := pipe.LLen(ctx, config.WorkerKey.PersistAttemptAnswersQueue)
	outcomesCmd := pipe.LLen(ctx, config.WorkerKey.PersistAttemptOutcomesQueue)
	if _, err := pipe.Exec(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Redis health check failed")
		rep.Redis = "down"
		rep.Status = "degraded"
	} else {
		rep.QueueAnswers, _ = answersCmd.Result()
		rep.QueueOutcomes, _ = outcomesCmd.Result()
	}

	if h.pool == nil {
		rep.Postgres = "disabled"
	} else if err := h.pool.Ping(ctx); err != nil {
		h.log.Warn().Err(err).Msg("PostgreSQL health check failed")
		rep.Postgres = "down"
		rep.Status = "degraded"
	}

	status := http.StatusOK
	if rep.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	response.Success(c, status, rep)
}
