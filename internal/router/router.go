package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/handler"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt *handler.AttemptHandler
	History *handler.HistoryHandler
	WS      *handler.WSHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// submitLimiter guards the submit endpoint, which calls the backend.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	submitLimiter *middleware.RateLimiter,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.GinMode != gin.ReleaseMode {
		router.Use(gin.Logger())
	}

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "Retry-After"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.Brotli())

	router.GET("/health", handlers.System.Health)

	api := router.Group("/api/v1")
	api.Use(middleware.RequireUserJWT(authService))

	// ─── 1. Attempts (live state, never cached) ────────────────────────
	attempts := api.Group("")
	attempts.Use(middleware.NoStore())
	{
		attempts.POST("/tests/:test_id/attempts", handlers.Attempt.StartAttempt)
		attempts.GET("/attempts/:attempt_id", handlers.Attempt.GetAttempt)
		attempts.PUT("/attempts/:attempt_id/answers/:question_id", handlers.Attempt.RecordAnswer)
		attempts.POST("/attempts/:attempt_id/reviews/:question_id", handlers.Attempt.ToggleReview)
		attempts.PUT("/attempts/:attempt_id/cursor", handlers.Attempt.Navigate)
		attempts.POST("/attempts/:attempt_id/submit", submitLimiter.Middleware(), handlers.Attempt.Submit)
		attempts.DELETE("/attempts/:attempt_id", handlers.Attempt.Abandon)
		attempts.GET("/attempts", handlers.History.ListAttempts)
	}

	// ─── 2. History and results ────────────────────────────────────────
	history := api.Group("")
	history.Use(middleware.PrivateCache(60))
	{
		history.GET("/history/:attempt_id", handlers.History.GetAttemptHistory)
		history.GET("/results/:result_id", handlers.History.GetResult)
	}

	// ─── 3. WebSocket (token in query) ─────────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireWSAuth(authService))
	{
		ws.GET("/attempts/:attempt_id/stream", handlers.WS.AttemptStream)
	}

	return router
}
