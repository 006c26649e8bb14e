package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/validator"
	ws "github.com/stemsi/exstem-session/internal/websocket"
)

const wsSubmitTimeout = 30 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams attempt events and accepts attempt actions over a
// WebSocket.
type WSHandler struct {
	attemptService *service.AttemptService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attemptService *service.AttemptService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attemptService: attemptService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/attempts/:attempt_id/stream?token=...
// Pushes every attempt event (ticks included) and accepts answer, review,
// goto, submit and ping actions.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	userID := claims.UserID()

	// Ownership is checked before the upgrade so failures get a JSON body.
	view, err := h.attemptService.Get(userID, attemptID)
	if err != nil {
		status, code := attemptError(err)
		response.Fail(c, status, code)
		return
	}
	h.attemptService.RefreshToken(userID, attemptID, middleware.GetToken(c))

	sub, err := h.attemptService.Subscribe(c.Request.Context(), userID, attemptID)
	if err != nil {
		h.log.Error().Err(err).Str("attempt_id", attemptID.String()).Msg("Subscribe failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	defer sub.Close()

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	wsLog := h.log.With().
		Str("user_id", userID).
		Str("attempt_id", attemptID.String()).
		Logger()
	wsLog.Info().Msg("Client connected")

	if err := conn.WriteTyped(ws.StateResponse{Event: ws.EventState, State: view.State}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.pump(ctx, conn, sub, wsLog)

	for {
		var req ws.Request
		if err := conn.ReadRequest(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}
		h.handleAction(conn, userID, attemptID, &req)
	}
}

// pump relays pub/sub events to the client and keeps the connection alive.
func (h *WSHandler) pump(ctx context.Context, conn *ws.Conn, sub *redis.PubSub, log zerolog.Logger) {
	ticker := time.NewTicker(ws.PingPeriod())
	defer ticker.Stop()

	events := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteRaw([]byte(msg.Payload)); err != nil {
				log.Debug().Err(err).Msg("Event write failed")
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (h *WSHandler) handleAction(conn *ws.Conn, userID string, attemptID uuid.UUID, req *ws.Request) {
	var (
		state model.SessionState
		err   error
	)

	switch req.Action {
	case ws.ActionPing:
		conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		return

	case ws.ActionAnswer:
		if !validator.IsExternalID(req.QuestionID) {
			conn.WriteError(string(response.ErrInvalidID), "question_id is required")
			return
		}
		state, err = h.attemptService.Answer(userID, attemptID, req.QuestionID, req.Value)

	case ws.ActionReview:
		if !validator.IsExternalID(req.QuestionID) {
			conn.WriteError(string(response.ErrInvalidID), "question_id is required")
			return
		}
		state, err = h.attemptService.ToggleReview(userID, attemptID, req.QuestionID)

	case ws.ActionGoto:
		if req.Index == nil {
			conn.WriteError(string(response.ErrValidation), "index is required")
			return
		}
		state, err = h.attemptService.Navigate(userID, attemptID, *req.Index)

	case ws.ActionSubmit:
		ctx, cancel := context.WithTimeout(context.Background(), wsSubmitTimeout)
		state, err = h.attemptService.Submit(ctx, userID, attemptID)
		cancel()

	default:
		conn.WriteError(string(response.ErrValidation), "unknown action: "+string(req.Action))
		return
	}

	if err != nil {
		_, code := attemptError(err)
		conn.WriteError(string(code), response.GetMessage(code))
		return
	}
	conn.WriteTyped(ws.StateResponse{Event: ws.EventState, Action: req.Action, State: state})
}
