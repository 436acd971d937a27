package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/undertow/internal/message"
	"github.com/MarcoPoloResearchLab/undertow/internal/relay"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "undertow_user_id"

	// EventMessageBatch is the SSE event carrying newly accepted
	// messages on the live tail.
	EventMessageBatch = "message-batch"
	eventHeartbeat    = "heartbeat"

	queryParamClientID    = "client_id"
	queryParamSince       = "since"
	queryParamCursor      = "cursor"
	queryParamAccessToken = "access_token"

	heartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingRelayService   = errors.New("relay service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a sync token and returns the user it belongs
// to.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the relay's HTTP surface.
type Dependencies struct {
	TokenValidator TokenValidator
	RelayService   *relay.Service
	Tail           *TailDispatcher
	Logger         *zap.Logger
}

// NewHTTPHandler builds the relay router: push, incremental pull, and
// the SSE live tail, all behind bearer-token auth.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.RelayService == nil {
		return nil, errMissingRelayService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tail := deps.Tail
	if tail == nil {
		tail = NewTailDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:       deps.TokenValidator,
		relayService: deps.RelayService,
		tail:         tail,
		logger:       logger,
	}

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.POST("/messages", handler.handlePush)
	protected.GET("/messages", handler.handlePull)
	protected.GET("/stream", handler.handleStream)

	return router, nil
}

type httpHandler struct {
	tokens       TokenValidator
	relayService *relay.Service
	tail         *TailDispatcher
	logger       *zap.Logger
}

type pushRequestPayload struct {
	Messages []message.Message `json:"messages"`
}

type pushResponsePayload struct {
	AcceptedIDs []string `json:"accepted_ids"`
}

type pullResponsePayload struct {
	Messages []message.Message `json:"messages"`
}

func (h *httpHandler) handlePush(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request pushRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.relayService.AcceptBatch(c.Request.Context(), userID, request.Messages)
	if err != nil {
		h.logger.Error("failed to accept message batch", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "push_failed"})
		return
	}

	h.tail.Publish(userID, result.Stored)
	c.JSON(http.StatusOK, pushResponsePayload{AcceptedIDs: result.AcceptedIDs()})
}

func (h *httpHandler) handlePull(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	clientID := c.Query(queryParamClientID)
	if clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_client_id"})
		return
	}
	since, err := strconv.ParseInt(c.DefaultQuery(queryParamSince, "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}

	messages, err := h.relayService.ListSince(c.Request.Context(), userID, clientID, since)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pull_failed"})
		return
	}

	c.JSON(http.StatusOK, pullResponsePayload{Messages: messages})
}

func (h *httpHandler) handleStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	clientID := c.Query(queryParamClientID)
	if clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_client_id"})
		return
	}
	cursor, err := strconv.ParseInt(c.DefaultQuery(queryParamCursor, "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}

	// Subscribe before replaying the backlog so no acceptance falls in
	// between; the client's log is idempotent on message id, so an
	// overlap is harmless.
	stream, cancel := h.tail.Subscribe(c.Request.Context(), userID, clientID)
	defer cancel()

	backlog, err := h.relayService.ListSince(c.Request.Context(), userID, clientID, cursor)
	if err != nil {
		h.logger.Error("failed to replay backlog", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stream_failed"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	if len(backlog) > 0 {
		c.SSEvent(EventMessageBatch, backlog)
		c.Writer.Flush()
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case batch, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(EventMessageBatch, batch)
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent(eventHeartbeat, "ping")
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	default:
		token = strings.TrimSpace(c.Query(queryParamAccessToken))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
