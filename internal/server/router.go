package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rynk-ai/rynk-web-sub001/internal/auth"
	"github.com/rynk-ai/rynk-web-sub001/internal/conversations"
	"go.uber.org/zap"
)

const (
	userIDContextKey      = "rynk_user_id"
	accessTokenQueryParam = "access_token"
)

var (
	errMissingSessionValidator    = errors.New("session validator dependency required")
	errMissingConversationService = errors.New("conversation service dependency required")
)

// SessionValidator resolves the caller's session from an HTTP request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

type Dependencies struct {
	SessionValidator    SessionValidator
	ConversationService *conversations.Service
	Realtime            *RealtimeDispatcher
	MetricsHandler      http.Handler
	AllowedOrigins      []string
	Logger              *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.ConversationService == nil {
		return nil, errMissingConversationService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:      deps.SessionValidator,
		conversations: deps.ConversationService,
		realtime:      realtime,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	protected := router.Group("/conversations")
	protected.Use(handler.authorizeRequest)
	protected.GET("/stream", handler.handleRealtimeStream)
	protected.POST("", handler.handleCreateConversation)
	protected.GET("", handler.handleListConversations)
	protected.GET("/:id", handler.handleGetConversation)
	protected.PATCH("/:id", handler.handleRenameConversation)
	protected.DELETE("/:id", handler.handleDeleteConversation)
	protected.GET("/:id/messages", handler.handleListMessages)
	protected.POST("/:id/messages", handler.handleAppendMessage)
	protected.PATCH("/:id/messages/:messageId", handler.handleUpdateMessage)
	protected.DELETE("/:id/messages/:messageId", handler.handleDeleteMessage)
	protected.GET("/:id/messages/:messageId/versions", handler.handleListVersions)
	protected.POST("/:id/messages/:messageId/versions", handler.handleCreateVersion)
	protected.POST("/:id/switch", handler.handleSwitchVersion)
	protected.POST("/:id/fork", handler.handleFork)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	sessions      SessionValidator
	conversations *conversations.Service
	realtime      *RealtimeDispatcher
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		if token := strings.TrimSpace(c.Query(accessTokenQueryParam)); token != "" {
			claims, err = h.sessions.ValidateToken(token)
		}
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// writeServiceError maps a conversation store failure onto an HTTP status and a stable body.
func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	kind := conversations.ErrorKind(err)
	code := "internal"
	var serviceErr *conversations.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}

	status := http.StatusInternalServerError
	switch kind {
	case conversations.KindNotFound:
		status = http.StatusNotFound
	case conversations.KindInvalidState, conversations.KindConcurrencyConflict:
		status = http.StatusConflict
	case conversations.KindInvalidInput:
		status = http.StatusBadRequest
	default:
		kind = conversations.KindInternal
		h.logger.Error("conversation request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": kind, "code": code})
}

func writeRequestError(c *gin.Context, code string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": conversations.KindInvalidInput, "code": code})
}
