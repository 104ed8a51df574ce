package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tigawanna/moots-sub000/internal/auth"
	"github.com/tigawanna/moots-sub000/internal/engine"
	"github.com/tigawanna/moots-sub000/internal/events"
	"github.com/tigawanna/moots-sub000/internal/live"
	"github.com/tigawanna/moots-sub000/internal/query"
	"github.com/tigawanna/moots-sub000/internal/session"
	"github.com/tigawanna/moots-sub000/internal/state"
	"go.uber.org/zap"
)

const deviceIDContextKey = "moots_device_id"

var (
	errMissingEngine        = errors.New("engine dependency required")
	errMissingRegistry      = errors.New("event registry dependency required")
	errMissingQueries       = errors.New("query service dependency required")
	errMissingReader        = errors.New("state reader dependency required")
	errMissingLive          = errors.New("live registry dependency required")
	errMissingSessions      = errors.New("session store dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// EventStore is the write side the handlers need: local commits, remote ingest and log reads.
type EventStore interface {
	CommitEvent(ctx context.Context, event events.Event) (engine.Receipt, error)
	Ingest(ctx context.Context, envelopes []events.Envelope) ([]engine.Receipt, error)
	Log() *events.Log
}

type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Engine         EventStore
	Registry       *events.Registry
	IDProvider     events.IDProvider
	Queries        *query.Service
	Reader         *state.Reader
	Live           *live.Registry
	Sessions       *session.Store
	TokenManager   TokenValidator
	Logger         *zap.Logger
	AllowedOrigins []string
	Heartbeat      time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Queries == nil {
		return nil, errMissingQueries
	}
	if deps.Reader == nil {
		return nil, errMissingReader
	}
	if deps.Live == nil {
		return nil, errMissingLive
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idProvider := deps.IDProvider
	if idProvider == nil {
		idProvider = events.NewUUIDProvider()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		engine:     deps.Engine,
		registry:   deps.Registry,
		idProvider: idProvider,
		queries:    deps.Queries,
		reader:     deps.Reader,
		live:       deps.Live,
		sessions:   deps.Sessions,
		tokens:     deps.TokenManager,
		logger:     logger,
		heartbeat:  heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/events", handler.handleCommitEvent)
	protected.POST("/sync/push", handler.handleSyncPush)
	protected.GET("/sync/pull", handler.handleSyncPull)
	protected.POST("/select", handler.handleSelect)
	protected.GET("/lists/popular", handler.handlePopularLists)
	protected.GET("/lists/popular/stream", handler.handlePopularStream)
	protected.GET("/lists/:id", handler.handleListDetail)
	protected.GET("/lists/:id/stream", handler.handleListDetailStream)
	protected.GET("/lists/:id/comments", handler.handleComments)
	protected.GET("/users/:id", handler.handleUser)
	protected.GET("/users/:id/lists", handler.handleUserLists)
	protected.GET("/users/:id/lists/stream", handler.handleUserListsStream)
	protected.GET("/users/:id/followers", handler.handleFollowers)
	protected.GET("/users/:id/following", handler.handleFollowing)
	protected.GET("/users/:id/feed", handler.handleFeed)
	protected.GET("/users/:id/feed/stream", handler.handleFeedStream)
	protected.GET("/users/:id/recommendations", handler.handleRecommendations)
	protected.GET("/users/:id/recommendations/stream", handler.handleRecommendationsStream)
	protected.GET("/users/:id/similar", handler.handleSimilarUsers)
	protected.GET("/movies/search", handler.handleSearchMovies)
	protected.POST("/sessions", handler.handleCreateSession)
	protected.GET("/sessions/:id", handler.handleGetSession)
	protected.PUT("/sessions/:id", handler.handlePutSession)
	protected.PATCH("/sessions/:id", handler.handlePatchSession)
	protected.DELETE("/sessions/:id", handler.handleDeleteSession)

	return router, nil
}

// corsMiddleware allows every origin unless a list is configured, in which case credentials are
// allowed for exactly those origins.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) > 0 {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	engine     EventStore
	registry   *events.Registry
	idProvider events.IDProvider
	queries    *query.Service
	reader     *state.Reader
	live       *live.Registry
	sessions   *session.Store
	tokens     TokenValidator
	logger     *zap.Logger
	heartbeat  time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeRequest accepts the device token as a bearer header, or as an access_token query
// parameter for EventSource clients that cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "":
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	deviceID, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(deviceIDContextKey, deviceID)
	c.Next()
}

type codedError interface {
	Code() string
}

// respondError maps service errors onto statuses and reports the service error code.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, query.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, query.ErrInvalidQuery),
		errors.Is(err, events.ErrInvalidEvent),
		errors.Is(err, state.ErrInvalidSelection):
		status = http.StatusBadRequest
	}

	code := "internal_error"
	var coded codedError
	if errors.As(err, &coded) {
		code = coded.Code()
	} else if status == http.StatusBadRequest {
		code = "invalid_request"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}
