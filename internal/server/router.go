package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cardledger/internal/auth"
	"github.com/MarcoPoloResearchLab/cardledger/internal/cards"
	"github.com/MarcoPoloResearchLab/cardledger/internal/shadowsync"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ownerIDContextKey        = "cardledger_owner_id"
	accessTokenQueryParam    = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingRepository       = errors.New("card repository dependency required")
	errMissingSyncProvider     = errors.New("sync provider dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// SyncProvider hands out the shadow sync service of an owner.
type SyncProvider interface {
	For(ownerID string) (*shadowsync.Service, error)
}

// ImageSource reads stored card images.
type ImageSource interface {
	Open(ctx context.Context, ownerID, cardID string) ([]byte, error)
}

// ImageCache fronts ImageSource.
type ImageCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type Dependencies struct {
	Sessions          SessionValidator
	Repository        *cards.Repository
	Sync              SyncProvider
	Images            ImageSource
	ImageCache        ImageCache
	ImageCacheTTL     time.Duration
	HealthCheck       func(ctx context.Context) error
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Repository == nil {
		return nil, errMissingRepository
	}
	if deps.Sync == nil {
		return nil, errMissingSyncProvider
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:      deps.Sessions,
		repository:    deps.Repository,
		sync:          deps.Sync,
		images:        deps.Images,
		imageCache:    deps.ImageCache,
		imageCacheTTL: deps.ImageCacheTTL,
		healthCheck:   deps.HealthCheck,
		heartbeat:     heartbeat,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/images/:owner/:card", handler.handleImage)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/cards", handler.handleListCards)
	protected.POST("/cards", handler.handleCreateCard)
	protected.GET("/cards/stream", handler.handleCardStream)
	protected.POST("/cards/delete", handler.handleDeleteMany)
	protected.GET("/cards/:id", handler.handleGetCard)
	protected.PUT("/cards/:id", handler.handleUpdateCard)
	protected.DELETE("/cards/:id", handler.handleDeleteCard)
	protected.POST("/cards/:id/sold", handler.handleMarkSold)
	protected.GET("/sold", handler.handleListSold)

	protected.GET("/collections", handler.handleListCollections)
	protected.POST("/collections/recount", handler.handleRecountCollections)
	protected.PUT("/collections/:key", handler.handleUpsertCollection)
	protected.DELETE("/collections/:key", handler.handleDeleteCollection)
	protected.GET("/collections/:key/cards", handler.handleCollectionCards)
	protected.POST("/collections/:key/import", handler.handleImport)

	protected.POST("/sync/queue", handler.handleQueueUpdate)
	protected.POST("/sync/flush", handler.handleFlush)
	protected.GET("/sync/status", handler.handleSyncStatus)
	protected.PUT("/sync/enabled", handler.handleSyncEnabled)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions      SessionValidator
	repository    *cards.Repository
	sync          SyncProvider
	images        ImageSource
	imageCache    ImageCache
	imageCacheTTL time.Duration
	healthCheck   func(ctx context.Context) error
	heartbeat     time.Duration
	logger        *zap.Logger
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
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerIDContextKey, claims.OwnerID)
	c.Next()
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ownerID(c *gin.Context) string {
	return c.GetString(ownerIDContextKey)
}
