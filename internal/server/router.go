package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/conflict"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/engine"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/record"
	"go.uber.org/zap"
)

var errMissingEngine = errors.New("sync engine dependency required")

// Dependencies lists what the control API needs to serve requests.
type Dependencies struct {
	Engine *engine.Engine
	Logger *zap.Logger
}

// NewHTTPHandler builds the local control API consumed by the shell
// application on the device. It never talks to the remote server itself;
// it only drives and observes the engine.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
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
		engine: deps.Engine,
		logger: logger,
	}

	router.POST("/sync/trigger", handler.handleTrigger)
	router.POST("/sync/retry-failed", handler.handleRetryFailed)
	router.GET("/sync/pending", handler.handlePending)
	router.GET("/sync/status", handler.handleStatus)
	router.GET("/sync/conflicts", handler.handleConflicts)
	router.POST("/sync/conflicts/resolve", handler.handleResolveConflict)
	router.GET("/sync/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	engine *engine.Engine
	logger *zap.Logger
}

func (h *httpHandler) handleTrigger(c *gin.Context) {
	h.engine.TriggerSync()
	c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
}

func (h *httpHandler) handleRetryFailed(c *gin.Context) {
	reset, err := h.engine.RetryFailed(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to reset failed mutations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retry_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": reset})
}

func (h *httpHandler) handlePending(c *gin.Context) {
	count, err := h.engine.PendingCount(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to count pending mutations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pending_count_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": count})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	status, err := h.engine.Status(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to build status snapshot", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleConflicts(c *gin.Context) {
	views, err := h.engine.Conflicts(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list conflicts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "conflicts_failed"})
		return
	}
	if views == nil {
		views = []conflict.View{}
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": views})
}

type resolveRequestPayload struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Choice     string `json:"choice"`
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.EntityType) == "" ||
		strings.TrimSpace(request.EntityID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.engine.ResolveConflict(c.Request.Context(), request.EntityType, request.EntityID, request.Choice)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "resolved"})
	case errors.Is(err, record.ErrInvalidEntityType),
		errors.Is(err, record.ErrInvalidEntityID),
		errors.Is(err, conflict.ErrUnknownChoice):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, conflict.ErrNotConflicted):
		c.JSON(http.StatusConflict, gin.H{"error": "not_conflicted"})
	case errors.Is(err, conflict.ErrSnapshotUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "snapshot_unavailable"})
	default:
		h.logger.Error("failed to resolve conflict",
			zap.String("entity_type", request.EntityType),
			zap.String("entity_id", request.EntityID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve_failed"})
	}
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	events, unsubscribe := h.engine.Subscribe(c.Request.Context())
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn("failed to encode sync event", zap.Error(err))
				return true
			}
			c.SSEvent(event.Type, string(payload))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
