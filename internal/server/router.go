// Package server exposes the reference sync API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/datosfinca/agrobodega/internal/auth"
	"github.com/datosfinca/agrobodega/internal/protocol"
	"github.com/datosfinca/agrobodega/internal/records"
	"github.com/datosfinca/agrobodega/internal/remote"
	"github.com/datosfinca/agrobodega/internal/warehouses"
)

const (
	userIDContextKey         = "datosfinca_user_id"
	accessTokenQueryParam    = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
	maxSyncBodyBytes         = 32 << 20
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingSyncService    = errors.New("sync service dependency required")
	errMissingAccessControl  = errors.New("access control dependency required")
)

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// SyncService applies sync requests and answers collection queries.
type SyncService interface {
	Sync(ctx context.Context, userID string, request protocol.SyncRequest) (protocol.SyncResponse, error)
	List(ctx context.Context, warehouseID string, collection records.Collection) ([]records.Record, error)
}

// AccessControl decides whether a user may act on a warehouse.
type AccessControl interface {
	Authorize(ctx context.Context, warehouseID, userID string, required warehouses.Role) error
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Tokens            TokenValidator
	Sync              SyncService
	Access            AccessControl
	Feed              *ChangeFeed
	Logger            *zap.Logger
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Clock             func() time.Time
}

// NewHTTPHandler builds the gin engine serving the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Sync == nil {
		return nil, errMissingSyncService
	}
	if deps.Access == nil {
		return nil, errMissingAccessControl
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	feed := deps.Feed
	if feed == nil {
		feed = NewChangeFeed()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		tokens:    deps.Tokens,
		sync:      deps.Sync,
		access:    deps.Access,
		feed:      feed,
		logger:    logger,
		heartbeat: heartbeat,
		clock:     clock,
	}

	router.GET(protocol.HealthPath, handler.handleHealth)

	api := router.Group("/api/v1")
	api.Use(handler.authorizeRequest)
	api.POST("/sync", handler.handleSync)
	api.GET("/warehouses/:warehouseId/stream", handler.handleStream)
	api.GET("/warehouses/:warehouseId/:collection", handler.handleList)

	return router, nil
}

type httpHandler struct {
	tokens    TokenValidator
	sync      SyncService
	access    AccessControl
	feed      *ChangeFeed
	logger    *zap.Logger
	heartbeat time.Duration
	clock     func() time.Time
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		if userID := c.GetString(userIDContextKey); userID != "" {
			fields = append(fields, zap.String("user_id", userID))
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("http request", fields...)
			return
		}
		logger.Debug("http request", fields...)
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": records.FormatTime(h.clock())})
}

func (h *httpHandler) handleSync(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSyncBodyBytes)
	var request protocol.SyncRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	warehouseID := request.Owner()
	if warehouseID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": remote.ReasonMissingOwnerGroup})
		return
	}
	if !h.authorize(c, warehouseID, userID, warehouses.RoleEditor) {
		return
	}

	response, err := h.sync.Sync(c.Request.Context(), userID, request)
	if err != nil {
		h.writeServiceError(c, "sync_failed", err)
		return
	}

	if accepted := collectAcceptedIDs(response); accepted != nil {
		h.feed.Publish(ChangeMessage{
			WarehouseID: warehouseID,
			EventType:   EventRecordsChanged,
			Records:     accepted,
			ServerTime:  response.ServerTime,
			Timestamp:   h.clock().UTC(),
		})
	}
	c.JSON(http.StatusOK, response)
}

type listResponsePayload struct {
	WarehouseID string            `json:"warehouseId"`
	Collection  string            `json:"collection"`
	Records     []json.RawMessage `json:"records"`
}

func (h *httpHandler) handleList(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	warehouseID := strings.TrimSpace(c.Param("warehouseId"))
	collection, err := parseCollectionParam(c.Param("collection"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": remote.ReasonInvalidCollection})
		return
	}
	if !h.authorize(c, warehouseID, userID, warehouses.RoleViewer) {
		return
	}

	stored, err := h.sync.List(c.Request.Context(), warehouseID, collection)
	if err != nil {
		h.writeServiceError(c, "query_failed", err)
		return
	}
	payload := listResponsePayload{
		WarehouseID: warehouseID,
		Collection:  collection.WireName(),
		Records:     make([]json.RawMessage, 0, len(stored)),
	}
	for _, record := range stored {
		raw, err := records.MarshalWire(record)
		if err != nil {
			h.logger.Error("failed to encode stored record", zap.String("record_id", record.ID), zap.Error(err))
			continue
		}
		payload.Records = append(payload.Records, raw)
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	warehouseID := strings.TrimSpace(c.Param("warehouseId"))
	if !h.authorize(c, warehouseID, userID, warehouses.RoleViewer) {
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.feed.Subscribe(ctx, warehouseID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent(eventHeartbeat, gin.H{"source": eventSource, "time": records.FormatTime(h.clock())})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, gin.H{
				"source":      eventSource,
				"warehouseId": message.WarehouseID,
				"records":     message.Records,
				"serverTime":  message.ServerTime,
			})
			return true
		case <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"source": eventSource, "time": records.FormatTime(h.clock())})
			return true
		}
	})
}

func (h *httpHandler) authorize(c *gin.Context, warehouseID, userID string, required warehouses.Role) bool {
	if warehouseID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": remote.ReasonMissingOwnerGroup})
		return false
	}
	err := h.access.Authorize(c.Request.Context(), warehouseID, userID, required)
	if err == nil {
		return true
	}
	if errors.Is(err, warehouses.ErrForbidden) {
		h.logger.Info("warehouse access denied",
			zap.String("warehouse_id", warehouseID),
			zap.String("user_id", userID),
			zap.String("required_role", string(required)))
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return false
	}
	h.logger.Error("warehouse access check failed", zap.String("warehouse_id", warehouseID), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "access_check_failed"})
	return false
}

func (h *httpHandler) writeServiceError(c *gin.Context, fallback string, err error) {
	response := gin.H{"error": fallback}
	var serviceErr *remote.ServiceError
	if errors.As(err, &serviceErr) {
		response["code"] = serviceErr.Code()
	}
	if remote.IsInvalidRequest(err) {
		response["error"] = "invalid_request"
		c.JSON(http.StatusBadRequest, response)
		return
	}
	h.logger.Error("sync service failure", zap.Error(err))
	c.JSON(http.StatusInternalServerError, response)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.BearerToken(c.GetHeader("Authorization"))
	if err != nil && c.Request.Method == http.MethodGet {
		if queryToken := strings.TrimSpace(c.Query(accessTokenQueryParam)); queryToken != "" {
			token, err = queryToken, nil
		}
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.ErrMissingBearer.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func parseCollectionParam(raw string) (records.Collection, error) {
	if collection, err := records.ParseCollection(raw); err == nil {
		return collection, nil
	}
	return records.ParseWireName(raw)
}
